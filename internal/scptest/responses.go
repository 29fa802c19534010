package scptest

import "github.com/caio-sobreiro/dicomclient/types"

// Failure statuses sent by the test services.
const (
	StatusUnrecognizedOperation  = 0x0211
	StatusMoveDestinationUnknown = 0xA801
)

// CreateErrorResponse creates a response to req with status and no dataset.
func CreateErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// NewCEchoResponse creates a C-ECHO-RSP.
func NewCEchoResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// NewCStoreResponse creates a C-STORE-RSP echoing the affected instance.
func NewCStoreResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

func cFindResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CFindRSP,
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// NewCFindPendingResponse creates a pending C-FIND-RSP; the match follows as
// its dataset.
func NewCFindPendingResponse(req *types.Message) *types.Message {
	return cFindResponse(req, types.StatusPending)
}

// NewCFindSuccessResponse creates the final C-FIND-RSP.
func NewCFindSuccessResponse(req *types.Message) *types.Message {
	return cFindResponse(req, types.StatusSuccess)
}

func cMoveResponse(req *types.Message, status uint16, completed, failed, warning, remaining *uint16) *types.Message {
	return &types.Message{
		CommandField:                   types.CMoveRSP,
		MessageIDBeingRespondedTo:      req.MessageID,
		AffectedSOPClassUID:            req.AffectedSOPClassUID,
		CommandDataSetType:             types.NoDataSet,
		Status:                         status,
		NumberOfCompletedSuboperations: completed,
		NumberOfFailedSuboperations:    failed,
		NumberOfWarningSuboperations:   warning,
		NumberOfRemainingSuboperations: remaining,
	}
}

// NewCMovePendingResponse creates a pending C-MOVE-RSP with sub-operation counts.
func NewCMovePendingResponse(req *types.Message, completed, failed, warning, remaining uint16) *types.Message {
	return cMoveResponse(req, types.StatusPending, &completed, &failed, &warning, &remaining)
}

// NewCMoveSuccessResponse creates the final C-MOVE-RSP.
func NewCMoveSuccessResponse(req *types.Message, completed, failed, warning uint16) *types.Message {
	remaining := uint16(0)
	return cMoveResponse(req, types.StatusSuccess, &completed, &failed, &warning, &remaining)
}

// NewCMoveErrorResponse creates a failed C-MOVE-RSP without counts.
func NewCMoveErrorResponse(req *types.Message, status uint16) *types.Message {
	return cMoveResponse(req, status, nil, nil, nil, nil)
}
