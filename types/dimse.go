package types

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
)

// DIMSE Status codes
const (
	StatusSuccess            = 0x0000
	StatusCancel             = 0xFE00
	StatusPending            = 0xFF00
	StatusPendingWithWarning = 0xFF01
	StatusFailure            = 0xC000
)

// Priorities carried in (0000,0700).
const (
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
	PriorityLow    = 0x0002
)

// CommandDataSetType values for (0000,0800).
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string
	ErrorComment              string

	// C-MOVE response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataSet reports whether a dataset follows the command.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != NoDataSet
}

// IsResponse reports whether the command field has the response bit set.
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// CommandName returns a short name such as C-ECHO-RQ for log output.
func CommandName(field uint16) string {
	switch field {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CFindRQ:
		return "C-FIND-RQ"
	case CFindRSP:
		return "C-FIND-RSP"
	case CMoveRQ:
		return "C-MOVE-RQ"
	case CMoveRSP:
		return "C-MOVE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	default:
		return "UNKNOWN"
	}
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	return request | 0x8000
}

// IsPendingStatus reports whether more responses follow for the same request.
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWithWarning
}

// IsSuccessStatus reports a plain success.
func IsSuccessStatus(status uint16) bool {
	return status == StatusSuccess
}

// IsWarningStatus reports a warning status (0x0001 or 0xBxxx).
func IsWarningStatus(status uint16) bool {
	return status == 0x0001 || status&0xF000 == 0xB000
}

// IsFailureStatus reports a failure status (0xAxxx, 0xCxxx or the refused/unrecognised ranges).
func IsFailureStatus(status uint16) bool {
	switch {
	case status&0xF000 == 0xA000, status&0xF000 == 0xC000:
		return true
	case status == 0x0122, status == 0x0124, status == 0x0210, status == 0x0211, status == 0x0212:
		return true
	}
	return false
}
