package pdu

import (
	"encoding/binary"
	"fmt"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
)

const (
	protocolVersion   = 0x0001
	fixedFieldsLength = 68
)

// Presentation context results carried in A-ASSOCIATE-AC.
const (
	ResultAcceptance                   byte = 0x00
	ResultUserRejection                byte = 0x01
	ResultNoReason                     byte = 0x02
	ResultAbstractSyntaxNotSupported   byte = 0x03
	ResultTransferSyntaxesNotSupported byte = 0x04
)

// ResultName renders a presentation context result for logs.
func ResultName(result byte) string {
	switch result {
	case ResultAcceptance:
		return "acceptance"
	case ResultUserRejection:
		return "user-rejection"
	case ResultNoReason:
		return "no-reason"
	case ResultAbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case ResultTransferSyntaxesNotSupported:
		return "transfer-syntaxes-not-supported"
	default:
		return fmt.Sprintf("result-0x%02x", result)
	}
}

// PresentationContextProposal is a 0x20 item of an A-ASSOCIATE-RQ.
type PresentationContextProposal struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextResult is a 0x21 item of an A-ASSOCIATE-AC.
type PresentationContextResult struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// UserInformation holds the sub-items of the 0x50 item.
type UserInformation struct {
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	// AsyncOperationsWindow is nil when the sub-item is absent, which means
	// one operation at a time in each direction.
	AsyncOperationsWindow *AsyncOperationsWindow
}

// AsyncOperationsWindow negotiates how many operations may be outstanding.
// Zero means unlimited.
type AsyncOperationsWindow struct {
	MaxOperationsInvoked   uint16
	MaxOperationsPerformed uint16
}

func (u UserInformation) encode() []byte {
	var sub []byte

	maxLength := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLength, u.MaxPDULength)
	sub = appendItem(sub, itemMaxLength, maxLength)

	if u.ImplementationClassUID != "" {
		sub = appendItem(sub, itemImplementationClass, []byte(u.ImplementationClassUID))
	}
	if u.AsyncOperationsWindow != nil {
		window := make([]byte, 4)
		binary.BigEndian.PutUint16(window[0:2], u.AsyncOperationsWindow.MaxOperationsInvoked)
		binary.BigEndian.PutUint16(window[2:4], u.AsyncOperationsWindow.MaxOperationsPerformed)
		sub = appendItem(sub, itemAsyncOperationsWindow, window)
	}
	if u.ImplementationVersionName != "" {
		name := u.ImplementationVersionName
		if len(name) > 16 {
			name = name[:16]
		}
		sub = appendItem(sub, itemImplementationVersion, []byte(name))
	}

	return appendItem(nil, itemUserInformation, sub)
}

func parseUserInformation(pduType byte, data []byte) (UserInformation, error) {
	var info UserInformation
	items, err := parseItems(pduType, data)
	if err != nil {
		return info, err
	}
	for _, it := range items {
		switch it.Type {
		case itemMaxLength:
			if len(it.Value) == 4 {
				info.MaxPDULength = binary.BigEndian.Uint32(it.Value)
			}
		case itemImplementationClass:
			info.ImplementationClassUID = normalizeUID(it.Value)
		case itemAsyncOperationsWindow:
			if len(it.Value) == 4 {
				info.AsyncOperationsWindow = &AsyncOperationsWindow{
					MaxOperationsInvoked:   binary.BigEndian.Uint16(it.Value[0:2]),
					MaxOperationsPerformed: binary.BigEndian.Uint16(it.Value[2:4]),
				}
			}
		case itemImplementationVersion:
			info.ImplementationVersionName = trimAETitle(it.Value)
		}
	}
	return info, nil
}

func encodeFixedFields(calledAE, callingAE string) []byte {
	fixed := make([]byte, fixedFieldsLength)
	binary.BigEndian.PutUint16(fixed[0:2], protocolVersion)
	copy(fixed[4:20], padAETitle(calledAE))
	copy(fixed[20:36], padAETitle(callingAE))
	return fixed
}

// AssociateRQ is the A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextProposal
	UserInformation      UserInformation
}

// Encode builds the PDU.
func (rq *AssociateRQ) Encode() *PDU {
	data := encodeFixedFields(rq.CalledAETitle, rq.CallingAETitle)
	data = appendItem(data, itemApplicationContext, []byte(rq.ApplicationContext))

	for _, pc := range rq.PresentationContexts {
		var sub []byte
		sub = append(sub, pc.ID, 0x00, 0x00, 0x00)
		sub = appendItem(sub, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			sub = appendItem(sub, itemTransferSyntax, []byte(ts))
		}
		data = appendItem(data, itemPresentationContextRQ, sub)
	}

	data = append(data, rq.UserInformation.encode()...)
	return &PDU{Type: TypeAssociateRQ, Data: data}
}

// DecodeAssociateRQ parses the data of an A-ASSOCIATE-RQ PDU.
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < fixedFieldsLength {
		return nil, dicomerrors.NewPDUError(TypeAssociateRQ, "association request too short")
	}

	rq := &AssociateRQ{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	items, err := parseItems(TypeAssociateRQ, data[fixedFieldsLength:])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		switch it.Type {
		case itemApplicationContext:
			rq.ApplicationContext = normalizeUID(it.Value)
		case itemPresentationContextRQ:
			pc, err := parsePresentationContextProposal(it.Value)
			if err != nil {
				return nil, err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, pc)
		case itemUserInformation:
			info, err := parseUserInformation(TypeAssociateRQ, it.Value)
			if err != nil {
				return nil, err
			}
			rq.UserInformation = info
		}
	}
	return rq, nil
}

func parsePresentationContextProposal(data []byte) (PresentationContextProposal, error) {
	var pc PresentationContextProposal
	if len(data) < 4 {
		return pc, dicomerrors.NewPDUError(TypeAssociateRQ, fmt.Sprintf("presentation context too short: %d", len(data)))
	}
	pc.ID = data[0]

	items, err := parseItems(TypeAssociateRQ, data[4:])
	if err != nil {
		return pc, err
	}
	for _, it := range items {
		switch it.Type {
		case itemAbstractSyntax:
			pc.AbstractSyntax = normalizeUID(it.Value)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(it.Value))
		}
	}
	if pc.AbstractSyntax == "" {
		return pc, dicomerrors.NewPDUError(TypeAssociateRQ, fmt.Sprintf("presentation context %d missing abstract syntax", pc.ID))
	}
	return pc, nil
}

// AssociateAC is the A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextResult
	UserInformation      UserInformation
}

// Encode builds the PDU. Rejected contexts carry no transfer syntax sub-item.
func (ac *AssociateAC) Encode() *PDU {
	data := encodeFixedFields(ac.CalledAETitle, ac.CallingAETitle)
	data = appendItem(data, itemApplicationContext, []byte(ac.ApplicationContext))

	for _, pc := range ac.PresentationContexts {
		var sub []byte
		sub = append(sub, pc.ID, 0x00, pc.Result, 0x00)
		if pc.Result == ResultAcceptance {
			sub = appendItem(sub, itemTransferSyntax, []byte(pc.TransferSyntax))
		}
		data = appendItem(data, itemPresentationContextAC, sub)
	}

	data = append(data, ac.UserInformation.encode()...)
	return &PDU{Type: TypeAssociateAC, Data: data}
}

// DecodeAssociateAC parses the data of an A-ASSOCIATE-AC PDU.
func DecodeAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < fixedFieldsLength {
		return nil, dicomerrors.NewPDUError(TypeAssociateAC, "association accept too short")
	}

	ac := &AssociateAC{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	items, err := parseItems(TypeAssociateAC, data[fixedFieldsLength:])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		switch it.Type {
		case itemApplicationContext:
			ac.ApplicationContext = normalizeUID(it.Value)
		case itemPresentationContextAC:
			if len(it.Value) < 4 {
				return nil, dicomerrors.NewPDUError(TypeAssociateAC, "presentation context result too short")
			}
			pc := PresentationContextResult{ID: it.Value[0], Result: it.Value[2]}
			subItems, err := parseItems(TypeAssociateAC, it.Value[4:])
			if err != nil {
				return nil, err
			}
			for _, sub := range subItems {
				if sub.Type == itemTransferSyntax {
					pc.TransferSyntax = normalizeUID(sub.Value)
				}
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		case itemUserInformation:
			info, err := parseUserInformation(TypeAssociateAC, it.Value)
			if err != nil {
				return nil, err
			}
			ac.UserInformation = info
		}
	}
	return ac, nil
}

// AssociateRJ is the A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result dicomerrors.AssociationRejectResult
	Source dicomerrors.AssociationRejectSource
	Reason dicomerrors.AssociationRejectReason
}

// Encode builds the PDU.
func (rj *AssociateRJ) Encode() *PDU {
	return &PDU{Type: TypeAssociateRJ, Data: []byte{0x00, byte(rj.Result), byte(rj.Source), byte(rj.Reason)}}
}

// DecodeAssociateRJ parses the data of an A-ASSOCIATE-RJ PDU.
func DecodeAssociateRJ(data []byte) (*AssociateRJ, error) {
	if len(data) < 4 {
		return nil, dicomerrors.NewPDUError(TypeAssociateRJ, "association reject too short")
	}
	return &AssociateRJ{
		Result: dicomerrors.AssociationRejectResult(data[1]),
		Source: dicomerrors.AssociationRejectSource(data[2]),
		Reason: dicomerrors.AssociationRejectReason(data[3]),
	}, nil
}

// Abort is the A-ABORT PDU.
type Abort struct {
	Source dicomerrors.AbortSource
	Reason dicomerrors.AbortReason
}

// Encode builds the PDU.
func (a *Abort) Encode() *PDU {
	return &PDU{Type: TypeAbort, Data: []byte{0x00, 0x00, byte(a.Source), byte(a.Reason)}}
}

// DecodeAbort parses the data of an A-ABORT PDU. Short payloads are tolerated
// and reported as a not-specified abort from the service user.
func DecodeAbort(data []byte) *Abort {
	a := &Abort{Source: dicomerrors.AbortSourceServiceUser, Reason: dicomerrors.AbortReasonNotSpecified}
	if len(data) >= 4 {
		a.Source = dicomerrors.AbortSource(data[2])
		a.Reason = dicomerrors.AbortReason(data[3])
	}
	return a
}

// NewReleaseRQ builds an A-RELEASE-RQ PDU.
func NewReleaseRQ() *PDU {
	return &PDU{Type: TypeReleaseRQ, Data: make([]byte, 4)}
}

// NewReleaseRP builds an A-RELEASE-RP PDU.
func NewReleaseRP() *PDU {
	return &PDU{Type: TypeReleaseRP, Data: make([]byte, 4)}
}
