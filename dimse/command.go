// Package dimse encodes DIMSE command sets and moves DIMSE messages in and out
// of P-DATA-TF PDUs.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/types"
)

// Command group element numbers.
const (
	tagGroupLength            = 0x0000
	tagAffectedSOPClassUID    = 0x0002
	tagRequestedSOPClassUID   = 0x0003
	tagCommandField           = 0x0100
	tagMessageID              = 0x0110
	tagMessageIDRespondedTo   = 0x0120
	tagMoveDestination        = 0x0600
	tagPriority               = 0x0700
	tagCommandDataSetType     = 0x0800
	tagStatus                 = 0x0900
	tagErrorComment           = 0x0902
	tagAffectedSOPInstanceUID = 0x1000
	tagRemainingSuboperations = 0x1020
	tagCompletedSuboperations = 0x1021
	tagFailedSuboperations    = 0x1022
	tagWarningSuboperations   = 0x1023
)

// EncodeCommand encodes a DIMSE command set using Implicit VR Little Endian.
// Elements are written in ascending tag order, optional ones only when set.
// Requests always carry a message ID and responses always carry a status.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	if msg.CommandField == 0 {
		return nil, fmt.Errorf("%w: command field not set", dicomerrors.ErrInvalidMessage)
	}

	buf := make([]byte, 0, 256)
	buf = AppendImplicitElement(buf, 0x0000, tagGroupLength, make([]byte, 4))
	lengthPos := len(buf) - 4

	buf = appendUID(buf, tagAffectedSOPClassUID, msg.AffectedSOPClassUID)
	buf = appendUID(buf, tagRequestedSOPClassUID, msg.RequestedSOPClassUID)
	buf = appendUint16(buf, tagCommandField, msg.CommandField)
	if !msg.IsResponse() {
		buf = appendUint16(buf, tagMessageID, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = appendUint16(buf, tagMessageIDRespondedTo, msg.MessageIDBeingRespondedTo)
	}
	if msg.MoveDestination != "" {
		buf = appendText(buf, tagMoveDestination, msg.MoveDestination)
	}
	if msg.CommandField == types.CStoreRQ || msg.CommandField == types.CFindRQ || msg.CommandField == types.CMoveRQ {
		buf = appendUint16(buf, tagPriority, msg.Priority)
	}
	buf = appendUint16(buf, tagCommandDataSetType, msg.CommandDataSetType)
	if msg.IsResponse() {
		buf = appendUint16(buf, tagStatus, msg.Status)
	}
	if msg.ErrorComment != "" {
		buf = appendText(buf, tagErrorComment, msg.ErrorComment)
	}
	buf = appendUID(buf, tagAffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)

	for _, counter := range []struct {
		element uint16
		value   *uint16
	}{
		{tagRemainingSuboperations, msg.NumberOfRemainingSuboperations},
		{tagCompletedSuboperations, msg.NumberOfCompletedSuboperations},
		{tagFailedSuboperations, msg.NumberOfFailedSuboperations},
		{tagWarningSuboperations, msg.NumberOfWarningSuboperations},
	} {
		if counter.value != nil {
			buf = appendUint16(buf, counter.element, *counter.value)
		}
	}

	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], uint32(len(buf)-lengthPos-4))
	return buf, nil
}

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func appendUint16(buf []byte, element, value uint16) []byte {
	return AppendImplicitElement(buf, 0x0000, element, binary.LittleEndian.AppendUint16(nil, value))
}

// UIDs are padded with NUL, text with a space.
func appendUID(buf []byte, element uint16, uid string) []byte {
	if uid == "" {
		return buf
	}
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return AppendImplicitElement(buf, 0x0000, element, value)
}

func appendText(buf []byte, element uint16, text string) []byte {
	value := []byte(text)
	if len(value)%2 == 1 {
		value = append(value, ' ')
	}
	return AppendImplicitElement(buf, 0x0000, element, value)
}

// DecodeCommand decodes a DIMSE command set. Unknown elements are skipped.
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: types.NoDataSet,
	}
	seenCommandField := false

	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated element header at offset %d", dicomerrors.ErrInvalidMessage, offset)
		}
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		end := offset + 8 + length
		if length < 0 || end > len(data) {
			return nil, fmt.Errorf("%w: element (%04x,%04x) exceeds command length", dicomerrors.ErrInvalidMessage, group, element)
		}
		value := data[offset+8 : end]
		offset = end

		if group != 0x0000 {
			continue
		}

		switch element {
		case tagAffectedSOPClassUID:
			msg.AffectedSOPClassUID = trimValue(value)
		case tagRequestedSOPClassUID:
			msg.RequestedSOPClassUID = trimValue(value)
		case tagCommandField:
			msg.CommandField = readUint16(value)
			seenCommandField = true
		case tagMessageID:
			msg.MessageID = readUint16(value)
		case tagMessageIDRespondedTo:
			msg.MessageIDBeingRespondedTo = readUint16(value)
		case tagMoveDestination:
			msg.MoveDestination = trimValue(value)
		case tagPriority:
			msg.Priority = readUint16(value)
		case tagCommandDataSetType:
			msg.CommandDataSetType = readUint16(value)
		case tagStatus:
			msg.Status = readUint16(value)
		case tagErrorComment:
			msg.ErrorComment = trimValue(value)
		case tagAffectedSOPInstanceUID:
			msg.AffectedSOPInstanceUID = trimValue(value)
		case tagRemainingSuboperations:
			msg.NumberOfRemainingSuboperations = readCounter(value)
		case tagCompletedSuboperations:
			msg.NumberOfCompletedSuboperations = readCounter(value)
		case tagFailedSuboperations:
			msg.NumberOfFailedSuboperations = readCounter(value)
		case tagWarningSuboperations:
			msg.NumberOfWarningSuboperations = readCounter(value)
		}
	}

	if !seenCommandField {
		return nil, fmt.Errorf("%w: missing command field", dicomerrors.ErrInvalidMessage)
	}
	return msg, nil
}

func trimValue(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

func readUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[:2])
}

func readCounter(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value[:2])
	return &v
}
