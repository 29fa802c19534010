// Package pdu encodes and decodes the DICOM Upper Layer Protocol Data Units
// exchanged by an association requestor.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Item types used inside association PDUs.
const (
	itemApplicationContext    = 0x10
	itemPresentationContextRQ = 0x20
	itemPresentationContextAC = 0x21
	itemAbstractSyntax        = 0x30
	itemTransferSyntax        = 0x40
	itemUserInformation       = 0x50
	itemMaxLength             = 0x51
	itemImplementationClass   = 0x52
	itemAsyncOperationsWindow = 0x53
	itemImplementationVersion = 0x55
)

const headerLength = 6

// DefaultMaxPDULength is used when the peer does not announce a limit.
const DefaultMaxPDULength = 16384

// PDU represents a Protocol Data Unit
type PDU struct {
	Type byte
	Data []byte
}

// TypeName returns the service primitive name of a PDU type.
func TypeName(pduType byte) string {
	switch pduType {
	case TypeAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case TypeAssociateAC:
		return "A-ASSOCIATE-AC"
	case TypeAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case TypePDataTF:
		return "P-DATA-TF"
	case TypeReleaseRQ:
		return "A-RELEASE-RQ"
	case TypeReleaseRP:
		return "A-RELEASE-RP"
	case TypeAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", pduType)
	}
}

// Bytes returns the PDU with its 6 byte header.
func (p *PDU) Bytes() []byte {
	buf := make([]byte, headerLength, headerLength+len(p.Data))
	buf[0] = p.Type
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(p.Data)))
	return append(buf, p.Data...)
}

// Write sends the PDU in a single write so concurrent writers never interleave.
func Write(w io.Writer, p *PDU) error {
	if _, err := w.Write(p.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", TypeName(p.Type), err)
	}
	return nil
}

// Read reads a complete PDU. A maxLength of zero disables the length check.
// io.EOF is returned unwrapped when the stream ends on a PDU boundary.
func Read(r io.Reader, maxLength uint32) (*PDU, error) {
	header := make([]byte, headerLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	length := binary.BigEndian.Uint32(header[2:6])
	if pduType < TypeAssociateRQ || pduType > TypeAbort {
		return nil, dicomerrors.NewPDUError(pduType, "unrecognized PDU type")
	}
	if maxLength > 0 && length > maxLength {
		return nil, dicomerrors.NewPDUError(pduType, fmt.Sprintf("length %d exceeds limit %d", length, maxLength))
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read %s data: %w", TypeName(pduType), err)
	}

	return &PDU{Type: pduType, Data: data}, nil
}

// item is a generic type/length/value entry of an association PDU.
type item struct {
	Type  byte
	Value []byte
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00, 0x00, 0x00)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(len(value)))
	return append(buf, value...)
}

func parseItems(pduType byte, data []byte) ([]item, error) {
	var items []item
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, dicomerrors.NewPDUError(pduType, "truncated item header")
		}
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		end := offset + 4 + length
		if end > len(data) {
			return nil, dicomerrors.NewPDUError(pduType, fmt.Sprintf("item 0x%02x exceeds PDU length", data[offset]))
		}
		items = append(items, item{Type: data[offset], Value: data[offset+4 : end]})
		offset = end
	}
	return items, nil
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func padAETitle(title string) []byte {
	if len(title) > 16 {
		title = title[:16]
	}
	return []byte(fmt.Sprintf("%-16s", title))
}

func trimAETitle(raw []byte) string {
	title := string(raw)
	if idx := strings.IndexByte(title, 0); idx != -1 {
		title = title[:idx]
	}
	return strings.TrimSpace(title)
}
