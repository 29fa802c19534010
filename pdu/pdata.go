package pdu

import (
	"encoding/binary"
	"fmt"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
)

// Message control header bits of a PDV.
const (
	ControlCommand      byte = 0x01
	ControlLastFragment byte = 0x02
)

// pdvOverhead is the PDV item length field plus the context ID and control header.
const pdvOverhead = 6

// PDV is a Presentation Data Value item of a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

func (v PDV) control() byte {
	var header byte
	if v.Command {
		header |= ControlCommand
	}
	if v.Last {
		header |= ControlLastFragment
	}
	return header
}

// MaxPDVData returns how many bytes of message data fit in a single-PDV
// P-DATA-TF PDU whose data is limited to maxPDULength.
func MaxPDVData(maxPDULength uint32) int {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	return int(maxPDULength) - pdvOverhead
}

// EncodePDataTF builds a P-DATA-TF PDU carrying the given PDVs.
func EncodePDataTF(pdvs ...PDV) *PDU {
	size := 0
	for _, v := range pdvs {
		size += pdvOverhead + len(v.Data)
	}

	data := make([]byte, 0, size)
	for _, v := range pdvs {
		length := make([]byte, 4)
		binary.BigEndian.PutUint32(length, uint32(len(v.Data)+2))
		data = append(data, length...)
		data = append(data, v.ContextID, v.control())
		data = append(data, v.Data...)
	}
	return &PDU{Type: TypePDataTF, Data: data}
}

// DecodePDataTF splits P-DATA-TF data into its PDVs.
func DecodePDataTF(data []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(data) {
		if offset+pdvOverhead > len(data) {
			return nil, dicomerrors.NewPDUError(TypePDataTF, "malformed PDV encountered")
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		if length < 2 {
			return nil, dicomerrors.NewPDUError(TypePDataTF, fmt.Sprintf("PDV length %d too short", length))
		}
		end := offset + 4 + int(length)
		if end > len(data) {
			return nil, dicomerrors.NewPDUError(TypePDataTF, "PDV length exceeds PDU payload")
		}
		control := data[offset+5]
		pdvs = append(pdvs, PDV{
			ContextID: data[offset+4],
			Command:   control&ControlCommand != 0,
			Last:      control&ControlLastFragment != 0,
			Data:      data[offset+6 : end],
		})
		offset = end
	}
	return pdvs, nil
}
