package dimse

import (
	"fmt"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

// Message is a complete DIMSE message received on one presentation context.
type Message struct {
	ContextID byte
	Command   *types.Message
	Dataset   []byte
}

// Encode encodes the command and splits command and dataset into P-DATA-TF
// PDUs that respect the peer's maximum PDU length.
func Encode(contextID byte, maxPDULength uint32, command *types.Message, dataset []byte) ([]*pdu.PDU, error) {
	commandData, err := EncodeCommand(command)
	if err != nil {
		return nil, err
	}
	pdus := Fragment(contextID, maxPDULength, commandData, true)
	if len(dataset) > 0 {
		pdus = append(pdus, Fragment(contextID, maxPDULength, dataset, false)...)
	}
	return pdus, nil
}

// Fragment splits data into single-PDV P-DATA-TF PDUs. The last one carries
// the last-fragment bit.
func Fragment(contextID byte, maxPDULength uint32, data []byte, command bool) []*pdu.PDU {
	chunk := pdu.MaxPDVData(maxPDULength)

	var pdus []*pdu.PDU
	for offset := 0; ; {
		end := offset + chunk
		last := end >= len(data)
		if last {
			end = len(data)
		}
		pdus = append(pdus, pdu.EncodePDataTF(pdu.PDV{
			ContextID: contextID,
			Command:   command,
			Last:      last,
			Data:      data[offset:end],
		}))
		if last {
			return pdus
		}
		offset = end
	}
}

// Assembler reassembles PDVs into DIMSE messages. It is not safe for
// concurrent use; the connection's read loop owns it.
type Assembler struct {
	contextID byte
	active    bool
	command   []byte
	dataset   []byte
	msg       *types.Message
}

// Add consumes one PDV and returns a message once its command and, if
// announced, its dataset are complete.
func (a *Assembler) Add(v pdu.PDV) (*Message, error) {
	if a.active && v.ContextID != a.contextID {
		return nil, fmt.Errorf("%w: PDV for context %d interleaved with message on context %d",
			dicomerrors.ErrInvalidMessage, v.ContextID, a.contextID)
	}
	a.active = true
	a.contextID = v.ContextID

	if v.Command {
		if a.msg != nil {
			return nil, fmt.Errorf("%w: command fragment after complete command", dicomerrors.ErrInvalidMessage)
		}
		a.command = append(a.command, v.Data...)
		if !v.Last {
			return nil, nil
		}
		msg, err := DecodeCommand(a.command)
		if err != nil {
			return nil, err
		}
		a.msg = msg
		if !msg.HasDataSet() {
			return a.complete(), nil
		}
		return nil, nil
	}

	if a.msg == nil {
		return nil, fmt.Errorf("%w: dataset fragment before command", dicomerrors.ErrInvalidMessage)
	}
	a.dataset = append(a.dataset, v.Data...)
	if v.Last {
		return a.complete(), nil
	}
	return nil, nil
}

func (a *Assembler) complete() *Message {
	m := &Message{ContextID: a.contextID, Command: a.msg, Dataset: a.dataset}
	*a = Assembler{}
	return m
}
