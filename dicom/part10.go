package dicom

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/caio-sobreiro/dicomclient/types"
)

const (
	preambleLength = 128
	magic          = "DICM"
)

// File is a Part 10 file split into its meta information and dataset.
type File struct {
	Meta              *Dataset
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	// Dataset holds the encoded dataset exactly as stored, ready to be sent
	// with C-STORE on a context negotiated for TransferSyntaxUID.
	Dataset []byte
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
func HasPart10Header(data []byte) bool {
	return len(data) >= preambleLength+len(magic) && string(data[preambleLength:preambleLength+len(magic)]) == magic
}

// ReadPart10File reads and splits a Part 10 file from disk.
func ReadPart10File(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	f, err := ReadPart10(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ReadPart10 parses the File Meta Information (always explicit VR little
// endian) and returns the remaining bytes as the dataset.
func ReadPart10(data []byte) (*File, error) {
	if !HasPart10Header(data) {
		return nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset %d)", preambleLength)
	}

	offset := preambleLength + len(magic)
	start := offset
	for offset+8 <= len(data) {
		if binary.LittleEndian.Uint16(data[offset:offset+2]) != 0x0002 {
			break
		}
		vr := string(data[offset+4 : offset+6])
		var length, valueOffset int
		if isLongVR(vr) {
			if offset+12 > len(data) {
				return nil, fmt.Errorf("truncated file meta information")
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
			valueOffset = offset + 12
		} else {
			length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
		if valueOffset+length > len(data) {
			return nil, fmt.Errorf("file meta element exceeds file length")
		}
		offset = valueOffset + length
	}

	meta, err := Parse(data[start:offset], types.ExplicitVRLittleEndian)
	if err != nil {
		return nil, fmt.Errorf("invalid file meta information: %w", err)
	}

	f := &File{
		Meta:              meta,
		SOPClassUID:       meta.GetString(TagMediaStorageSOPClassUID),
		SOPInstanceUID:    meta.GetString(TagMediaStorageSOPInstanceUID),
		TransferSyntaxUID: meta.GetString(TagTransferSyntaxUID),
		Dataset:           data[offset:],
	}
	if f.TransferSyntaxUID == "" {
		return nil, fmt.Errorf("file meta information has no transfer syntax")
	}
	if len(f.Dataset) == 0 {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}
	return f, nil
}

// WritePart10 wraps an encoded dataset in a preamble and File Meta Information.
func WritePart10(sopClassUID, sopInstanceUID, transferSyntaxUID, implementationClassUID string, dataset []byte) ([]byte, error) {
	meta := NewDataset()
	meta.Set(Tag{0x0002, 0x0001}, "OB", []byte{0x00, 0x01})
	meta.SetString(TagMediaStorageSOPClassUID, sopClassUID)
	meta.SetString(TagMediaStorageSOPInstanceUID, sopInstanceUID)
	meta.SetString(TagTransferSyntaxUID, transferSyntaxUID)
	meta.SetString(TagImplementationClassUID, implementationClassUID)

	body, err := meta.Encode(types.ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}

	groupLength := NewDataset()
	groupLength.Set(Tag{0x0002, 0x0000}, "UL", binary.LittleEndian.AppendUint32(nil, uint32(len(body))))
	header, err := groupLength.Encode(types.ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}

	out := make([]byte, preambleLength, preambleLength+len(magic)+len(header)+len(body)+len(dataset))
	out = append(out, magic...)
	out = append(out, header...)
	out = append(out, body...)
	return append(out, dataset...), nil
}
