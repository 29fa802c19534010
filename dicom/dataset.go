// Package dicom holds the small dataset model a DIMSE client needs: query
// identifiers, response identifiers and the Part 10 files it stores.
package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/caio-sobreiro/dicomclient/types"
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

func (t Tag) less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Attributes used in query/retrieve identifiers and file meta information.
var (
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagSpecificCharacterSet           = Tag{0x0008, 0x0005}
	TagSOPClassUID                    = Tag{0x0008, 0x0016}
	TagSOPInstanceUID                 = Tag{0x0008, 0x0018}
	TagStudyDate                      = Tag{0x0008, 0x0020}
	TagStudyTime                      = Tag{0x0008, 0x0030}
	TagAccessionNumber                = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel             = Tag{0x0008, 0x0052}
	TagRetrieveAETitle                = Tag{0x0008, 0x0054}
	TagModality                       = Tag{0x0008, 0x0060}
	TagModalitiesInStudy              = Tag{0x0008, 0x0061}
	TagReferringPhysicianName         = Tag{0x0008, 0x0090}
	TagStudyDescription               = Tag{0x0008, 0x1030}
	TagSeriesDescription              = Tag{0x0008, 0x103E}
	TagPatientName                    = Tag{0x0010, 0x0010}
	TagPatientID                      = Tag{0x0010, 0x0020}
	TagPatientBirthDate               = Tag{0x0010, 0x0030}
	TagPatientSex                     = Tag{0x0010, 0x0040}
	TagStudyInstanceUID               = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID              = Tag{0x0020, 0x000E}
	TagStudyID                        = Tag{0x0020, 0x0010}
	TagSeriesNumber                   = Tag{0x0020, 0x0011}
	TagInstanceNumber                 = Tag{0x0020, 0x0013}
	TagNumberOfStudyRelatedSeries     = Tag{0x0020, 0x1206}
	TagNumberOfStudyRelatedInstances  = Tag{0x0020, 0x1208}
	TagNumberOfSeriesRelatedInstances = Tag{0x0020, 0x1209}
	TagScheduledProcedureStepSequence = Tag{0x0040, 0x0100}
)

var dictionary = map[Tag]string{
	TagTransferSyntaxUID:              "UI",
	TagMediaStorageSOPClassUID:        "UI",
	TagMediaStorageSOPInstanceUID:     "UI",
	TagImplementationClassUID:         "UI",
	TagSpecificCharacterSet:           "CS",
	TagSOPClassUID:                    "UI",
	TagSOPInstanceUID:                 "UI",
	TagStudyDate:                      "DA",
	TagStudyTime:                      "TM",
	TagAccessionNumber:                "SH",
	TagQueryRetrieveLevel:             "CS",
	TagRetrieveAETitle:                "AE",
	TagModality:                       "CS",
	TagModalitiesInStudy:              "CS",
	TagReferringPhysicianName:         "PN",
	TagStudyDescription:               "LO",
	TagSeriesDescription:              "LO",
	TagPatientName:                    "PN",
	TagPatientID:                      "LO",
	TagPatientBirthDate:               "DA",
	TagPatientSex:                     "CS",
	TagStudyInstanceUID:               "UI",
	TagSeriesInstanceUID:              "UI",
	TagStudyID:                        "SH",
	TagSeriesNumber:                   "IS",
	TagInstanceNumber:                 "IS",
	TagNumberOfStudyRelatedSeries:     "IS",
	TagNumberOfStudyRelatedInstances:  "IS",
	TagNumberOfSeriesRelatedInstances: "IS",
	TagScheduledProcedureStepSequence: "SQ",
}

// VRFor returns the dictionary VR of a tag, or UN when the tag is not known.
func VRFor(tag Tag) string {
	if vr, ok := dictionary[tag]; ok {
		return vr
	}
	if tag.Element == 0x0000 {
		return "UL"
	}
	return "UN"
}

// Explicit VR elements with a 4 byte length field.
func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}

func isTextVR(vr string) bool {
	switch vr {
	case "AE", "AS", "CS", "DA", "DS", "DT", "IS", "LO", "LT", "PN", "SH", "ST", "TM", "UC", "UI", "UR", "UT":
		return true
	}
	return false
}

const undefinedLength = 0xFFFFFFFF

// Element represents a DICOM data element. Value holds the raw bytes as they
// appear on the wire, padding included.
type Element struct {
	Tag   Tag
	VR    string
	Value []byte
}

// String returns a text value with padding removed.
func (e *Element) String() string {
	return strings.TrimRight(string(e.Value), "\x00 ")
}

// Dataset represents a collection of DICOM elements
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// Set stores raw bytes under a tag.
func (d *Dataset) Set(tag Tag, vr string, value []byte) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// SetString stores a text value using the dictionary VR, padding it to an
// even length. An empty value is a universal matching key in queries.
func (d *Dataset) SetString(tag Tag, value string) {
	vr := VRFor(tag)
	raw := []byte(value)
	if len(raw)%2 == 1 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0x00
		}
		raw = append(raw, pad)
	}
	d.Set(tag, vr, raw)
}

// Get returns an element by tag
func (d *Dataset) Get(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns a string value for a tag
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		return element.String()
	}
	return ""
}

// GetStrings splits a multi-valued text element on backslashes.
func (d *Dataset) GetStrings(tag Tag) []string {
	value := d.GetString(tag)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, "\\")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Tags returns the tags in ascending order.
func (d *Dataset) Tags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	slices.SortFunc(tags, func(a, b Tag) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})
	return tags
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	return len(d.Elements)
}

// String renders one element per line for logs and CLI output.
func (d *Dataset) String() string {
	var b strings.Builder
	for _, tag := range d.Tags() {
		e := d.Elements[tag]
		if isTextVR(e.VR) {
			fmt.Fprintf(&b, "%s %s [%s]\n", tag, e.VR, e.String())
		} else {
			fmt.Fprintf(&b, "%s %s (%d bytes)\n", tag, e.VR, len(e.Value))
		}
	}
	return b.String()
}

func checkEncoding(transferSyntaxUID string) (implicit bool, err error) {
	info := types.GetTransferSyntaxInfo(transferSyntaxUID)
	if info.BigEndian || transferSyntaxUID == types.DeflatedExplicitVRLittleEndian {
		return false, fmt.Errorf("unsupported dataset transfer syntax %s (%s)", transferSyntaxUID, info.Name)
	}
	return !info.ExplicitVR, nil
}

// Encode serializes the dataset in tag order using the given transfer syntax.
func (d *Dataset) Encode(transferSyntaxUID string) ([]byte, error) {
	implicit, err := checkEncoding(transferSyntaxUID)
	if err != nil {
		return nil, err
	}

	var buf []byte
	for _, tag := range d.Tags() {
		e := d.Elements[tag]
		value := e.Value
		if len(value)%2 == 1 {
			value = append(slices.Clone(value), 0x00)
		}

		buf = binary.LittleEndian.AppendUint16(buf, tag.Group)
		buf = binary.LittleEndian.AppendUint16(buf, tag.Element)
		switch {
		case implicit:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
		case isLongVR(e.VR):
			buf = append(buf, e.VR[0], e.VR[1], 0x00, 0x00)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
		default:
			if len(value) > 0xFFFF {
				return nil, fmt.Errorf("element %s value too long for VR %s", tag, e.VR)
			}
			buf = append(buf, e.VR[0], e.VR[1])
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
		}
		buf = append(buf, value...)
	}
	return buf, nil
}

// Parse decodes a little endian dataset. Sequences are kept as opaque values;
// an undefined-length sequence is captured up to its delimitation item, which
// does not support nested undefined-length sequences.
func Parse(data []byte, transferSyntaxUID string) (*Dataset, error) {
	implicit, err := checkEncoding(transferSyntaxUID)
	if err != nil {
		return nil, err
	}

	d := NewDataset()
	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("truncated element header at offset %d", offset)
		}
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}

		var vr string
		var length uint32
		var valueOffset int
		switch {
		case implicit:
			vr = VRFor(tag)
			length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			valueOffset = offset + 8
		default:
			vr = string(data[offset+4 : offset+6])
			if isLongVR(vr) {
				if offset+12 > len(data) {
					return nil, fmt.Errorf("truncated element header for %s", tag)
				}
				length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
				valueOffset = offset + 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				valueOffset = offset + 8
			}
		}

		var end int
		if length == undefinedLength {
			idx := bytes.Index(data[valueOffset:], sequenceDelimiter)
			if idx < 0 {
				return nil, fmt.Errorf("element %s: missing sequence delimitation item", tag)
			}
			d.Set(tag, vr, data[valueOffset:valueOffset+idx])
			end = valueOffset + idx + len(sequenceDelimiter)
		} else {
			end = valueOffset + int(length)
			if end > len(data) {
				return nil, fmt.Errorf("element %s length %d exceeds dataset", tag, length)
			}
			d.Set(tag, vr, data[valueOffset:end])
		}
		offset = end
	}
	return d, nil
}

// (FFFE,E0DD) with zero length.
var sequenceDelimiter = []byte{0xFE, 0xFF, 0xDD, 0xE0, 0x00, 0x00, 0x00, 0x00}
