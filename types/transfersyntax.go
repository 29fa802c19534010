package types

// Transfer syntaxes an SCU proposes or reads from Part 10 files.
const (
	// ImplicitVRLittleEndian is the default transfer syntax every peer must accept.
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"

	JPEGBaseline8Bit = "1.2.840.10008.1.2.4.50"
	JPEGLosslessSV1  = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless   = "1.2.840.10008.1.2.4.80"
	JPEG2000Lossless = "1.2.840.10008.1.2.4.90"
	JPEG2000         = "1.2.840.10008.1.2.4.91"
	RLELossless      = "1.2.840.10008.1.2.5"
)

// TransferSyntaxInfo provides metadata about a transfer syntax
type TransferSyntaxInfo struct {
	UID          string
	Name         string
	ExplicitVR   bool
	BigEndian    bool
	IsCompressed bool
}

// GetTransferSyntaxInfo returns information about a transfer syntax UID.
// Unknown UIDs are assumed to be compressed explicit VR little endian, which is
// how every encapsulated syntax encodes its dataset header.
func GetTransferSyntaxInfo(uid string) TransferSyntaxInfo {
	if info, ok := transferSyntaxRegistry[uid]; ok {
		return info
	}
	return TransferSyntaxInfo{UID: uid, Name: "Unknown", ExplicitVR: true, IsCompressed: true}
}

// IsCompressed returns true if the transfer syntax uses compression
func IsCompressed(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsCompressed
}

// IsImplicitVR reports whether datasets in this syntax omit the VR field.
func IsImplicitVR(uid string) bool {
	return !GetTransferSyntaxInfo(uid).ExplicitVR
}

var transferSyntaxRegistry = map[string]TransferSyntaxInfo{
	ImplicitVRLittleEndian:         {UID: ImplicitVRLittleEndian, Name: "Implicit VR Little Endian"},
	ExplicitVRLittleEndian:         {UID: ExplicitVRLittleEndian, Name: "Explicit VR Little Endian", ExplicitVR: true},
	ExplicitVRBigEndian:            {UID: ExplicitVRBigEndian, Name: "Explicit VR Big Endian", ExplicitVR: true, BigEndian: true},
	DeflatedExplicitVRLittleEndian: {UID: DeflatedExplicitVRLittleEndian, Name: "Deflated Explicit VR Little Endian", ExplicitVR: true, IsCompressed: true},
	JPEGBaseline8Bit:               {UID: JPEGBaseline8Bit, Name: "JPEG Baseline (Process 1)", ExplicitVR: true, IsCompressed: true},
	JPEGLosslessSV1:                {UID: JPEGLosslessSV1, Name: "JPEG Lossless, Non-Hierarchical, First-Order Prediction", ExplicitVR: true, IsCompressed: true},
	JPEGLSLossless:                 {UID: JPEGLSLossless, Name: "JPEG-LS Lossless", ExplicitVR: true, IsCompressed: true},
	JPEG2000Lossless:               {UID: JPEG2000Lossless, Name: "JPEG 2000 Image Compression (Lossless Only)", ExplicitVR: true, IsCompressed: true},
	JPEG2000:                       {UID: JPEG2000, Name: "JPEG 2000 Image Compression", ExplicitVR: true, IsCompressed: true},
	RLELossless:                    {UID: RLELossless, Name: "RLE Lossless", ExplicitVR: true, IsCompressed: true},
}

// DefaultTransferSyntaxes returns the syntaxes proposed for a presentation
// context when the caller has no preference, in negotiation order.
func DefaultTransferSyntaxes() []string {
	return []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
}
