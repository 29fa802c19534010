package types

// ApplicationContextUID is the DICOM Application Context Name proposed in every
// A-ASSOCIATE-RQ.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Storage SOP classes commonly exchanged by an SCU.
const (
	ComputedRadiographyImageStorage        = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"
	CTImageStorage                         = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                 = "1.2.840.10008.5.1.4.1.1.2.1"
	UltrasoundImageStorage                 = "1.2.840.10008.5.1.4.1.1.6.1"
	MRImageStorage                         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage                 = "1.2.840.10008.5.1.4.1.1.4.1"
	NuclearMedicineImageStorage            = "1.2.840.10008.5.1.4.1.1.20"
	SecondaryCaptureImageStorage           = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage           = "1.2.840.10008.5.1.4.1.1.12.1"
	PETImageStorage                        = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                         = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage                          = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage                  = "1.2.840.10008.5.1.4.1.1.481.3"
	RTPlanStorage                          = "1.2.840.10008.5.1.4.1.1.481.5"
	EncapsulatedPDFStorage                 = "1.2.840.10008.5.1.4.1.1.104.1"
	BasicTextSRStorage                     = "1.2.840.10008.5.1.4.1.1.88.11"
)

// Query/Retrieve information models.
const (
	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	StudyRootQueryRetrieveInformationModelFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	ModalityWorklistInformationModelFind         = "1.2.840.10008.5.1.4.31"
)

// SOPClassCategory groups SOP classes by the DIMSE service they are used with.
type SOPClassCategory string

const (
	CategoryUnknown       SOPClassCategory = "Unknown"
	CategoryVerification  SOPClassCategory = "Verification"
	CategoryStorage       SOPClassCategory = "Storage"
	CategoryQueryRetrieve SOPClassCategory = "Query/Retrieve"
	CategoryWorklist      SOPClassCategory = "Worklist"
)

// SOPClassInfo provides human-readable information about a SOP Class UID
type SOPClassInfo struct {
	UID      string
	Name     string
	Category SOPClassCategory
}

// GetSOPClassInfo returns information about a SOP Class UID. Unregistered UIDs
// are reported with the Unknown category; UIDs under the storage root are
// still classified as storage.
func GetSOPClassInfo(uid string) SOPClassInfo {
	if info, ok := sopClassRegistry[uid]; ok {
		return info
	}
	info := SOPClassInfo{UID: uid, Name: "Unknown", Category: CategoryUnknown}
	if hasPrefix(uid, storageRoot) {
		info.Category = CategoryStorage
	}
	return info
}

// IsStorageSOPClass returns true if the UID is a storage SOP class
func IsStorageSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == CategoryStorage
}

// IsQueryRetrieveSOPClass returns true if the UID is a query/retrieve SOP class
func IsQueryRetrieveSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == CategoryQueryRetrieve
}

const storageRoot = "1.2.840.10008.5.1.4.1.1."

func hasPrefix(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix
}

var sopClassRegistry = map[string]SOPClassInfo{}

func register(category SOPClassCategory, entries map[string]string) {
	for uid, name := range entries {
		sopClassRegistry[uid] = SOPClassInfo{UID: uid, Name: name, Category: category}
	}
}

func init() {
	register(CategoryVerification, map[string]string{
		VerificationSOPClass: "Verification SOP Class",
	})
	register(CategoryStorage, map[string]string{
		ComputedRadiographyImageStorage:        "Computed Radiography Image Storage",
		DigitalXRayImageStorageForPresentation: "Digital X-Ray Image Storage - For Presentation",
		CTImageStorage:                         "CT Image Storage",
		EnhancedCTImageStorage:                 "Enhanced CT Image Storage",
		UltrasoundImageStorage:                 "Ultrasound Image Storage",
		MRImageStorage:                         "MR Image Storage",
		EnhancedMRImageStorage:                 "Enhanced MR Image Storage",
		NuclearMedicineImageStorage:            "Nuclear Medicine Image Storage",
		SecondaryCaptureImageStorage:           "Secondary Capture Image Storage",
		XRayAngiographicImageStorage:           "X-Ray Angiographic Image Storage",
		PETImageStorage:                        "Positron Emission Tomography Image Storage",
		RTImageStorage:                         "RT Image Storage",
		RTDoseStorage:                          "RT Dose Storage",
		RTStructureSetStorage:                  "RT Structure Set Storage",
		RTPlanStorage:                          "RT Plan Storage",
		EncapsulatedPDFStorage:                 "Encapsulated PDF Storage",
		BasicTextSRStorage:                     "Basic Text SR Storage",
	})
	register(CategoryQueryRetrieve, map[string]string{
		PatientRootQueryRetrieveInformationModelFind: "Patient Root Query/Retrieve Information Model - FIND",
		PatientRootQueryRetrieveInformationModelMove: "Patient Root Query/Retrieve Information Model - MOVE",
		StudyRootQueryRetrieveInformationModelFind:   "Study Root Query/Retrieve Information Model - FIND",
		StudyRootQueryRetrieveInformationModelMove:   "Study Root Query/Retrieve Information Model - MOVE",
	})
	register(CategoryWorklist, map[string]string{
		ModalityWorklistInformationModelFind: "Modality Worklist Information Model - FIND",
	})
}
