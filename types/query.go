package types

import (
	"fmt"
	"strings"
)

// QueryLevel is the value of (0008,0052) Query/Retrieve Level.
type QueryLevel string

const (
	QueryLevelPatient QueryLevel = "PATIENT"
	QueryLevelStudy   QueryLevel = "STUDY"
	QueryLevelSeries  QueryLevel = "SERIES"
	QueryLevelImage   QueryLevel = "IMAGE"
)

// ParseQueryLevel accepts a level name in any case.
func ParseQueryLevel(s string) (QueryLevel, error) {
	switch level := QueryLevel(strings.ToUpper(strings.TrimSpace(s))); level {
	case QueryLevelPatient, QueryLevelStudy, QueryLevelSeries, QueryLevelImage:
		return level, nil
	default:
		return "", fmt.Errorf("unknown query/retrieve level %q", s)
	}
}

// Allowed reports whether the level can be used with the given information
// model. Study Root has no PATIENT level.
func (l QueryLevel) Allowed(model string) bool {
	switch model {
	case StudyRootQueryRetrieveInformationModelFind, StudyRootQueryRetrieveInformationModelMove:
		return l != QueryLevelPatient
	default:
		return true
	}
}
