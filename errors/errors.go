// Package errors provides DICOM-specific error types for better error handling
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrConnectionClosed    = errors.New("dicom: connection closed")
	ErrAssociationRejected = errors.New("dicom: association rejected")
	ErrAborted             = errors.New("dicom: association aborted")
	ErrTimeout             = errors.New("dicom: timeout")
	ErrInvalidPDU          = errors.New("dicom: invalid PDU")
	ErrNoPresentationCtx   = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage      = errors.New("dicom: invalid DIMSE message")
	ErrOperationCanceled   = errors.New("dicom: operation canceled")
	ErrClientClosed        = errors.New("dicom: client closed")
)

// AssociationRejectResult tells whether retrying the same proposal can succeed.
type AssociationRejectResult byte

const (
	RejectResultPermanent AssociationRejectResult = 0x01
	RejectResultTransient AssociationRejectResult = 0x02
)

func (r AssociationRejectResult) String() string {
	switch r {
	case RejectResultPermanent:
		return "rejected-permanent"
	case RejectResultTransient:
		return "rejected-transient"
	default:
		return "unknown"
	}
}

// AssociationRejectSource represents who rejected the association
type AssociationRejectSource byte

const (
	RejectSourceServiceUser                 AssociationRejectSource = 0x01
	RejectSourceServiceProviderACSE         AssociationRejectSource = 0x02
	RejectSourceServiceProviderPresentation AssociationRejectSource = 0x03
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProviderACSE:
		return "service-provider (ACSE)"
	case RejectSourceServiceProviderPresentation:
		return "service-provider (presentation)"
	default:
		return "unknown"
	}
}

// AssociationRejectReason represents why an association was rejected. The
// meaning of a value depends on the source; see Describe.
type AssociationRejectReason byte

const (
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07

	RejectReasonProtocolVersionNotSupported AssociationRejectReason = 0x02 // ACSE provider
	RejectReasonTemporaryCongestion         AssociationRejectReason = 0x01 // presentation provider
	RejectReasonLocalLimitExceeded          AssociationRejectReason = 0x02 // presentation provider
)

// Describe renders the reason in the context of the rejecting source.
func (r AssociationRejectReason) Describe(source AssociationRejectSource) string {
	switch source {
	case RejectSourceServiceUser:
		switch r {
		case RejectReasonNoReasonGiven:
			return "no-reason-given"
		case RejectReasonApplicationContextNotSupported:
			return "application-context-not-supported"
		case RejectReasonCallingAETitleNotRecognized:
			return "calling-ae-title-not-recognized"
		case RejectReasonCalledAETitleNotRecognized:
			return "called-ae-title-not-recognized"
		}
	case RejectSourceServiceProviderACSE:
		switch r {
		case RejectReasonNoReasonGiven:
			return "no-reason-given"
		case RejectReasonProtocolVersionNotSupported:
			return "protocol-version-not-supported"
		}
	case RejectSourceServiceProviderPresentation:
		switch r {
		case RejectReasonTemporaryCongestion:
			return "temporary-congestion"
		case RejectReasonLocalLimitExceeded:
			return "local-limit-exceeded"
		}
	}
	return fmt.Sprintf("reason-0x%02X", byte(r))
}

// AssociationError is returned when the peer answers with A-ASSOCIATE-RJ.
type AssociationError struct {
	Result AssociationRejectResult
	Source AssociationRejectSource
	Reason AssociationRejectReason
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (source: %s, reason: %s)",
		e.Result, e.Source, e.Reason.Describe(e.Source))
}

func (e *AssociationError) Unwrap() error {
	return ErrAssociationRejected
}

// Transient reports whether the peer indicated that a later attempt may succeed.
func (e *AssociationError) Transient() bool {
	return e.Result == RejectResultTransient
}

// NewAssociationError creates a new association error
func NewAssociationError(result AssociationRejectResult, source AssociationRejectSource, reason AssociationRejectReason) *AssociationError {
	return &AssociationError{
		Result: result,
		Source: source,
		Reason: reason,
	}
}

// AbortSource identifies who sent an A-ABORT.
type AbortSource byte

const (
	AbortSourceServiceUser     AbortSource = 0x00
	AbortSourceReserved        AbortSource = 0x01
	AbortSourceServiceProvider AbortSource = 0x02
)

func (s AbortSource) String() string {
	switch s {
	case AbortSourceServiceUser:
		return "service-user"
	case AbortSourceServiceProvider:
		return "service-provider"
	default:
		return "unknown"
	}
}

// AbortReason is only meaningful when the source is the service provider.
type AbortReason byte

const (
	AbortReasonNotSpecified             AbortReason = 0x00
	AbortReasonUnrecognizedPDU          AbortReason = 0x01
	AbortReasonUnexpectedPDU            AbortReason = 0x02
	AbortReasonUnrecognizedPDUParameter AbortReason = 0x04
	AbortReasonUnexpectedPDUParameter   AbortReason = 0x05
	AbortReasonInvalidPDUParameterValue AbortReason = 0x06
)

func (r AbortReason) String() string {
	switch r {
	case AbortReasonNotSpecified:
		return "not-specified"
	case AbortReasonUnrecognizedPDU:
		return "unrecognized-pdu"
	case AbortReasonUnexpectedPDU:
		return "unexpected-pdu"
	case AbortReasonUnrecognizedPDUParameter:
		return "unrecognized-pdu-parameter"
	case AbortReasonUnexpectedPDUParameter:
		return "unexpected-pdu-parameter"
	case AbortReasonInvalidPDUParameterValue:
		return "invalid-pdu-parameter-value"
	default:
		return fmt.Sprintf("reason-0x%02X", byte(r))
	}
}

// AbortError represents an A-ABORT PDU received from the peer
type AbortError struct {
	Source AbortSource
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("association aborted by %s (reason: %s)", e.Source, e.Reason)
}

func (e *AbortError) Unwrap() error {
	return ErrAborted
}

// NewAbortError creates a new abort error
func NewAbortError(source AbortSource, reason AbortReason) *AbortError {
	return &AbortError{
		Source: source,
		Reason: reason,
	}
}

// ConnectionClosedError reports that the transport went away. Err is the
// underlying read/write failure, or nil when the peer closed the stream.
type ConnectionClosedError struct {
	Err error
}

func (e *ConnectionClosedError) Error() string {
	if e.Err == nil {
		return "connection closed by peer"
	}
	return fmt.Sprintf("connection closed: %v", e.Err)
}

func (e *ConnectionClosedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnectionClosed}
	}
	return []error{ErrConnectionClosed, e.Err}
}

// NewConnectionClosedError creates a new connection closed error
func NewConnectionClosedError(err error) *ConnectionClosedError {
	return &ConnectionClosedError{Err: err}
}

// Operations that can time out locally.
const (
	OperationConnect            = "connect"
	OperationAssociationRequest = "association request"
	OperationAssociationRelease = "association release"
	OperationRequest            = "request"
)

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	// Attempts is the number of consecutive timeouts that led to this error.
	Attempts int
}

func (e *TimeoutError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("timeout: %s exceeded %s (%d consecutive attempts)", e.Operation, e.Duration, e.Attempts)
	}
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Duration:  duration,
		Attempts:  1,
	}
}

// AbortInitiatedError reports that the client aborted the association itself
// because the caller cancelled the run.
type AbortInitiatedError struct {
	Cause string
}

func (e *AbortInitiatedError) Error() string {
	if e.Cause == "" {
		return "association aborted by client"
	}
	return fmt.Sprintf("association aborted by client: %s", e.Cause)
}

func (e *AbortInitiatedError) Unwrap() error {
	return ErrOperationCanceled
}

// NewAbortInitiatedError creates a new abort initiated error
func NewAbortInitiatedError(cause string) *AbortInitiatedError {
	return &AbortInitiatedError{Cause: cause}
}

// DIMSEError represents a DIMSE operation error with status code
type DIMSEError struct {
	Status    uint16
	Operation string
	Msg       string
}

func (e *DIMSEError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("DIMSE %s failed (status: 0x%04X)", e.Operation, e.Status)
	}
	return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}

// NewDIMSEError creates a new DIMSE error
func NewDIMSEError(operation string, status uint16, msg string) *DIMSEError {
	return &DIMSEError{
		Operation: operation,
		Status:    status,
		Msg:       msg,
	}
}

// NetworkError represents a network-level error
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{
		Op:  op,
		Err: err,
	}
}

// PDUError represents a PDU-level protocol error
type PDUError struct {
	PDUType byte
	Msg     string
}

func (e *PDUError) Error() string {
	return fmt.Sprintf("PDU error (type: 0x%02X): %s", e.PDUType, e.Msg)
}

func (e *PDUError) Unwrap() error {
	return ErrInvalidPDU
}

// NewPDUError creates a new PDU error
func NewPDUError(pduType byte, msg string) *PDUError {
	return &PDUError{
		PDUType: pduType,
		Msg:     msg,
	}
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// NewConfigError creates a new config error
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}
