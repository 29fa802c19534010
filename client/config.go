package client

import (
	"log/slog"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

// Implementation identification sent in every association request.
const (
	DefaultImplementationClassUID    = "1.2.826.0.1.3680043.10.1107"
	DefaultImplementationVersionName = "DICOMCLIENT_1"
)

// PresentationContextConfig is a context proposed on every association in
// addition to those derived from queued requests.
type PresentationContextConfig struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Config holds client configuration
type Config struct {
	// Address of the peer as host:port.
	Address        string
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32

	ConnectTimeout time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout    time.Duration // Idle limit between inbound PDUs, 0 disables it
	WriteTimeout   time.Duration // Timeout for write operations (default: 60s)

	AssociationRequestTimeout time.Duration
	AssociationReleaseTimeout time.Duration
	AssociationLingerTimeout  time.Duration
	AbortTimeout              time.Duration
	// RequestTimeout bounds the wait for each response of a request.
	RequestTimeout time.Duration

	// Asynchronous operations window proposed to the peer, 0 means unlimited.
	MaxAsyncOpsInvoked   uint16
	MaxAsyncOpsPerformed uint16

	// Number of association request timeouts in a row after which the run
	// fails instead of completing cleanly.
	MaxConsecutiveAssociationRequestTimeouts int

	PreferredTransferSyntaxes      []string // Transfer syntaxes to propose (default: Explicit VR, Implicit VR)
	AdditionalPresentationContexts []PresentationContextConfig

	ImplementationClassUID    string
	ImplementationVersionName string

	Logger *slog.Logger // Logger for the client (default: slog.Default())
}

// DefaultConfig returns a configuration with every timeout set.
func DefaultConfig() Config {
	return Config{
		CallingAETitle:                           "DICOMSCU",
		CalledAETitle:                            "ANY-SCP",
		MaxPDULength:                             pdu.DefaultMaxPDULength,
		ConnectTimeout:                           30 * time.Second,
		WriteTimeout:                             60 * time.Second,
		AssociationRequestTimeout:                5 * time.Second,
		AssociationReleaseTimeout:                10 * time.Second,
		AssociationLingerTimeout:                 50 * time.Millisecond,
		AbortTimeout:                             2 * time.Second,
		RequestTimeout:                           60 * time.Second,
		MaxAsyncOpsInvoked:                       1,
		MaxAsyncOpsPerformed:                     1,
		MaxConsecutiveAssociationRequestTimeouts: 3,
		PreferredTransferSyntaxes:                types.DefaultTransferSyntaxes(),
		ImplementationClassUID:                   DefaultImplementationClassUID,
		ImplementationVersionName:                DefaultImplementationVersionName,
	}
}

// withDefaults fills optional fields that have an obvious default.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if len(c.PreferredTransferSyntaxes) == 0 {
		c.PreferredTransferSyntaxes = types.DefaultTransferSyntaxes()
	}
	if c.ImplementationClassUID == "" {
		c.ImplementationClassUID = DefaultImplementationClassUID
	}
	if c.ImplementationVersionName == "" {
		c.ImplementationVersionName = DefaultImplementationVersionName
	}
	return c
}

// Validate reports the first invalid field. Every wait of the state machine
// is bounded by one of these timeouts, so none of them may be zero.
func (c Config) Validate() error {
	switch {
	case c.CallingAETitle == "" || len(c.CallingAETitle) > 16:
		return dicomerrors.NewConfigError("CallingAETitle", "must be 1 to 16 characters")
	case c.CalledAETitle == "" || len(c.CalledAETitle) > 16:
		return dicomerrors.NewConfigError("CalledAETitle", "must be 1 to 16 characters")
	case c.MaxPDULength != 0 && c.MaxPDULength < 1024:
		return dicomerrors.NewConfigError("MaxPDULength", "must be at least 1024")
	case c.ConnectTimeout <= 0:
		return dicomerrors.NewConfigError("ConnectTimeout", "must be positive")
	case c.ReadTimeout < 0:
		return dicomerrors.NewConfigError("ReadTimeout", "must not be negative")
	case c.WriteTimeout <= 0:
		return dicomerrors.NewConfigError("WriteTimeout", "must be positive")
	case c.AssociationRequestTimeout <= 0:
		return dicomerrors.NewConfigError("AssociationRequestTimeout", "must be positive")
	case c.AssociationReleaseTimeout <= 0:
		return dicomerrors.NewConfigError("AssociationReleaseTimeout", "must be positive")
	case c.AssociationLingerTimeout <= 0:
		return dicomerrors.NewConfigError("AssociationLingerTimeout", "must be positive")
	case c.AbortTimeout <= 0:
		return dicomerrors.NewConfigError("AbortTimeout", "must be positive")
	case c.RequestTimeout <= 0:
		return dicomerrors.NewConfigError("RequestTimeout", "must be positive")
	case c.MaxConsecutiveAssociationRequestTimeouts < 1:
		return dicomerrors.NewConfigError("MaxConsecutiveAssociationRequestTimeouts", "must be at least 1")
	}
	for _, pc := range c.AdditionalPresentationContexts {
		if pc.AbstractSyntax == "" {
			return dicomerrors.NewConfigError("AdditionalPresentationContexts", "abstract syntax must not be empty")
		}
	}
	return nil
}
