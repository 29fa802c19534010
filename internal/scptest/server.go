// Package scptest runs a scripted DICOM association acceptor for tests. It
// accepts, rejects, aborts or ignores association requests as configured and
// answers C-ECHO, C-STORE, C-FIND and C-MOVE through a Registry.
package scptest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/pdu"
)

// AssociationBehavior decides how the server answers an A-ASSOCIATE-RQ.
type AssociationBehavior int

const (
	// Accept negotiates the proposed contexts.
	Accept AssociationBehavior = iota
	// Reject answers with an A-ASSOCIATE-RJ and closes the connection.
	Reject
	// AbortAssociation answers with an A-ABORT and closes the connection.
	AbortAssociation
	// Stall never answers.
	Stall
)

// Config scripts the server.
type Config struct {
	AETitle     string
	Association AssociationBehavior

	RejectResult dicomerrors.AssociationRejectResult
	RejectSource dicomerrors.AssociationRejectSource
	RejectReason dicomerrors.AssociationRejectReason

	// AbstractSyntaxes lists the accepted SOP classes; empty accepts all.
	AbstractSyntaxes []string
	// TransferSyntaxes lists the accepted syntaxes in preference order;
	// empty accepts the first one proposed.
	TransferSyntaxes []string
	MaxPDULength     uint32
	// MaxOperations is returned when the requestor proposed a window. Zero
	// leaves the sub-item out of the answer.
	MaxOperationsInvoked   uint16
	MaxOperationsPerformed uint16

	// IgnoreRelease leaves A-RELEASE-RQ unanswered.
	IgnoreRelease bool
	// AbortOnRequest aborts the association when a request arrives.
	AbortOnRequest bool
	// ResponseDelay is waited before a request is handled.
	ResponseDelay time.Duration

	// Handler answers DIMSE requests; nil uses NewDefaultRegistry.
	Handler ServiceHandler
	Logger  *slog.Logger
}

// Server is a scripted acceptor. It is safe for concurrent use.
type Server struct {
	cfg    Config
	logger *slog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}

	associations atomic.Int32
	requests     atomic.Int32
	releases     atomic.Int32
	aborts       atomic.Int32
}

// New builds a Server with the provided configuration.
func New(cfg Config) *Server {
	if cfg.AETitle == "" {
		cfg.AETitle = "SCPTEST"
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if cfg.Handler == nil {
		cfg.Handler = NewDefaultRegistry()
	}
	if cfg.RejectResult == 0 {
		cfg.RejectResult = dicomerrors.RejectResultPermanent
		cfg.RejectSource = dicomerrors.RejectSourceServiceUser
		cfg.RejectReason = dicomerrors.RejectReasonCalledAETitleNotRecognized
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("ae_title", cfg.AETitle), done: make(chan struct{})}
}

// Start listens on a free loopback port and serves in the background. It
// returns the address to dial.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if err := s.Serve(ctx, listener); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Server stopped", "error", err)
		}
	}()
	return listener.Addr().String(), nil
}

// Close stops a server started with Start and waits for its connections.
func (s *Server) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Serve accepts connections from listener until ctx is cancelled or an
// unrecoverable error occurs. Open connections are closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("scptest: listener is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Debug("Test SCP listening", "address", listener.Addr().String())

	var serveErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}

	s.wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())
	logger.Debug("Accepted connection")

	a := newAssociation(s, conn, logger)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := a.serve(ctx); err != nil && ctx.Err() == nil {
		logger.Debug("Connection ended", "error", err)
	}
	a.wait()
	_ = conn.Close()
}

// Associations returns the number of association requests received.
func (s *Server) Associations() int { return int(s.associations.Load()) }

// Requests returns the number of DIMSE requests received.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// Releases returns the number of release requests received.
func (s *Server) Releases() int { return int(s.releases.Load()) }

// Aborts returns the number of A-ABORTs received.
func (s *Server) Aborts() int { return int(s.aborts.Load()) }
