package client

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/internal/promise"
)

// State is one phase of the association lifecycle. Exactly one state is
// current; GetNextState is the only place a transition is decided.
type State interface {
	fmt.Stringer
	EventHandler

	// AddRequest enqueues req. It succeeds in every state; a request that
	// arrives too late for the current run waits for the next one.
	AddRequest(req *Request)
	// Send asks for queued requests to be flushed. It returns the state to
	// switch to, or nil when the hint does not apply.
	Send(cancellation *Cancellation) State
	// GetNextState blocks until one of the state's race participants
	// settles and returns the successor, or the error that ends the run.
	GetNextState(cancellation *Cancellation) (State, error)
	// Dispose releases the state's timers. It is idempotent.
	Dispose()
}

// machine is what states share with the Client for the lifetime of the
// Client.
type machine struct {
	cfg       Config
	logger    *slog.Logger
	queue     *RequestQueue
	connector Connector
	events    EventHandler
	timeouts  *timeoutCounter
}

// timeoutCounter counts consecutive association request timeouts across runs.
type timeoutCounter struct {
	n atomic.Int32
}

func (t *timeoutCounter) increment() int {
	return int(t.n.Add(1))
}

func (t *timeoutCounter) reset() {
	t.n.Store(0)
}

func (t *timeoutCounter) value() int {
	return int(t.n.Load())
}

// baseState ignores every event and owns the timers of a state.
type baseState struct {
	name   string
	m      *machine
	logger *slog.Logger

	mu          sync.Mutex
	timers      []*time.Timer
	disposeOnce sync.Once
}

func newBaseState(m *machine, name string) baseState {
	return baseState{
		name:   name,
		m:      m,
		logger: m.logger.With("state", name),
	}
}

func (b *baseState) String() string {
	return b.name
}

func (b *baseState) unexpected(event string, args ...any) {
	b.logger.Debug("Unexpected event", append([]any{"event", event}, args...)...)
}

func (b *baseState) AddRequest(req *Request) {
	b.m.queue.Enqueue(req)
}

func (b *baseState) Send(*Cancellation) State {
	return nil
}

func (b *baseState) OnAssociationAccepted(*Association) {
	b.unexpected("association accepted")
}

func (b *baseState) OnAssociationRejected(result dicomerrors.AssociationRejectResult, source dicomerrors.AssociationRejectSource, reason dicomerrors.AssociationRejectReason) {
	b.unexpected("association rejected", "result", result, "source", source, "reason", reason)
}

func (b *baseState) OnReleaseResponseReceived() {
	b.unexpected("release response")
}

func (b *baseState) OnAborted(source dicomerrors.AbortSource, reason dicomerrors.AbortReason) {
	b.unexpected("aborted", "source", source, "reason", reason)
}

func (b *baseState) OnConnectionClosed(err error) {
	b.unexpected("connection closed", "error", err)
}

func (b *baseState) OnSendQueueEmpty() {
	b.unexpected("send queue empty")
}

func (b *baseState) OnRequestCompleted(req *Request, _ *Response) {
	b.unexpected("request completed", "request", req)
}

func (b *baseState) OnRequestTimedOut(req *Request, timeout time.Duration) {
	b.unexpected("request timed out", "request", req, "timeout", timeout)
}

// startTimer returns a promise resolved after d. Dispose stops the timer.
func (b *baseState) startTimer(d time.Duration) promise.Promise[struct{}] {
	p := promise.New[struct{}]()
	t := time.AfterFunc(d, func() { p.Resolve(struct{}{}) })

	b.mu.Lock()
	b.timers = append(b.timers, t)
	b.mu.Unlock()
	return p
}

func (b *baseState) Dispose() {
	b.disposeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range b.timers {
			t.Stop()
		}
		b.timers = nil
	})
}

// linkState is embedded by every state that owns a Connection. It turns
// the transport callbacks into race participants.
type linkState struct {
	baseState
	conn    Connection
	aborted promise.Promise[*dicomerrors.AbortError]
	closed  promise.Promise[error]
}

func newLinkState(m *machine, name string, conn Connection) linkState {
	return linkState{
		baseState: newBaseState(m, name),
		conn:      conn,
		aborted:   promise.New[*dicomerrors.AbortError](),
		closed:    promise.New[error](),
	}
}

func (l *linkState) OnAborted(source dicomerrors.AbortSource, reason dicomerrors.AbortReason) {
	l.aborted.Resolve(dicomerrors.NewAbortError(source, reason))
}

func (l *linkState) OnConnectionClosed(err error) {
	l.closed.Resolve(err)
}

// isClosed reports whether the transport is gone, whether or not this state
// saw the callback.
func (l *linkState) isClosed() bool {
	if l.closed.Settled() {
		return true
	}
	select {
	case <-l.conn.Done():
		return true
	default:
		return false
	}
}

// closeErr is the reason the transport went away.
func (l *linkState) closeErr() error {
	if l.closed.Settled() {
		err, _ := l.closed.Wait()
		return err
	}
	return l.conn.Err()
}

func (l *linkState) abortErr() error {
	err, _ := l.aborted.Wait()
	return err
}
