package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

// peerBehavior scripts how a fake peer answers. Nil hooks mean the peer
// never answers that message.
type peerBehavior struct {
	onAssociate func(f *fakeConnection, assoc *Association)
	onRequest   func(f *fakeConnection, req *Request, pc *PresentationContext)
	onRelease   func(f *fakeConnection)
	onAbort     func(f *fakeConnection)
}

// cooperativePeer accepts every context with its first transfer syntax,
// answers every request with success and releases when asked.
func cooperativePeer() peerBehavior {
	return peerBehavior{
		onAssociate: acceptAll,
		onRequest: func(f *fakeConnection, req *Request, _ *PresentationContext) {
			f.respond(req, types.StatusSuccess)
		},
		onRelease: func(f *fakeConnection) {
			f.emit(func(h EventHandler) { h.OnReleaseResponseReceived() })
			f.closeFromPeer(nil)
		},
	}
}

func acceptAll(f *fakeConnection, assoc *Association) {
	ac := &pdu.AssociateAC{}
	for _, pc := range assoc.PresentationContexts {
		ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContextResult{
			ID:             pc.ID,
			Result:         pdu.ResultAcceptance,
			TransferSyntax: pc.TransferSyntaxes[0],
		})
	}
	accepted := assoc.withAcceptance(ac)
	f.emit(func(h EventHandler) { h.OnAssociationAccepted(accepted) })
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:104" }

// fakeConnection delivers events from a single goroutine, like the real
// listener, and fails unanswered requests when it closes.
type fakeConnection struct {
	behavior peerBehavior
	events   EventHandler

	mu          sync.Mutex
	proposals   []*Association
	sent        []*Request
	outstanding map[*Request]struct{}
	releases    int
	aborts      int
	err         error

	queue     chan func()
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newFakeConnection(behavior peerBehavior, events EventHandler) *fakeConnection {
	f := &fakeConnection{
		behavior:    behavior,
		events:      events,
		outstanding: make(map[*Request]struct{}),
		queue:       make(chan func(), 64),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *fakeConnection) loop() {
	defer close(f.done)
	for {
		select {
		case fn := <-f.queue:
			fn()
		case <-f.closing:
			for {
				select {
				case fn := <-f.queue:
					fn()
				default:
					f.shutdown()
					return
				}
			}
		}
	}
}

func (f *fakeConnection) shutdown() {
	f.mu.Lock()
	outstanding := f.outstanding
	f.outstanding = map[*Request]struct{}{}
	err := f.err
	f.mu.Unlock()

	for req := range outstanding {
		req.finish(nil, dicomerrors.NewConnectionClosedError(nil))
		f.events.OnRequestCompleted(req, nil)
	}
	f.events.OnConnectionClosed(err)
}

// emit delivers an event on the connection's event goroutine.
func (f *fakeConnection) emit(fn func(h EventHandler)) {
	select {
	case f.queue <- func() { fn(f.events) }:
	case <-f.closing:
	}
}

func (f *fakeConnection) respond(req *Request, status uint16) {
	f.emit(func(h EventHandler) {
		f.mu.Lock()
		_, ok := f.outstanding[req]
		delete(f.outstanding, req)
		f.mu.Unlock()
		if !ok {
			return
		}
		resp := &Response{Command: &types.Message{
			CommandField: types.ResponseCommandFor(req.Command.CommandField),
			Status:       status,
		}}
		req.respond(resp)
		req.finish(resp, nil)
		h.OnRequestCompleted(req, resp)
	})
}

func (f *fakeConnection) closeFromPeer(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closing) })
}

func (f *fakeConnection) abortFromPeer() {
	f.emit(func(h EventHandler) {
		h.OnAborted(dicomerrors.AbortSourceServiceProvider, dicomerrors.AbortReasonNotSpecified)
	})
	f.closeFromPeer(dicomerrors.NewAbortError(dicomerrors.AbortSourceServiceProvider, dicomerrors.AbortReasonNotSpecified))
}

func (f *fakeConnection) RemoteAddr() net.Addr {
	return fakeAddr{}
}

func (f *fakeConnection) SendAssociationRequest(assoc *Association) error {
	f.mu.Lock()
	f.proposals = append(f.proposals, assoc)
	f.mu.Unlock()
	if f.behavior.onAssociate != nil {
		go f.behavior.onAssociate(f, assoc)
	}
	return nil
}

func (f *fakeConnection) SendRequest(req *Request, pc *PresentationContext) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.outstanding[req] = struct{}{}
	f.mu.Unlock()
	if f.behavior.onRequest != nil {
		go f.behavior.onRequest(f, req, pc)
	}
	f.emit(func(h EventHandler) { h.OnSendQueueEmpty() })
	return nil
}

func (f *fakeConnection) SendReleaseRequest() error {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	if f.behavior.onRelease != nil {
		go f.behavior.onRelease(f)
	}
	return nil
}

func (f *fakeConnection) SendAbort(dicomerrors.AbortSource, dicomerrors.AbortReason) error {
	f.mu.Lock()
	f.aborts++
	f.mu.Unlock()
	if f.behavior.onAbort != nil {
		go f.behavior.onAbort(f)
	}
	return nil
}

func (f *fakeConnection) Close() error {
	f.closeOnce.Do(func() { close(f.closing) })
	return nil
}

func (f *fakeConnection) Done() <-chan struct{} {
	return f.done
}

func (f *fakeConnection) Err() error {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.err
	default:
		return nil
	}
}

func (f *fakeConnection) counts() (proposals, sent, releases, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.proposals), len(f.sent), f.releases, f.aborts
}

func (f *fakeConnection) sentCount() int {
	_, sent, _, _ := f.counts()
	return sent
}

// fakeConnector hands out fakeConnections.
type fakeConnector struct {
	behavior peerBehavior
	dialErr  error
	// dial, when set, replaces the default dial.
	dial func(ctx context.Context) error

	mu    sync.Mutex
	conns []*fakeConnection
}

func (c *fakeConnector) Connect(ctx context.Context, events EventHandler) (Connection, error) {
	if c.dial != nil {
		if err := c.dial(ctx); err != nil {
			return nil, err
		}
	}
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	f := newFakeConnection(c.behavior, events)
	c.mu.Lock()
	c.conns = append(c.conns, f)
	c.mu.Unlock()
	return f, nil
}

func (c *fakeConnector) connections() []*fakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeConnection(nil), c.conns...)
}

func (c *fakeConnector) last(t *testing.T) *fakeConnection {
	t.Helper()
	conns := c.connections()
	require.NotEmpty(t, conns)
	return conns[len(conns)-1]
}

// testConfig keeps every wait short.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Address = "fake:104"
	cfg.AssociationRequestTimeout = time.Second
	cfg.AssociationReleaseTimeout = time.Second
	cfg.AssociationLingerTimeout = 20 * time.Millisecond
	cfg.AbortTimeout = 50 * time.Millisecond
	cfg.RequestTimeout = time.Second
	cfg.AdditionalPresentationContexts = []PresentationContextConfig{
		{AbstractSyntax: types.VerificationSOPClass},
	}
	return cfg
}

// transitionRecorder collects state transitions of a Client.
type transitionRecorder struct {
	mu     sync.Mutex
	states []string
	ch     chan string
}

func recordTransitions(c *Client) *transitionRecorder {
	r := &transitionRecorder{ch: make(chan string, 256)}
	c.onTransition = func(_, to string) {
		r.mu.Lock()
		r.states = append(r.states, to)
		r.mu.Unlock()
		select {
		case r.ch <- to:
		default:
		}
	}
	return r
}

func (r *transitionRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

// waitFor blocks until the client enters state.
func (r *transitionRecorder) waitFor(t *testing.T, state string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == state {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached, transitions: %v", state, r.all())
		}
	}
}

func newTestClient(t *testing.T, cfg Config, connector Connector) (*Client, *transitionRecorder) {
	t.Helper()
	c, err := New(cfg, WithConnector(connector))
	require.NoError(t, err)
	return c, recordTransitions(c)
}

func sendAsync(c *Client, ctx context.Context, mode CancellationMode) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- c.Send(ctx, mode)
	}()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return")
		return nil
	}
}
