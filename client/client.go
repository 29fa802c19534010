// Package client implements a DICOM association requestor (SCU). Requests are
// queued on a Client and sent over associations that a state machine opens,
// reuses and tears down.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/internal/promise"
)

// Option configures a Client.
type Option func(*Client)

// WithConnector replaces the TCP connector.
func WithConnector(connector Connector) Option {
	return func(c *Client) {
		c.m.connector = connector
	}
}

type run struct {
	cancellation *Cancellation
	result       promise.Promise[struct{}]
	started      time.Time
}

// Client drives associations with a single peer. It is safe for concurrent
// use.
type Client struct {
	ID     uuid.UUID
	cfg    Config
	logger *slog.Logger
	m      *machine

	mu      sync.Mutex
	current State
	run     *run
	closed  bool

	onTransition func(from, to string)
}

// New creates a Client. The configuration is validated once here.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := cfg.Logger.With("client_id", id.String(), "called_ae", cfg.CalledAETitle)
	cfg.Logger = logger

	c := &Client{
		ID:     id,
		cfg:    cfg,
		logger: logger,
	}
	c.m = &machine{
		cfg:       cfg,
		logger:    logger,
		queue:     NewRequestQueue(),
		connector: NewTCPConnector(cfg),
		events:    c,
		timeouts:  &timeoutCounter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current = newIdleState(c.m)
	return c, nil
}

// State returns the name of the current state.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.String()
}

// QueueLength returns the number of requests waiting to be sent.
func (c *Client) QueueLength() int {
	return c.m.queue.Len()
}

// ConsecutiveTimeouts returns the number of association requests in a row
// that timed out.
func (c *Client) ConsecutiveTimeouts() int {
	return c.m.timeouts.value()
}

// AddRequest queues requests. They are sent by the run in progress when its
// association can carry them, otherwise by the next run.
func (c *Client) AddRequest(reqs ...*Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Completion handlers may call back into the Client.
		for _, req := range reqs {
			req.finish(nil, dicomerrors.ErrClientClosed)
		}
		return
	}
	for _, req := range reqs {
		c.current.AddRequest(req)
	}
	c.mu.Unlock()
}

// Send flushes the queue. If no run is in progress it starts one that ends
// once the association is released or aborted; otherwise it joins the run in
// progress. It returns nil when the run completed cleanly, or the single error
// that ended it. Cancelling ctx of the call that started the run cancels the
// run with mode; a joining caller only stops waiting.
func (c *Client) Send(ctx context.Context, mode CancellationMode) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return dicomerrors.ErrClientClosed
	}

	if r := c.run; r != nil {
		c.current.Send(r.cancellation)
		c.mu.Unlock()

		select {
		case <-r.result.Done():
			_, err := r.result.Wait()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cancellation := newCancellation(ctx, mode)
	next := c.current.Send(cancellation)
	if next == nil {
		c.mu.Unlock()
		cancellation.release()
		return nil
	}
	r := &run{
		cancellation: cancellation,
		result:       promise.New[struct{}](),
		started:      time.Now(),
	}
	c.run = r
	c.transition(next)
	c.mu.Unlock()

	c.drive(r, next)
	_, err := r.result.Wait()
	return err
}

// Cancel cancels the run in progress, or escalates its mode. It reports
// whether a run was in progress.
func (c *Client) Cancel(mode CancellationMode) bool {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()

	if r == nil {
		return false
	}
	if r.cancellation.Cancel(mode) {
		c.logger.Debug("Run cancelled", "mode", r.cancellation.Mode())
	}
	return true
}

// Close aborts the run in progress, waits for it to end and fails every
// queued request with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	r := c.run
	c.mu.Unlock()

	if r != nil {
		r.cancellation.Cancel(AbortImmediately)
		<-r.result.Done()
	}
	for _, req := range c.m.queue.Drain() {
		req.finish(nil, dicomerrors.ErrClientClosed)
	}
	return nil
}

// transition makes next current. Callers hold c.mu.
func (c *Client) transition(next State) {
	prev := c.current
	c.current = next
	prometheusStateTransitionsTotal.WithLabelValues(prev.String(), next.String()).Inc()
	c.logger.Debug("State transition", "from", prev.String(), "to", next.String())
	if c.onTransition != nil {
		c.onTransition(prev.String(), next.String())
	}
}

// drive runs the state machine until it rests in Idle or a state ends the
// run with an error.
func (c *Client) drive(r *run, state State) {
	var runErr error
	for {
		next, err := state.GetNextState(r.cancellation)
		if err != nil || next == nil {
			runErr = err
			next = newIdleState(c.m)
		}

		c.mu.Lock()
		c.transition(next)
		c.mu.Unlock()
		state.Dispose()

		if _, idle := next.(*idleState); idle {
			break
		}
		state = next
	}

	c.mu.Lock()
	c.run = nil
	c.mu.Unlock()
	r.cancellation.release()

	prometheusRunDuration.Observe(time.Since(r.started).Seconds())
	if runErr != nil {
		c.logger.Warn("Run failed", "error", runErr, "duration", time.Since(r.started))
		r.result.Reject(runErr)
		return
	}
	c.logger.Debug("Run completed", "duration", time.Since(r.started))
	r.result.Resolve(struct{}{})
}

func (c *Client) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// The Client is the EventHandler of every Connection it opens and forwards
// events to whichever state is current.

func (c *Client) OnAssociationAccepted(assoc *Association) {
	c.state().OnAssociationAccepted(assoc)
}

func (c *Client) OnAssociationRejected(result dicomerrors.AssociationRejectResult, source dicomerrors.AssociationRejectSource, reason dicomerrors.AssociationRejectReason) {
	c.state().OnAssociationRejected(result, source, reason)
}

func (c *Client) OnReleaseResponseReceived() {
	c.state().OnReleaseResponseReceived()
}

func (c *Client) OnAborted(source dicomerrors.AbortSource, reason dicomerrors.AbortReason) {
	c.state().OnAborted(source, reason)
}

func (c *Client) OnConnectionClosed(err error) {
	c.state().OnConnectionClosed(err)
}

func (c *Client) OnSendQueueEmpty() {
	c.state().OnSendQueueEmpty()
}

func (c *Client) OnRequestCompleted(req *Request, resp *Response) {
	c.state().OnRequestCompleted(req, resp)
}

func (c *Client) OnRequestTimedOut(req *Request, timeout time.Duration) {
	c.state().OnRequestTimedOut(req, timeout)
}
