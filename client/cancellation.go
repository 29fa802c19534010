package client

import (
	"context"
	"sync"
)

// CancellationMode decides how an association is torn down once a run is
// cancelled.
type CancellationMode int

const (
	// ReleaseGracefully lets in-flight requests finish and releases the association.
	ReleaseGracefully CancellationMode = iota
	// AbortImmediately aborts the association without waiting.
	AbortImmediately
)

func (m CancellationMode) String() string {
	switch m {
	case ReleaseGracefully:
		return "release-gracefully"
	case AbortImmediately:
		return "abort-immediately"
	default:
		return "unknown"
	}
}

// Cancellation is the cancellation signal of one run. Once cancelled it stays
// cancelled; its mode can only escalate from ReleaseGracefully to
// AbortImmediately.
type Cancellation struct {
	mu        sync.Mutex
	mode      CancellationMode
	cancelled bool

	done     chan struct{}
	aborting chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
}

// newCancellation derives a signal from the caller's context. Cancelling the
// parent cancels the run with defaultMode.
func newCancellation(parent context.Context, defaultMode CancellationMode) *Cancellation {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	c := &Cancellation{
		done:     make(chan struct{}),
		aborting: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.stop = context.AfterFunc(parent, func() {
		c.Cancel(defaultMode)
	})
	return c
}

// Cancel signals cancellation or escalates its mode. It reports whether the
// call changed anything.
func (c *Cancellation) Cancel(mode CancellationMode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	if !c.cancelled {
		c.cancelled = true
		c.mode = mode
		close(c.done)
		c.cancel()
		changed = true
	} else if mode > c.mode {
		c.mode = mode
		changed = true
	}
	if changed && c.mode == AbortImmediately {
		close(c.aborting)
	}
	return changed
}

// Done is closed once cancellation is signalled.
func (c *Cancellation) Done() <-chan struct{} {
	return c.done
}

// Aborting is closed once cancellation is in AbortImmediately mode.
func (c *Cancellation) Aborting() <-chan struct{} {
	return c.aborting
}

// IsCancelled reports whether cancellation was signalled.
func (c *Cancellation) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// AbortRequested reports whether cancellation is in AbortImmediately mode.
func (c *Cancellation) AbortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled && c.mode == AbortImmediately
}

// Mode returns the current mode; it is meaningless until IsCancelled.
func (c *Cancellation) Mode() CancellationMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Context is cancelled together with the signal. It carries the caller's
// values but not its deadline.
func (c *Cancellation) Context() context.Context {
	return c.ctx
}

// release detaches the signal from the caller's context once the run is over.
func (c *Cancellation) release() {
	c.stop()
	c.cancel()
}
