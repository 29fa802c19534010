package client

import (
	"fmt"
	"sync"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
)

// sendingRequestsState drains the queue over an accepted association while
// respecting the negotiated asynchronous operations window.
type sendingRequestsState struct {
	linkState
	assoc *Association

	wake chan struct{}

	inFlightMu sync.Mutex
	inFlight   map[*Request]struct{}
	// deferred requests need a context that was never proposed; they go
	// back to the queue for the next association.
	deferred []*Request
}

func newSendingRequestsState(m *machine, conn Connection, assoc *Association) *sendingRequestsState {
	return &sendingRequestsState{
		linkState: newLinkState(m, "SendingRequests", conn),
		assoc:     assoc,
		wake:      make(chan struct{}, 1),
		inFlight:  make(map[*Request]struct{}),
	}
}

func (s *sendingRequestsState) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sendingRequestsState) AddRequest(req *Request) {
	s.m.queue.Enqueue(req)
	s.notify()
}

func (s *sendingRequestsState) OnSendQueueEmpty() {
	s.notify()
}

func (s *sendingRequestsState) OnRequestCompleted(req *Request, _ *Response) {
	s.remove(req)
}

func (s *sendingRequestsState) OnRequestTimedOut(req *Request, _ time.Duration) {
	s.remove(req)
}

func (s *sendingRequestsState) remove(req *Request) {
	s.inFlightMu.Lock()
	delete(s.inFlight, req)
	s.inFlightMu.Unlock()
	s.notify()
}

func (s *sendingRequestsState) inFlightCount() int {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	return len(s.inFlight)
}

// drain sends queued requests until the queue is empty or the window is full.
func (s *sendingRequestsState) drain() {
	window := int(s.assoc.MaxOperationsInvoked)

	for window == 0 || s.inFlightCount() < window {
		req, ok := s.m.queue.TryDequeue()
		if !ok {
			return
		}

		pc, ok := s.assoc.AcceptedContextFor(req.SOPClassUID(), req.TransferSyntaxUID)
		if !ok {
			if s.proposed(req) {
				s.logger.Warn("No accepted presentation context", "request", req, "sop_class", req.SOPClassUID())
				req.finish(nil, fmt.Errorf("%w: %s", dicomerrors.ErrNoPresentationCtx, req.SOPClassUID()))
			} else {
				s.deferred = append(s.deferred, req)
			}
			continue
		}

		s.inFlightMu.Lock()
		s.inFlight[req] = struct{}{}
		s.inFlightMu.Unlock()

		if err := s.conn.SendRequest(req, pc); err != nil {
			s.inFlightMu.Lock()
			delete(s.inFlight, req)
			s.inFlightMu.Unlock()
			req.finish(nil, err)
		}
	}
}

// proposed reports whether the association request offered a context that
// could have carried req.
func (s *sendingRequestsState) proposed(req *Request) bool {
	for _, pc := range s.assoc.PresentationContexts {
		if pc.AbstractSyntax != req.SOPClassUID() {
			continue
		}
		if req.TransferSyntaxUID == "" {
			return true
		}
		for _, ts := range pc.TransferSyntaxes {
			if ts == req.TransferSyntaxUID {
				return true
			}
		}
	}
	return false
}

func (s *sendingRequestsState) GetNextState(cancellation *Cancellation) (State, error) {
	cancelled := cancellation.Done()

	for {
		if cancellation.AbortRequested() {
			s.m.queue.Requeue(s.deferred...)
			return newAbortState(s.m, s.conn, s.assoc,
				dicomerrors.NewAbortInitiatedError("cancelled while sending requests")), nil
		}

		graceful := cancellation.IsCancelled()
		if graceful {
			cancelled = nil
		} else {
			s.drain()
		}

		if s.inFlightCount() == 0 && (graceful || s.m.queue.Len() == 0) {
			s.m.queue.Requeue(s.deferred...)
			switch {
			case graceful:
				return newReleaseAssociationState(s.m, s.conn, s.assoc), nil
			case len(s.deferred) > 0:
				s.logger.Debug("Releasing to negotiate contexts for deferred requests", "deferred", len(s.deferred))
				return newReleaseAssociationState(s.m, s.conn, s.assoc), nil
			}
			return newLingeringState(s.m, s.conn, s.assoc), nil
		}

		select {
		case <-s.wake:
		case <-s.aborted.Done():
		case <-s.closed.Done():
		case <-s.conn.Done():
		case <-cancelled:
		case <-cancellation.Aborting():
		}

		switch {
		case s.aborted.Settled():
			s.m.queue.Requeue(s.deferred...)
			return newCompletedState(s.m, s.conn, s.abortErr()), nil
		case s.isClosed():
			s.m.queue.Requeue(s.deferred...)
			return newCompletedState(s.m, s.conn, s.closeErr()), nil
		}
	}
}
