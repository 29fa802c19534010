package client

import (
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/internal/promise"
)

// lingeringState keeps an idle association open for a short while so that
// back to back requests reuse it.
type lingeringState struct {
	linkState
	assoc *Association
	added promise.Promise[struct{}]
}

func newLingeringState(m *machine, conn Connection, assoc *Association) *lingeringState {
	return &lingeringState{
		linkState: newLinkState(m, "Lingering", conn),
		assoc:     assoc,
		added:     promise.New[struct{}](),
	}
}

func (s *lingeringState) AddRequest(req *Request) {
	s.m.queue.Enqueue(req)
	s.added.Resolve(struct{}{})
}

// Send wakes the linger race when requests are waiting; GetNextState then
// resumes sending on the same association.
func (s *lingeringState) Send(*Cancellation) State {
	if s.m.queue.Len() > 0 {
		s.added.Resolve(struct{}{})
	}
	return nil
}

func (s *lingeringState) GetNextState(cancellation *Cancellation) (State, error) {
	if cancellation.IsCancelled() {
		return s.teardown(cancellation), nil
	}
	if s.m.queue.Len() > 0 {
		return newSendingRequestsState(s.m, s.conn, s.assoc), nil
	}

	timer := s.startTimer(s.m.cfg.AssociationLingerTimeout)

	select {
	case <-s.added.Done():
	case <-s.aborted.Done():
	case <-s.closed.Done():
	case <-s.conn.Done():
	case <-timer.Done():
	case <-cancellation.Done():
	}

	switch {
	case s.aborted.Settled():
		return newCompletedState(s.m, s.conn, s.abortErr()), nil
	case s.isClosed():
		return newCompletedState(s.m, s.conn, s.closeErr()), nil
	case cancellation.IsCancelled():
		return s.teardown(cancellation), nil
	case s.added.Settled():
		s.logger.Debug("Reusing association", "queued", s.m.queue.Len())
		return newSendingRequestsState(s.m, s.conn, s.assoc), nil
	case timer.Settled():
		s.logger.Debug("Linger timeout elapsed", "timeout", s.m.cfg.AssociationLingerTimeout)
		return newReleaseAssociationState(s.m, s.conn, s.assoc), nil
	}
	panic("lingering: race resolved without a winner")
}

func (s *lingeringState) teardown(cancellation *Cancellation) State {
	if cancellation.AbortRequested() {
		return newAbortState(s.m, s.conn, s.assoc,
			dicomerrors.NewAbortInitiatedError("cancelled while lingering"))
	}
	return newReleaseAssociationState(s.m, s.conn, s.assoc)
}
