package client

import (
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
)

// abortState tears the association down with an A-ABORT. Delivery is best
// effort and the wait for an acknowledgment is bounded.
type abortState struct {
	linkState
	assoc *Association
	cause error
}

// newAbortState aborts conn. assoc is nil when no association was accepted;
// cause, when set, becomes the error of the run.
func newAbortState(m *machine, conn Connection, assoc *Association, cause error) *abortState {
	return &abortState{
		linkState: newLinkState(m, "Abort", conn),
		assoc:     assoc,
		cause:     cause,
	}
}

func (s *abortState) GetNextState(*Cancellation) (State, error) {
	if err := s.conn.SendAbort(dicomerrors.AbortSourceServiceUser, dicomerrors.AbortReasonNotSpecified); err != nil {
		s.logger.Debug("Failed to send A-ABORT", "error", err)
	}

	timer := s.startTimer(s.m.cfg.AbortTimeout)

	select {
	case <-s.aborted.Done():
	case <-s.closed.Done():
	case <-s.conn.Done():
	case <-timer.Done():
	}

	if timer.Settled() && !s.aborted.Settled() && !s.isClosed() {
		s.logger.Debug("No acknowledgment of A-ABORT", "timeout", s.m.cfg.AbortTimeout)
	}
	return newCompletedState(s.m, s.conn, s.cause), nil
}
