package client

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// completedState closes the transport and hands the outcome of the run back
// to the Client.
type completedState struct {
	baseState
	conn Connection
	err  error
}

// newCompletedState ends a run. conn may be nil when no transport was
// opened; err is nil for a clean completion.
func newCompletedState(m *machine, conn Connection, err error) *completedState {
	name := "Completed"
	if err != nil {
		name = "CompletedWithError"
	}
	return &completedState{
		baseState: newBaseState(m, name),
		conn:      conn,
		err:       err,
	}
}

func (s *completedState) GetNextState(*Cancellation) (State, error) {
	var errs error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		// No event of this connection may reach a later state.
		timer := s.startTimer(s.m.cfg.AbortTimeout)
		select {
		case <-s.conn.Done():
		case <-timer.Done():
			errs = multierror.Append(errs, fmt.Errorf("listener did not stop within %s", s.m.cfg.AbortTimeout))
		}
	}

	if s.err == nil {
		if errs != nil {
			s.logger.Warn("Failed to close connection cleanly", "error", errs)
		}
		return newIdleState(s.m), nil
	}
	if errs != nil {
		return nil, multierror.Append(s.err, errs)
	}
	return nil, s.err
}
