package client

import (
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/internal/promise"
)

// releaseAssociationState performs the A-RELEASE handshake.
type releaseAssociationState struct {
	linkState
	assoc    *Association
	released promise.Promise[struct{}]
}

func newReleaseAssociationState(m *machine, conn Connection, assoc *Association) *releaseAssociationState {
	return &releaseAssociationState{
		linkState: newLinkState(m, "ReleaseAssociation", conn),
		assoc:     assoc,
		released:  promise.New[struct{}](),
	}
}

func (s *releaseAssociationState) OnReleaseResponseReceived() {
	s.released.Resolve(struct{}{})
}

// GetNextState ignores graceful cancellation; only an escalation to
// AbortImmediately interrupts the handshake.
func (s *releaseAssociationState) GetNextState(cancellation *Cancellation) (State, error) {
	if err := s.conn.SendReleaseRequest(); err != nil {
		return newCompletedState(s.m, s.conn, err), nil
	}

	timeout := s.m.cfg.AssociationReleaseTimeout
	timer := s.startTimer(timeout)

	select {
	case <-s.released.Done():
	case <-s.aborted.Done():
	case <-s.closed.Done():
	case <-s.conn.Done():
	case <-timer.Done():
	case <-cancellation.Aborting():
	}

	switch {
	case s.released.Settled():
		s.logger.Debug("Association released")
		return newCompletedState(s.m, s.conn, nil), nil
	case s.aborted.Settled():
		return newCompletedState(s.m, s.conn, s.abortErr()), nil
	case s.isClosed():
		// The peer may close instead of answering once it saw the release
		// request. Only an orderly close counts as released.
		err := s.closeErr()
		s.logger.Debug("Connection closed during release", "error", err)
		return newCompletedState(s.m, s.conn, err), nil
	case timer.Settled():
		s.logger.Warn("Association release timed out", "timeout", timeout)
		return newAbortState(s.m, s.conn, s.assoc,
			dicomerrors.NewTimeoutError(dicomerrors.OperationAssociationRelease, timeout)), nil
	case cancellation.AbortRequested():
		return newAbortState(s.m, s.conn, s.assoc,
			dicomerrors.NewAbortInitiatedError("cancelled while releasing association")), nil
	}
	panic("release association: race resolved without a winner")
}
