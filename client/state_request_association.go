package client

import (
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/internal/promise"
)

// requestAssociationState proposes an association built from the queued
// requests and waits for the peer's answer.
type requestAssociationState struct {
	linkState
	accepted promise.Promise[*Association]
	rejected promise.Promise[*dicomerrors.AssociationError]
}

func newRequestAssociationState(m *machine, conn Connection) *requestAssociationState {
	return &requestAssociationState{
		linkState: newLinkState(m, "RequestAssociation", conn),
		accepted:  promise.New[*Association](),
		rejected:  promise.New[*dicomerrors.AssociationError](),
	}
}

func (s *requestAssociationState) OnAssociationAccepted(assoc *Association) {
	s.accepted.Resolve(assoc)
}

func (s *requestAssociationState) OnAssociationRejected(result dicomerrors.AssociationRejectResult, source dicomerrors.AssociationRejectSource, reason dicomerrors.AssociationRejectReason) {
	s.rejected.Resolve(dicomerrors.NewAssociationError(result, source, reason))
}

func (s *requestAssociationState) GetNextState(cancellation *Cancellation) (State, error) {
	proposal, err := buildProposal(s.m.queue.Snapshot(), s.m.cfg)
	if err != nil {
		return newCompletedState(s.m, s.conn, err), nil
	}
	if len(proposal.PresentationContexts) == 0 {
		s.logger.Warn("Requesting association without presentation contexts")
	}
	if err := s.conn.SendAssociationRequest(proposal); err != nil {
		return newCompletedState(s.m, s.conn, err), nil
	}

	timeout := s.m.cfg.AssociationRequestTimeout
	timer := s.startTimer(timeout)

	select {
	case <-s.accepted.Done():
	case <-s.rejected.Done():
	case <-s.aborted.Done():
	case <-s.closed.Done():
	case <-s.conn.Done():
	case <-timer.Done():
	case <-cancellation.Done():
	}

	switch {
	case s.accepted.Settled():
		assoc, _ := s.accepted.Wait()
		s.m.timeouts.reset()
		prometheusAssociationsTotal.WithLabelValues("accepted").Inc()
		s.logger.Info("Association accepted",
			"called_ae", assoc.CalledAETitle,
			"accepted_contexts", assoc.AcceptedCount(),
			"proposed_contexts", len(assoc.PresentationContexts))
		return newSendingRequestsState(s.m, s.conn, assoc), nil

	case s.rejected.Settled():
		rejection, _ := s.rejected.Wait()
		prometheusAssociationsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("Association rejected", "error", rejection)
		return newCompletedState(s.m, s.conn, rejection), nil

	case s.aborted.Settled():
		prometheusAssociationsTotal.WithLabelValues("aborted").Inc()
		return newCompletedState(s.m, s.conn, s.abortErr()), nil

	case s.isClosed():
		prometheusAssociationsTotal.WithLabelValues("closed").Inc()
		err := s.closeErr()
		if err == nil {
			err = dicomerrors.NewConnectionClosedError(nil)
		}
		return newCompletedState(s.m, s.conn, err), nil

	case timer.Settled():
		prometheusAssociationsTotal.WithLabelValues("timeout").Inc()
		attempts := s.m.timeouts.increment()
		limit := s.m.cfg.MaxConsecutiveAssociationRequestTimeouts
		if attempts < limit {
			s.logger.Warn("Association request timed out", "timeout", timeout, "attempts", attempts, "limit", limit)
			return newCompletedState(s.m, s.conn, nil), nil
		}
		s.m.timeouts.reset()
		timeoutErr := dicomerrors.NewTimeoutError(dicomerrors.OperationAssociationRequest, timeout)
		timeoutErr.Attempts = attempts
		return newCompletedState(s.m, s.conn, timeoutErr), nil

	case cancellation.IsCancelled():
		prometheusAssociationsTotal.WithLabelValues("cancelled").Inc()
		return newAbortState(s.m, s.conn, nil,
			dicomerrors.NewAbortInitiatedError("cancelled while requesting association")), nil
	}
	panic("request association: race resolved without a winner")
}
