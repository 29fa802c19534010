package client

import (
	"context"
	"errors"

	"github.com/caio-sobreiro/dicomclient/internal/promise"
)

// connectState opens the transport.
type connectState struct {
	baseState
}

func newConnectState(m *machine) *connectState {
	return &connectState{baseState: newBaseState(m, "Connect")}
}

func (s *connectState) GetNextState(cancellation *Cancellation) (State, error) {
	dialed := promise.New[Connection]()
	go func() {
		conn, err := s.m.connector.Connect(cancellation.Context(), s.m.events)
		if err != nil {
			dialed.Reject(err)
			return
		}
		dialed.Resolve(conn)
	}()

	select {
	case <-dialed.Done():
	case <-cancellation.Done():
		s.logger.Debug("Cancelled while connecting, waiting for dial to finish")
	}

	// The dial is always awaited so a late connection is closed, not leaked.
	conn, err := dialed.Wait()
	switch {
	case err != nil && cancellation.IsCancelled() && errors.Is(err, context.Canceled):
		return newCompletedState(s.m, nil, nil), nil
	case err != nil:
		s.logger.Warn("Connect failed", "address", s.m.cfg.Address, "error", err)
		return newCompletedState(s.m, nil, err), nil
	case cancellation.IsCancelled():
		return newCompletedState(s.m, conn, nil), nil
	}

	s.logger.Debug("Connected", "remote_addr", conn.RemoteAddr())
	return newRequestAssociationState(s.m, conn), nil
}
