package client

// idleState is the resting state before and between runs.
type idleState struct {
	baseState
}

func newIdleState(m *machine) *idleState {
	return &idleState{baseState: newBaseState(m, "Idle")}
}

// Send starts a run.
func (s *idleState) Send(*Cancellation) State {
	return newConnectState(s.m)
}

// GetNextState keeps the machine idle; the driving loop stops here.
func (s *idleState) GetNextState(*Cancellation) (State, error) {
	return s, nil
}
