package gateway

import "github.com/ontable/holdem/pkg/statemachine"

// Connection lifecycle phases, driven through the statemachine package:
// connecting -> authenticated -> active -> closed, one Step per checkpoint
// in connection.go (auth, registration, teardown).
const (
	phaseConnecting    = "connecting"
	phaseAuthenticated = "authenticated"
	phaseActive        = "active"
	phaseClosed        = "closed"
)

func connPhases() map[string]statemachine.StateFn[conn] {
	return map[string]statemachine.StateFn[conn]{
		phaseConnecting:    func(*conn) string { return phaseAuthenticated },
		phaseAuthenticated: func(*conn) string { return phaseActive },
		phaseActive:        func(*conn) string { return phaseClosed },
		phaseClosed:        func(*conn) string { return "" },
	}
}
