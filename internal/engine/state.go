package engine

import "fmt"

// Phase is the coordinator phase.
type Phase string

const (
	// PhaseStable means the current session's items are authoritative.
	PhaseStable Phase = "stable"
	// PhaseSwitching means the store was cleared for a new session and its
	// history has not arrived yet.
	PhaseSwitching Phase = "switching"
)

// State is a point-in-time view of the coordinator.
type State struct {
	Phase     Phase  `json:"phase"`
	SessionID string `json:"sessionID"`
	// From is the previous session while switching.
	From string `json:"from,omitempty"`
}

func (s State) String() string {
	if s.Phase == PhaseSwitching {
		return fmt.Sprintf("switching(%s -> %s)", s.From, s.SessionID)
	}
	return fmt.Sprintf("stable(%s)", s.SessionID)
}

func stable(id string) State {
	return State{Phase: PhaseStable, SessionID: id}
}

func switching(from, to string) State {
	return State{Phase: PhaseSwitching, SessionID: to, From: from}
}
