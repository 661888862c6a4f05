package model

import "time"

// SessionState is a state of the per-terminal handover state machine.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionPredicting
	SessionAwaitingPolicy
	SessionExecuting
	SessionComplete
	SessionFailed
	SessionRolledBack
)

var sessionStateNames = map[SessionState]string{
	SessionIdle:           "idle",
	SessionPredicting:     "predicting",
	SessionAwaitingPolicy: "awaiting_policy",
	SessionExecuting:      "executing",
	SessionComplete:       "complete",
	SessionFailed:         "failed",
	SessionRolledBack:     "rolled_back",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions are expected. Failed is
// terminal only once the retry budget is spent; the orchestrator decides.
func (s SessionState) Terminal() bool {
	return s == SessionComplete || s == SessionFailed || s == SessionRolledBack
}

// sessionTransitions lists the legal edges of the state machine.
var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:           {SessionPredicting, SessionRolledBack},
	SessionPredicting:     {SessionAwaitingPolicy, SessionFailed, SessionRolledBack},
	SessionAwaitingPolicy: {SessionExecuting, SessionFailed, SessionRolledBack},
	SessionExecuting:      {SessionComplete, SessionFailed, SessionRolledBack},
	SessionFailed:         {SessionPredicting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to SessionState) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HandoverSession is a point-in-time copy of a terminal's session.
type HandoverSession struct {
	ID         string          `json:"id"`
	TerminalID string          `json:"terminal_id"`
	State      SessionState    `json:"-"`
	StateName  string          `json:"state"`
	Attempts   int             `json:"attempts"`
	Reason     string          `json:"reason,omitempty"`
	Event      *ProcessedEvent `json:"event,omitempty"`
	Decision   *Decision       `json:"decision,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
