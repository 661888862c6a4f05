package model

import "time"

// PolicyUsed names the policy that actually produced a decision.
type PolicyUsed string

const (
	PolicyUsedHeuristic PolicyUsed = "heuristic"
	PolicyUsedLearned   PolicyUsed = "learned"
	// PolicyUsedFallback marks a heuristic decision substituted after the
	// learned policy was unavailable or timed out.
	PolicyUsedFallback PolicyUsed = "fallback"
)

// Alternative is a runner-up target in a decision.
type Alternative struct {
	SatelliteID SatelliteID `json:"satellite_id"`
	Score       float64     `json:"score"`
}

// Decision is an executable handover decision. It is immutable once emitted.
type Decision struct {
	ID                   string        `json:"id"`
	SessionID            string        `json:"session_id"`
	TerminalID           string        `json:"terminal_id"`
	SelectedSatelliteID  SatelliteID   `json:"selected_satellite_id"`
	Confidence           float64       `json:"confidence"`
	Alternatives         []Alternative `json:"alternatives"`
	TriggerTime          time.Time     `json:"trigger_time"`
	LowConfidenceTrigger bool          `json:"low_confidence_trigger,omitempty"`
	PolicyUsed           PolicyUsed    `json:"policy_used"`
	Algorithm            string        `json:"algorithm,omitempty"`
	Warnings             []string      `json:"warnings,omitempty"`
	ReasoningTrace       []string      `json:"reasoning_trace"`
	CreatedAt            time.Time     `json:"created_at"`
}
