package model

import "time"

// RawMeasurement is one measurement report from a terminal. Which optional
// fields must be present depends on the condition family it is evaluated
// against; nil means "not measured".
type RawMeasurement struct {
	TerminalID         string      `json:"terminal_id"`
	ConditionID        string      `json:"condition_id"`
	ServingSatelliteID SatelliteID `json:"serving_satellite_id"`
	Timestamp          time.Time   `json:"timestamp"`

	SignalDBm   *float64 `json:"signal_dbm,omitempty"`
	Distance1Km *float64 `json:"distance1_km,omitempty"`
	Distance2Km *float64 `json:"distance2_km,omitempty"`
	ElapsedS    *float64 `json:"elapsed_s,omitempty"`

	// Reference is the time-varying reference point used by the
	// moving-reference distance family.
	Reference *OrbitalSample `json:"reference,omitempty"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// ProcessedEvent is the classifier's output for a raw measurement that
// completed its time-to-trigger hold.
type ProcessedEvent struct {
	ID                 string           `json:"id"`
	Kind               ConditionKind    `json:"kind"`
	TerminalID         string           `json:"terminal_id"`
	ConditionID        string           `json:"condition_id"`
	ServingSatelliteID SatelliteID      `json:"serving_satellite_id"`
	Raw                RawMeasurement   `json:"raw"`
	EvaluatedAt        time.Time        `json:"evaluated_at"`
	Entering           bool             `json:"entering"`
	Confidence         float64          `json:"confidence"`
	Trigger            TriggerCondition `json:"trigger"`
}
