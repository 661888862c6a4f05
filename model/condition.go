package model

import (
	"errors"
	"fmt"
	"time"
)

// ConditionKind tags the trigger-condition family.
type ConditionKind string

const (
	ConditionSignalThreshold ConditionKind = "signal_threshold"
	ConditionDualDistance    ConditionKind = "dual_distance"
	ConditionMovingReference ConditionKind = "moving_reference_distance"
	ConditionTimeWindow      ConditionKind = "time_window"
)

// ErrUnsupportedConditionKind is returned for an unrecognised condition tag.
var ErrUnsupportedConditionKind = errors.New("unsupported condition kind")

// ErrInvalidCondition is returned when a condition's parameter block does not
// match its kind.
var ErrInvalidCondition = errors.New("invalid trigger condition")

// SignalThresholdParams configures the received-power family.
type SignalThresholdParams struct {
	ThresholdDBm float64 `json:"threshold_dbm"`
	OffsetDB     float64 `json:"offset_db"`
	HysteresisDB float64 `json:"hysteresis_db"`
}

// DistanceParams configures both distance families. For the moving-reference
// family the first distance is measured against a reference point whose
// position comes from an orbital sample.
type DistanceParams struct {
	Thresh1Km    float64 `json:"thresh1_km"`
	Thresh2Km    float64 `json:"thresh2_km"`
	HysteresisKm float64 `json:"hysteresis_km"`
}

// TimeWindowParams configures the elapsed-time family. It has no hysteresis.
type TimeWindowParams struct {
	ThresholdS float64 `json:"threshold_s"`
	DurationS  float64 `json:"duration_s"`
}

// TriggerCondition is a closed variant over the four condition families.
// Exactly one parameter block matching Kind must be set.
type TriggerCondition struct {
	ID            string        `json:"id"`
	Kind          ConditionKind `json:"kind"`
	TimeToTrigger time.Duration `json:"time_to_trigger"`

	Signal   *SignalThresholdParams `json:"signal,omitempty"`
	Distance *DistanceParams        `json:"distance,omitempty"`
	Window   *TimeWindowParams      `json:"window,omitempty"`
}

// Validate checks the variant invariants.
func (c TriggerCondition) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCondition)
	}
	if c.TimeToTrigger < 0 {
		return fmt.Errorf("%w: %s has negative time_to_trigger", ErrInvalidCondition, c.ID)
	}
	switch c.Kind {
	case ConditionSignalThreshold, ConditionDualDistance, ConditionMovingReference, ConditionTimeWindow:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedConditionKind, c.Kind)
	}
	set := 0
	for _, ok := range []bool{c.Signal != nil, c.Distance != nil, c.Window != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s must carry exactly one parameter block, has %d", ErrInvalidCondition, c.ID, set)
	}

	switch c.Kind {
	case ConditionSignalThreshold:
		if c.Signal == nil {
			return fmt.Errorf("%w: %s needs signal parameters", ErrInvalidCondition, c.ID)
		}
		if c.Signal.HysteresisDB < 0 {
			return fmt.Errorf("%w: %s hysteresis must be >= 0", ErrInvalidCondition, c.ID)
		}
	case ConditionDualDistance, ConditionMovingReference:
		if c.Distance == nil {
			return fmt.Errorf("%w: %s needs distance parameters", ErrInvalidCondition, c.ID)
		}
		if c.Distance.HysteresisKm < 0 {
			return fmt.Errorf("%w: %s hysteresis must be >= 0", ErrInvalidCondition, c.ID)
		}
	case ConditionTimeWindow:
		if c.Window == nil {
			return fmt.Errorf("%w: %s needs window parameters", ErrInvalidCondition, c.ID)
		}
		if c.Window.DurationS <= 0 {
			return fmt.Errorf("%w: %s duration must be positive", ErrInvalidCondition, c.ID)
		}
	}
	return nil
}
