package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SatelliteID is the catalog number of a satellite. Ranking tie-breaks
// compare IDs numerically.
type SatelliteID int

// ErrInvalidSample is returned when an OrbitalSample fails validation.
var ErrInvalidSample = errors.New("invalid orbital sample")

// OrbitalSample is a single observation of a satellite as seen from the
// terminal. Samples are produced upstream at a fixed cadence and are treated
// as immutable values.
type OrbitalSample struct {
	SatelliteID         SatelliteID `json:"satellite_id"`
	Timestamp           time.Time   `json:"timestamp"`
	ElevationDeg        float64     `json:"elevation_deg"`
	AzimuthDeg          float64     `json:"azimuth_deg"`
	RangeKm             float64     `json:"range_km"`
	RelativeVelocityKmS float64     `json:"relative_velocity_km_s"`
	EstimatedSignalDBm  float64     `json:"estimated_signal_dbm"`
	LoadFactor          float64     `json:"load_factor"`
}

// Validate checks that every numeric field is finite and inside its domain.
func (s OrbitalSample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: satellite %d has no timestamp", ErrInvalidSample, s.SatelliteID)
	}
	for name, v := range map[string]float64{
		"elevation_deg":          s.ElevationDeg,
		"azimuth_deg":            s.AzimuthDeg,
		"range_km":               s.RangeKm,
		"relative_velocity_km_s": s.RelativeVelocityKmS,
		"estimated_signal_dbm":   s.EstimatedSignalDBm,
		"load_factor":            s.LoadFactor,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: satellite %d field %s is not finite", ErrInvalidSample, s.SatelliteID, name)
		}
	}
	if s.ElevationDeg < -90 || s.ElevationDeg > 90 {
		return fmt.Errorf("%w: satellite %d elevation %.2f out of range", ErrInvalidSample, s.SatelliteID, s.ElevationDeg)
	}
	if s.RangeKm <= 0 {
		return fmt.Errorf("%w: satellite %d range must be positive", ErrInvalidSample, s.SatelliteID)
	}
	if s.LoadFactor < 0 || s.LoadFactor > 1 {
		return fmt.Errorf("%w: satellite %d load factor %.3f outside [0,1]", ErrInvalidSample, s.SatelliteID, s.LoadFactor)
	}
	return nil
}

// Age returns how old the sample is relative to now.
func (s OrbitalSample) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}
