package core

import "math"

// RadioProfile describes the RF chain used by the simple received-power
// estimate. All powers are in dBm and gains in dBi.
type RadioProfile struct {
	FrequencyGHz float64 `json:"frequency_ghz" yaml:"frequency_ghz"`
	EIRPDBm      float64 `json:"eirp_dbm" yaml:"eirp_dbm"`
	RxGainDBi    float64 `json:"rx_gain_dbi" yaml:"rx_gain_dbi"`
}

// DefaultRadioProfile is a Ka-band user downlink.
func DefaultRadioProfile() RadioProfile {
	return RadioProfile{
		FrequencyGHz: 28,
		EIRPDBm:      75,
		RxGainDBi:    30,
	}
}

// FreeSpacePathLossDB returns the free-space path loss for a range in
// kilometres and a carrier in GHz.
func FreeSpacePathLossDB(rangeKm, frequencyGHz float64) float64 {
	if rangeKm <= 0 || frequencyGHz <= 0 {
		return 0
	}
	return 92.45 + 20*math.Log10(rangeKm) + 20*math.Log10(frequencyGHz)
}

// AtmosphericLossDB is a coarse slant-path attenuation: 0.5 dB at zenith
// scaled by 1/sin(elevation), saturating at 10 dB near the horizon.
func AtmosphericLossDB(elevationDeg float64) float64 {
	if elevationDeg <= 5 {
		return 10
	}
	return 0.5 / math.Sin(elevationDeg*math.Pi/180)
}

// EstimateSignalDBm estimates received power for a satellite at the given
// slant range and elevation.
func (p RadioProfile) EstimateSignalDBm(rangeKm, elevationDeg float64) float64 {
	return p.EIRPDBm + p.RxGainDBi - FreeSpacePathLossDB(rangeKm, p.FrequencyGHz) - AtmosphericLossDB(elevationDeg)
}

// RangeScaledSignalDBm projects a received power measured at fromKm to a new
// range toKm, keeping everything but spreading loss fixed.
func RangeScaledSignalDBm(signalDBm, fromKm, toKm float64) float64 {
	if fromKm <= 0 || toKm <= 0 {
		return signalDBm
	}
	return signalDBm - 20*math.Log10(toKm/fromKm)
}
