package core

import (
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/leo-handover/model"
)

// SGP4Source produces OrbitalSamples for one satellite from a TLE. It stands
// in for the upstream orbit-propagation collaborator in simulations.
type SGP4Source struct {
	ID         model.SatelliteID
	LoadFactor float64
	Radio      RadioProfile

	sat satellite.Satellite
}

// NewSGP4Source constructs a source from TLE lines.
func NewSGP4Source(id model.SatelliteID, line1, line2 string, radio RadioProfile) *SGP4Source {
	return &SGP4Source{
		ID:    id,
		Radio: radio,
		sat:   satellite.TLEToSat(line1, line2, satellite.GravityWGS72),
	}
}

// PositionECEF propagates the satellite to t and returns its ECEF position.
// go-satellite works in kilometres, which is what Vec3 stores.
func (s *SGP4Source) PositionECEF(t time.Time) Vec3 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(s.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	return Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}
}

// SampleAt returns the satellite as seen by obs at t. Relative velocity is
// the range rate over the following second (positive when receding).
func (s *SGP4Source) SampleAt(t time.Time, obs Observer) model.OrbitalSample {
	ground := obs.ECEF()
	pos := s.PositionECEF(t)
	next := s.PositionECEF(t.Add(time.Second))

	rangeKm := ground.DistanceTo(pos)
	elevation := ElevationDegrees(ground, pos)

	return model.OrbitalSample{
		SatelliteID:         s.ID,
		Timestamp:           t,
		ElevationDeg:        elevation,
		AzimuthDeg:          AzimuthDegrees(obs, pos),
		RangeKm:             rangeKm,
		RelativeVelocityKmS: ground.DistanceTo(next) - rangeKm,
		EstimatedSignalDBm:  s.Radio.EstimateSignalDBm(rangeKm, elevation),
		LoadFactor:          s.LoadFactor,
	}
}
