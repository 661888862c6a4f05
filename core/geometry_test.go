package core

import (
	"math"
	"testing"
)

func TestElevationOverhead(t *testing.T) {
	obs := Observer{LatitudeDeg: 0, LongitudeDeg: 0}
	ground := obs.ECEF()
	above := Vec3{X: ground.X + 550, Y: 0, Z: 0}

	if el := ElevationDegrees(ground, above); math.Abs(el-90) > 1e-9 {
		t.Fatalf("elevation = %v, want 90", el)
	}
}

func TestElevationBelowHorizon(t *testing.T) {
	obs := Observer{LatitudeDeg: 0, LongitudeDeg: 0}
	ground := obs.ECEF()
	behind := Vec3{X: -EarthRadiusKm - 550, Y: 0, Z: 0}

	if el := ElevationDegrees(ground, behind); el >= 0 {
		t.Fatalf("elevation = %v, want negative for a satellite behind the Earth", el)
	}
}

func TestAzimuthCardinalDirections(t *testing.T) {
	obs := Observer{LatitudeDeg: 0, LongitudeDeg: 0}
	ground := obs.ECEF()

	north := Vec3{X: ground.X, Y: 0, Z: 500}
	if az := AzimuthDegrees(obs, north); math.Abs(az) > 1e-6 {
		t.Fatalf("azimuth to north = %v, want 0", az)
	}
	east := Vec3{X: ground.X, Y: 500, Z: 0}
	if az := AzimuthDegrees(obs, east); math.Abs(az-90) > 1e-6 {
		t.Fatalf("azimuth to east = %v, want 90", az)
	}
}

func TestSignalDecreasesWithRange(t *testing.T) {
	p := DefaultRadioProfile()
	near := p.EstimateSignalDBm(600, 60)
	far := p.EstimateSignalDBm(1800, 60)
	if near <= far {
		t.Fatalf("near signal %v should exceed far signal %v", near, far)
	}
	// Doubling the range costs ~6 dB of spreading loss.
	if got := RangeScaledSignalDBm(-80, 500, 1000); math.Abs(got-(-86.0206)) > 1e-3 {
		t.Fatalf("RangeScaledSignalDBm = %v, want ~-86.02", got)
	}
}
