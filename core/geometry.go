package core

import "math"

// EarthRadiusKm is the mean Earth radius used for the simple spherical
// geometry in this package (kilometres).
const EarthRadiusKm = 6371.0

// Vec3 is an ECEF-style vector in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Observer is a terminal location on a spherical Earth.
type Observer struct {
	LatitudeDeg  float64
	LongitudeDeg float64
	AltitudeKm   float64
}

// ECEF returns the observer's position in kilometres.
func (o Observer) ECEF() Vec3 {
	lat := o.LatitudeDeg * math.Pi / 180
	lon := o.LongitudeDeg * math.Pi / 180
	r := EarthRadiusKm + o.AltitudeKm
	return Vec3{
		X: r * math.Cos(lat) * math.Cos(lon),
		Y: r * math.Cos(lat) * math.Sin(lon),
		Z: r * math.Sin(lat),
	}
}

// ElevationDegrees returns the elevation angle of the target as seen from
// the observer, in degrees. 0° = geometric horizon, 90° = overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	vNorm := v.Norm()
	if vNorm == 0 {
		return 90
	}

	r := observer.Norm()
	if r == 0 {
		return 90
	}
	zenith := Vec3{X: observer.X / r, Y: observer.Y / r, Z: observer.Z / r}

	cosGamma := clamp(v.Dot(zenith)/vNorm, -1, 1)
	return 90.0 - math.Acos(cosGamma)*180.0/math.Pi
}

// AzimuthDegrees returns the bearing of the target from the observer,
// clockwise from true north in [0, 360).
func AzimuthDegrees(o Observer, target Vec3) float64 {
	lat := o.LatitudeDeg * math.Pi / 180
	lon := o.LongitudeDeg * math.Pi / 180
	d := target.Sub(o.ECEF())

	east := -math.Sin(lon)*d.X + math.Cos(lon)*d.Y
	north := -math.Sin(lat)*math.Cos(lon)*d.X - math.Sin(lat)*math.Sin(lon)*d.Y + math.Cos(lat)*d.Z

	az := math.Atan2(east, north) * 180 / math.Pi
	if az < 0 {
		az += 360
	}
	return az
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
