/*
Package geo computes great-circle distances for geofencing and matching.

Distances use the haversine formula on a spherical Earth (R = 6371 km).
The error is well under 0.5% at the radii the engine cares about (0.5 km
clock-out, 2 km clock-in, 20 km matching).
*/
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

// ErrInvalidCoordinate is returned for latitudes outside ±90 or longitudes outside ±180.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects out-of-range or NaN coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	return nil
}

func (p Point) String() string { return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lng) }

// Distance returns the haversine distance between a and b in kilometers.
func Distance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if a == b {
		return 0, nil
	}

	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h)), nil
}

// Within reports whether b lies within radiusKm of a.
func Within(a, b Point, radiusKm float64) (bool, float64, error) {
	d, err := Distance(a, b)
	if err != nil {
		return false, 0, err
	}
	return d <= radiusKm, d, nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
