// Package geo provides great-circle calculations on a spherical Earth.
// Distances are in kilometres and angles in degrees.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"skycourier/pkg/ontology"
)

// EarthRadiusKm is the sphere radius used by every function in this package.
const EarthRadiusKm = orb.EarthRadius / 1000

var ErrInvalidCoordinate = errors.New("invalid coordinate")

func point(c ontology.Coordinate) orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

func coordinate(p orb.Point) ontology.Coordinate {
	return ontology.Coordinate{Latitude: p.Lat(), Longitude: NormalizeLongitude(p.Lon())}
}

func same(a, b ontology.Coordinate) bool {
	return a.Latitude == b.Latitude && a.Longitude == b.Longitude
}

// Validate rejects NaN, infinite and out-of-range coordinates.
func Validate(c ontology.Coordinate) error {
	switch {
	case math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude),
		math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0):
		return fmt.Errorf("%w: non-finite value (%v, %v)", ErrInvalidCoordinate, c.Latitude, c.Longitude)
	case c.Latitude < -90 || c.Latitude > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Latitude)
	case c.Longitude < -180 || c.Longitude > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// Distance returns the haversine great-circle distance between a and b.
func Distance(a, b ontology.Coordinate) float64 {
	if same(a, b) {
		return 0
	}
	return orbgeo.DistanceHaversine(point(a), point(b)) / 1000
}

// Bearing returns the initial bearing from a to b in [0, 360).
func Bearing(a, b ontology.Coordinate) float64 {
	if same(a, b) {
		return 0
	}
	return NormalizeBearing(orbgeo.Bearing(point(a), point(b)))
}

// Destination returns the point reached by travelling distanceKm from
// origin along the given initial bearing.
func Destination(origin ontology.Coordinate, distanceKm, bearingDeg float64) ontology.Coordinate {
	if distanceKm == 0 {
		return ontology.Coordinate{Latitude: origin.Latitude, Longitude: origin.Longitude}
	}
	return coordinate(orbgeo.PointAtBearingAndDistance(point(origin), bearingDeg, distanceKm*1000))
}

// Midpoint returns the great-circle midpoint of a and b.
func Midpoint(a, b ontology.Coordinate) ontology.Coordinate {
	if same(a, b) {
		return ontology.Coordinate{Latitude: a.Latitude, Longitude: a.Longitude}
	}
	return coordinate(orbgeo.Midpoint(point(a), point(b)))
}

// Interpolate blends a and b linearly in latitude and longitude. The
// longitude difference is taken the short way round, so segments that
// cross the antimeridian stay on it.
func Interpolate(a, b ontology.Coordinate, f float64) ontology.Coordinate {
	if f <= 0 {
		return ontology.Coordinate{Latitude: a.Latitude, Longitude: a.Longitude}
	}
	if f >= 1 {
		return ontology.Coordinate{Latitude: b.Latitude, Longitude: b.Longitude}
	}
	dLon := b.Longitude - a.Longitude
	if dLon > 180 {
		dLon -= 360
	} else if dLon < -180 {
		dLon += 360
	}
	return ontology.Coordinate{
		Latitude:  a.Latitude + (b.Latitude-a.Latitude)*f,
		Longitude: NormalizeLongitude(a.Longitude + dLon*f),
	}
}

// NormalizeLongitude maps lon into [-180, 180].
func NormalizeLongitude(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

// NormalizeBearing maps b into [0, 360).
func NormalizeBearing(b float64) float64 {
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b = 0
	}
	return b
}
