package ontology

import (
	"time"
)

// Coordinate is a point on Earth in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"required,min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"required,min=-180,max=180"`
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Anonymous bool    `json:"anonymous,omitempty"`
}

// Terrain is the cost/speed class of the ground under a waypoint.
type Terrain string

const (
	TerrainOcean    Terrain = "ocean"
	TerrainLand     Terrain = "land"
	TerrainMountain Terrain = "mountain"
	TerrainDesert   Terrain = "desert"
	TerrainForest   Terrain = "forest"
	TerrainUrban    Terrain = "urban"
)

type Waypoint struct {
	ID         string     `json:"id"`
	Sequence   int        `json:"sequence"`
	Coordinate Coordinate `json:"coordinate"`
	Terrain    Terrain    `json:"terrain"`
	Region     string     `json:"region,omitempty"` // named terrain region, empty over default land
	Altitude   float64    `json:"altitude"`
	Timestamp  time.Time  `json:"timestamp"`
}

// PathResult is the output of a routing request. Waypoints always start
// at the origin and end at the destination.
type PathResult struct {
	Path          []string   `json:"path"`
	Waypoints     []Waypoint `json:"waypoints"`
	TotalDistance float64    `json:"total_distance_km"`
	TotalCost     float64    `json:"total_cost"`
}

// Origin returns the first waypoint coordinate.
func (p *PathResult) Origin() Coordinate {
	return p.Waypoints[0].Coordinate
}

// Destination returns the last waypoint coordinate.
func (p *PathResult) Destination() Coordinate {
	return p.Waypoints[len(p.Waypoints)-1].Coordinate
}

type RouteRequest struct {
	Start Coordinate `json:"start"`
	End   Coordinate `json:"end"`
}

type RecalculateRouteRequest struct {
	Current Coordinate   `json:"current"`
	End     Coordinate   `json:"end"`
	Avoid   []Coordinate `json:"avoid,omitempty"`
}
