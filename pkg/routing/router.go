// Package routing builds cost-weighted waypoint graphs along great-circle
// courses and finds the cheapest path through them.
package routing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"skycourier/pkg/clock"
	"skycourier/pkg/geo"
	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
	"skycourier/pkg/terrain"
)

var (
	ErrInvalidCoordinate = geo.ErrInvalidCoordinate
	ErrInvalidSegment    = errors.New("max segment length must be positive")
	ErrNoPath            = errors.New("no path between origin and destination")
)

// Config holds routing configuration.
type Config struct {
	MaxSegmentKm  float64
	AvoidRadiusKm float64
}

// DefaultConfig returns default routing configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSegmentKm:  500,
		AvoidRadiusKm: 250,
	}
}

// Router builds routes. Each call works on its own freshly built graph, so
// a Router may be shared between goroutines.
type Router struct {
	config *Config
	clock  clock.Clock
	lg     *logger.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used to stamp waypoints.
func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		r.clock = c
	}
}

// WithLogger sets the router logger.
func WithLogger(lg *logger.Logger) Option {
	return func(r *Router) {
		r.lg = lg
	}
}

// New creates a router. A nil config uses DefaultConfig.
func New(config *Config, opts ...Option) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	r := &Router{config: config, clock: clock.Real()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateWaypoints splits the great-circle course from start to end into
// the fewest equal segments no longer than maxSegmentKm. Courses shorter
// than maxSegmentKm yield just the two endpoints.
func (r *Router) GenerateWaypoints(start, end ontology.Coordinate, maxSegmentKm float64) ([]ontology.Waypoint, error) {
	if err := geo.Validate(start); err != nil {
		return nil, fmt.Errorf("invalid start: %w", err)
	}
	if err := geo.Validate(end); err != nil {
		return nil, fmt.Errorf("invalid end: %w", err)
	}
	if !(maxSegmentKm > 0) {
		return nil, ErrInvalidSegment
	}

	total := geo.Distance(start, end)
	segments := 1
	if total >= maxSegmentKm {
		segments = int(math.Ceil(total / maxSegmentKm))
	}
	bearing := geo.Bearing(start, end)
	base := r.clock.Now()

	waypoints := make([]ontology.Waypoint, 0, segments+1)
	for i := 0; i <= segments; i++ {
		var c ontology.Coordinate
		switch i {
		case 0:
			c = start
		case segments:
			c = end
		default:
			c = geo.Destination(start, total*float64(i)/float64(segments), bearing)
		}
		waypoints = append(waypoints, newWaypoint(fmt.Sprintf("wp-%d", i), i, c, base))
	}
	return waypoints, nil
}

func newWaypoint(id string, seq int, c ontology.Coordinate, base time.Time) ontology.Waypoint {
	t, alt := terrain.Classify(c)
	return ontology.Waypoint{
		ID:         id,
		Sequence:   seq,
		Coordinate: c,
		Terrain:    t,
		Region:     terrain.Region(c),
		Altitude:   alt,
		Timestamp:  base.Add(time.Duration(seq) * time.Millisecond),
	}
}

// CalculateRoute generates waypoints between start and end, builds their
// graph and returns the cheapest path through it.
func (r *Router) CalculateRoute(start, end ontology.Coordinate, opts ...GraphOption) (*ontology.PathResult, error) {
	waypoints, err := r.GenerateWaypoints(start, end, r.config.MaxSegmentKm)
	if err != nil {
		return nil, err
	}
	result, err := route(waypoints, opts...)
	if err != nil {
		return nil, err
	}
	r.lg.Debugf("[Router] route %d waypoints, %.1f km, cost %.1f", len(result.Waypoints), result.TotalDistance, result.TotalCost)
	return result, nil
}

// RecalculateRoute plans a fresh leg from current to end. Intermediate
// waypoints within the avoidance radius of any avoid coordinate are
// dropped and each dropped run is replaced by a single detour waypoint
// offset to the side of the course that clears the avoided areas. The
// result covers only the remaining distance.
func (r *Router) RecalculateRoute(current, end ontology.Coordinate, avoid []ontology.Coordinate, opts ...GraphOption) (*ontology.PathResult, error) {
	for _, a := range avoid {
		if err := geo.Validate(a); err != nil {
			return nil, fmt.Errorf("invalid avoid area: %w", err)
		}
	}

	waypoints, err := r.GenerateWaypoints(current, end, r.config.MaxSegmentKm)
	if err != nil {
		return nil, err
	}
	if len(avoid) > 0 && r.config.AvoidRadiusKm > 0 {
		waypoints = r.avoidAreas(waypoints, avoid)
	}

	result, err := route(waypoints, opts...)
	if err != nil {
		return nil, err
	}
	r.lg.Debugf("[Router] recalculated route %d waypoints, %.1f km remaining", len(result.Waypoints), result.TotalDistance)
	return result, nil
}

func (r *Router) clearance(c ontology.Coordinate, avoid []ontology.Coordinate) float64 {
	nearest := math.Inf(1)
	for _, a := range avoid {
		nearest = math.Min(nearest, geo.Distance(c, a))
	}
	return nearest
}

func (r *Router) avoidAreas(waypoints []ontology.Waypoint, avoid []ontology.Coordinate) []ontology.Waypoint {
	radius := r.config.AvoidRadiusKm
	course := geo.Bearing(waypoints[0].Coordinate, waypoints[len(waypoints)-1].Coordinate)
	base := waypoints[0].Timestamp

	var kept []ontology.Waypoint
	var run []ontology.Waypoint
	detours := 0

	flush := func() {
		if len(run) == 0 {
			return
		}
		mid := geo.Midpoint(run[0].Coordinate, run[len(run)-1].Coordinate)
		best := geo.Destination(mid, 1.5*radius, course+90)
		if other := geo.Destination(mid, 1.5*radius, course-90); r.clearance(other, avoid) > r.clearance(best, avoid) {
			best = other
		}
		kept = append(kept, newWaypoint(fmt.Sprintf("detour-%d", detours), 0, best, base))
		detours++
		run = run[:0]
	}

	last := len(waypoints) - 1
	for i, wp := range waypoints {
		if i != 0 && i != last && r.clearance(wp.Coordinate, avoid) <= radius {
			run = append(run, wp)
			continue
		}
		flush()
		kept = append(kept, wp)
	}

	for i := range kept {
		kept[i].Sequence = i
		kept[i].Timestamp = base.Add(time.Duration(i) * time.Millisecond)
	}
	return kept
}

func route(waypoints []ontology.Waypoint, opts ...GraphOption) (*ontology.PathResult, error) {
	g := BuildGraph(waypoints, opts...)
	first, last := waypoints[0].ID, waypoints[len(waypoints)-1].ID
	p := FindOptimalPath(g, first, last)
	if p == nil {
		return nil, ErrNoPath
	}

	result := &ontology.PathResult{
		Path:          p.NodeIDs,
		Waypoints:     make([]ontology.Waypoint, 0, len(p.NodeIDs)),
		TotalDistance: p.Distance,
		TotalCost:     p.Cost,
	}
	for _, id := range p.NodeIDs {
		wp, _ := g.Node(id)
		result.Waypoints = append(result.Waypoints, wp)
	}
	return result, nil
}
