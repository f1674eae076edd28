package routing

import (
	"skycourier/pkg/geo"
	"skycourier/pkg/ontology"
	"skycourier/pkg/terrain"
)

// Edge is a directed connection between two consecutive waypoints.
type Edge struct {
	From     string
	To       string
	Distance float64 // km
	Cost     float64
}

// Graph is an immutable path graph over waypoints. It is safe for
// concurrent readers; nothing mutates it after BuildGraph returns.
type Graph struct {
	nodes map[string]ontology.Waypoint
	order []string
	edges map[string][]Edge
}

type graphConfig struct {
	penalty func(ontology.Waypoint) float64
}

// GraphOption configures BuildGraph.
type GraphOption func(*graphConfig)

// WithWeatherPenalty multiplies each edge cost by penalty(destination).
// Non-positive penalties are treated as 1.
func WithWeatherPenalty(penalty func(ontology.Waypoint) float64) GraphOption {
	return func(c *graphConfig) {
		c.penalty = penalty
	}
}

// BuildGraph creates one node per waypoint and a directed edge from each
// waypoint to the next one in sequence. Edge cost is the segment distance
// scaled by the destination's terrain modifier and weather penalty.
func BuildGraph(waypoints []ontology.Waypoint, opts ...GraphOption) *Graph {
	var cfg graphConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &Graph{
		nodes: make(map[string]ontology.Waypoint, len(waypoints)),
		order: make([]string, 0, len(waypoints)),
		edges: make(map[string][]Edge, len(waypoints)),
	}
	for _, wp := range waypoints {
		if _, dup := g.nodes[wp.ID]; !dup {
			g.order = append(g.order, wp.ID)
		}
		g.nodes[wp.ID] = wp
	}

	for i := 1; i < len(waypoints); i++ {
		from, to := waypoints[i-1], waypoints[i]
		d := geo.Distance(from.Coordinate, to.Coordinate)
		penalty := 1.0
		if cfg.penalty != nil {
			if p := cfg.penalty(to); p > 0 {
				penalty = p
			}
		}
		g.edges[from.ID] = append(g.edges[from.ID], Edge{
			From:     from.ID,
			To:       to.ID,
			Distance: d,
			Cost:     d * terrain.Modifier(to.Terrain) * penalty,
		})
	}

	return g
}

// Node returns the waypoint with the given id.
func (g *Graph) Node(id string) (ontology.Waypoint, bool) {
	wp, ok := g.nodes[id]
	return wp, ok
}

// Edges returns a copy of the outgoing edges of id.
func (g *Graph) Edges(id string) []Edge {
	return append([]Edge(nil), g.edges[id]...)
}

// NodeIDs returns node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Len() int {
	return len(g.order)
}
