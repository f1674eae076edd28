// Package terrain maps coordinates to a terrain category using a fixed set of
// geographic bounding boxes.
package terrain

import (
	"github.com/paulmach/orb"

	"skycourier/pkg/ontology"
)

// Profile is the static per-category configuration.
type Profile struct {
	Modifier float64 // travel cost per km relative to open land
	Altitude float64 // cruising altitude in metres
}

var profiles = map[ontology.Terrain]Profile{
	ontology.TerrainOcean:    {Modifier: 0.8, Altitude: 500},
	ontology.TerrainUrban:    {Modifier: 0.9, Altitude: 1000},
	ontology.TerrainLand:     {Modifier: 1.0, Altitude: 800},
	ontology.TerrainForest:   {Modifier: 1.1, Altitude: 900},
	ontology.TerrainDesert:   {Modifier: 1.25, Altitude: 1200},
	ontology.TerrainMountain: {Modifier: 1.6, Altitude: 3500},
}

type region struct {
	name    string
	terrain ontology.Terrain
	bound   orb.Bound
}

func box(minLon, minLat, maxLon, maxLat float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}
}

// regions are evaluated in order; the first match wins. Small urban boxes
// come first so a city on a coast or in a desert is still urban.
var regions = []region{
	{"new york", ontology.TerrainUrban, box(-74.3, 40.5, -73.7, 40.95)},
	{"los angeles", ontology.TerrainUrban, box(-118.7, 33.7, -117.9, 34.35)},
	{"chicago", ontology.TerrainUrban, box(-88.0, 41.6, -87.5, 42.1)},
	{"sao paulo", ontology.TerrainUrban, box(-46.9, -23.8, -46.3, -23.3)},
	{"london", ontology.TerrainUrban, box(-0.5, 51.3, 0.3, 51.7)},
	{"paris", ontology.TerrainUrban, box(2.1, 48.7, 2.6, 49.0)},
	{"moscow", ontology.TerrainUrban, box(37.3, 55.5, 37.9, 55.95)},
	{"cairo", ontology.TerrainUrban, box(31.1, 29.9, 31.5, 30.2)},
	{"mumbai", ontology.TerrainUrban, box(72.75, 18.9, 73.05, 19.3)},
	{"delhi", ontology.TerrainUrban, box(76.9, 28.4, 77.4, 28.9)},
	{"beijing", ontology.TerrainUrban, box(116.1, 39.7, 116.7, 40.2)},
	{"shanghai", ontology.TerrainUrban, box(121.2, 30.9, 121.8, 31.45)},
	{"tokyo", ontology.TerrainUrban, box(139.5, 35.5, 139.95, 35.85)},
	{"singapore", ontology.TerrainUrban, box(103.6, 1.2, 104.05, 1.47)},
	{"sydney", ontology.TerrainUrban, box(150.9, -34.1, 151.35, -33.7)},

	{"himalaya", ontology.TerrainMountain, box(73, 27, 100, 38)},
	{"rockies", ontology.TerrainMountain, box(-120, 35, -104, 55)},
	{"andes", ontology.TerrainMountain, box(-75, -45, -66, -10)},
	{"alps", ontology.TerrainMountain, box(5.5, 44, 16, 48)},

	{"sahara", ontology.TerrainDesert, box(-17, 15, 33, 31)},
	{"arabia", ontology.TerrainDesert, box(35, 15, 56, 30)},
	{"gobi", ontology.TerrainDesert, box(90, 38, 115, 46)},
	{"kalahari", ontology.TerrainDesert, box(18, -27, 26, -19)},
	{"australian interior", ontology.TerrainDesert, box(120, -32, 142, -20)},

	{"amazon", ontology.TerrainForest, box(-75, -15, -45, 5)},
	{"congo", ontology.TerrainForest, box(10, -5, 30, 5)},
	{"taiga", ontology.TerrainForest, box(60, 55, 140, 68)},
	{"boreal canada", ontology.TerrainForest, box(-130, 50, -60, 60)},

	{"north atlantic", ontology.TerrainOcean, box(-65, 20, -12, 60)},
	{"south atlantic", ontology.TerrainOcean, box(-50, -60, 10, 0)},
	{"west pacific", ontology.TerrainOcean, box(150, -60, 180, 50)},
	{"east pacific", ontology.TerrainOcean, box(-180, -60, -125, 55)},
	{"indian", ontology.TerrainOcean, box(50, -60, 100, 5)},
	{"southern", ontology.TerrainOcean, box(-180, -90, 180, -60)},
	{"arctic", ontology.TerrainOcean, box(-180, 80, 180, 90)},
}

// Classify returns the terrain category and cruising altitude at c.
func Classify(c ontology.Coordinate) (ontology.Terrain, float64) {
	p := orb.Point{c.Longitude, c.Latitude}
	for _, r := range regions {
		if r.bound.Contains(p) {
			return r.terrain, profiles[r.terrain].Altitude
		}
	}
	return ontology.TerrainLand, profiles[ontology.TerrainLand].Altitude
}

// Region returns the name of the matching region, or "" for default land.
func Region(c ontology.Coordinate) string {
	p := orb.Point{c.Longitude, c.Latitude}
	for _, r := range regions {
		if r.bound.Contains(p) {
			return r.name
		}
	}
	return ""
}

// Modifier returns the cost-per-km multiplier for t. Unknown categories
// cost the same as open land.
func Modifier(t ontology.Terrain) float64 {
	if p, ok := profiles[t]; ok {
		return p.Modifier
	}
	return profiles[ontology.TerrainLand].Modifier
}

// Altitude returns the cruising altitude in metres for t.
func Altitude(t ontology.Terrain) float64 {
	if p, ok := profiles[t]; ok {
		return p.Altitude
	}
	return profiles[ontology.TerrainLand].Altitude
}
