package simulation

import (
	"sync"
	"time"

	"github.com/MichaelTJones/pcg"

	"skycourier/pkg/ontology"
)

// Sampler draws the weather condition for a position.
type Sampler interface {
	Sample(pos ontology.Coordinate, at time.Time) ontology.WeatherEvent
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(pos ontology.Coordinate, at time.Time) ontology.WeatherEvent

func (f SamplerFunc) Sample(pos ontology.Coordinate, at time.Time) ontology.WeatherEvent {
	return f(pos, at)
}

// SpeedMultiplier returns the effect of a weather category on speed.
// Wind ranges from a 0.75 headwind at zero intensity to a 1.25 tailwind at
// full intensity.
func SpeedMultiplier(category ontology.WeatherCategory, intensity float64) float64 {
	switch category {
	case ontology.WeatherStorm:
		return 0.5
	case ontology.WeatherRain:
		return 0.75
	case ontology.WeatherWind:
		return 0.75 + 0.5*clamp01(intensity)
	default:
		return 1.0
	}
}

// NewEvent builds a WeatherEvent with the matching speed multiplier.
func NewEvent(category ontology.WeatherCategory, intensity float64, pos ontology.Coordinate, at time.Time) ontology.WeatherEvent {
	intensity = clamp01(intensity)
	return ontology.WeatherEvent{
		Category:        category,
		Intensity:       intensity,
		SpeedMultiplier: SpeedMultiplier(category, intensity),
		Position:        pos,
		Timestamp:       at,
	}
}

// RandomSampler picks weather from a fixed distribution using a PCG32
// generator: clear 50%, rain 20%, wind 20%, storm 10%.
type RandomSampler struct {
	mu sync.Mutex
	r  *pcg.PCG32
}

func NewRandomSampler(seed int64) *RandomSampler {
	r := pcg.NewPCG32()
	r.Seed(uint64(seed), 0xda3e39cb94b95bdb)
	return &RandomSampler{r: r}
}

func (s *RandomSampler) float64() float64 {
	return float64(s.r.Random()) / (1 << 32)
}

func (s *RandomSampler) Sample(pos ontology.Coordinate, at time.Time) ontology.WeatherEvent {
	s.mu.Lock()
	roll, intensity := s.float64(), s.float64()
	s.mu.Unlock()

	switch {
	case roll < 0.5:
		return NewEvent(ontology.WeatherClear, 0, pos, at)
	case roll < 0.7:
		return NewEvent(ontology.WeatherRain, intensity, pos, at)
	case roll < 0.9:
		return NewEvent(ontology.WeatherWind, intensity, pos, at)
	default:
		return NewEvent(ontology.WeatherStorm, intensity, pos, at)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
