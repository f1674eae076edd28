package ontology

import (
	"time"
)

type FlightStatus string

const (
	FlightScheduled FlightStatus = "scheduled"
	FlightEnroute   FlightStatus = "enroute"
	FlightHolding   FlightStatus = "holding"
	FlightDelivered FlightStatus = "delivered"
	FlightFailed    FlightStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s FlightStatus) Terminal() bool {
	return s == FlightDelivered || s == FlightFailed
}

type WeatherCategory string

const (
	WeatherClear WeatherCategory = "clear"
	WeatherRain  WeatherCategory = "rain"
	WeatherStorm WeatherCategory = "storm"
	WeatherWind  WeatherCategory = "wind"
)

type WeatherEvent struct {
	Category        WeatherCategory `json:"category"`
	Intensity       float64         `json:"intensity"`
	SpeedMultiplier float64         `json:"speed_multiplier"`
	Position        Coordinate      `json:"position"`
	Timestamp       time.Time       `json:"timestamp"`
}

// FlightRecord is the mutable state of one simulated journey. It is owned
// by the simulator; everyone else sees FlightSnapshot values.
type FlightRecord struct {
	FlightID           string         `json:"flight_id"`
	MessageID          string         `json:"message_id"`
	Status             FlightStatus   `json:"status"`
	Route              []Waypoint     `json:"route"`
	TotalDistance      float64        `json:"total_distance_km"`
	DistanceCovered    float64        `json:"distance_covered_km"`
	EstimatedDuration  time.Duration  `json:"estimated_duration"`
	ProgressPercentage float64        `json:"progress_percentage"`
	CurrentPosition    Coordinate     `json:"current_position"`
	BaseSpeed          float64        `json:"base_speed_kmh"`
	Speed              float64        `json:"speed_kmh"`
	WeatherEvents      []WeatherEvent `json:"weather_events"`
	StartedAt          time.Time      `json:"started_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	EstimatedArrival   time.Time      `json:"estimated_arrival"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	Reroutes           int            `json:"reroutes"`
}

// FlightSnapshot is an immutable copy of a FlightRecord.
type FlightSnapshot FlightRecord

// Snapshot deep-copies the record so the result shares no slices with it.
func (f *FlightRecord) Snapshot() FlightSnapshot {
	s := FlightSnapshot(*f)
	s.Route = append([]Waypoint(nil), f.Route...)
	s.WeatherEvents = append([]WeatherEvent(nil), f.WeatherEvents...)
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// Clone returns a deep copy of the snapshot.
func (s FlightSnapshot) Clone() FlightSnapshot {
	r := FlightRecord(s)
	return r.Snapshot()
}

// LastWeather returns the most recent weather event, if any.
func (s FlightSnapshot) LastWeather() (WeatherEvent, bool) {
	if len(s.WeatherEvents) == 0 {
		return WeatherEvent{}, false
	}
	return s.WeatherEvents[len(s.WeatherEvents)-1], true
}

type StartFlightRequest struct {
	MessageID string      `json:"message_id" validate:"required"`
	Start     *Coordinate `json:"start,omitempty"`
	End       *Coordinate `json:"end,omitempty"`
}
