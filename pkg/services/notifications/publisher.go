// Package notifications publishes user notifications and flight events to
// JetStream.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"skycourier/pkg/clock"
	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
	"skycourier/pkg/shared"
)

// Flight event types carried in shared.Event.Type.
const (
	EventFlightProgress  = "flight.progress"
	EventFlightDelivered = "flight.delivered"
	EventFlightFailed    = "flight.failed"

	eventSource = "skycourier"
)

// JetStreamPublisher is the subset of the embedded NATS server used here.
type JetStreamPublisher interface {
	PublishWithDedup(subject string, data []byte, msgID string) error
}

type Config struct {
	ProgressPerSecond float64
	Burst             int
}

func DefaultConfig() *Config {
	return &Config{
		ProgressPerSecond: 1,
		Burst:             2,
	}
}

// Publisher is the delivery engine's Notifier and the simulator's
// observer. Terminal flight events are always published; progress events
// are throttled per flight.
type Publisher struct {
	js     JetStreamPublisher
	config *Config
	clock  clock.Clock
	lg     *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Publisher)

func WithClock(c clock.Clock) Option {
	return func(p *Publisher) {
		p.clock = c
	}
}

func WithLogger(lg *logger.Logger) Option {
	return func(p *Publisher) {
		p.lg = lg
	}
}

func NewPublisher(js JetStreamPublisher, config *Config, opts ...Option) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Publisher{
		js:       js,
		config:   config,
		clock:    clock.Real(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify publishes n on the recipient's notification subject. The
// notification id doubles as the JetStream dedup id, so a repeat inside
// the duplicate window is stored once.
func (p *Publisher) Notify(ctx context.Context, n ontology.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = p.clock.Now()
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := p.js.PublishWithDedup(shared.NotificationSubject(n.UserID, string(n.Type)), data, n.ID); err != nil {
		return fmt.Errorf("failed to publish notification %s: %w", n.ID, err)
	}

	p.lg.Debugf("[Notifications] published %s to %s", n.Type, n.UserID)

	if n.Type == ontology.NotificationFlightFailed && n.MessageID != "" {
		attempts, _ := n.Data["attempts"].(int)
		reason, _ := n.Data["reason"].(string)
		if err := p.DeliveryFailed(n.MessageID, attempts, reason); err != nil {
			p.lg.Warnf("[Notifications] failed event for %s dropped: %v", n.MessageID, err)
		}
	}
	return nil
}

// FlightUpdate publishes the event matching the snapshot's status. It is
// shaped to be passed to simulation.WithObserver.
func (p *Publisher) FlightUpdate(snap ontology.FlightSnapshot) {
	var err error
	switch snap.Status {
	case ontology.FlightDelivered:
		p.forget(snap.FlightID)
		err = p.publishEvent(EventFlightDelivered, shared.FlightDeliveredSubject(snap.MessageID), snap.FlightID+"-delivered", flightData(snap))
	case ontology.FlightFailed:
		p.forget(snap.FlightID)
		err = p.publishEvent(EventFlightFailed, shared.FlightFailedSubject(snap.MessageID), snap.FlightID+"-failed", flightData(snap))
	default:
		if !p.allow(snap.FlightID) {
			return
		}
		err = p.publishEvent(EventFlightProgress, shared.FlightProgressSubject(snap.MessageID), "", flightData(snap))
	}
	if err != nil {
		p.lg.Warnf("[Notifications] flight %s update dropped: %v", snap.FlightID, err)
	}
}

// DeliveryFailed publishes a failed event for a message whose delivery
// gave up after its retries.
func (p *Publisher) DeliveryFailed(messageID string, attempts int, reason string) error {
	return p.publishEvent(EventFlightFailed, shared.FlightFailedSubject(messageID), messageID+"-delivery-failed", map[string]interface{}{
		"message_id": messageID,
		"attempts":   attempts,
		"reason":     reason,
	})
}

func (p *Publisher) publishEvent(eventType, subject, dedupID string, data map[string]interface{}) error {
	event := shared.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Subject:   subject,
		Data:      data,
		Timestamp: p.clock.Now(),
		Source:    eventSource,
	}
	if dedupID == "" {
		dedupID = event.ID
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.js.PublishWithDedup(subject, payload, dedupID)
}

func (p *Publisher) allow(flightID string) bool {
	p.mu.Lock()
	lim, ok := p.limiters[flightID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.config.ProgressPerSecond), p.config.Burst)
		p.limiters[flightID] = lim
	}
	p.mu.Unlock()
	return lim.AllowN(p.clock.Now(), 1)
}

func (p *Publisher) forget(flightID string) {
	p.mu.Lock()
	delete(p.limiters, flightID)
	p.mu.Unlock()
}

// tracked returns the number of flights with a live progress limiter.
func (p *Publisher) tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

func flightData(snap ontology.FlightSnapshot) map[string]interface{} {
	data := map[string]interface{}{
		"flight_id":           snap.FlightID,
		"message_id":          snap.MessageID,
		"status":              string(snap.Status),
		"progress_percentage": snap.ProgressPercentage,
		"distance_covered_km": snap.DistanceCovered,
		"total_distance_km":   snap.TotalDistance,
		"speed_kmh":           snap.Speed,
		"latitude":            snap.CurrentPosition.Latitude,
		"longitude":           snap.CurrentPosition.Longitude,
		"reroutes":            snap.Reroutes,
		"estimated_arrival":   snap.EstimatedArrival,
	}
	if w, ok := snap.LastWeather(); ok {
		data["weather"] = string(w.Category)
		data["weather_intensity"] = w.Intensity
	}
	return data
}
