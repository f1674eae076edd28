// Package simulation flies messages along their routes. Each active flight
// owns a self-rearming tick timer; ticks of one flight are serialised while
// different flights advance independently.
package simulation

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"skycourier/pkg/clock"
	"skycourier/pkg/geo"
	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
)

var (
	ErrUnknownFlight = errors.New("unknown flight")
	ErrFlightExists  = errors.New("message already has an active flight")
	ErrEmptyRoute    = errors.New("route needs at least two waypoints")
	ErrStopped       = errors.New("simulator stopped")
)

// finishedCapacity bounds how many terminal flights are retained for the
// grace period.
const finishedCapacity = 4096

// Config holds simulator configuration.
type Config struct {
	TickInterval        time.Duration // 0 disables the timer; flights then move only on Tick
	SpeedFactor         float64
	BaseSpeedKmh        float64
	WeatherThresholdDeg float64
	GracePeriod         time.Duration
	RerouteIntensity    float64 // storms at or above this intensity force a hold; 0 disables
}

// DefaultConfig returns default simulator configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:        time.Second,
		SpeedFactor:         1,
		BaseSpeedKmh:        80,
		WeatherThresholdDeg: 5,
		GracePeriod:         30 * time.Second,
		RerouteIntensity:    0.85,
	}
}

// FlightPlan is what Start needs to put a flight in the air.
type FlightPlan struct {
	FlightID     string // generated when empty
	MessageID    string
	Route        *ontology.PathResult
	BaseSpeedKmh float64 // Config.BaseSpeedKmh when zero
}

// RerouteFunc plans a new leg from the current position to end while
// keeping clear of the avoid coordinates.
type RerouteFunc func(current, end ontology.Coordinate, avoid []ontology.Coordinate) (*ontology.PathResult, error)

// Completion fires once when a flight is delivered. On cancellation the
// channel is closed without a value.
type Completion struct {
	once sync.Once
	ch   chan ontology.FlightSnapshot
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan ontology.FlightSnapshot, 1)}
}

func (c *Completion) Done() <-chan ontology.FlightSnapshot {
	return c.ch
}

func (c *Completion) fire(s *ontology.FlightSnapshot) (fired bool) {
	c.once.Do(func() {
		if s != nil {
			c.ch <- *s
		}
		close(c.ch)
		fired = true
	})
	return fired
}

type flight struct {
	mu  sync.Mutex
	rec ontology.FlightRecord

	destination ontology.Coordinate
	leg         []ontology.Waypoint
	cumulative  []float64 // distance from leg start to each waypoint
	legBase     float64   // progress when the leg began
	legCovered  float64
	priorKm     float64 // distance flown on earlier legs

	lastTick    time.Time
	lastSample  ontology.Coordinate
	weatherMod  float64
	stormCentre ontology.Coordinate
	timer       clock.Timer
	stopped     bool
	completion  *Completion
	snapshot    atomic.Pointer[ontology.FlightSnapshot]
}

func (f *flight) legDistance() float64 {
	return f.cumulative[len(f.cumulative)-1]
}

func (f *flight) setLeg(wps []ontology.Waypoint) {
	f.leg = append([]ontology.Waypoint(nil), wps...)
	f.cumulative = make([]float64, len(wps))
	for i := 1; i < len(wps); i++ {
		f.cumulative[i] = f.cumulative[i-1] + geo.Distance(wps[i-1].Coordinate, wps[i].Coordinate)
	}
	f.legCovered = 0
}

// positionAt interpolates along the current leg at the given distance.
func (f *flight) positionAt(km float64) ontology.Coordinate {
	last := len(f.leg) - 1
	if km <= 0 {
		return f.leg[0].Coordinate
	}
	if km >= f.cumulative[last] {
		return f.leg[last].Coordinate
	}
	i := sort.SearchFloat64s(f.cumulative, km)
	if i == 0 {
		return f.leg[0].Coordinate
	}
	seg := f.cumulative[i] - f.cumulative[i-1]
	if seg <= 0 {
		return f.leg[i].Coordinate
	}
	return geo.Interpolate(f.leg[i-1].Coordinate, f.leg[i].Coordinate, (km-f.cumulative[i-1])/seg)
}

func (f *flight) load() ontology.FlightSnapshot {
	return f.snapshot.Load().Clone()
}

func (f *flight) publish() ontology.FlightSnapshot {
	s := f.rec.Snapshot()
	f.snapshot.Store(&s)
	return s
}

// Simulator flies every active flight on its own tick timer and keeps
// finished flights readable for the grace period.
type Simulator struct {
	config     *Config
	clock      clock.Clock
	sampler    Sampler
	reroute    RerouteFunc
	observer   func(ontology.FlightSnapshot)
	onComplete func(ontology.FlightSnapshot)
	lg         *logger.Logger

	mu        sync.RWMutex
	flights   map[string]*flight
	byMessage map[string]string
	finished  *expirable.LRU[string, ontology.FlightSnapshot]
	stopped   bool
}

// Option configures a Simulator.
type Option func(*Simulator)

func WithClock(c clock.Clock) Option {
	return func(s *Simulator) {
		s.clock = c
	}
}

func WithSampler(sampler Sampler) Option {
	return func(s *Simulator) {
		s.sampler = sampler
	}
}

func WithRerouter(fn RerouteFunc) Option {
	return func(s *Simulator) {
		s.reroute = fn
	}
}

// WithObserver registers a callback run after every tick and on
// cancellation. It must not block.
func WithObserver(fn func(ontology.FlightSnapshot)) Option {
	return func(s *Simulator) {
		s.observer = fn
	}
}

// WithCompletionHandler registers a callback run once per delivered flight
// in its own goroutine.
func WithCompletionHandler(fn func(ontology.FlightSnapshot)) Option {
	return func(s *Simulator) {
		s.onComplete = fn
	}
}

func WithLogger(lg *logger.Logger) Option {
	return func(s *Simulator) {
		s.lg = lg
	}
}

// New creates a simulator. A nil config uses DefaultConfig.
func New(config *Config, opts ...Option) *Simulator {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.SpeedFactor <= 0 {
		config.SpeedFactor = def.SpeedFactor
	}
	if config.BaseSpeedKmh <= 0 {
		config.BaseSpeedKmh = def.BaseSpeedKmh
	}
	if config.WeatherThresholdDeg <= 0 {
		config.WeatherThresholdDeg = def.WeatherThresholdDeg
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = def.GracePeriod
	}

	s := &Simulator{
		config:    config,
		clock:     clock.Real(),
		sampler:   NewRandomSampler(time.Now().UnixNano()),
		flights:   make(map[string]*flight),
		byMessage: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.finished = expirable.NewLRU[string, ontology.FlightSnapshot](finishedCapacity, nil, config.GracePeriod)
	return s
}

// Start registers a flight for plan and begins ticking it. The returned
// snapshot is the enroute state at time zero.
func (s *Simulator) Start(plan FlightPlan) (ontology.FlightSnapshot, *Completion, error) {
	if plan.Route == nil || len(plan.Route.Waypoints) < 2 {
		return ontology.FlightSnapshot{}, nil, ErrEmptyRoute
	}
	if plan.FlightID == "" {
		plan.FlightID = uuid.New().String()
	}
	base := plan.BaseSpeedKmh
	if base <= 0 {
		base = s.config.BaseSpeedKmh
	}

	now := s.clock.Now()
	f := &flight{
		destination: plan.Route.Destination(),
		lastTick:    now,
		lastSample:  plan.Route.Origin(),
		weatherMod:  1,
		completion:  newCompletion(),
	}
	f.setLeg(plan.Route.Waypoints)

	total := f.legDistance()
	duration := time.Duration(total / base * float64(time.Hour))
	f.rec = ontology.FlightRecord{
		FlightID:          plan.FlightID,
		MessageID:         plan.MessageID,
		Status:            ontology.FlightScheduled,
		Route:             append([]ontology.Waypoint(nil), plan.Route.Waypoints...),
		TotalDistance:     total,
		EstimatedDuration: duration,
		CurrentPosition:   plan.Route.Origin(),
		BaseSpeed:         base,
		Speed:             base,
		StartedAt:         now,
		UpdatedAt:         now,
		EstimatedArrival:  now.Add(time.Duration(float64(duration) / s.config.SpeedFactor)),
	}
	f.rec.Status = ontology.FlightEnroute
	snap := f.publish()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ontology.FlightSnapshot{}, nil, ErrStopped
	}
	if _, ok := s.byMessage[plan.MessageID]; ok && plan.MessageID != "" {
		s.mu.Unlock()
		return ontology.FlightSnapshot{}, nil, ErrFlightExists
	}
	if _, ok := s.flights[plan.FlightID]; ok {
		s.mu.Unlock()
		return ontology.FlightSnapshot{}, nil, ErrFlightExists
	}
	s.flights[plan.FlightID] = f
	if plan.MessageID != "" {
		s.byMessage[plan.MessageID] = plan.FlightID
	}
	s.mu.Unlock()

	s.lg.Infof("[Simulator] flight %s started for message %s: %.1f km, eta %s",
		plan.FlightID, plan.MessageID, total, snap.EstimatedArrival.Format(time.RFC3339))

	f.mu.Lock()
	s.arm(f)
	f.mu.Unlock()

	return snap, f.completion, nil
}

// arm schedules the next tick. Callers hold f.mu.
func (s *Simulator) arm(f *flight) {
	if s.config.TickInterval <= 0 || f.stopped || f.rec.Status.Terminal() {
		return
	}
	id := f.rec.FlightID
	f.timer = s.clock.AfterFunc(s.config.TickInterval, func() {
		s.step(f)
		f.mu.Lock()
		s.arm(f)
		f.mu.Unlock()
		s.lg.Debugf("[Simulator] tick %s", id)
	})
}

func (s *Simulator) lookup(flightID string) *flight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flights[flightID]
}

// Tick advances the flight by the time elapsed since its previous tick and
// returns the resulting snapshot.
func (s *Simulator) Tick(flightID string) (ontology.FlightSnapshot, error) {
	f := s.lookup(flightID)
	if f == nil {
		if snap, ok := s.finished.Get(flightID); ok {
			return snap.Clone(), nil
		}
		return ontology.FlightSnapshot{}, ErrUnknownFlight
	}
	return s.step(f), nil
}

func (s *Simulator) step(f *flight) ontology.FlightSnapshot {
	f.mu.Lock()
	if f.stopped || f.rec.Status.Terminal() {
		snap := f.load()
		f.mu.Unlock()
		return snap
	}

	now := s.clock.Now()
	dt := now.Sub(f.lastTick)
	if dt < 0 {
		dt = 0
	}
	f.lastTick = now

	delivered := false
	switch f.rec.Status {
	case ontology.FlightHolding:
		s.resume(f)
	case ontology.FlightEnroute:
		delivered = s.advance(f, dt, now)
	}
	f.rec.UpdatedAt = now
	snap := f.publish()
	f.mu.Unlock()

	if delivered {
		s.finish(f, snap)
	}
	if s.observer != nil {
		s.observer(snap)
	}
	return snap
}

// advance integrates distance over dt and reports whether the flight
// reached its destination. Callers hold f.mu.
func (s *Simulator) advance(f *flight, dt time.Duration, now time.Time) bool {
	speed := f.rec.BaseSpeed * f.weatherMod
	legDistance := f.legDistance()

	f.legCovered += speed * dt.Hours() * s.config.SpeedFactor
	if f.legCovered > legDistance {
		f.legCovered = legDistance
	}

	progress := 100.0
	if legDistance > 0 {
		progress = f.legBase + (100-f.legBase)*f.legCovered/legDistance
	}
	progress = math.Min(100, math.Max(progress, f.rec.ProgressPercentage))

	f.rec.ProgressPercentage = progress
	f.rec.DistanceCovered = f.priorKm + f.legCovered
	f.rec.CurrentPosition = f.positionAt(f.legCovered)
	f.rec.Speed = speed

	if progress >= 100 || f.legCovered >= legDistance {
		f.rec.ProgressPercentage = 100
		f.rec.CurrentPosition = f.destination
		f.rec.Status = ontology.FlightDelivered
		f.rec.EstimatedArrival = now
		completed := now
		f.rec.CompletedAt = &completed
		return true
	}

	s.sampleWeather(f, now)

	if f.rec.Status == ontology.FlightEnroute {
		remaining := legDistance - f.legCovered
		hours := remaining / (f.rec.BaseSpeed * f.weatherMod * s.config.SpeedFactor)
		f.rec.EstimatedArrival = now.Add(time.Duration(hours * float64(time.Hour)))
	}
	return false
}

func (s *Simulator) sampleWeather(f *flight, now time.Time) {
	pos := f.rec.CurrentPosition
	th := s.config.WeatherThresholdDeg
	dLat := math.Abs(pos.Latitude - f.lastSample.Latitude)
	dLon := math.Abs(geo.NormalizeLongitude(pos.Longitude - f.lastSample.Longitude))
	if dLat <= th && dLon <= th {
		return
	}
	f.lastSample = pos

	ev := s.sampler.Sample(pos, now)
	if ev.SpeedMultiplier <= 0 {
		ev.SpeedMultiplier = SpeedMultiplier(ev.Category, ev.Intensity)
	}
	f.rec.WeatherEvents = append(f.rec.WeatherEvents, ev)
	f.weatherMod = ev.SpeedMultiplier
	f.rec.Speed = f.rec.BaseSpeed * f.weatherMod

	s.lg.Debugf("[Simulator] flight %s weather %s (%.2f) at %.2f,%.2f",
		f.rec.FlightID, ev.Category, ev.Intensity, pos.Latitude, pos.Longitude)

	if ev.Category == ontology.WeatherStorm && s.config.RerouteIntensity > 0 && ev.Intensity >= s.config.RerouteIntensity {
		f.rec.Status = ontology.FlightHolding
		f.rec.Speed = 0
		f.stormCentre = ev.Position
		s.lg.Infof("[Simulator] flight %s holding for storm at %.2f,%.2f", f.rec.FlightID, pos.Latitude, pos.Longitude)
	}
}

// resume leaves the holding pattern, on a new leg when a rerouter is
// available. Callers hold f.mu.
func (s *Simulator) resume(f *flight) {
	f.rec.Status = ontology.FlightEnroute
	f.rec.Speed = f.rec.BaseSpeed * f.weatherMod
	if s.reroute == nil {
		return
	}

	leg, err := s.reroute(f.rec.CurrentPosition, f.destination, []ontology.Coordinate{f.stormCentre})
	if err != nil || leg == nil || len(leg.Waypoints) < 2 {
		s.lg.Warnf("[Simulator] flight %s reroute failed, resuming current route: %v", f.rec.FlightID, err)
		return
	}

	f.priorKm += f.legCovered
	f.legBase = f.rec.ProgressPercentage
	f.setLeg(leg.Waypoints)
	f.rec.Route = append([]ontology.Waypoint(nil), leg.Waypoints...)
	f.rec.TotalDistance = f.priorKm + f.legDistance()
	f.rec.EstimatedDuration = time.Duration(f.rec.TotalDistance / f.rec.BaseSpeed * float64(time.Hour))
	f.rec.Reroutes++

	s.lg.Infof("[Simulator] flight %s rerouted (%d): %.1f km remaining", f.rec.FlightID, f.rec.Reroutes, f.legDistance())
}

func (s *Simulator) finish(f *flight, snap ontology.FlightSnapshot) {
	s.remove(f.rec.FlightID, snap.MessageID)
	s.finished.Add(snap.FlightID, snap)

	if !f.completion.fire(&snap) {
		return
	}
	s.lg.Infof("[Simulator] flight %s delivered message %s after %.1f km", snap.FlightID, snap.MessageID, snap.DistanceCovered)
	if s.onComplete != nil {
		go s.onComplete(snap)
	}
}

func (s *Simulator) remove(flightID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flights, flightID)
	if s.byMessage[messageID] == flightID {
		delete(s.byMessage, messageID)
	}
}

// Cancel stops an active flight and marks it failed. It reports whether a
// flight was cancelled.
func (s *Simulator) Cancel(flightID string) bool {
	f := s.lookup(flightID)
	if f == nil {
		return false
	}

	f.mu.Lock()
	if f.stopped || f.rec.Status.Terminal() {
		f.mu.Unlock()
		return false
	}
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.rec.Status = ontology.FlightFailed
	f.rec.Speed = 0
	f.rec.UpdatedAt = s.clock.Now()
	snap := f.publish()
	f.mu.Unlock()

	s.remove(flightID, snap.MessageID)
	f.completion.fire(nil)
	s.lg.Infof("[Simulator] flight %s cancelled at %.1f%%", flightID, snap.ProgressPercentage)

	if s.observer != nil {
		s.observer(snap)
	}
	return true
}

// CancelByMessage cancels the active flight carrying messageID.
func (s *Simulator) CancelByMessage(messageID string) bool {
	s.mu.RLock()
	id, ok := s.byMessage[messageID]
	s.mu.RUnlock()
	return ok && s.Cancel(id)
}

// Snapshot returns the latest state of an active flight, or of a finished
// flight still inside its grace period.
func (s *Simulator) Snapshot(flightID string) (ontology.FlightSnapshot, bool) {
	if f := s.lookup(flightID); f != nil {
		return f.load(), true
	}
	snap, ok := s.finished.Get(flightID)
	return snap.Clone(), ok
}

// SnapshotByMessage returns the latest snapshot of the flight carrying
// messageID, active or finished.
func (s *Simulator) SnapshotByMessage(messageID string) (ontology.FlightSnapshot, bool) {
	s.mu.RLock()
	id, ok := s.byMessage[messageID]
	s.mu.RUnlock()
	if ok {
		if snap, found := s.Snapshot(id); found {
			return snap, true
		}
	}

	var latest ontology.FlightSnapshot
	found := false
	for _, snap := range s.finished.Values() {
		if snap.MessageID == messageID && (!found || snap.UpdatedAt.After(latest.UpdatedAt)) {
			latest, found = snap, true
		}
	}
	return latest.Clone(), found
}

// Active returns snapshots of all flights that are still in the air,
// ordered by start time.
func (s *Simulator) Active() []ontology.FlightSnapshot {
	s.mu.RLock()
	out := make([]ontology.FlightSnapshot, 0, len(s.flights))
	for _, f := range s.flights {
		out = append(out, f.load())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].FlightID < out[j].FlightID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stop halts all tick timers. Flights keep their last state and no
// further flights can be started.
func (s *Simulator) Stop() {
	s.mu.Lock()
	s.stopped = true
	flights := make([]*flight, 0, len(s.flights))
	for _, f := range s.flights {
		flights = append(flights, f)
	}
	s.mu.Unlock()

	for _, f := range flights {
		f.mu.Lock()
		f.stopped = true
		if f.timer != nil {
			f.timer.Stop()
		}
		f.mu.Unlock()
	}
	s.lg.Infof("[Simulator] stopped with %d flights in the air", len(flights))
}
