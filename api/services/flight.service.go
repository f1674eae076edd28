package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"skycourier/db"
	"skycourier/pkg/clock"
	"skycourier/pkg/delivery"
	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
	"skycourier/pkg/routing"
	"skycourier/pkg/shared"
	"skycourier/pkg/simulation"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrFlightNotFound = errors.New("no flight for message")
)

// FlightService is the operational surface of the courier: routing,
// flights and delivery recovery.
type FlightService struct {
	router *routing.Router
	sim    *simulation.Simulator
	engine *delivery.Engine
	store  *db.MessageStore
	clock  clock.Clock
	lg     *logger.Logger

	// startMu makes the active-flight check and the takeoff one step.
	startMu sync.Mutex
}

// NewFlightService wires the router, simulator and delivery engine to the
// message store.
func NewFlightService(router *routing.Router, sim *simulation.Simulator, engine *delivery.Engine, store *db.MessageStore, clk clock.Clock, lg *logger.Logger) *FlightService {
	if clk == nil {
		clk = clock.Real()
	}
	return &FlightService{
		router: router,
		sim:    sim,
		engine: engine,
		store:  store,
		clock:  clk,
		lg:     lg,
	}
}

func (s *FlightService) CalculateRoute(start, end ontology.Coordinate) (*ontology.PathResult, error) {
	return s.router.CalculateRoute(start, end)
}

func (s *FlightService) RecalculateRoute(current, end ontology.Coordinate, avoid []ontology.Coordinate) (*ontology.PathResult, error) {
	return s.router.RecalculateRoute(current, end, avoid)
}

// StartFlight routes the message and puts it in the air. Coordinates
// missing from the request are taken from the message row. If the flight
// cannot take off, the row is restored to its state before the attempt.
func (s *FlightService) StartFlight(ctx context.Context, req *ontology.StartFlightRequest) (ontology.FlightSnapshot, error) {
	if req.MessageID == "" {
		return ontology.FlightSnapshot{}, fmt.Errorf("%w: message_id is required", ErrInvalidRequest)
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if snap, ok := s.sim.SnapshotByMessage(req.MessageID); ok && !snap.Status.Terminal() {
		return ontology.FlightSnapshot{}, simulation.ErrFlightExists
	}

	msg, err := s.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return ontology.FlightSnapshot{}, err
	}
	if msg.Status == ontology.MessageDelivered {
		return ontology.FlightSnapshot{}, shared.ErrMessageDelivered
	}

	start, end := endpoints(msg, req)
	route, err := s.router.CalculateRoute(start, end)
	if err != nil {
		return ontology.FlightSnapshot{}, err
	}

	flightID := uuid.New().String()
	if err := s.store.BeginFlight(ctx, req.MessageID, flightID, route.TotalDistance, s.clock.Now()); err != nil {
		return ontology.FlightSnapshot{}, err
	}

	snap, _, err := s.sim.Start(simulation.FlightPlan{
		FlightID:  flightID,
		MessageID: req.MessageID,
		Route:     route,
	})
	if err != nil {
		if abortErr := s.store.AbortFlight(context.Background(), msg, flightID, s.clock.Now()); abortErr != nil {
			s.lg.Errorf("[FlightService] failed to roll back flight %s of %s: %v", flightID, req.MessageID, abortErr)
		}
		return ontology.FlightSnapshot{}, fmt.Errorf("failed to start flight: %w", err)
	}

	s.lg.Infof("[FlightService] message %s departed on flight %s", req.MessageID, flightID)
	return snap, nil
}

func endpoints(msg *ontology.Message, req *ontology.StartFlightRequest) (ontology.Coordinate, ontology.Coordinate) {
	origin, destination := msg.Origin, msg.Destination
	if req.Start != nil {
		origin = *req.Start
	}
	if req.End != nil {
		destination = *req.End
	}
	return origin, destination
}

// GetFlightProgress returns the latest snapshot of the message's flight,
// including a finished flight still inside its grace period.
func (s *FlightService) GetFlightProgress(messageID string) (ontology.FlightSnapshot, error) {
	snap, ok := s.sim.SnapshotByMessage(messageID)
	if !ok {
		return ontology.FlightSnapshot{}, ErrFlightNotFound
	}
	return snap, nil
}

// CancelFlight grounds the message's active flight. Cancelling a message
// with no active flight is a no-op that reports false.
func (s *FlightService) CancelFlight(messageID string) bool {
	return s.sim.CancelByMessage(messageID)
}

// HandleFlightCompletion hands a landed flight to the delivery engine. It
// is the simulator's completion handler.
func (s *FlightService) HandleFlightCompletion(snap ontology.FlightSnapshot) {
	s.engine.HandleFlightCompletion(context.Background(), snap.MessageID, snap)
}

func (s *FlightService) ProcessPendingDeliveries(ctx context.Context) (int, error) {
	return s.engine.ProcessPendingDeliveries(ctx)
}

func (s *FlightService) Reprocess(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message_id is required", ErrInvalidRequest)
	}
	return s.engine.Reprocess(ctx, messageID)
}

func (s *FlightService) PendingRetries() []ontology.DeliveryAttempt {
	return s.engine.PendingRetries()
}

func (s *FlightService) ActiveFlights() []ontology.FlightSnapshot {
	return s.sim.Active()
}
