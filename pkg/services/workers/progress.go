package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"skycourier/pkg/logger"
	"skycourier/pkg/shared"
)

type ProgressStore interface {
	RecordFlightProgress(ctx context.Context, messageID string, progress float64, at time.Time) error
}

// FlightProgressWorker persists published flight progress onto the
// message row so progress survives a restart.
type FlightProgressWorker struct {
	*BaseWorker
	store ProgressStore
}

func NewFlightProgressWorker(js nats.JetStreamContext, store ProgressStore, lg *logger.Logger) *FlightProgressWorker {
	return &FlightProgressWorker{
		BaseWorker: NewBaseWorker(
			"FlightProgressWorker",
			js,
			shared.StreamFlights,
			shared.ConsumerFlightProgressProcessor,
			shared.SubjectFlightProgressAll,
			lg,
		),
		store: store,
	}
}

func (w *FlightProgressWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, w.handleMessage)
}

func (w *FlightProgressWorker) handleMessage(ctx context.Context, msg *nats.Msg) error {
	var event shared.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return fmt.Errorf("%w: invalid event payload: %v", errDiscard, err)
	}

	messageID, _ := event.Data["message_id"].(string)
	progress, ok := event.Data["progress_percentage"].(float64)
	if messageID == "" || !ok {
		return fmt.Errorf("%w: progress event without message id or progress", errDiscard)
	}

	err := w.store.RecordFlightProgress(ctx, messageID, progress, event.Timestamp)
	if errors.Is(err, shared.ErrMessageNotFound) {
		return fmt.Errorf("%w: %v", errDiscard, err)
	}
	if err != nil {
		return fmt.Errorf("failed to record progress for %s: %w", messageID, err)
	}
	return nil
}
