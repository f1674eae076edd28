package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
	"skycourier/pkg/shared"
)

type NotificationStore interface {
	SaveNotification(ctx context.Context, n *ontology.Notification) error
}

// NotificationWorker moves notifications from the work queue into the
// users' inboxes.
type NotificationWorker struct {
	*BaseWorker
	store NotificationStore
}

func NewNotificationWorker(js nats.JetStreamContext, store NotificationStore, lg *logger.Logger) *NotificationWorker {
	return &NotificationWorker{
		BaseWorker: NewBaseWorker(
			"NotificationWorker",
			js,
			shared.StreamNotifications,
			shared.ConsumerNotificationProcessor,
			shared.SubjectNotificationsAll,
			lg,
		),
		store: store,
	}
}

func (w *NotificationWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, w.handleMessage)
}

func (w *NotificationWorker) handleMessage(ctx context.Context, msg *nats.Msg) error {
	var n ontology.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		return fmt.Errorf("%w: invalid notification payload: %v", errDiscard, err)
	}
	if n.ID == "" || n.UserID == "" {
		return fmt.Errorf("%w: notification without id or user", errDiscard)
	}

	if err := w.store.SaveNotification(ctx, &n); err != nil {
		return fmt.Errorf("failed to save notification %s: %w", n.ID, err)
	}

	w.lg.Debugf("[%s] stored %s for %s", w.Name(), n.Type, n.UserID)
	return nil
}
