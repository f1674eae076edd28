// Package delivery turns a completed flight into a durable, exactly-once
// delivered message, retrying transient failures with exponential backoff.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skycourier/pkg/clock"
	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
	"skycourier/pkg/shared"
)

var (
	// ErrDeliveryConflict means the status compare-and-set matched no row.
	ErrDeliveryConflict = errors.New("message status changed concurrently")
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
)

// Milestones are the received-message counts that unlock a reward.
var Milestones = []int{1, 10, 50, 100}

// StoreTx is the transactional view used by a single delivery.
type StoreTx interface {
	GetMessage(ctx context.Context, messageID string) (*ontology.Message, error)
	// CompareAndSetStatus moves the message from expected to next and
	// reports whether a row was updated.
	CompareAndSetStatus(ctx context.Context, messageID string, expected, next ontology.MessageStatus, at time.Time) (bool, error)
	AddUserStats(ctx context.Context, userID string, delta ontology.UserStatsDelta, at time.Time) (*ontology.UserStats, error)
	AppendJourney(ctx context.Context, entry ontology.JourneyEntry) error
	// EnqueueNotification writes n to the outbox as unpublished. A repeat
	// of the same notification id is ignored.
	EnqueueNotification(ctx context.Context, n ontology.Notification) error
}

// Store is the persistence the engine needs outside a delivery
// transaction.
type Store interface {
	// InTx runs fn in one transaction, committing only when fn returns nil.
	InTx(ctx context.Context, fn func(StoreTx) error) error
	GetMessage(ctx context.Context, messageID string) (*ontology.Message, error)
	RecordFlightProgress(ctx context.Context, messageID string, progress float64, at time.Time) error
	// ListUndelivered returns messages still flying with complete progress
	// and no permanent failure recorded.
	ListUndelivered(ctx context.Context) ([]string, error)
	MarkDeliveryFailed(ctx context.Context, messageID string, at time.Time) error
	ClearDeliveryFailure(ctx context.Context, messageID string, at time.Time) error

	EnqueueNotification(ctx context.Context, n ontology.Notification) error
	// ListUnpublishedNotifications returns outbox entries not yet handed to
	// the notifier, oldest first.
	ListUnpublishedNotifications(ctx context.Context, limit int) ([]ontology.Notification, error)
	MarkNotificationPublished(ctx context.Context, notificationID string) error
}

// Notifier is the notification sink. Notify is called only after the
// notification is durable in the outbox.
type Notifier interface {
	Notify(ctx context.Context, n ontology.Notification) error
}

// Config holds retry and recovery settings.
type Config struct {
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	MaxRetries        int
	SweepConcurrency  int
	OutboxBatch       int // outbox entries republished per sweep
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		MaxRetries:        3,
		SweepConcurrency:  4,
		OutboxBatch:       500,
	}
}

// RetryDelay returns the wait before retry number attempt (1-based):
// BaseDelay × BackoffMultiplier^(attempt-1), capped at MaxDelay.
func (c *Config) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if c.MaxDelay > 0 && (d > float64(c.MaxDelay) || math.IsInf(d, 0)) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// AwardPolicy computes journey points for a delivered message.
type AwardPolicy func(distanceKm float64, duration time.Duration) int

// DefaultAwardPolicy grants 10 points plus one per 100 km flown.
func DefaultAwardPolicy(distanceKm float64, _ time.Duration) int {
	return 10 + int(distanceKm/100)
}

type retryEntry struct {
	attempt  ontology.DeliveryAttempt
	snapshot ontology.FlightSnapshot
	timer    clock.Timer
}

// Engine delivers completed flights and owns the retry arena.
type Engine struct {
	store     Store
	notifier  Notifier
	config    *Config
	clock     clock.Clock
	award     AwardPolicy
	snapshots func(messageID string) (ontology.FlightSnapshot, bool)
	lg        *logger.Logger

	mu      sync.Mutex
	retries map[string]*retryEntry
	stopped bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithLogger(lg *logger.Logger) Option {
	return func(e *Engine) {
		e.lg = lg
	}
}

func WithAwardPolicy(p AwardPolicy) Option {
	return func(e *Engine) {
		e.award = p
	}
}

// WithSnapshotSource lets the recovery sweep use in-memory flight state
// when it is still available.
func WithSnapshotSource(fn func(messageID string) (ontology.FlightSnapshot, bool)) Option {
	return func(e *Engine) {
		e.snapshots = fn
	}
}

// New creates an engine. A nil notifier leaves notifications in the outbox
// marked as published.
func New(store Store, notifier Notifier, config *Config, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SweepConcurrency < 1 {
		config.SweepConcurrency = 1
	}
	if config.OutboxBatch < 1 {
		config.OutboxBatch = DefaultConfig().OutboxBatch
	}
	e := &Engine{
		store:    store,
		notifier: notifier,
		config:   config,
		clock:    clock.Real(),
		award:    DefaultAwardPolicy,
		retries:  make(map[string]*retryEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NotificationID is the stable id of a notification, also used as its
// deduplication key.
func NotificationID(messageID string, t ontology.NotificationType, userID string) string {
	return fmt.Sprintf("%s-%s-%s", messageID, t, userID)
}

// Deliver marks the message delivered, awards the participants and writes
// their notifications to the outbox in one transaction. Notifications are
// published only after commit; a publish failure leaves them in the outbox
// and does not undo the delivery. Delivering an already delivered message
// is a no-op.
func (e *Engine) Deliver(ctx context.Context, messageID string, snapshot ontology.FlightSnapshot) error {
	now := e.clock.Now()
	already := false
	var outbox []ontology.Notification

	err := e.store.InTx(ctx, func(tx StoreTx) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.Status == ontology.MessageDelivered {
			already = true
			return nil
		}

		ok, err := tx.CompareAndSetStatus(ctx, messageID, ontology.MessageFlying, ontology.MessageDelivered, now)
		if err != nil {
			return fmt.Errorf("failed to update message status: %w", err)
		}
		if !ok {
			return ErrDeliveryConflict
		}

		distance := snapshot.DistanceCovered
		if distance <= 0 {
			distance = msg.TotalDistance
		}
		var duration time.Duration
		if !snapshot.StartedAt.IsZero() {
			end := now
			if snapshot.CompletedAt != nil {
				end = *snapshot.CompletedAt
			}
			duration = end.Sub(snapshot.StartedAt)
		}
		points := e.award(distance, duration)

		recipient, err := tx.AddUserStats(ctx, msg.RecipientID, ontology.UserStatsDelta{
			MessagesReceived: 1,
			DistanceKm:       distance,
		}, now)
		if err != nil {
			return fmt.Errorf("failed to update recipient stats: %w", err)
		}
		if _, err := tx.AddUserStats(ctx, msg.SenderID, ontology.UserStatsDelta{
			MessagesSent:  1,
			JourneyPoints: points,
		}, now); err != nil {
			return fmt.Errorf("failed to update sender stats: %w", err)
		}

		if err := tx.AppendJourney(ctx, ontology.JourneyEntry{
			EntryID:         uuid.New().String(),
			MessageID:       messageID,
			UserID:          msg.SenderID,
			DistanceKm:      distance,
			Points:          points,
			DurationSeconds: duration.Seconds(),
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("failed to append journey: %w", err)
		}

		notes := e.deliveredNotifications(msg, recipient, distance, points, now)
		for _, n := range notes {
			if err := tx.EnqueueNotification(ctx, n); err != nil {
				return fmt.Errorf("failed to enqueue %s notification: %w", n.Type, err)
			}
		}
		outbox = notes
		return nil
	})
	if err != nil {
		return err
	}

	if already {
		e.lg.Debugf("[DeliveryEngine] message %s already delivered", messageID)
		return nil
	}
	e.lg.Infof("[DeliveryEngine] message %s delivered", messageID)
	e.publish(ctx, outbox)
	return nil
}

func (e *Engine) deliveredNotifications(msg *ontology.Message, recipient *ontology.UserStats, distance float64, points int, now time.Time) []ontology.Notification {
	data := map[string]interface{}{
		"sender_id":    msg.SenderID,
		"recipient_id": msg.RecipientID,
		"distance_km":  distance,
	}
	out := []ontology.Notification{
		{
			ID:        NotificationID(msg.MessageID, ontology.NotificationMessageDelivered, msg.RecipientID),
			Type:      ontology.NotificationMessageDelivered,
			UserID:    msg.RecipientID,
			MessageID: msg.MessageID,
			Data:      data,
			Timestamp: now,
		},
		{
			ID:        NotificationID(msg.MessageID, ontology.NotificationMessageDelivered, msg.SenderID),
			Type:      ontology.NotificationMessageDelivered,
			UserID:    msg.SenderID,
			MessageID: msg.MessageID,
			Data: map[string]interface{}{
				"sender_id":    msg.SenderID,
				"recipient_id": msg.RecipientID,
				"distance_km":  distance,
				"points":       points,
			},
			Timestamp: now,
		},
	}

	if recipient != nil {
		for _, m := range Milestones {
			if recipient.MessagesReceived == m {
				out = append(out, ontology.Notification{
					ID:        NotificationID(msg.MessageID, ontology.NotificationRewardUnlocked, msg.RecipientID),
					Type:      ontology.NotificationRewardUnlocked,
					UserID:    msg.RecipientID,
					MessageID: msg.MessageID,
					Data:      map[string]interface{}{"messages_received": m},
					Timestamp: now,
				})
				break
			}
		}
	}
	return out
}

func (e *Engine) notify(ctx context.Context, n ontology.Notification) error {
	if e.notifier == nil {
		return nil
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("failed to publish %s notification: %w", n.Type, err)
	}
	return nil
}

// publish hands outbox entries to the notifier and marks the ones that went
// out. It returns how many were published.
func (e *Engine) publish(ctx context.Context, notes []ontology.Notification) int {
	published := 0
	for _, n := range notes {
		if err := e.notify(ctx, n); err != nil {
			e.lg.Warnf("[DeliveryEngine] %v, left in outbox", err)
			continue
		}
		if err := e.store.MarkNotificationPublished(ctx, n.ID); err != nil {
			e.lg.Warnf("[DeliveryEngine] failed to mark notification %s published: %v", n.ID, err)
			continue
		}
		published++
	}
	return published
}

// FlushOutbox republishes notifications whose earlier publish failed. The
// notifier deduplicates on the notification id, so an entry published
// twice is delivered once.
func (e *Engine) FlushOutbox(ctx context.Context) (int, error) {
	notes, err := e.store.ListUnpublishedNotifications(ctx, e.config.OutboxBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list outbox: %w", err)
	}
	if len(notes) == 0 {
		return 0, nil
	}
	n := e.publish(ctx, notes)
	e.lg.Infof("[DeliveryEngine] outbox flush published %d of %d notifications", n, len(notes))
	return n, nil
}

// HandleFlightCompletion records the finished flight and delivers its
// message, scheduling retries on failure. A missing message is logged and
// never retried.
func (e *Engine) HandleFlightCompletion(ctx context.Context, messageID string, snapshot ontology.FlightSnapshot) {
	if err := e.store.RecordFlightProgress(ctx, messageID, 100, e.clock.Now()); err != nil && !errors.Is(err, shared.ErrMessageNotFound) {
		e.lg.Warnf("[DeliveryEngine] failed to record completion of %s: %v", messageID, err)
	}
	e.attempt(ctx, messageID, snapshot)
}

func (e *Engine) attempt(ctx context.Context, messageID string, snapshot ontology.FlightSnapshot) error {
	err := e.Deliver(ctx, messageID, snapshot)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, shared.ErrMessageNotFound):
		e.lg.Errorf("[DeliveryEngine] message %s not found, dropping delivery", messageID)
		return err
	default:
		e.lg.Warnf("[DeliveryEngine] delivery of %s failed: %v", messageID, err)
		e.schedule(messageID, snapshot, 1, err, nil)
		return err
	}
}

// Reprocess clears a permanent failure and delivers the message again.
func (e *Engine) Reprocess(ctx context.Context, messageID string) error {
	if err := e.store.ClearDeliveryFailure(ctx, messageID, e.clock.Now()); err != nil {
		return fmt.Errorf("failed to clear delivery failure: %w", err)
	}
	e.CancelRetries(messageID)

	snapshot := ontology.FlightSnapshot{MessageID: messageID}
	if e.snapshots != nil {
		if s, ok := e.snapshots(messageID); ok {
			snapshot = s
		}
	}
	return e.attempt(ctx, messageID, snapshot)
}

// ProcessPendingDeliveries flushes the notification outbox, then delivers
// every message whose flight finished but which was never marked delivered.
// Messages with an armed retry are left to it. It returns the number of
// messages delivered.
func (e *Engine) ProcessPendingDeliveries(ctx context.Context) (int, error) {
	if _, err := e.FlushOutbox(ctx); err != nil {
		e.lg.Warnf("[DeliveryEngine] %v", err)
	}

	ids, err := e.store.ListUndelivered(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list undelivered messages: %w", err)
	}

	var delivered int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.SweepConcurrency)
	for _, id := range ids {
		if e.hasRetry(id) {
			continue
		}
		id := id
		g.Go(func() error {
			snapshot := ontology.FlightSnapshot{MessageID: id}
			if e.snapshots != nil {
				if s, ok := e.snapshots(id); ok {
					snapshot = s
				}
			}
			if err := e.attempt(gctx, id, snapshot); err == nil {
				atomic.AddInt32(&delivered, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(ids) > 0 {
		e.lg.Infof("[DeliveryEngine] recovery sweep delivered %d of %d pending messages", delivered, len(ids))
	}
	return int(delivered), nil
}
