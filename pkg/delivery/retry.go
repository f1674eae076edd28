package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"skycourier/pkg/ontology"
	"skycourier/pkg/shared"
)

// schedule arms retry number attempt for messageID, replacing any armed
// retry. When expect is non-nil the retry is only armed if expect is still
// the current entry, so a cancelled message is never rescheduled.
func (e *Engine) schedule(messageID string, snapshot ontology.FlightSnapshot, attempt int, cause error, expect *retryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	current := e.retries[messageID]
	if expect != nil && current != expect {
		return
	}
	if current != nil && current.timer != nil {
		current.timer.Stop()
	}

	now := e.clock.Now()
	delay := e.config.RetryDelay(attempt)
	entry := &retryEntry{
		attempt: ontology.DeliveryAttempt{
			MessageID:   messageID,
			Attempts:    attempt,
			LastAttempt: now,
			NextRetry:   now.Add(delay),
		},
		snapshot: snapshot,
	}
	if cause != nil {
		entry.attempt.LastError = cause.Error()
	}
	e.retries[messageID] = entry
	entry.timer = e.clock.AfterFunc(delay, func() {
		e.retry(messageID, entry)
	})

	e.lg.Infof("[DeliveryEngine] retry %d/%d for %s in %s", attempt, e.config.MaxRetries, messageID, delay)
}

func (e *Engine) current(messageID string, entry *retryEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped && e.retries[messageID] == entry
}

func (e *Engine) release(messageID string, entry *retryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retries[messageID] == entry {
		delete(e.retries, messageID)
	}
}

func (e *Engine) retry(messageID string, entry *retryEntry) {
	if !e.current(messageID, entry) {
		return
	}

	ctx := context.Background()
	err := e.Deliver(ctx, messageID, entry.snapshot)
	if !e.current(messageID, entry) {
		return
	}

	failures := entry.attempt.Attempts + 1
	switch {
	case err == nil:
		e.release(messageID, entry)
	case errors.Is(err, shared.ErrMessageNotFound):
		e.release(messageID, entry)
		e.lg.Errorf("[DeliveryEngine] message %s not found, dropping retry", messageID)
	case failures > e.config.MaxRetries:
		e.release(messageID, entry)
		e.fail(ctx, messageID, failures, err)
	default:
		e.lg.Warnf("[DeliveryEngine] retry %d for %s failed: %v", entry.attempt.Attempts, messageID, err)
		e.schedule(messageID, entry.snapshot, failures, err, entry)
	}
}

// fail records a permanent delivery failure and queues the sender's
// failure notice in the outbox, so it survives a notifier outage.
func (e *Engine) fail(ctx context.Context, messageID string, attempts int, cause error) {
	now := e.clock.Now()
	e.lg.Errorf("[DeliveryEngine] %v: message %s after %d attempts: %v", ErrRetriesExhausted, messageID, attempts, cause)

	if err := e.store.MarkDeliveryFailed(ctx, messageID, now); err != nil {
		e.lg.Errorf("[DeliveryEngine] failed to mark %s as failed: %v", messageID, err)
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		e.lg.Errorf("[DeliveryEngine] failed to load %s for failure notice: %v", messageID, err)
		return
	}
	n := ontology.Notification{
		ID:        NotificationID(messageID, ontology.NotificationFlightFailed, msg.SenderID),
		Type:      ontology.NotificationFlightFailed,
		UserID:    msg.SenderID,
		MessageID: messageID,
		Data: map[string]interface{}{
			"recipient_id": msg.RecipientID,
			"attempts":     attempts,
			"reason":       fmt.Sprintf("%v: %v", ErrRetriesExhausted, cause),
		},
		Timestamp: now,
	}
	if err := e.store.EnqueueNotification(ctx, n); err != nil {
		e.lg.Errorf("[DeliveryEngine] failed to enqueue failure notice for %s: %v", messageID, err)
		if err := e.notify(ctx, n); err != nil {
			e.lg.Errorf("[DeliveryEngine] %v", err)
		}
		return
	}
	e.publish(ctx, []ontology.Notification{n})
}

func (e *Engine) hasRetry(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.retries[messageID]
	return ok
}

// CancelRetries disarms the pending retry for messageID, if any.
func (e *Engine) CancelRetries(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.retries[messageID]
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(e.retries, messageID)
	e.lg.Infof("[DeliveryEngine] retries cancelled for %s", messageID)
	return true
}

// PendingRetries lists armed retries, soonest first.
func (e *Engine) PendingRetries() []ontology.DeliveryAttempt {
	e.mu.Lock()
	out := make([]ontology.DeliveryAttempt, 0, len(e.retries))
	for _, entry := range e.retries {
		out = append(out, entry.attempt)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetry.Equal(out[j].NextRetry) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].NextRetry.Before(out[j].NextRetry)
	})
	return out
}

// Stop disarms every retry. Later failures are no longer rescheduled.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, entry := range e.retries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.retries, id)
	}
	e.stopped = true
}
