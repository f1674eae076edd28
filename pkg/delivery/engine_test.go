package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycourier/pkg/clock"
	"skycourier/pkg/ontology"
	"skycourier/pkg/shared"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// in-memory store
// ---------------------------------------------------------------------------

type outboxEntry struct {
	note      ontology.Notification
	published bool
}

type memState struct {
	messages map[string]ontology.Message
	stats    map[string]ontology.UserStats
	journey  []ontology.JourneyEntry
	outbox   []outboxEntry
}

func (s memState) clone() memState {
	c := memState{
		messages: make(map[string]ontology.Message, len(s.messages)),
		stats:    make(map[string]ontology.UserStats, len(s.stats)),
		journey:  append([]ontology.JourneyEntry(nil), s.journey...),
		outbox:   append([]outboxEntry(nil), s.outbox...),
	}
	for k, v := range s.messages {
		c.messages[k] = v
	}
	for k, v := range s.stats {
		c.stats[k] = v
	}
	return c
}

type memStore struct {
	mu       sync.Mutex
	state    memState
	txCount  int
	progress map[string]float64

	txFailures int // fail this many transactions; -1 fails forever
	failAt     int // fail the nth notification enqueued in a transaction
}

func newMemStore(msgs ...ontology.Message) *memStore {
	s := &memStore{
		state:    memState{messages: map[string]ontology.Message{}, stats: map[string]ontology.UserStats{}},
		progress: map[string]float64{},
	}
	for _, m := range msgs {
		s.state.messages[m.MessageID] = m
	}
	return s
}

type memTx struct {
	state  *memState
	failAt int
	calls  int
}

var errDatabaseBusy = errors.New("database is locked")

func (t *memTx) GetMessage(_ context.Context, id string) (*ontology.Message, error) {
	m, ok := t.state.messages[id]
	if !ok {
		return nil, shared.ErrMessageNotFound
	}
	return &m, nil
}

func (t *memTx) CompareAndSetStatus(_ context.Context, id string, expected, next ontology.MessageStatus, at time.Time) (bool, error) {
	m, ok := t.state.messages[id]
	if !ok || m.Status != expected {
		return false, nil
	}
	m.Status = next
	m.UpdatedAt = at
	if next == ontology.MessageDelivered {
		m.DeliveredAt = &at
	}
	t.state.messages[id] = m
	return true, nil
}

func (t *memTx) AddUserStats(_ context.Context, userID string, d ontology.UserStatsDelta, at time.Time) (*ontology.UserStats, error) {
	s := t.state.stats[userID]
	s.UserID = userID
	s.MessagesSent += d.MessagesSent
	s.MessagesReceived += d.MessagesReceived
	s.DistanceKm += d.DistanceKm
	s.JourneyPoints += d.JourneyPoints
	s.UpdatedAt = at
	t.state.stats[userID] = s
	return &s, nil
}

func (t *memTx) AppendJourney(_ context.Context, e ontology.JourneyEntry) error {
	t.state.journey = append(t.state.journey, e)
	return nil
}

func (t *memTx) EnqueueNotification(_ context.Context, n ontology.Notification) error {
	t.calls++
	if t.calls == t.failAt {
		return errDatabaseBusy
	}
	t.state.enqueue(n)
	return nil
}

func (s *memState) enqueue(n ontology.Notification) {
	for _, e := range s.outbox {
		if e.note.ID == n.ID {
			return
		}
	}
	s.outbox = append(s.outbox, outboxEntry{note: n})
}

func (s *memStore) InTx(_ context.Context, fn func(StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	tx := &memTx{failAt: s.failAt}
	if s.txFailures != 0 {
		tx.failAt = 1
		if s.txFailures > 0 {
			s.txFailures--
		}
	}
	work := s.state.clone()
	tx.state = &work
	if err := fn(tx); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, id string) (*ontology.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{state: &s.state}).GetMessage(ctx, id)
}

func (s *memStore) RecordFlightProgress(_ context.Context, id string, progress float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.messages[id]
	if !ok {
		return shared.ErrMessageNotFound
	}
	m.FlightProgress = progress
	s.state.messages[id] = m
	s.progress[id] = progress
	return nil
}

func (s *memStore) ListUndelivered(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.state.messages {
		if m.Status == ontology.MessageFlying && m.FlightProgress >= 100 && !m.DeliveryFailed {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) MarkDeliveryFailed(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.messages[id]
	if !ok {
		return shared.ErrMessageNotFound
	}
	m.DeliveryFailed = true
	s.state.messages[id] = m
	return nil
}

func (s *memStore) ClearDeliveryFailure(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.messages[id]
	if !ok {
		return shared.ErrMessageNotFound
	}
	m.DeliveryFailed = false
	s.state.messages[id] = m
	return nil
}

func (s *memStore) EnqueueNotification(_ context.Context, n ontology.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.enqueue(n)
	return nil
}

func (s *memStore) ListUnpublishedNotifications(_ context.Context, limit int) ([]ontology.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ontology.Notification
	for _, e := range s.state.outbox {
		if !e.published && len(out) < limit {
			out = append(out, e.note)
		}
	}
	return out, nil
}

func (s *memStore) MarkNotificationPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		if s.state.outbox[i].note.ID == id {
			s.state.outbox[i].published = true
		}
	}
	return nil
}

func (s *memStore) setTxFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txFailures = n
}

func (s *memStore) outbox() []outboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outboxEntry(nil), s.state.outbox...)
}

func (s *memStore) unpublished() []ontology.Notification {
	out, _ := s.ListUnpublishedNotifications(context.Background(), 1000)
	return out
}

func (s *memStore) message(id string) ontology.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.messages[id]
}

func (s *memStore) userStats(id string) ontology.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.stats[id]
}

func (s *memStore) transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// ---------------------------------------------------------------------------
// notifier
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu       sync.Mutex
	failures int // fail this many calls before succeeding; -1 fails forever
	sent     []ontology.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note ontology.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures != 0 {
		if n.failures > 0 {
			n.failures--
		}
		return errors.New("broker unavailable")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) setFailures(f int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = f
}

func (n *recordingNotifier) all() []ontology.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ontology.Notification(nil), n.sent...)
}

func (n *recordingNotifier) ofType(t ontology.NotificationType) []ontology.Notification {
	var out []ontology.Notification
	for _, note := range n.all() {
		if note.Type == t {
			out = append(out, note)
		}
	}
	return out
}

func flyingMessage(id string) ontology.Message {
	return ontology.Message{
		MessageID:     id,
		SenderID:      "alice",
		RecipientID:   "bob",
		Status:        ontology.MessageFlying,
		TotalDistance: 5570,
		CreatedAt:     t0,
	}
}

func completedSnapshot(messageID string) ontology.FlightSnapshot {
	done := t0.Add(70 * time.Hour)
	return ontology.FlightSnapshot{
		FlightID:           "f-" + messageID,
		MessageID:          messageID,
		Status:             ontology.FlightDelivered,
		ProgressPercentage: 100,
		DistanceCovered:    5570,
		StartedAt:          t0,
		CompletedAt:        &done,
	}
}

func newTestEngine(store Store, n Notifier) (*Engine, *clock.Manual) {
	clk := clock.NewManual(t0)
	return New(store, n, DefaultConfig(), WithClock(clk)), clk
}

// ---------------------------------------------------------------------------
// Deliver
// ---------------------------------------------------------------------------

func TestRetryDelay(t *testing.T) {
	cfg := DefaultConfig()
	var got []time.Duration
	for attempt := 1; attempt <= 7; attempt++ {
		got = append(got, cfg.RetryDelay(attempt))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second,
	}, got)
	assert.Equal(t, time.Second, cfg.RetryDelay(0))
}

func TestDeliverAwardsAndNotifies(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(store, notifier)

	require.NoError(t, engine.Deliver(context.Background(), "m-1", completedSnapshot("m-1")))

	msg := store.message("m-1")
	assert.Equal(t, ontology.MessageDelivered, msg.Status)
	require.NotNil(t, msg.DeliveredAt)

	bob := store.userStats("bob")
	assert.Equal(t, 1, bob.MessagesReceived)
	assert.InDelta(t, 5570, bob.DistanceKm, 1e-9)

	alice := store.userStats("alice")
	assert.Equal(t, 1, alice.MessagesSent)
	assert.Equal(t, DefaultAwardPolicy(5570, 70*time.Hour), alice.JourneyPoints)
	assert.Equal(t, 65, alice.JourneyPoints)

	require.Len(t, store.state.journey, 1)
	assert.Equal(t, "alice", store.state.journey[0].UserID)
	assert.Equal(t, (70 * time.Hour).Seconds(), store.state.journey[0].DurationSeconds)

	delivered := notifier.ofType(ontology.NotificationMessageDelivered)
	require.Len(t, delivered, 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, []string{delivered[0].UserID, delivered[1].UserID})

	rewards := notifier.ofType(ontology.NotificationRewardUnlocked)
	require.Len(t, rewards, 1, "first message received is a milestone")
	assert.Equal(t, "bob", rewards[0].UserID)
	assert.Equal(t, "m-1-reward-unlocked-bob", rewards[0].ID)
}

func TestDeliverTwiceIsNoop(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(store, notifier)
	ctx := context.Background()

	require.NoError(t, engine.Deliver(ctx, "m-1", completedSnapshot("m-1")))
	sent := len(notifier.all())
	require.NoError(t, engine.Deliver(ctx, "m-1", completedSnapshot("m-1")))

	assert.Len(t, notifier.all(), sent)
	assert.Equal(t, 1, store.userStats("bob").MessagesReceived)
	assert.Equal(t, 65, store.userStats("alice").JourneyPoints)
	assert.Len(t, store.state.journey, 1)
}

func TestConcurrentDeliverAwardsOnce(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(store, notifier)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.Deliver(context.Background(), "m-1", completedSnapshot("m-1")))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.userStats("bob").MessagesReceived)
	assert.Len(t, notifier.ofType(ontology.NotificationMessageDelivered), 2)
}

func TestDeliverMissingMessage(t *testing.T) {
	engine, _ := newTestEngine(newMemStore(), &recordingNotifier{})
	err := engine.Deliver(context.Background(), "nope", completedSnapshot("nope"))
	assert.ErrorIs(t, err, shared.ErrMessageNotFound)
}

func TestDeliverConflictWhenNotFlying(t *testing.T) {
	draft := flyingMessage("m-1")
	draft.Status = ontology.MessageDraft
	store := newMemStore(draft)
	engine, _ := newTestEngine(store, &recordingNotifier{})

	err := engine.Deliver(context.Background(), "m-1", completedSnapshot("m-1"))
	assert.ErrorIs(t, err, ErrDeliveryConflict)
	assert.Equal(t, ontology.MessageDraft, store.message("m-1").Status)
}

func TestFailedTransactionPublishesNothing(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	store.failAt = 2 // the recipient's notice is written, the sender's is not
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(store, notifier)

	err := engine.Deliver(context.Background(), "m-1", completedSnapshot("m-1"))
	require.ErrorIs(t, err, errDatabaseBusy)

	assert.Empty(t, notifier.all(), "nothing is published for an uncommitted delivery")
	assert.Empty(t, store.outbox())
	assert.Equal(t, ontology.MessageFlying, store.message("m-1").Status)
	assert.Zero(t, store.userStats("bob").MessagesReceived)
	assert.Empty(t, store.state.journey)
}

func TestNotifierOutageKeepsDeliveryAndOutbox(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	notifier := &recordingNotifier{failures: 1} // recipient's notice fails, the rest go out
	engine, clk := newTestEngine(store, notifier)

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))

	assert.Equal(t, ontology.MessageDelivered, store.message("m-1").Status)
	assert.Empty(t, engine.PendingRetries(), "a publish failure is not a delivery failure")
	assert.Equal(t, 0, clk.Pending())
	assert.Len(t, store.outbox(), 3)

	pending := store.unpublished()
	require.Len(t, pending, 1)
	assert.Equal(t, "m-1-message-delivered-bob", pending[0].ID)
	assert.Len(t, notifier.all(), 2)

	n, err := engine.FlushOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.unpublished())
	assert.Len(t, notifier.ofType(ontology.NotificationMessageDelivered), 2)

	n, err = engine.FlushOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliverFallsBackToMessageDistance(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	engine, _ := newTestEngine(store, nil)

	require.NoError(t, engine.Deliver(context.Background(), "m-1", ontology.FlightSnapshot{MessageID: "m-1"}))
	assert.InDelta(t, 5570, store.userStats("bob").DistanceKm, 1e-9)
}

func TestRewardMilestones(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(store, notifier)

	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("m-%d", i)
		store.state.messages[id] = flyingMessage(id)
		require.NoError(t, engine.Deliver(context.Background(), id, completedSnapshot(id)))
	}
	rewards := notifier.ofType(ontology.NotificationRewardUnlocked)
	require.Len(t, rewards, 2)
	assert.Equal(t, 1, rewards[0].Data["messages_received"])
	assert.Equal(t, 10, rewards[1].Data["messages_received"])
}

// ---------------------------------------------------------------------------
// Retries
// ---------------------------------------------------------------------------

func TestCompletionRetriesUntilSuccess(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	store.txFailures = 2
	engine, clk := newTestEngine(store, &recordingNotifier{})

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))
	assert.Equal(t, 100.0, store.message("m-1").FlightProgress)
	assert.Equal(t, ontology.MessageFlying, store.message("m-1").Status)

	pending := engine.PendingRetries()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, t0.Add(time.Second), pending[0].NextRetry)
	assert.NotEmpty(t, pending[0].LastError)

	clk.Advance(time.Second)
	require.Len(t, engine.PendingRetries(), 1)
	assert.Equal(t, 2, engine.PendingRetries()[0].Attempts)

	clk.Advance(2 * time.Second)
	assert.Empty(t, engine.PendingRetries())
	assert.Equal(t, ontology.MessageDelivered, store.message("m-1").Status)
	assert.Equal(t, 3, store.transactions())
}

func TestLastRetryCanStillSucceed(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	store.txFailures = -1
	notifier := &recordingNotifier{}
	engine, clk := newTestEngine(store, notifier)

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))
	clk.Advance(time.Second)
	clk.Advance(2 * time.Second)
	assert.Equal(t, 3, store.transactions())
	require.Len(t, engine.PendingRetries(), 1)

	store.setTxFailures(0)
	clk.Advance(4 * time.Second)
	assert.Equal(t, 4, store.transactions(), "initial attempt plus three retries")
	assert.Equal(t, ontology.MessageDelivered, store.message("m-1").Status)
	assert.False(t, store.message("m-1").DeliveryFailed)
	assert.Empty(t, notifier.ofType(ontology.NotificationFlightFailed))
}

func TestPermanentFailureMarksAndNotifiesSender(t *testing.T) {
	draft := flyingMessage("m-1")
	draft.Status = ontology.MessageDraft
	store := newMemStore(draft)
	notifier := &recordingNotifier{}
	engine, clk := newTestEngine(store, notifier)

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))
	for i := 0; i < 10; i++ {
		clk.Advance(time.Minute)
	}

	assert.Equal(t, 4, store.transactions())
	assert.Empty(t, engine.PendingRetries())
	assert.Equal(t, 0, clk.Pending(), "no fifth attempt is scheduled")
	assert.True(t, store.message("m-1").DeliveryFailed)

	failed := notifier.ofType(ontology.NotificationFlightFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "alice", failed[0].UserID)
	assert.Equal(t, 4, failed[0].Data["attempts"])
	assert.Contains(t, failed[0].Data["reason"], ErrRetriesExhausted.Error())
	assert.Empty(t, store.unpublished())
}

func TestFailureNoticeSurvivesNotifierOutage(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	store.txFailures = -1
	notifier := &recordingNotifier{failures: -1}
	engine, clk := newTestEngine(store, notifier)

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))
	for i := 0; i < 10; i++ {
		clk.Advance(time.Minute)
	}
	require.True(t, store.message("m-1").DeliveryFailed)
	assert.Empty(t, notifier.all())

	pending := store.unpublished()
	require.Len(t, pending, 1, "the sender's notice waits in the outbox")
	assert.Equal(t, ontology.NotificationFlightFailed, pending[0].Type)
	assert.Equal(t, "alice", pending[0].UserID)
	assert.Equal(t, "m-1-flight-failed-alice", pending[0].ID)

	notifier.setFailures(0)
	_, err := engine.ProcessPendingDeliveries(context.Background())
	require.NoError(t, err)

	failed := notifier.ofType(ontology.NotificationFlightFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "alice", failed[0].UserID)
	assert.Empty(t, store.unpublished())
}

func TestMissingMessageIsNotRetried(t *testing.T) {
	store := newMemStore()
	engine, clk := newTestEngine(store, &recordingNotifier{})

	engine.HandleFlightCompletion(context.Background(), "ghost", completedSnapshot("ghost"))
	assert.Empty(t, engine.PendingRetries())
	assert.Equal(t, 0, clk.Pending())
}

func TestCancelRetries(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	store.txFailures = -1
	engine, clk := newTestEngine(store, &recordingNotifier{})

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))
	require.Len(t, engine.PendingRetries(), 1)

	assert.True(t, engine.CancelRetries("m-1"))
	assert.False(t, engine.CancelRetries("m-1"))
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, store.transactions())
}

func TestRearmReplacesPendingRetry(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"))
	store.txFailures = -1
	engine, clk := newTestEngine(store, &recordingNotifier{})

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))
	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))

	assert.Len(t, engine.PendingRetries(), 1)
	assert.Equal(t, 1, clk.Pending(), "one timer per message")
}

func TestStopDisarmsRetries(t *testing.T) {
	store := newMemStore(flyingMessage("m-1"), flyingMessage("m-2"))
	store.txFailures = -1
	engine, clk := newTestEngine(store, &recordingNotifier{})

	engine.HandleFlightCompletion(context.Background(), "m-1", completedSnapshot("m-1"))
	engine.HandleFlightCompletion(context.Background(), "m-2", completedSnapshot("m-2"))
	engine.Stop()

	assert.Empty(t, engine.PendingRetries())
	assert.Equal(t, 0, clk.Pending())
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func TestProcessPendingDeliveries(t *testing.T) {
	done := flyingMessage("done")
	done.FlightProgress = 100
	midway := flyingMessage("midway")
	midway.FlightProgress = 40
	failed := flyingMessage("failed")
	failed.FlightProgress = 100
	failed.DeliveryFailed = true
	retrying := flyingMessage("retrying")
	retrying.FlightProgress = 100

	store := newMemStore(done, midway, failed, retrying)
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(store, notifier)
	engine.schedule("retrying", completedSnapshot("retrying"), 1, errors.New("boom"), nil)

	n, err := engine.ProcessPendingDeliveries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, ontology.MessageDelivered, store.message("done").Status)
	assert.Equal(t, ontology.MessageFlying, store.message("midway").Status)
	assert.Equal(t, ontology.MessageFlying, store.message("failed").Status)
	assert.Equal(t, ontology.MessageFlying, store.message("retrying").Status, "left to its armed retry")

	n, err = engine.ProcessPendingDeliveries(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessPendingUsesSnapshotSource(t *testing.T) {
	msg := flyingMessage("m-1")
	msg.FlightProgress = 100
	store := newMemStore(msg)
	clk := clock.NewManual(t0)
	engine := New(store, nil, DefaultConfig(), WithClock(clk),
		WithSnapshotSource(func(id string) (ontology.FlightSnapshot, bool) {
			s := completedSnapshot(id)
			s.DistanceCovered = 1234
			return s, true
		}))

	n, err := engine.ProcessPendingDeliveries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1234, store.userStats("bob").DistanceKm, 1e-9)
}

func TestReprocessClearsFailure(t *testing.T) {
	msg := flyingMessage("m-1")
	msg.FlightProgress = 100
	msg.DeliveryFailed = true
	store := newMemStore(msg)
	engine, _ := newTestEngine(store, &recordingNotifier{})

	require.NoError(t, engine.Reprocess(context.Background(), "m-1"))
	got := store.message("m-1")
	assert.False(t, got.DeliveryFailed)
	assert.Equal(t, ontology.MessageDelivered, got.Status)

	assert.ErrorIs(t, engine.Reprocess(context.Background(), "ghost"), shared.ErrMessageNotFound)
}
