package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skycourier/pkg/delivery"
	"skycourier/pkg/ontology"
	"skycourier/pkg/shared"
)

const messageColumns = `message_id, sender_id, recipient_id, status,
	origin_lat, origin_lon, origin_country, origin_region, origin_city, origin_anonymous,
	dest_lat, dest_lon, dest_country, dest_region, dest_city, dest_anonymous,
	flight_id, flight_progress, total_distance_km, delivery_failed, delivered_at,
	created_at, updated_at`

// MessageStore persists messages, user statistics, the journey log and the
// notification inbox.
type MessageStore struct {
	svc *Service
	now func() time.Time
}

func NewMessageStore(svc *Service) *MessageStore {
	return &MessageStore{svc: svc, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanMessage(row rowScanner) (*ontology.Message, error) {
	var m ontology.Message
	var delivered sql.NullTime
	err := row.Scan(
		&m.MessageID, &m.SenderID, &m.RecipientID, &m.Status,
		&m.Origin.Latitude, &m.Origin.Longitude, &m.Origin.Country, &m.Origin.Region, &m.Origin.City, &m.Origin.Anonymous,
		&m.Destination.Latitude, &m.Destination.Longitude, &m.Destination.Country, &m.Destination.Region, &m.Destination.City, &m.Destination.Anonymous,
		&m.FlightID, &m.FlightProgress, &m.TotalDistance, &m.DeliveryFailed, &delivered,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if delivered.Valid {
		t := delivered.Time
		m.DeliveredAt = &t
	}
	return &m, nil
}

func getMessage(ctx context.Context, q queryer, messageID string) (*ontology.Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// CreateMessage stores a new draft message.
func (s *MessageStore) CreateMessage(ctx context.Context, req *ontology.CreateMessageRequest) (*ontology.Message, error) {
	now := s.now().UTC()
	m := &ontology.Message{
		MessageID:   uuid.New().String(),
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Status:      ontology.MessageDraft,
		Origin:      req.Origin,
		Destination: req.Destination,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
		INSERT INTO messages (
			message_id, sender_id, recipient_id, status,
			origin_lat, origin_lon, origin_country, origin_region, origin_city, origin_anonymous,
			dest_lat, dest_lon, dest_country, dest_region, dest_city, dest_anonymous,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	o, d := m.Origin, m.Destination
	_, err := s.svc.DB.ExecContext(ctx, query,
		m.MessageID, m.SenderID, m.RecipientID, m.Status,
		o.Latitude, o.Longitude, o.Country, o.Region, o.City, o.Anonymous,
		d.Latitude, d.Longitude, d.Country, d.Region, d.City, d.Anonymous,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return m, nil
}

func (s *MessageStore) GetMessage(ctx context.Context, messageID string) (*ontology.Message, error) {
	return getMessage(ctx, s.svc.DB, messageID)
}

// ListMessages returns messages sent or received by userID, newest first.
func (s *MessageStore) ListMessages(ctx context.Context, userID string, limit int) ([]*ontology.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.svc.DB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE sender_id = ? OR recipient_id = ?
		 ORDER BY created_at DESC LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*ontology.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BeginFlight attaches a flight to the message and marks it flying. A
// delivered message cannot fly again.
func (s *MessageStore) BeginFlight(ctx context.Context, messageID, flightID string, totalDistance float64, at time.Time) error {
	res, err := s.svc.DB.ExecContext(ctx, `
		UPDATE messages
		SET status = 'flying', flight_id = ?, total_distance_km = ?, flight_progress = 0,
		    delivery_failed = 0, updated_at = ?
		WHERE message_id = ? AND status != 'delivered'`,
		flightID, totalDistance, at.UTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to begin flight: %w", err)
	}
	return s.checkUpdated(ctx, res, messageID)
}

// AbortFlight undoes a BeginFlight whose flight never took off, restoring
// the flight columns of prev. Only the row still carrying flightID is
// touched, so a later flight is never clobbered.
func (s *MessageStore) AbortFlight(ctx context.Context, prev *ontology.Message, flightID string, at time.Time) error {
	_, err := s.svc.DB.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, flight_id = ?, total_distance_km = ?, flight_progress = ?,
		    delivery_failed = ?, updated_at = ?
		WHERE message_id = ? AND flight_id = ? AND status = 'flying'`,
		prev.Status, prev.FlightID, prev.TotalDistance, prev.FlightProgress,
		prev.DeliveryFailed, at.UTC(), prev.MessageID, flightID)
	if err != nil {
		return fmt.Errorf("failed to abort flight: %w", err)
	}
	return nil
}

// checkUpdated maps an update that touched no row to the reason why.
func (s *MessageStore) checkUpdated(ctx context.Context, res sql.Result, messageID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Status == ontology.MessageDelivered {
		return shared.ErrMessageDelivered
	}
	return nil
}

// RecordFlightProgress stores the latest progress of the message's flight.
// Progress never moves backwards.
func (s *MessageStore) RecordFlightProgress(ctx context.Context, messageID string, progress float64, at time.Time) error {
	res, err := s.svc.DB.ExecContext(ctx, `
		UPDATE messages
		SET flight_progress = MAX(flight_progress, ?), updated_at = ?
		WHERE message_id = ?`,
		progress, at.UTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to record flight progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return shared.ErrMessageNotFound
	}
	return nil
}

// ListUndelivered returns ids of flying messages whose flight finished and
// that have no permanent delivery failure, oldest first.
func (s *MessageStore) ListUndelivered(ctx context.Context) ([]string, error) {
	rows, err := s.svc.DB.QueryContext(ctx, `
		SELECT message_id FROM messages
		WHERE status = 'flying' AND flight_progress >= 100 AND delivery_failed = 0
		ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkDeliveryFailed flags a message whose delivery retries ran out. It
// stays flying so it can be reprocessed.
func (s *MessageStore) MarkDeliveryFailed(ctx context.Context, messageID string, at time.Time) error {
	res, err := s.svc.DB.ExecContext(ctx, `
		UPDATE messages SET delivery_failed = 1, updated_at = ?
		WHERE message_id = ? AND status != 'delivered'`,
		at.UTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	if err := s.checkUpdated(ctx, res, messageID); err != nil && !errors.Is(err, shared.ErrMessageDelivered) {
		return err
	}
	return nil
}

func (s *MessageStore) ClearDeliveryFailure(ctx context.Context, messageID string, at time.Time) error {
	res, err := s.svc.DB.ExecContext(ctx, `
		UPDATE messages SET delivery_failed = 0, updated_at = ?
		WHERE message_id = ?`,
		at.UTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to clear delivery failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return shared.ErrMessageNotFound
	}
	return nil
}

func (s *MessageStore) GetUserStats(ctx context.Context, userID string) (*ontology.UserStats, error) {
	return getUserStats(ctx, s.svc.DB, userID)
}

func getUserStats(ctx context.Context, q queryer, userID string) (*ontology.UserStats, error) {
	var st ontology.UserStats
	err := q.QueryRowContext(ctx, `
		SELECT user_id, messages_sent, messages_received, distance_km, journey_points, updated_at
		FROM user_stats WHERE user_id = ?`, userID).
		Scan(&st.UserID, &st.MessagesSent, &st.MessagesReceived, &st.DistanceKm, &st.JourneyPoints, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	return &st, nil
}

// ListJourney returns the journey log of userID, newest first.
func (s *MessageStore) ListJourney(ctx context.Context, userID string, limit int) ([]ontology.JourneyEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.svc.DB.QueryContext(ctx, `
		SELECT entry_id, message_id, user_id, distance_km, points, duration_seconds, created_at
		FROM journey_log WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journey log: %w", err)
	}
	defer rows.Close()

	var out []ontology.JourneyEntry
	for rows.Next() {
		var e ontology.JourneyEntry
		if err := rows.Scan(&e.EntryID, &e.MessageID, &e.UserID, &e.DistanceKm, &e.Points, &e.DurationSeconds, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journey entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertNotification(ctx context.Context, q execer, n *ontology.Notification, published bool, now time.Time) error {
	data := []byte("{}")
	if n.Data != nil {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return fmt.Errorf("failed to marshal notification data: %w", err)
		}
	}
	ts := n.Timestamp
	if ts.IsZero() {
		ts = now
	}

	// A published copy marks an outbox entry as sent; content is never
	// overwritten.
	query := `
		INSERT INTO notifications (notification_id, type, user_id, message_id, data, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (notification_id) DO NOTHING`
	if published {
		query = `
		INSERT INTO notifications (notification_id, type, user_id, message_id, data, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (notification_id) DO UPDATE SET published = 1`
	}
	if _, err := q.ExecContext(ctx, query, n.ID, n.Type, n.UserID, n.MessageID, string(data), published, ts.UTC()); err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// SaveNotification stores n in its user's inbox as received from the bus.
// Saving the same notification id twice keeps the first copy.
func (s *MessageStore) SaveNotification(ctx context.Context, n *ontology.Notification) error {
	return insertNotification(ctx, s.svc.DB, n, true, s.now())
}

// EnqueueNotification writes n to the outbox outside a delivery
// transaction.
func (s *MessageStore) EnqueueNotification(ctx context.Context, n ontology.Notification) error {
	return insertNotification(ctx, s.svc.DB, &n, false, s.now())
}

// ListUnpublishedNotifications returns outbox entries not yet published,
// oldest first.
func (s *MessageStore) ListUnpublishedNotifications(ctx context.Context, limit int) ([]ontology.Notification, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.svc.DB.QueryContext(ctx, `
		SELECT notification_id, type, user_id, message_id, data, created_at
		FROM notifications WHERE published = 0
		ORDER BY created_at, notification_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return scanNotifications(rows)
}

// MarkNotificationPublished records that the notification reached the bus.
func (s *MessageStore) MarkNotificationPublished(ctx context.Context, notificationID string) error {
	if _, err := s.svc.DB.ExecContext(ctx,
		`UPDATE notifications SET published = 1 WHERE notification_id = ?`, notificationID); err != nil {
		return fmt.Errorf("failed to mark notification published: %w", err)
	}
	return nil
}

// ListNotifications returns the inbox of userID, newest first.
func (s *MessageStore) ListNotifications(ctx context.Context, userID string, limit int) ([]ontology.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.svc.DB.QueryContext(ctx, `
		SELECT notification_id, type, user_id, message_id, data, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, notification_id LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	return scanNotifications(rows)
}

func scanNotifications(rows *sql.Rows) ([]ontology.Notification, error) {
	defer rows.Close()

	var out []ontology.Notification
	for rows.Next() {
		var n ontology.Notification
		var data string
		if err := rows.Scan(&n.ID, &n.Type, &n.UserID, &n.MessageID, &data, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification data: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InTx runs fn inside one database transaction.
func (s *MessageStore) InTx(ctx context.Context, fn func(delivery.StoreTx) error) error {
	return s.svc.TransactionContext(ctx, func(tx *sql.Tx) error {
		return fn(&messageTx{tx: tx})
	})
}

type messageTx struct {
	tx *sql.Tx
}

func (t *messageTx) GetMessage(ctx context.Context, messageID string) (*ontology.Message, error) {
	return getMessage(ctx, t.tx, messageID)
}

func (t *messageTx) CompareAndSetStatus(ctx context.Context, messageID string, expected, next ontology.MessageStatus, at time.Time) (bool, error) {
	var deliveredAt any
	if next == ontology.MessageDelivered {
		deliveredAt = at.UTC()
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, updated_at = ?, delivered_at = COALESCE(?, delivered_at)
		WHERE message_id = ? AND status = ?`,
		next, at.UTC(), deliveredAt, messageID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *messageTx) AddUserStats(ctx context.Context, userID string, d ontology.UserStatsDelta, at time.Time) (*ontology.UserStats, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, messages_sent, messages_received, distance_km, journey_points, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			messages_sent = messages_sent + excluded.messages_sent,
			messages_received = messages_received + excluded.messages_received,
			distance_km = distance_km + excluded.distance_km,
			journey_points = journey_points + excluded.journey_points,
			updated_at = excluded.updated_at`,
		userID, d.MessagesSent, d.MessagesReceived, d.DistanceKm, d.JourneyPoints, at.UTC())
	if err != nil {
		return nil, err
	}
	return getUserStats(ctx, t.tx, userID)
}

func (t *messageTx) EnqueueNotification(ctx context.Context, n ontology.Notification) error {
	return insertNotification(ctx, t.tx, &n, false, time.Now())
}

func (t *messageTx) AppendJourney(ctx context.Context, e ontology.JourneyEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO journey_log (entry_id, message_id, user_id, distance_km, points, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.MessageID, e.UserID, e.DistanceKm, e.Points, e.DurationSeconds, e.CreatedAt.UTC())
	return err
}

var _ delivery.Store = (*MessageStore)(nil)
