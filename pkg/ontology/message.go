package ontology

import (
	"time"
)

type MessageStatus string

const (
	MessageDraft     MessageStatus = "draft"
	MessageFlying    MessageStatus = "flying"
	MessageDelivered MessageStatus = "delivered"
)

type Message struct {
	MessageID      string        `json:"message_id" db:"message_id"`
	SenderID       string        `json:"sender_id" db:"sender_id"`
	RecipientID    string        `json:"recipient_id" db:"recipient_id"`
	Status         MessageStatus `json:"status" db:"status"`
	Origin         Coordinate    `json:"origin"`
	Destination    Coordinate    `json:"destination"`
	FlightID       string        `json:"flight_id,omitempty" db:"flight_id"`
	FlightProgress float64       `json:"flight_progress" db:"flight_progress"`
	TotalDistance  float64       `json:"total_distance_km" db:"total_distance_km"`
	DeliveryFailed bool          `json:"delivery_failed" db:"delivery_failed"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

type CreateMessageRequest struct {
	SenderID    string     `json:"sender_id" validate:"required"`
	RecipientID string     `json:"recipient_id" validate:"required"`
	Origin      Coordinate `json:"origin"`
	Destination Coordinate `json:"destination"`
}

type UserStats struct {
	UserID           string    `json:"user_id" db:"user_id"`
	MessagesSent     int       `json:"messages_sent" db:"messages_sent"`
	MessagesReceived int       `json:"messages_received" db:"messages_received"`
	DistanceKm       float64   `json:"distance_km" db:"distance_km"`
	JourneyPoints    int       `json:"journey_points" db:"journey_points"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// UserStatsDelta is added to a user's statistics row.
type UserStatsDelta struct {
	MessagesSent     int
	MessagesReceived int
	DistanceKm       float64
	JourneyPoints    int
}

type JourneyEntry struct {
	EntryID         string    `json:"entry_id" db:"entry_id"`
	MessageID       string    `json:"message_id" db:"message_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	DistanceKm      float64   `json:"distance_km" db:"distance_km"`
	Points          int       `json:"points" db:"points"`
	DurationSeconds float64   `json:"duration_seconds" db:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// DeliveryAttempt is retry bookkeeping for one message.
type DeliveryAttempt struct {
	MessageID   string    `json:"message_id"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	NextRetry   time.Time `json:"next_retry"`
	LastError   string    `json:"last_error,omitempty"`
}

type NotificationType string

const (
	NotificationMessageDelivered NotificationType = "message-delivered"
	NotificationFlightFailed     NotificationType = "flight-failed"
	NotificationRewardUnlocked   NotificationType = "reward-unlocked"
)

type Notification struct {
	ID        string                 `json:"id" db:"notification_id"`
	Type      NotificationType       `json:"type" db:"type"`
	UserID    string                 `json:"user_id" db:"user_id"`
	MessageID string                 `json:"message_id" db:"message_id"`
	Data      map[string]interface{} `json:"data,omitempty" db:"data"`
	Timestamp time.Time              `json:"timestamp" db:"created_at"`
}
