package shared

import "fmt"

// NATS Subject patterns
const (
	SubjectPrefix = "courier"

	// Notification subjects, one per recipient user
	SubjectNotifications    = "courier.notifications"
	SubjectNotificationsAll = "courier.notifications.>"
	SubjectNotificationUser = "courier.notifications.%s.%s" // user_id, type

	// Flight subjects, one tree per message
	SubjectFlights           = "courier.flights"
	SubjectFlightsAll        = "courier.flights.>"
	SubjectFlightMessage     = "courier.flights.%s.>"         // message_id
	SubjectFlightProgress    = "courier.flights.%s.progress"  // message_id
	SubjectFlightDelivered   = "courier.flights.%s.delivered" // message_id
	SubjectFlightFailed      = "courier.flights.%s.failed"    // message_id
	SubjectFlightProgressAll = "courier.flights.*.progress"
)

// Stream names
const (
	StreamNotifications = "COURIER_NOTIFICATIONS"
	StreamFlights       = "COURIER_FLIGHTS"
)

// Consumer names
const (
	ConsumerNotificationProcessor   = "notification-processor"
	ConsumerFlightProgressProcessor = "flight-progress-processor"
)

// Helper functions to generate subjects
func NotificationSubject(userID, notificationType string) string {
	return fmt.Sprintf(SubjectNotificationUser, userID, notificationType)
}

func FlightSubjects(messageID string) string {
	return fmt.Sprintf(SubjectFlightMessage, messageID)
}

func FlightProgressSubject(messageID string) string {
	return fmt.Sprintf(SubjectFlightProgress, messageID)
}

func FlightDeliveredSubject(messageID string) string {
	return fmt.Sprintf(SubjectFlightDelivered, messageID)
}

func FlightFailedSubject(messageID string) string {
	return fmt.Sprintf(SubjectFlightFailed, messageID)
}
