package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"skycourier/pkg/ontology"
	"skycourier/pkg/services/notifications"
	"skycourier/pkg/shared"
)

const (
	streamBuffer     = 32
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second

	// EventFlightSnapshot is the first frame of a stream: the flight state
	// at subscription time.
	EventFlightSnapshot = "flight.snapshot"
)

var upgrader = websocket.Upgrader{
	EnableCompression: false,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// StreamFlight upgrades to a websocket and forwards the flight events of
// one message until the flight is delivered or the client goes away.
func (h *Handlers) StreamFlight(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_MESSAGE_ID", "message_id is required")
		return
	}
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		subscriberID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Errorf("[API] unable to upgrade flight stream: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan shared.Event, streamBuffer)
	forward, err := h.hub.Forward(messageID, subscriberID, func(ev shared.Event) {
		select {
		case events <- ev:
		default:
			h.lg.Warnf("[API] stream %s is slow, dropped %s", subscriberID, ev.Type)
		}
	})
	if err != nil {
		h.lg.Errorf("[API] stream %s: %v", subscriberID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(streamWriteWait))
		return
	}
	defer forward.Stop()

	if snap, err := h.flights.GetFlightProgress(messageID); err == nil {
		first := shared.Event{
			ID:        uuid.New().String(),
			Type:      EventFlightSnapshot,
			Subject:   shared.FlightProgressSubject(messageID),
			Data:      map[string]interface{}{"snapshot": snap},
			Timestamp: time.Now(),
			Source:    "skycourier",
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(first); err != nil {
			return
		}
		// The delivered event went out before this subscription.
		if snap.Status == ontology.FlightDelivered {
			closeDelivered(conn)
			return
		}
	}

	// The read loop only notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.lg.Debugf("[API] stream %s write: %v", subscriberID, err)
				return
			}
			if ev.Type == notifications.EventFlightDelivered {
				closeDelivered(conn)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func closeDelivered(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "delivered"),
		time.Now().Add(streamWriteWait))
}
