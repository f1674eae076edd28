// Package push forwards flight events for one message to one subscriber.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"skycourier/pkg/logger"
	"skycourier/pkg/shared"
)

var ErrHubClosed = errors.New("push hub closed")

type subscription struct {
	messageID string
	sub       *nats.Subscription
}

// Hub keeps one core NATS subscription per subscriber. Events published
// to JetStream are also seen by core subscribers, so nothing is replayed:
// a subscriber gets events from the moment it is registered.
type Hub struct {
	nc *nats.Conn
	lg *logger.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func NewHub(nc *nats.Conn, lg *logger.Logger) *Hub {
	return &Hub{
		nc:   nc,
		lg:   lg,
		subs: make(map[string]*subscription),
	}
}

// Forwarding is one registered forward. Stopping it never affects a
// later forward registered under the same subscriber id.
type Forwarding struct {
	hub          *Hub
	subscriberID string
	sub          *subscription
}

// Forward delivers every progress, delivered and failed event of
// messageID to fn until the returned Forwarding is stopped. Registering an
// existing subscriber replaces its previous forward.
func (h *Hub) Forward(messageID, subscriberID string, fn func(shared.Event)) (*Forwarding, error) {
	if messageID == "" || subscriberID == "" {
		return nil, fmt.Errorf("message id and subscriber id are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	sub, err := h.nc.Subscribe(shared.FlightSubjects(messageID), func(msg *nats.Msg) {
		var event shared.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			h.lg.Warnf("[PushHub] undecodable event on %s: %v", msg.Subject, err)
			return
		}
		fn(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s to %s: %w", subscriberID, messageID, err)
	}

	if old, ok := h.subs[subscriberID]; ok {
		_ = old.sub.Unsubscribe()
	}
	s := &subscription{messageID: messageID, sub: sub}
	h.subs[subscriberID] = s

	h.lg.Debugf("[PushHub] %s now follows message %s", subscriberID, messageID)
	return &Forwarding{hub: h, subscriberID: subscriberID, sub: s}, nil
}

// Stop ends this forward. It reports whether the forward was still the
// current one for its subscriber.
func (f *Forwarding) Stop() bool {
	h := f.hub
	h.mu.Lock()
	current := h.subs[f.subscriberID] == f.sub
	if current {
		delete(h.subs, f.subscriberID)
	}
	h.mu.Unlock()

	if !current {
		return false
	}
	if err := f.sub.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		h.lg.Warnf("[PushHub] unsubscribe %s: %v", f.subscriberID, err)
	}
	return true
}

// Subscribers lists registered subscriber ids in order.
func (h *Hub) Subscribers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every forward and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscription)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.sub.Unsubscribe()
	}
}
