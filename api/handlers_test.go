package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycourier/api/services"
	"skycourier/db"
	"skycourier/pkg/clock"
	"skycourier/pkg/delivery"
	"skycourier/pkg/ontology"
	"skycourier/pkg/routing"
	embeddednats "skycourier/pkg/services/embedded-nats"
	"skycourier/pkg/services/notifications"
	"skycourier/pkg/services/push"
	"skycourier/pkg/services/workers"
	"skycourier/pkg/shared"
	"skycourier/pkg/simulation"
)

const testToken = "test-token"

var (
	newYork = ontology.Coordinate{Latitude: 40.7128, Longitude: -74.0060, City: "New York"}
	london  = ontology.Coordinate{Latitude: 51.5074, Longitude: -0.1278, City: "London"}
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *shared.Error   `json:"error"`
}

type harness struct {
	srv   *httptest.Server
	clk   *clock.Manual
	sim   *simulation.Simulator
	store *db.MessageStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	database, err := db.New(&db.Config{
		DBPath:         filepath.Join(dir, "api.db"),
		MaxOpenConns:   1,
		MaxIdleConns:   1,
		AutoInitialize: true,
	})
	require.NoError(t, err)
	store := db.NewMessageStore(database)

	natsCfg := embeddednats.DefaultConfig()
	natsCfg.Port = -1
	natsCfg.DataDir = filepath.Join(dir, "nats")
	en, err := embeddednats.New(natsCfg)
	require.NoError(t, err)
	require.NoError(t, en.Start())
	require.NoError(t, en.CreateCourierStreams())
	require.NoError(t, en.CreateCourierConsumers())

	wm, err := workers.NewManager(en, store, nil)
	require.NoError(t, err)
	require.NoError(t, wm.Start())

	clk := clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	pub := notifications.NewPublisher(en, nil, notifications.WithClock(clk))

	var sim *simulation.Simulator
	var flights *services.FlightService
	engine := delivery.New(store, pub, delivery.DefaultConfig(),
		delivery.WithClock(clk),
		delivery.WithSnapshotSource(func(id string) (ontology.FlightSnapshot, bool) {
			return sim.SnapshotByMessage(id)
		}),
	)

	simCfg := simulation.DefaultConfig()
	simCfg.TickInterval = 0
	simCfg.SpeedFactor = 3600 // one clock second flies one hour
	simCfg.RerouteIntensity = 0
	sim = simulation.New(simCfg,
		simulation.WithClock(clk),
		simulation.WithSampler(simulation.SamplerFunc(func(pos ontology.Coordinate, at time.Time) ontology.WeatherEvent {
			return simulation.NewEvent(ontology.WeatherClear, 0, pos, at)
		})),
		simulation.WithObserver(pub.FlightUpdate),
		simulation.WithCompletionHandler(func(s ontology.FlightSnapshot) { flights.HandleFlightCompletion(s) }),
	)
	flights = services.NewFlightService(routing.New(nil), sim, engine, store, clk, nil)

	hub := push.NewHub(en.Connection(), nil)
	h := NewHandlers(Dependencies{
		Flights:  flights,
		Messages: services.NewMessageService(store),
		Users:    services.NewUserService(store),
		Hub:      hub,
		Database: database,
		Token:    testToken,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, en)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		sim.Stop()
		engine.Stop()
		_ = wm.Stop()
		_ = en.Shutdown(context.Background())
		_ = database.Close()
	})

	return &harness{srv: srv, clk: clk, sim: sim, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (h *harness) createMessage(t *testing.T, from, to ontology.Coordinate) ontology.Message {
	t.Helper()
	code, env := h.do(t, http.MethodPost, "/api/v1/messages", ontology.CreateMessageRequest{
		SenderID:    "alice",
		RecipientID: "bob",
		Origin:      from,
		Destination: to,
	})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	return decode[ontology.Message](t, env)
}

// fly advances the clock far enough for any route to land and ticks the
// message's flight.
func (h *harness) fly(t *testing.T, flightID string) {
	t.Helper()
	h.clk.Advance(10 * time.Minute)
	_, err := h.sim.Tick(flightID)
	require.NoError(t, err)
}

// ============================================================
// Health and auth
// ============================================================

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	health := decode[shared.HealthStatus](t, env)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Details["database"])
	assert.Equal(t, "healthy", health.Details["nats"])
	assert.Equal(t, "0", health.Details["push_subscribers"])
	assert.Contains(t, health.Details, "db_open_connections")
}

func TestRequiresToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.srv.URL+"/api/v1/routes", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPut, "/api/v1/flights", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", env.Error.Code)
}

// ============================================================
// Routes
// ============================================================

func TestCalculateRoute(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/v1/routes", ontology.RouteRequest{Start: newYork, End: london})
	require.Equal(t, http.StatusOK, code)

	route := decode[ontology.PathResult](t, env)
	assert.InEpsilon(t, 5570.0, route.TotalDistance, 0.02)
	assert.Equal(t, len(route.Path), len(route.Waypoints))
}

func TestCalculateRouteInvalidCoordinate(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/v1/routes", ontology.RouteRequest{
		Start: ontology.Coordinate{Latitude: 91, Longitude: 0},
		End:   london,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_COORDINATE", env.Error.Code)
}

func TestRecalculateRoute(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/v1/routes/recalculate", ontology.RecalculateRouteRequest{
		Current: newYork,
		End:     london,
		Avoid:   []ontology.Coordinate{{Latitude: 47, Longitude: -40}},
	})
	require.Equal(t, http.StatusOK, code, "%+v", env.Error)

	route := decode[ontology.PathResult](t, env)
	assert.Equal(t, newYork.Latitude, route.Waypoints[0].Coordinate.Latitude)
	assert.Equal(t, london.Latitude, route.Waypoints[len(route.Waypoints)-1].Coordinate.Latitude)
}

// ============================================================
// Messages and flights
// ============================================================

func TestCreateMessageValidation(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/v1/messages", ontology.CreateMessageRequest{SenderID: "alice"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_REQUEST", env.Error.Code)

	code, env = h.do(t, http.MethodPost, "/api/v1/messages", ontology.CreateMessageRequest{
		SenderID: "alice", RecipientID: "bob",
		Origin:      ontology.Coordinate{Latitude: 10, Longitude: 200},
		Destination: london,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_COORDINATE", env.Error.Code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/messages?message_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFlightLifecycle(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	code, env := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	snap := decode[ontology.FlightSnapshot](t, env)
	assert.Equal(t, ontology.FlightEnroute, snap.Status)
	assert.InEpsilon(t, 5570.0, snap.TotalDistance, 0.02)

	code, env = h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", env.Error.Code)

	code, env = h.do(t, http.MethodGet, "/api/v1/flights?message_id="+msg.MessageID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, snap.FlightID, decode[ontology.FlightSnapshot](t, env).FlightID)

	h.fly(t, snap.FlightID)

	require.Eventually(t, func() bool {
		m, err := h.store.GetMessage(context.Background(), msg.MessageID)
		return err == nil && m.Status == ontology.MessageDelivered
	}, 10*time.Second, 50*time.Millisecond)

	code, env = h.do(t, http.MethodGet, "/api/v1/flights?message_id="+msg.MessageID, nil)
	require.Equal(t, http.StatusOK, code, "finished flight is readable during the grace period")
	landed := decode[ontology.FlightSnapshot](t, env)
	assert.Equal(t, ontology.FlightDelivered, landed.Status)
	assert.Equal(t, 100.0, landed.ProgressPercentage)

	code, env = h.do(t, http.MethodGet, "/api/v1/users/stats?user_id=bob", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decode[ontology.UserStats](t, env)
	assert.Equal(t, 1, stats.MessagesReceived)

	code, env = h.do(t, http.MethodGet, "/api/v1/users/journey?user_id=alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]ontology.JourneyEntry](t, env), 1)

	require.Eventually(t, func() bool {
		code, env := h.do(t, http.MethodGet, "/api/v1/notifications?user_id=bob", nil)
		if code != http.StatusOK {
			return false
		}
		// message-delivered plus the first-message reward
		return len(decode[[]ontology.Notification](t, env)) == 2
	}, 10*time.Second, 100*time.Millisecond)

	code, _ = h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	assert.Equal(t, http.StatusConflict, code, "a delivered message cannot fly again")
}

func TestStartFlightWithExplicitCoordinates(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	paris := ontology.Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	code, env := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{
		MessageID: msg.MessageID,
		End:       &paris,
	})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	snap := decode[ontology.FlightSnapshot](t, env)
	last := snap.Route[len(snap.Route)-1].Coordinate
	assert.Equal(t, paris.Latitude, last.Latitude)
	assert.Equal(t, newYork.Latitude, snap.Route[0].Coordinate.Latitude)
}

func TestStartFlightUnknownMessage(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: "ghost"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStartFlightRestoresMessageWhenGrounded(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)
	h.sim.Stop()

	code, env := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "SHUTTING_DOWN", env.Error.Code)

	got, err := h.store.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ontology.MessageDraft, got.Status)
	assert.Empty(t, got.FlightID, "no flight id is left behind for a flight that never ran")
	assert.Zero(t, got.TotalDistance)
}

func TestConcurrentStartsLaunchOneFlight(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	codes := make(chan int, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
			codes <- code
		}()
	}
	wg.Wait()
	close(codes)

	created := 0
	for code := range codes {
		if code == http.StatusCreated {
			created++
		} else {
			assert.Equal(t, http.StatusConflict, code)
		}
	}
	assert.Equal(t, 1, created)

	snap, ok := h.sim.SnapshotByMessage(msg.MessageID)
	require.True(t, ok)
	got, err := h.store.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, snap.FlightID, got.FlightID, "the row names the flight that is running")
}

func TestCancelFlight(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	code, _ := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	require.Equal(t, http.StatusCreated, code)

	code, env := h.do(t, http.MethodDelete, "/api/v1/flights?message_id="+msg.MessageID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, decode[map[string]interface{}](t, env)["cancelled"])

	code, env = h.do(t, http.MethodDelete, "/api/v1/flights?message_id="+msg.MessageID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, decode[map[string]interface{}](t, env)["cancelled"], "second cancel is a no-op")

	code, _ = h.do(t, http.MethodGet, "/api/v1/flights?message_id="+msg.MessageID, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = h.do(t, http.MethodGet, "/api/v1/flights", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]ontology.FlightSnapshot](t, env))
}

// ============================================================
// Deliveries
// ============================================================

func TestRecoverAndReprocess(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	// A flight that landed while the process was down: flying at 100%.
	require.NoError(t, h.store.BeginFlight(context.Background(), msg.MessageID, "f-old", 5570, time.Now()))
	require.NoError(t, h.store.RecordFlightProgress(context.Background(), msg.MessageID, 100, time.Now()))

	code, env := h.do(t, http.MethodPost, "/api/v1/deliveries/recover", nil)
	require.Equal(t, http.StatusOK, code, "%+v", env.Error)
	assert.Equal(t, 1, decode[map[string]int](t, env)["processed"])

	code, env = h.do(t, http.MethodGet, "/api/v1/deliveries/pending", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]ontology.DeliveryAttempt](t, env))

	code, _ = h.do(t, http.MethodPost, "/api/v1/deliveries/reprocess?message_id="+msg.MessageID, nil)
	assert.Equal(t, http.StatusOK, code, "reprocessing a delivered message is a no-op")

	code, _ = h.do(t, http.MethodPost, "/api/v1/deliveries/reprocess?message_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/deliveries/reprocess", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// ============================================================
// Push stream
// ============================================================

func TestFlightStream(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	code, env := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	require.Equal(t, http.StatusCreated, code)
	snap := decode[ontology.FlightSnapshot](t, env)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") +
		"/api/v1/flights/stream?message_id=" + msg.MessageID + "&subscriber_id=tab-1&access_token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var first shared.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventFlightSnapshot, first.Type)

	h.fly(t, snap.FlightID)

	var types []string
	for {
		var ev shared.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
		assert.Equal(t, msg.MessageID, ev.Data["message_id"])
	}
	assert.Contains(t, types, notifications.EventFlightDelivered)
	assert.Equal(t, notifications.EventFlightDelivered, types[len(types)-1], "stream closes after delivery")
}

func TestFlightStreamAfterDeliveryCloses(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	code, env := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	require.Equal(t, http.StatusCreated, code)
	h.fly(t, decode[ontology.FlightSnapshot](t, env).FlightID)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") +
		"/api/v1/flights/stream?message_id=" + msg.MessageID + "&access_token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first shared.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventFlightSnapshot, first.Type)

	var next shared.Event
	err = conn.ReadJSON(&next)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestFlightStreamReusedSubscriberID(t *testing.T) {
	h := newHarness(t)
	msg := h.createMessage(t, newYork, london)

	code, env := h.do(t, http.MethodPost, "/api/v1/flights", ontology.StartFlightRequest{MessageID: msg.MessageID})
	require.Equal(t, http.StatusCreated, code)
	snap := decode[ontology.FlightSnapshot](t, env)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") +
		"/api/v1/flights/stream?message_id=" + msg.MessageID + "&subscriber_id=tab-1&access_token=" + testToken
	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		var first shared.Event
		require.NoError(t, conn.ReadJSON(&first))
		return conn
	}

	older := dial()
	newer := dial()
	defer newer.Close()
	require.NoError(t, older.Close())

	// Wait for the server to notice the older connection going away.
	time.Sleep(200 * time.Millisecond)
	h.fly(t, snap.FlightID)

	var types []string
	for {
		var ev shared.Event
		if err := newer.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, notifications.EventFlightDelivered, "the newer stream keeps its forward")
}

func TestFlightStreamNeedsMessage(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodGet, "/api/v1/flights/stream", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "MISSING_MESSAGE_ID", env.Error.Code)
}
