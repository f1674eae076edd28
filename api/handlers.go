package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"skycourier/api/middleware"
	"skycourier/api/services"
	"skycourier/db"
	"skycourier/pkg/delivery"
	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
	"skycourier/pkg/routing"
	"skycourier/pkg/services/push"
	"skycourier/pkg/shared"
	"skycourier/pkg/simulation"
)

// HealthChecker is implemented by the embedded NATS server.
type HealthChecker interface {
	HealthCheck() error
}

// Dependencies wires the handlers to the services behind them.
type Dependencies struct {
	Flights  *services.FlightService
	Messages *services.MessageService
	Users    *services.UserService
	Hub      *push.Hub
	Database *db.Service
	Token    string
	Logger   *logger.Logger
}

type Handlers struct {
	flights  *services.FlightService
	messages *services.MessageService
	users    *services.UserService
	hub      *push.Hub
	database *db.Service
	token    string
	lg       *logger.Logger
	started  time.Time
}

func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		flights:  deps.Flights,
		messages: deps.Messages,
		users:    deps.Users,
		hub:      deps.Hub,
		database: deps.Database,
		token:    deps.Token,
		lg:       deps.Logger,
		started:  time.Now(),
	}
}

// Route handlers
func (h *Handlers) CalculateRoute(w http.ResponseWriter, r *http.Request) {
	var req ontology.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.flights.CalculateRoute(req.Start, req.End)
	if err != nil {
		h.sendServiceError(w, err, "ROUTE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, result)
}

func (h *Handlers) RecalculateRoute(w http.ResponseWriter, r *http.Request) {
	var req ontology.RecalculateRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.flights.RecalculateRoute(req.Current, req.End, req.Avoid)
	if err != nil {
		h.sendServiceError(w, err, "ROUTE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, result)
}

// Message handlers
func (h *Handlers) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req ontology.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	msg, err := h.messages.CreateMessage(r.Context(), &req)
	if err != nil {
		h.sendServiceError(w, err, "CREATE_FAILED")
		return
	}

	sendSuccess(w, http.StatusCreated, msg)
}

func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")

	msg, err := h.messages.GetMessage(r.Context(), messageID)
	if err != nil {
		h.sendServiceError(w, err, "GET_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, msg)
}

func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_PARAMS", "message_id or user_id is required")
		return
	}

	msgs, err := h.messages.ListMessages(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.sendServiceError(w, err, "LIST_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, msgs)
}

// Flight handlers
func (h *Handlers) StartFlight(w http.ResponseWriter, r *http.Request) {
	var req ontology.StartFlightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	snap, err := h.flights.StartFlight(r.Context(), &req)
	if err != nil {
		h.sendServiceError(w, err, "START_FAILED")
		return
	}

	sendSuccess(w, http.StatusCreated, snap)
}

func (h *Handlers) GetFlightProgress(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")

	snap, err := h.flights.GetFlightProgress(messageID)
	if err != nil {
		h.sendServiceError(w, err, "GET_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, snap)
}

func (h *Handlers) ListFlights(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.flights.ActiveFlights())
}

func (h *Handlers) CancelFlight(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_MESSAGE_ID", "message_id is required")
		return
	}

	cancelled := h.flights.CancelFlight(messageID)
	sendSuccess(w, http.StatusOK, map[string]interface{}{
		"message_id": messageID,
		"cancelled":  cancelled,
	})
}

// Delivery handlers
func (h *Handlers) RecoverDeliveries(w http.ResponseWriter, r *http.Request) {
	n, err := h.flights.ProcessPendingDeliveries(r.Context())
	if err != nil {
		h.sendServiceError(w, err, "RECOVERY_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, map[string]int{"processed": n})
}

func (h *Handlers) ReprocessDelivery(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")

	if err := h.flights.Reprocess(r.Context(), messageID); err != nil {
		h.sendServiceError(w, err, "REPROCESS_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, map[string]string{"message_id": messageID, "status": "delivered"})
}

func (h *Handlers) PendingDeliveries(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.flights.PendingRetries())
}

// User handlers
func (h *Handlers) GetUserStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_USER_ID", "user_id is required")
		return
	}

	stats, err := h.users.GetStats(r.Context(), userID)
	if err != nil {
		h.sendServiceError(w, err, "GET_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, stats)
}

func (h *Handlers) ListJourney(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_USER_ID", "user_id is required")
		return
	}

	entries, err := h.users.ListJourney(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.sendServiceError(w, err, "LIST_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, entries)
}

func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_USER_ID", "user_id is required")
		return
	}

	notifications, err := h.users.ListNotifications(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.sendServiceError(w, err, "LIST_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, notifications)
}

// Health check
func (h *Handlers) HealthCheck(nats HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := shared.HealthStatus{
			Status:    "healthy",
			Service:   "skycourier",
			Uptime:    time.Since(h.started),
			Timestamp: time.Now(),
			Details:   make(map[string]string),
		}

		if err := h.database.Health(); err != nil {
			health.Status = "unhealthy"
			health.Details["database"] = "unhealthy: " + err.Error()
		} else {
			health.Details["database"] = "healthy"
		}

		if err := nats.HealthCheck(); err != nil {
			health.Status = "unhealthy"
			health.Details["nats"] = "unhealthy: " + err.Error()
		} else {
			health.Details["nats"] = "healthy"
		}

		health.Details["active_flights"] = strconv.Itoa(len(h.flights.ActiveFlights()))
		health.Details["pending_retries"] = strconv.Itoa(len(h.flights.PendingRetries()))
		health.Details["push_subscribers"] = strconv.Itoa(len(h.hub.Subscribers()))
		health.Details["db_open_connections"] = strconv.Itoa(h.database.GetStats().OpenConnections)

		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}

		sendSuccess(w, statusCode, health)
	}
}

// sendServiceError maps service errors onto HTTP statuses.
func (h *Handlers) sendServiceError(w http.ResponseWriter, err error, fallbackCode string) {
	switch {
	case errors.Is(err, routing.ErrInvalidCoordinate):
		sendError(w, http.StatusBadRequest, "INVALID_COORDINATE", err.Error())
	case errors.Is(err, routing.ErrInvalidSegment), errors.Is(err, services.ErrInvalidRequest):
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, shared.ErrMessageNotFound),
		errors.Is(err, shared.ErrUserNotFound),
		errors.Is(err, services.ErrFlightNotFound),
		errors.Is(err, simulation.ErrUnknownFlight):
		sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, shared.ErrMessageDelivered),
		errors.Is(err, simulation.ErrFlightExists),
		errors.Is(err, delivery.ErrDeliveryConflict):
		sendError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, simulation.ErrStopped):
		sendError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	default:
		h.lg.Errorf("[API] %s: %v", fallbackCode, err)
		sendError(w, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// Helper functions
func sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: true,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    code,
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(response)
}

func methodNotAllowed(w http.ResponseWriter) {
	sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

// RegisterRoutes sets up all API routes
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, nats HealthChecker) {
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return middleware.BearerAuth(h.token, next)
	}

	// Health check (no auth required)
	mux.HandleFunc("/health", h.HealthCheck(nats))

	mux.HandleFunc("/api/v1/routes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		auth(h.CalculateRoute)(w, r)
	})

	mux.HandleFunc("/api/v1/routes/recalculate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		auth(h.RecalculateRoute)(w, r)
	})

	mux.HandleFunc("/api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			auth(h.CreateMessage)(w, r)
		case http.MethodGet:
			if r.URL.Query().Get("message_id") != "" {
				auth(h.GetMessage)(w, r)
			} else {
				auth(h.ListMessages)(w, r)
			}
		default:
			methodNotAllowed(w)
		}
	})

	mux.HandleFunc("/api/v1/flights", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			auth(h.StartFlight)(w, r)
		case http.MethodGet:
			if r.URL.Query().Get("message_id") != "" {
				auth(h.GetFlightProgress)(w, r)
			} else {
				auth(h.ListFlights)(w, r)
			}
		case http.MethodDelete:
			auth(h.CancelFlight)(w, r)
		default:
			methodNotAllowed(w)
		}
	})

	mux.HandleFunc("/api/v1/flights/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.StreamFlight)(w, r)
	})

	mux.HandleFunc("/api/v1/deliveries/recover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		auth(h.RecoverDeliveries)(w, r)
	})

	mux.HandleFunc("/api/v1/deliveries/reprocess", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		auth(h.ReprocessDelivery)(w, r)
	})

	mux.HandleFunc("/api/v1/deliveries/pending", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.PendingDeliveries)(w, r)
	})

	mux.HandleFunc("/api/v1/users/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.GetUserStats)(w, r)
	})

	mux.HandleFunc("/api/v1/users/journey", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.ListJourney)(w, r)
	})

	mux.HandleFunc("/api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.ListNotifications)(w, r)
	})
}
