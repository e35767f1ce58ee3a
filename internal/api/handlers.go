package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docdb-driver/drc/internal/endpoint"
	"github.com/docdb-driver/drc/internal/models"
	"github.com/docdb-driver/drc/internal/session"
	"github.com/docdb-driver/drc/internal/status"
	"github.com/docdb-driver/drc/internal/topology"
)

// TopologyReader is the part of the topology cache the API exposes.
type TopologyReader interface {
	Snapshot(collection string) (topology.View, bool)
	Refresh(ctx context.Context, collection string, observed uint64) (*topology.RoutingMap, error)
	Collections() []string
}

// SessionReader is the part of the session container the API exposes.
type SessionReader interface {
	Lookup(collection string) (*session.Store, bool)
	Collections() []string
}

// Handler serves the diagnostics API
type Handler struct {
	topology TopologyReader
	sessions SessionReader
	logger   *zap.Logger
	limiter  *RateLimiter
	ready    func() bool

	trustProxy bool
}

// Option configures a Handler
type Option func(*Handler)

// WithReadiness sets the check behind GET /ready.
func WithReadiness(ready func() bool) Option {
	return func(h *Handler) { h.ready = ready }
}

// WithRefreshLimit limits forced refreshes per client address.
func WithRefreshLimit(r rate.Limit, burst int) Option {
	return func(h *Handler) { h.limiter = NewRateLimiter(r, burst) }
}

// WithTrustedProxy keys the refresh limit on X-Forwarded-For and X-Real-IP
// instead of the connection address.
func WithTrustedProxy() Option {
	return func(h *Handler) { h.trustProxy = true }
}

// NewHandler creates a new diagnostics handler
func NewHandler(topo TopologyReader, sessions SessionReader, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		topology: topo,
		sessions: sessions,
		logger:   logger,
		// 60 forced refreshes per minute per client
		limiter: NewRateLimiter(rate.Every(time.Second), 5),
		ready:   func() bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a router with every diagnostics route registered.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers diagnostics routes with the router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)

	router.HandleFunc("/topology", h.ListTopology).Methods(http.MethodGet)
	router.HandleFunc("/topology/{collection}", h.GetTopology).Methods(http.MethodGet)
	router.HandleFunc("/topology/{collection}/refresh", h.rateLimit(h.RefreshTopology)).Methods(http.MethodPost)

	router.HandleFunc("/sessions/{collection}", h.GetSessions).Methods(http.MethodGet)

	router.HandleFunc("/endpoints/regional", h.DeriveEndpoint).Methods(http.MethodGet)
}

// TopologyResponse describes one collection's cached routing map.
type TopologyResponse struct {
	Collection  string                      `json:"collection"`
	Version     uint64                      `json:"version"`
	ETag        string                      `json:"etag"`
	Complete    bool                        `json:"complete"`
	Stale       bool                        `json:"stale"`
	StaleRanges []string                    `json:"stale_ranges,omitempty"`
	RefreshedAt time.Time                   `json:"refreshed_at"`
	Ranges      []*models.PartitionKeyRange `json:"ranges"`
}

func newTopologyResponse(collection string, view topology.View) TopologyResponse {
	return TopologyResponse{
		Collection:  collection,
		Version:     view.Map.Version(),
		ETag:        view.Map.ETag(),
		Complete:    view.Map.IsComplete(),
		Stale:       view.Stale,
		StaleRanges: view.StaleRanges,
		RefreshedAt: view.RefreshedAt,
		Ranges:      view.Map.Ranges(),
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "drc",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		h.writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Topology not primed", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ready",
		"service": "drc",
	})
}

// ListTopology handles GET /topology
func (h *Handler) ListTopology(w http.ResponseWriter, r *http.Request) {
	collections := h.topology.Collections()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collections": collections,
		"count":       len(collections),
	})
}

// GetTopology handles GET /topology/{collection}
func (h *Handler) GetTopology(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	view, ok := h.topology.Snapshot(collection)
	if !ok {
		h.writeError(w, http.StatusNotFound, "COLLECTION_NOT_CACHED", "No routing map cached for collection", map[string]interface{}{
			"collection": collection,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, newTopologyResponse(collection, view))
}

// RefreshTopology handles POST /topology/{collection}/refresh
func (h *Handler) RefreshTopology(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	var observed uint64
	if view, ok := h.topology.Snapshot(collection); ok {
		observed = view.Map.Version()
	}

	if _, err := h.topology.Refresh(r.Context(), collection, observed); err != nil {
		h.logger.Warn("Forced topology refresh failed", zap.String("collection", collection), zap.Error(err))
		code, statusCode := "REFRESH_FAILED", http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code, statusCode = "REFRESH_TIMEOUT", http.StatusGatewayTimeout
		}
		h.writeError(w, statusCode, code, "Topology refresh failed", map[string]interface{}{
			"collection": collection,
			"error":      err.Error(),
		})
		return
	}

	view, ok := h.topology.Snapshot(collection)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Routing map missing after refresh", nil)
		return
	}
	h.logger.Info("Forced topology refresh", zap.String("collection", collection), zap.Uint64("version", view.Map.Version()))
	h.writeJSON(w, http.StatusOK, newTopologyResponse(collection, view))
}

// GetSessions handles GET /sessions/{collection}
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	store, ok := h.sessions.Lookup(collection)
	if !ok {
		h.writeError(w, http.StatusNotFound, "NO_SESSION", "No session tokens recorded for collection", map[string]interface{}{
			"collection": collection,
		})
		return
	}

	tokens := store.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collection": collection,
		"tokens":     tokens,
		"count":      len(tokens),
	})
}

// DeriveEndpoint handles GET /endpoints/regional?endpoint=&region=
func (h *Handler) DeriveEndpoint(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	global, region := query.Get("endpoint"), query.Get("region")
	if global == "" || region == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "endpoint and region are required", nil)
		return
	}

	regional, err := endpoint.DeriveRegionalEndpoint(global, region)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_ENDPOINT_FORMAT", "Cannot derive regional endpoint", map[string]interface{}{
			"error":           err.Error(),
			"status_code":     status.StatusBadRequest,
			"sub_status_code": status.SubStatusInvalidEndpointFormat,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, endpoint.Endpoint{Region: endpoint.NormalizeRegion(region), URL: regional})
}

// rateLimit applies per-client rate limiting
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(h.clientIP(r)) {
			h.writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded", nil)
			return
		}
		next(w, r)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	h.writeJSON(w, statusCode, ErrorResponse{Code: code, Message: message, Details: details})
}

// maxIdleClients is the number of tracked clients above which clients that
// have recovered their full burst are forgotten.
const maxIdleClients = 1024

// RateLimiter implements per-client rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// Allow checks if a request from the given client is allowed
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[client]
	if !exists {
		if len(rl.limiters) >= maxIdleClients {
			rl.sweep(time.Now())
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[client] = limiter
	}
	return limiter.Allow()
}

// sweep drops clients whose bucket is full again; a fresh limiter would
// behave the same for them.
func (rl *RateLimiter) sweep(now time.Time) {
	for client, limiter := range rl.limiters {
		if limiter.TokensAt(now) >= float64(rl.burst) {
			delete(rl.limiters, client)
		}
	}
}

// Len returns the number of clients currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// clientIP extracts the client address from the request. Forwarding headers
// are only honoured behind a trusted proxy.
func (h *Handler) clientIP(r *http.Request) string {
	if h.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
