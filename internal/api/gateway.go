// Package api exposes the operator-facing HTTP surface: health, worker
// status, and read-only access to cached epoch snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/datastore"
	"github.com/network-contribution-rewards/ncr/internal/export"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/scheduler"
)

// StatusProvider reports the worker's persisted scheduling state.
type StatusProvider interface {
	State() *scheduler.State
	InFailureState() bool
}

// SnapshotReader serves cached epoch snapshots.
type SnapshotReader interface {
	Load(ctx context.Context, epoch uint64) (*datastore.CachedSnapshot, error)
}

// Gateway is the operator HTTP endpoint.
type Gateway interface {
	Start(ctx context.Context, addr string) error
	Stop(ctx context.Context) error
}

// HTTPGateway implements Gateway on top of gorilla/mux.
type HTTPGateway struct {
	server  *http.Server
	cfg     config.ServerConfig
	status  StatusProvider
	cache   SnapshotReader
	logger  logging.Logger
	limiter *RateLimiter
	router  *mux.Router
}

// RateLimiter applies per-IP request limits.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}
	return limiter.Allow()
}

// NewHTTPGateway creates the operator gateway.
func NewHTTPGateway(cfg config.ServerConfig, status StatusProvider, cache SnapshotReader, logger logging.Logger) *HTTPGateway {
	g := &HTTPGateway{
		cfg:     cfg,
		status:  status,
		cache:   cache,
		logger:  logger,
		limiter: NewRateLimiter(rate.Every(time.Minute/100), 10),
		router:  mux.NewRouter(),
	}
	g.setupRoutes()
	return g
}

func (g *HTTPGateway) setupRoutes() {
	g.router.HandleFunc("/healthz", g.healthHandler).Methods(http.MethodGet)

	v1 := g.router.PathPrefix("/v1").Subrouter()
	v1.Use(g.rateLimitMiddleware, corsMiddleware)
	v1.HandleFunc("/status", g.statusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/epochs/{epoch}/stats", g.epochStatsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/epochs/{epoch}/links", g.epochLinksHandler).Methods(http.MethodGet)
	v1.HandleFunc("/epochs/{epoch}/demands", g.epochDemandsHandler).Methods(http.MethodGet)
}

// Handler exposes the router, mostly for tests.
func (g *HTTPGateway) Handler() http.Handler {
	return g.router
}

// Start begins serving on addr. It returns immediately; serve errors
// are logged from the background goroutine.
func (g *HTTPGateway) Start(ctx context.Context, addr string) error {
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.router,
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g.logger.Info(ctx, "starting operator gateway", zap.String("addr", addr))

	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error(ctx, "operator gateway serve error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (g *HTTPGateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info(ctx, "stopping operator gateway")
	return g.server.Shutdown(ctx)
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StatusResponse reports the worker's scheduling state.
type StatusResponse struct {
	LastProcessedEpoch  *uint64   `json:"last_processed_epoch,omitempty"`
	LastCheckTime       time.Time `json:"last_check_time"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	Halted              bool      `json:"halted"`
}

func (g *HTTPGateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.Allow(clientIP(r)) {
			g.writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}

func (g *HTTPGateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "ncr-worker",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *HTTPGateway) statusHandler(w http.ResponseWriter, r *http.Request) {
	state := g.status.State()
	if state == nil {
		g.writeError(w, http.StatusServiceUnavailable, "STATE_UNAVAILABLE", "Worker state not loaded yet", nil)
		return
	}
	g.writeJSON(w, http.StatusOK, StatusResponse{
		LastProcessedEpoch:  state.LastProcessedEpoch,
		LastCheckTime:       state.LastCheckTime,
		LastSuccessTime:     state.LastSuccessTime,
		ConsecutiveFailures: state.ConsecutiveFailures,
		Halted:              g.status.InFailureState(),
	})
}

func (g *HTTPGateway) epochStatsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := g.loadSnapshot(w, r)
	if !ok {
		return
	}
	if snapshot.Metrics == nil {
		g.writeError(w, http.StatusNotFound, "STATS_NOT_FOUND", "Snapshot has no processed metrics", nil)
		return
	}

	if formatName := r.URL.Query().Get("format"); formatName != "" && formatName != "json" {
		format, err := export.ParseFormat(formatName)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "INVALID_FORMAT", err.Error(), nil)
			return
		}
		if format == export.FormatCSV {
			w.Header().Set("Content-Type", "text/csv")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		if err := export.New(format).WriteLinkStats(w, snapshot.Metrics.LinkStats); err != nil {
			g.logger.Error(r.Context(), "failed to render stats", zap.Error(err))
		}
		return
	}

	g.writeJSON(w, http.StatusOK, snapshot.Metrics)
}

func (g *HTTPGateway) epochLinksHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := g.loadSnapshot(w, r)
	if !ok {
		return
	}
	if snapshot.Inputs == nil {
		g.writeError(w, http.StatusNotFound, "INPUTS_NOT_FOUND", "Snapshot has no allocation inputs", nil)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"private_links": snapshot.Inputs.PrivateLinks,
		"public_links":  snapshot.Inputs.PublicLinks,
		"count":         len(snapshot.Inputs.PrivateLinks),
	})
}

func (g *HTTPGateway) epochDemandsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := g.loadSnapshot(w, r)
	if !ok {
		return
	}
	if snapshot.Inputs == nil {
		g.writeError(w, http.StatusNotFound, "INPUTS_NOT_FOUND", "Snapshot has no allocation inputs", nil)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"demands": snapshot.Inputs.Demands,
		"count":   len(snapshot.Inputs.Demands),
	})
}

// loadSnapshot resolves the {epoch} path variable and loads its
// snapshot, writing the error response itself on failure.
func (g *HTTPGateway) loadSnapshot(w http.ResponseWriter, r *http.Request) (*datastore.CachedSnapshot, bool) {
	raw := mux.Vars(r)["epoch"]
	epoch, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || epoch == 0 {
		g.writeError(w, http.StatusBadRequest, "INVALID_EPOCH", fmt.Sprintf("Invalid epoch %q", raw), nil)
		return nil, false
	}

	snapshot, err := g.cache.Load(r.Context(), epoch)
	switch {
	case err == nil:
		return snapshot, true
	case errors.Is(err, datastore.ErrNotFound):
		g.writeError(w, http.StatusNotFound, "EPOCH_NOT_FOUND", "No snapshot for epoch", map[string]interface{}{
			"epoch": epoch,
		})
	case errors.Is(err, datastore.ErrCorrupt):
		g.logger.Error(r.Context(), "snapshot unreadable", zap.Uint64("epoch", epoch), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "SNAPSHOT_CORRUPT", "Snapshot failed validation", map[string]interface{}{
			"epoch": epoch,
		})
	default:
		g.logger.Error(r.Context(), "snapshot load failed", zap.Uint64("epoch", epoch), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load snapshot", nil)
	}
	return nil, false
}

func (g *HTTPGateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error(context.Background(), "failed to encode response", zap.Error(err))
	}
}

func (g *HTTPGateway) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	g.writeJSON(w, statusCode, ErrorResponse{Code: code, Message: message, Details: details})
}
