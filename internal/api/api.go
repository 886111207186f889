// Package api exposes the server's HTTP surface: world management,
// inter-world connections, transfer history, peer discovery, the
// remote-transfer wire endpoint, and the WebSocket state stream.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/connections"
	"github.com/mbolaris/tank-sub003/internal/events"
	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/federation"
	"github.com/mbolaris/tank-sub003/internal/hub"
	"github.com/mbolaris/tank-sub003/internal/limits"
	"github.com/mbolaris/tank-sub003/internal/migration"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/snapshot"
	"github.com/mbolaris/tank-sub003/internal/world"
)

// maxRequestBody caps every JSON request body read by the API.
const maxRequestBody = 4 << 20

// Config carries everything the HTTP layer needs. The service pointers
// are required; Limiter may be nil to disable request rate limiting.
type Config struct {
	ServerID                 string
	Version                  string
	StartedAt                time.Time
	TransfersEnabled         bool
	DiscoveryKey             string
	AllowPrivateRegistration bool
	Production               bool
	AllowedOrigins           []string
	SnapshotKeep             int

	Worlds      *world.Manager
	Connections *connections.Store
	History     *migration.History
	Discovery   *federation.Discovery
	Hub         *hub.Hub
	Snapshots   *snapshot.Store
	Monitor     *monitoring.SystemMonitor
	Bus         *events.Bus
	ConnCap     *limits.IPConnCap
	Limiter     *limits.RequestRateLimiter
	Logger      zerolog.Logger
}

// Handler serves the REST and WebSocket endpoints.
type Handler struct {
	cfg       Config
	worlds    *world.Manager
	conns     *connections.Store
	history   *migration.History
	discovery *federation.Discovery
	hub       *hub.Hub
	snapshots *snapshot.Store
	monitor   *monitoring.SystemMonitor
	bus       *events.Bus
	connCap   *limits.IPConnCap
	limiter   *limits.RequestRateLimiter
	logger    zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = 5
	}
	return &Handler{
		cfg:       cfg,
		worlds:    cfg.Worlds,
		conns:     cfg.Connections,
		history:   cfg.History,
		discovery: cfg.Discovery,
		hub:       cfg.Hub,
		snapshots: cfg.Snapshots,
		monitor:   cfg.Monitor,
		bus:       cfg.Bus,
		connCap:   cfg.ConnCap,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// Routes builds the full route table wrapped in CORS and, when a
// limiter is configured, per-IP rate limiting on /api/ paths.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/worlds", h.createWorld)
	mux.HandleFunc("GET /api/worlds", h.listWorlds)
	mux.HandleFunc("GET /api/worlds/types", h.listWorldTypes)
	mux.HandleFunc("GET /api/worlds/{id}", h.getWorld)
	mux.HandleFunc("DELETE /api/worlds/{id}", h.deleteWorld)
	mux.HandleFunc("POST /api/worlds/{id}/step", h.stepWorld)
	mux.HandleFunc("POST /api/worlds/{id}/save", h.saveWorld)
	mux.HandleFunc("GET /api/worlds/{id}/snapshots", h.listSnapshots)

	mux.HandleFunc("GET /api/connections", h.listConnections)
	mux.HandleFunc("POST /api/connections", h.addConnection)
	mux.HandleFunc("DELETE /api/connections/{id}", h.removeConnection)

	mux.HandleFunc("POST /api/remote-transfer", h.remoteTransfer)
	mux.HandleFunc("GET /api/transfers", h.listTransfers)
	mux.HandleFunc("GET /api/transfers/{id}", h.getTransfer)

	mux.HandleFunc("POST /api/discovery/register", h.registerServer)
	mux.HandleFunc("POST /api/discovery/heartbeat/{server_id}", h.heartbeatServer)
	mux.HandleFunc("GET /api/discovery/servers", h.listServers)
	mux.HandleFunc("DELETE /api/discovery/unregister/{server_id}", h.unregisterServer)

	mux.HandleFunc("GET /api/status", h.serverStatus)
	mux.HandleFunc("GET /api/ping", h.ping)

	mux.HandleFunc("GET /ws", h.serveWS)
	mux.HandleFunc("GET /ws/{world_id}", h.serveWS)

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", monitoring.MetricsHandler())

	var root http.Handler = mux
	root = h.rateLimit(root)
	root = h.corsMiddleware(root)
	return root
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Discovery-Key"},
	}
	if h.cfg.Production && len(h.cfg.AllowedOrigins) > 0 {
		opts.AllowedOrigins = h.cfg.AllowedOrigins
	} else {
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.New(opts).Handler(next)
}

// rateLimit guards the /api/ tree only; WebSocket, health, and metrics
// traffic is never throttled.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !h.limiter.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeFault maps a fault code onto its HTTP status and writes the
// error in the {"error", "message", "context"} wire shape.
func (h *Handler) writeFault(w http.ResponseWriter, ferr *fault.Error) {
	writeJSON(w, httpStatus(ferr.Code), ferr)
}

func httpStatus(code fault.Code) int {
	switch code {
	case fault.WorldNotFound, fault.ConnectionNotFound, fault.TransferNotFound, fault.UnknownServer:
		return http.StatusNotFound
	case fault.NoRootSpots:
		return http.StatusConflict
	case fault.TransfersDisabled:
		return http.StatusForbidden
	case fault.InvalidPayload, fault.UnknownType:
		return http.StatusBadRequest
	case fault.DegradedRunner:
		return http.StatusServiceUnavailable
	case fault.UnreachableServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body into dst. An empty body decodes to
// the zero value so handlers can apply their own field validation.
func readJSON(r *http.Request, dst any) *fault.Error {
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fault.Errorf(fault.InvalidPayload, "malformed request body: %v", err)
}

// clientIP prefers the first X-Forwarded-For hop so limits hold behind
// a reverse proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
