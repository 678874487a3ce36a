package api

import (
	"encoding/json"
	"net/http"

	"github.com/keyroute/broker/internal/config"
	"github.com/keyroute/broker/internal/keeper"
	"github.com/keyroute/broker/internal/lifecycle"
	"github.com/keyroute/broker/internal/metering"
	"github.com/keyroute/broker/internal/registry"
	"github.com/keyroute/broker/internal/store"
	"github.com/keyroute/broker/internal/wireguard"
)

// knownRegions lists every deployed broker region; the edge steers by these.
var knownRegions = []string{"us-east", "us-west", "eu-central", "ap-southeast"}

// costPerHourUSD is the advertised price of one tunnel hour.
const costPerHourUSD = 0.10

// Server holds all dependencies for the HTTP API.
type Server struct {
	cfg        *config.Config
	reg        *registry.Registry
	keeper     keeper.Keeper
	wgManager  *wireguard.Manager
	engine     *metering.Engine
	supervisor *lifecycle.Supervisor
	audit      *store.AuditStore // nil disables audit logging
	mux        *http.ServeMux
}

// NewServer creates a new API server with all routes mounted.
func NewServer(
	cfg *config.Config,
	reg *registry.Registry,
	kp keeper.Keeper,
	wgManager *wireguard.Manager,
	engine *metering.Engine,
	supervisor *lifecycle.Supervisor,
	audit *store.AuditStore,
) *Server {
	s := &Server{
		cfg:        cfg,
		reg:        reg,
		keeper:     kp,
		wgManager:  wgManager,
		engine:     engine,
		supervisor: supervisor,
		audit:      audit,
		mux:        http.NewServeMux(),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/tunnel", s.handleCreateTunnel)
	s.mux.HandleFunc("GET /v1/tunnel/{id}", s.handleGetTunnel)
	s.mux.HandleFunc("DELETE /v1/tunnel/{id}", s.handleDeleteTunnel)
	s.mux.HandleFunc("GET /v1/tunnel/{id}/qr", s.handleGetTunnelQR)
	s.mux.HandleFunc("GET /v1/tunnels", s.handleListTunnels)
	s.mux.HandleFunc("GET /v1/regions", s.handleRegions)
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
}

// Handler returns the mux wrapped with middleware.
func (s *Server) Handler() http.Handler {
	rateLimiter := NewRateLimiter(100, defaultRateWindow)

	var handler http.Handler = s.mux
	if s.audit != nil {
		handler = AuditMiddleware(s.audit)(handler)
	}
	handler = rateLimiter.Middleware(handler)
	handler = LoggingMiddleware(handler)

	return handler
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
