// Package httpapi is the C10 HTTP(S) control surface: a thin
// request/response layer over configstore, modestate, mode, routing,
// firewall, health, and tunnel — argument parsing and wgerr.Kind-to-
// status mapping only, no business logic of its own. Grounded on
// malbeclabs-doublezero's telemetry/state-ingest/pkg/server (net/http +
// http.ServeMux, slog, header-based auth middleware shape); JWT HS256
// replaces that teacher's ed25519 request signing since spec.md's
// auth model is a bearer token issued from a password, not per-request
// device signatures.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"wgrouterd/configstore"
	"wgrouterd/firewall"
	"wgrouterd/health"
	"wgrouterd/mode"
	"wgrouterd/modestate"
	"wgrouterd/routing"
	"wgrouterd/tunnel"
	"wgrouterd/wgerr"
)

// Server owns the HTTP mux and every control-plane collaborator its
// handlers dispatch to.
type Server struct {
	ConfigStore *configstore.Store
	ModeStore   *modestate.Store
	Mode        *mode.Controller
	Routing     *routing.Engine
	Firewall    *firewall.Manager
	Health      *health.Monitor
	Tunnel      *tunnel.Manager
	AllowedIPs  routing.AllowedIPsSetter
	WGIface     string
	Logger      *slog.Logger

	jwtKey []byte
}

// New returns a Server with a fresh process-ephemeral JWT signing key
// (spec.md §4.8 — regenerated every startup, so tokens never survive a
// restart).
func New(cfgStore *configstore.Store, modeStore *modestate.Store, ctrl *mode.Controller, eng *routing.Engine, fw *firewall.Manager, mon *health.Monitor, tun *tunnel.Manager, setter routing.AllowedIPsSetter, wgIface string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, wgerr.Wrap(wgerr.External, "generate jwt signing key", err)
	}
	return &Server{
		ConfigStore: cfgStore,
		ModeStore:   modeStore,
		Mode:        ctrl,
		Routing:     eng,
		Firewall:    fw,
		Health:      mon,
		Tunnel:      tun,
		AllowedIPs:  setter,
		WGIface:     wgIface,
		Logger:      logger,
		jwtKey:      key,
	}, nil
}

// Mux builds the request router. Exposed separately from Run so tests
// can exercise handlers via httptest without binding a socket.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/token", s.handleToken)
	mux.HandleFunc("GET /api/init/status", s.handleInitStatus)
	mux.HandleFunc("GET /api/init/info", s.handleInitInfo)
	mux.HandleFunc("POST /api/init", s.handleInit)

	mux.HandleFunc("GET /api/network/summary", s.requireAuth(s.handleNetworkSummary))
	mux.HandleFunc("PATCH /api/network/config", s.requireAuth(s.handleNetworkConfig))
	mux.HandleFunc("POST /api/network/reserve/address", s.requireAuth(s.handleReserveAddress))

	mux.HandleFunc("POST /api/wireguard/status", s.requireAuth(s.handleWireguardStatus))

	mux.HandleFunc("GET /api/mode", s.requireAuth(s.handleModeGet))
	mux.HandleFunc("PATCH /api/mode", s.requireAuth(s.handleModePatch))
	mux.HandleFunc("PATCH /api/mode/toggle", s.requireAuth(s.handleModePatch))
	mux.HandleFunc("GET /api/mode/can-switch", s.requireAuth(s.handleModeCanSwitch))
	mux.HandleFunc("PATCH /api/mode/peer-route-status", s.requireAuth(s.handlePeerRouteStatus))
	mux.HandleFunc("GET /api/mode/exit-node", s.requireAuth(s.handleExitNode))

	mux.HandleFunc("POST /api/peer/control", s.requireAuth(s.handlePeerControl))
	mux.HandleFunc("GET /api/peer/lan-access", s.requireAuth(s.handlePeerLanAccessGet))
	mux.HandleFunc("PATCH /api/peer/lan-access", s.requireAuth(s.handlePeerLanAccessPatch))

	mux.HandleFunc("GET /api/router-mode/auto-failover", s.requireAuth(s.handleAutoFailoverGet))
	mux.HandleFunc("POST /api/router-mode/auto-failover", s.requireAuth(s.handleAutoFailoverPost))

	mux.HandleFunc("GET /api/system/logs", s.requireAuth(s.handleSystemLogs))

	return mux
}

// Run serves the API over listener until ctx is cancelled.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.Mux()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	err := srv.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		return wgerr.Wrap(wgerr.External, "serve http api", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a wgerr.Kind to the HTTP status spec.md §8 assigns it.
func statusFor(k wgerr.Kind) int {
	switch k {
	case wgerr.Invalid:
		return http.StatusBadRequest
	case wgerr.Forbidden:
		return http.StatusForbidden
	case wgerr.NotFound:
		return http.StatusNotFound
	case wgerr.Conflict, wgerr.AlreadyExists:
		return http.StatusConflict
	case wgerr.InterfaceMissing:
		return http.StatusServiceUnavailable
	default: // PersistenceCorrupt, External, Unknown
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var field string
	if fe, ok := err.(*wgerr.Error); ok {
		field = fe.Field
	}
	writeJSON(w, statusFor(wgerr.KindOf(err)), errorResponse{Error: err.Error(), Field: field})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return wgerr.Wrap(wgerr.Invalid, "malformed json body", err)
	}
	return nil
}
