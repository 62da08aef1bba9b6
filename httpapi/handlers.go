package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgrouterd/configstore"
	"wgrouterd/internal/buildinfo"
	"wgrouterd/internal/logging"
	"wgrouterd/network"
	"wgrouterd/routing"
	"wgrouterd/tunnel"
	"wgrouterd/wgerr"
)

// --- auth / bootstrap -------------------------------------------------

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg := s.ConfigStore.Get()
	if !cfg.Agent.Web.Password.Enabled {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !verifyPassword(cfg.Agent.Web.Password.Argon2Hash, req.Password) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}
	token, err := s.issueToken(req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

func (s *Server) handleInitStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.ConfigStore.Get()
	writeJSON(w, http.StatusOK, initStatusResponse{Initialized: cfg.Network != nil})
}

func (s *Server) handleInitInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, initInfoResponse{Version: buildinfo.Version})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if s.ConfigStore.Get().Network != nil {
		writeError(w, wgerr.New(wgerr.AlreadyExists, "network already initialized"))
		return
	}
	var req initRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	subnet, err := netip.ParsePrefix(req.Subnet)
	if err != nil {
		writeError(w, wgerr.Field(wgerr.Invalid, "subnet", "not a valid CIDR"))
		return
	}
	addr, err := netip.ParseAddr(req.PeerAddr)
	if err != nil {
		writeError(w, wgerr.Field(wgerr.Invalid, "peer_address", "not a valid IP"))
		return
	}
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		writeError(w, wgerr.Wrap(wgerr.External, "generate wireguard key", err))
		return
	}

	n := network.New(req.Name, subnet)
	thisID := uuid.New()
	n.ThisPeer = thisID
	now := time.Now()
	n.Peers[thisID] = network.Peer{
		ID: thisID, Name: req.PeerName, Address: addr,
		PrivateKey: priv, CreatedAt: now, UpdatedAt: now,
	}

	err = s.ConfigStore.Mutate(func(cfg *configstore.Config) (bool, error) {
		cfg.Network = n
		if req.Password != "" {
			hash, err := hashPassword(req.Password)
			if err != nil {
				return false, err
			}
			cfg.Agent.Web.Password.Enabled = true
			cfg.Agent.Web.Password.Argon2Hash = hash
		}
		return true, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNetworkSummary(n))
}

// --- network -----------------------------------------------------------

func (s *Server) handleNetworkSummary(w http.ResponseWriter, r *http.Request) {
	n := s.ConfigStore.Network()
	if n == nil {
		writeError(w, wgerr.New(wgerr.NotFound, "network not initialized"))
		return
	}
	if r.URL.Query().Get("only_digest") == "true" {
		writeJSON(w, http.StatusOK, digestSummary{Digest: n.Digest()})
		return
	}
	writeJSON(w, http.StatusOK, toNetworkSummary(n))
}

// handleNetworkConfig applies a mutation, persists it, then best-effort
// resyncs the PBR tables and live WireGuard config for whatever peers
// the mutation touched. Persistence (step 8 of the mutation order) is
// authoritative; a resync failure is logged and returned to the caller
// as the 200 echo still succeeding, since the model change already
// committed and the next full resync (startup, interface-up, or
// another mutation) will catch up.
func (s *Server) handleNetworkConfig(w http.ResponseWriter, r *http.Request) {
	var wire wireChangeSum
	if err := readJSON(r, &wire); err != nil {
		writeError(w, err)
		return
	}
	cs, err := wire.toChangeSum()
	if err != nil {
		writeError(w, err)
		return
	}

	n := s.ConfigStore.Network()
	if n == nil {
		writeError(w, wgerr.New(wgerr.NotFound, "network not initialized"))
		return
	}

	newNet, result, err := network.ApplyChangeSum(n, n.ThisPeer, cs, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.ConfigStore.Mutate(func(cfg *configstore.Config) (bool, error) {
		cfg.Network = newNet
		return true, nil
	}); err != nil {
		writeError(w, err)
		return
	}

	s.resyncAfterMutation(r.Context(), newNet, result)

	writeJSON(w, http.StatusOK, toNetworkSummary(newNet))
}

// resyncAfterMutation drives the routing and tunnel side effects of a
// committed network change. Every step is warn-only: the mutation
// already persisted, so a resync failure here is surfaced in logs, not
// to the HTTP caller.
func (s *Server) resyncAfterMutation(ctx context.Context, n *network.Network, result *network.MutationResult) {
	cfg := s.ConfigStore.Get()

	if cfg.Agent.Router.Mode == configstore.ModeRouter {
		lan, err := s.Firewall.ResolveSegments(ctx, mustLanCIDRs(cfg))
		if err != nil {
			s.Logger.Error("resolve lan segments after mutation", "error", err)
		} else {
			st, err := s.ModeStore.Load()
			if err != nil {
				s.Logger.Error("load mode state after mutation", "error", err)
			} else {
				for _, removed := range result.RemovedPeerIDs {
					if err := s.Routing.RemovePeer(ctx, n, st, s.WGIface, lan, s.AllowedIPs, removed); err != nil {
						s.Logger.Error("remove peer routing state", "peer", removed, "error", err)
					}
				}
				for _, pid := range result.AffectedPeers {
					if err := s.Routing.SyncPeer(ctx, n, st, s.WGIface, lan, pid); err != nil {
						s.Logger.Error("resync peer table", "peer", pid, "error", err)
					}
				}
				if err := s.ModeStore.Save(st); err != nil {
					s.Logger.Error("save mode state after mutation", "error", err)
				}
			}
		}
	}

	if s.Tunnel != nil && s.Tunnel.Exists(ctx) {
		if err := s.Tunnel.SyncConf(ctx, n, n.ThisPeer, nil); err != nil {
			s.Logger.Error("sync wireguard config after mutation", "error", err)
		}
	}
}

func tunnelFirewallHooks(cfg *configstore.Config) tunnel.FirewallHooks {
	return tunnel.FirewallHooks{
		Enabled:     cfg.Agent.Firewall.Enabled,
		UtilityPath: cfg.Agent.Firewall.UtilityPath,
		Gateway:     cfg.Agent.Firewall.Gateway,
		VPNPort:     cfg.Agent.VPN.Port,
	}
}

func mustLanCIDRs(cfg *configstore.Config) []netip.Prefix {
	cidrs, err := cfg.LanCIDRs()
	if err != nil {
		return nil
	}
	return cidrs
}

func (s *Server) handleReserveAddress(w http.ResponseWriter, r *http.Request) {
	peerID := uuid.New()
	validUntil := time.Now().Add(network.DefaultReservationTTL)
	var reserved netip.Addr

	err := s.ConfigStore.Mutate(func(cfg *configstore.Config) (bool, error) {
		if cfg.Network == nil {
			return false, wgerr.New(wgerr.NotFound, "network not initialized")
		}
		addr, err := network.NextFreeAddress(cfg.Network, time.Now())
		if err != nil {
			return false, err
		}
		network.Reserve(cfg.Network, addr, peerID, validUntil)
		reserved = addr
		return true, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reserveAddressResponse{Address: reserved.String(), PeerID: peerID, ValidUntil: validUntil})
}

// --- wireguard interface -------------------------------------------------

func (s *Server) handleWireguardStatus(w http.ResponseWriter, r *http.Request) {
	var req wireguardStatusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n := s.ConfigStore.Network()
	if n == nil {
		writeError(w, wgerr.New(wgerr.NotFound, "network not initialized"))
		return
	}
	cfg := s.ConfigStore.Get()
	fw := tunnelFirewallHooks(cfg)

	switch req.Action {
	case "up":
		if err := s.Tunnel.Up(r.Context(), n, n.ThisPeer, fw); err != nil {
			writeError(w, err)
			return
		}
	case "down":
		if err := s.Tunnel.Down(r.Context(), n, n.ThisPeer, fw); err != nil {
			writeError(w, err)
			return
		}
	case "status":
		// no-op, fall through to status report below
	default:
		writeError(w, wgerr.Field(wgerr.Invalid, "action", "must be up, down, or status"))
		return
	}

	status := "down"
	if s.Tunnel.Exists(r.Context()) {
		status = "up"
	}
	writeJSON(w, http.StatusOK, wireguardStatusResponse{Status: status})
}

// --- mode ---------------------------------------------------------------

func (s *Server) handleModeGet(w http.ResponseWriter, r *http.Request) {
	cfg := s.ConfigStore.Get()
	writeJSON(w, http.StatusOK, modeResponse{Mode: string(normalizeMode(cfg.Agent.Router.Mode)), LanCidr: cfg.Agent.Router.LanCidr})
}

// normalizeMode reports a fresh, never-yet-transitioned config as host
// mode — its zero value — rather than leaking an empty string to
// clients that only expect "host" or "router".
func normalizeMode(m configstore.RouterMode) configstore.RouterMode {
	if m == "" {
		return configstore.ModeHost
	}
	return m
}

func (s *Server) handleModePatch(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	cfg := s.ConfigStore.Get()
	var err error
	switch req.Mode {
	case "router":
		if cfg.Agent.Router.Mode == configstore.ModeRouter {
			err = s.Mode.UpdateLanCidr(r.Context(), req.LanCidr)
		} else {
			err = s.Mode.EnterRouter(r.Context(), req.LanCidr)
		}
	case "host":
		err = s.Mode.EnterHost(r.Context())
	default:
		writeError(w, wgerr.Field(wgerr.Invalid, "mode", "must be host or router"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	cfg = s.ConfigStore.Get()
	writeJSON(w, http.StatusOK, modeResponse{Mode: string(normalizeMode(cfg.Agent.Router.Mode)), LanCidr: cfg.Agent.Router.LanCidr})
}

func (s *Server) handleModeCanSwitch(w http.ResponseWriter, r *http.Request) {
	n := s.ConfigStore.Network()
	if n != nil && otherPeerCount(n) > 0 {
		writeJSON(w, http.StatusOK, canSwitchResponse{CanSwitch: false, Reason: "peers are configured"})
		return
	}
	writeJSON(w, http.StatusOK, canSwitchResponse{CanSwitch: true})
}

func otherPeerCount(n *network.Network) int {
	count := 0
	for id := range n.Peers {
		if id != n.ThisPeer {
			count++
		}
	}
	return count
}

func (s *Server) handlePeerRouteStatus(w http.ResponseWriter, r *http.Request) {
	var req peerRouteStatusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	prefix, err := netip.ParsePrefix(req.Prefix)
	if err != nil || prefix != routing.DefaultRoute {
		writeError(w, wgerr.Field(wgerr.Invalid, "prefix", "only 0.0.0.0/0 is assignable"))
		return
	}
	n := s.ConfigStore.Network()
	if n == nil {
		writeError(w, wgerr.New(wgerr.NotFound, "network not initialized"))
		return
	}
	if _, ok := n.Peers[req.ActivePeerID]; !ok {
		writeError(w, wgerr.New(wgerr.NotFound, "active_peer_id not in network"))
		return
	}

	cfg := s.ConfigStore.Get()
	lan, err := s.Firewall.ResolveSegments(r.Context(), mustLanCIDRs(cfg))
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.ModeStore.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Routing.SetExitNode(r.Context(), n, st, s.WGIface, lan, s.AllowedIPs, req.ActivePeerID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ModeStore.Save(st); err != nil {
		writeError(w, err)
		return
	}

	ps := st.PrefixActiveBackup[routing.DefaultRoute]
	writeJSON(w, http.StatusOK, peerRouteStatusResponse{Prefix: req.Prefix, ActivePeerID: ps.ActivePeerID, BackupPeerIDs: ps.BackupPeerIDs})
}

func (s *Server) handleExitNode(w http.ResponseWriter, r *http.Request) {
	n := s.ConfigStore.Network()
	if n == nil {
		writeError(w, wgerr.New(wgerr.NotFound, "network not initialized"))
		return
	}
	st, err := s.ModeStore.Load()
	if err != nil {
		writeError(w, err)
		return
	}

	resp := exitNodeResponse{AutoFailover: st.AutoFailover}
	if ps, ok := st.PrefixActiveBackup[routing.DefaultRoute]; ok {
		resp.ExitNode = ps.ActivePeerID
	}

	for id := range n.Peers {
		if id == n.ThisPeer {
			continue
		}
		routes := routing.AdvertisedRoutes(n, id)
		hasDefault := false
		for _, p := range routes {
			if p == routing.DefaultRoute {
				hasDefault = true
				break
			}
		}
		if !hasDefault {
			continue
		}
		resp.PeersWithDefaultRoute = append(resp.PeersWithDefaultRoute, id)
		if snap, ok := s.Health.Snapshot(id); ok {
			resp.HealthStatus = append(resp.HealthStatus, exitNodePeerHealth{
				PeerID: id, IsOnline: snap.IsOnline, LossPct: snap.LossPct, JitterMs: snap.JitterMs,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- peer control ---------------------------------------------------------

// handlePeerControl toggles a peer's connections' enabled state ("stop"
// / "start") or simply forces an immediate table and live-config resync
// ("reconnect"). Stopping a peer disables every connection it is part
// of rather than removing it, so the peer reappears unchanged on
// "start" without having to be re-added.
func (s *Server) handlePeerControl(w http.ResponseWriter, r *http.Request) {
	var req peerControlRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n := s.ConfigStore.Network()
	if n == nil {
		writeError(w, wgerr.New(wgerr.NotFound, "network not initialized"))
		return
	}
	if _, ok := n.Peers[req.PeerID]; !ok {
		writeError(w, wgerr.New(wgerr.NotFound, "peer not in network"))
		return
	}

	switch req.Action {
	case "stop", "start":
		enabled := req.Action == "start"
		err := s.ConfigStore.Mutate(func(cfg *configstore.Config) (bool, error) {
			changed := false
			for id, c := range cfg.Network.Connections {
				if c.Contains(req.PeerID) && c.Enabled != enabled {
					c.Enabled = enabled
					cfg.Network.Connections[id] = c
					changed = true
				}
			}
			return changed, nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
	case "reconnect":
		// no model change; resync below picks the peer's current state up.
	default:
		writeError(w, wgerr.Field(wgerr.Invalid, "action", "must be stop, start, or reconnect"))
		return
	}

	cfg := s.ConfigStore.Get()
	if cfg.Agent.Router.Mode == configstore.ModeRouter {
		if lan, err := s.Firewall.ResolveSegments(r.Context(), mustLanCIDRs(cfg)); err == nil {
			if st, err := s.ModeStore.Load(); err == nil {
				if err := s.Routing.SyncPeer(r.Context(), cfg.Network, st, s.WGIface, lan, req.PeerID); err != nil {
					s.Logger.Error("resync peer after control action", "peer", req.PeerID, "error", err)
				}
				if err := s.ModeStore.Save(st); err != nil {
					s.Logger.Error("save mode state after control action", "error", err)
				}
			}
		}
	}
	if s.Tunnel != nil && s.Tunnel.Exists(r.Context()) {
		if err := s.Tunnel.SyncConf(r.Context(), cfg.Network, cfg.Network.ThisPeer, nil); err != nil {
			s.Logger.Error("sync wireguard config after control action", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, struct {
		PeerID uuid.UUID `json:"peer_id"`
		Action string    `json:"action"`
	}{req.PeerID, req.Action})
}

func (s *Server) handlePeerLanAccessGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("peer_id"))
	if err != nil {
		writeError(w, wgerr.Field(wgerr.Invalid, "peer_id", "not a valid peer id"))
		return
	}
	st, err := s.ModeStore.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	enabled, explicit := st.PeerLanAccess[id]
	if !explicit {
		enabled = true
	}
	writeJSON(w, http.StatusOK, peerLanAccessResponse{PeerID: id, HasLanAccess: enabled})
}

func (s *Server) handlePeerLanAccessPatch(w http.ResponseWriter, r *http.Request) {
	var req peerLanAccessRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n := s.ConfigStore.Network()
	if n == nil {
		writeError(w, wgerr.New(wgerr.NotFound, "network not initialized"))
		return
	}
	if _, ok := n.Peers[req.PeerID]; !ok {
		writeError(w, wgerr.New(wgerr.NotFound, "peer not in network"))
		return
	}

	st, err := s.ModeStore.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	st.PeerLanAccess[req.PeerID] = req.HasLanAccess

	cfg := s.ConfigStore.Get()
	if cfg.Agent.Router.Mode == configstore.ModeRouter {
		lan, err := s.Firewall.ResolveSegments(r.Context(), mustLanCIDRs(cfg))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.Routing.SetLANAccess(r.Context(), n, lan, s.WGIface, req.PeerID, req.HasLanAccess); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.ModeStore.Save(st); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, peerLanAccessResponse{PeerID: req.PeerID, HasLanAccess: req.HasLanAccess})
}

func (s *Server) handleAutoFailoverGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.ModeStore.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, autoFailoverResponse{Enabled: st.AutoFailover})
}

func (s *Server) handleAutoFailoverPost(w http.ResponseWriter, r *http.Request) {
	var req autoFailoverRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.ModeStore.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	st.AutoFailover = req.Enabled
	if err := s.ModeStore.Save(st); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, autoFailoverResponse{Enabled: st.AutoFailover})
}

// --- system ---------------------------------------------------------------

func (s *Server) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}
	if lines > 1000 {
		lines = 1000
	}
	logs := logging.Tail(lines)
	writeJSON(w, http.StatusOK, systemLogsResponse{Logs: logs, Source: "ring", Lines: len(logs)})
}
