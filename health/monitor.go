// Package health is the C7 liveness monitor: a 1-second ticker pings
// every peer that advertises a default route, tracks loss/jitter in a
// 60-sample ring per peer, debounces online/offline transitions over
// 3 consecutive failures, and drives exit-node auto-failover/fail-back.
// Grounded on machine/convergence/loop.go's ticker goroutine and
// Start/Stop lifecycle, and peer_state.go's per-peer state struct and
// classify-function shape — rewritten from WireGuard handshake
// freshness + endpoint rotation to ping loss/jitter + failover.
package health

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"wgrouterd/configstore"
	"wgrouterd/modestate"
	"wgrouterd/network"
	"wgrouterd/routing"
	"wgrouterd/shell"
)

const (
	defaultTickInterval  = 1 * time.Second
	defaultFailBackAfter = 60 * time.Second
)

// Monitor owns the liveness ticker and the exit-node failover decisions
// it drives.
type Monitor struct {
	ConfigStore *configstore.Store
	ModeStore   *modestate.Store
	Runner      shell.Runner
	Routing     *routing.Engine
	AllowedIPs  routing.AllowedIPsSetter
	// ResolveLAN turns the configured lanCidr list into interface-bound
	// LANSegments (firewall.Manager.discoverLANInterface does this);
	// injected so health doesn't import firewall directly.
	ResolveLAN func(ctx context.Context, lanCIDRs []netip.Prefix) ([]routing.LANSegment, error)
	WGIface    string
	Logger     *slog.Logger

	TickInterval  time.Duration
	FailBackAfter time.Duration

	mu    sync.RWMutex
	peers map[uuid.UUID]*peerState

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Monitor ready for Start.
func New(cfg *configstore.Store, modeStore *modestate.Store, runner shell.Runner, eng *routing.Engine, setter routing.AllowedIPsSetter, wgIface string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		ConfigStore:   cfg,
		ModeStore:     modeStore,
		Runner:        runner,
		Routing:       eng,
		AllowedIPs:    setter,
		WGIface:       wgIface,
		Logger:        logger,
		TickInterval:  defaultTickInterval,
		FailBackAfter: defaultFailBackAfter,
		peers:         make(map[uuid.UUID]*peerState),
	}
}

// Start launches the ticker goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.tick(ctx, now)
			}
		}
	}()
}

// Stop cancels the ticker goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) stateFor(id uuid.UUID) *peerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[id]
	if !ok {
		ps = newPeerState()
		m.peers[id] = ps
	}
	return ps
}

// Snapshot returns a read-only view of peerID's current liveness
// stats, for the HTTP status endpoint.
type Snapshot struct {
	IsOnline  bool
	LossPct   float64
	JitterMs  float64
	UpSince   time.Time
}

// Snapshot returns peerID's current liveness stats, or ok=false if
// nothing has been recorded yet.
func (m *Monitor) Snapshot(peerID uuid.UUID) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.peers[peerID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{IsOnline: ps.isOnline, LossPct: ps.lossPercent(), JitterMs: ps.jitterMs(), UpSince: ps.upSince}, true
}

func (m *Monitor) tick(ctx context.Context, now time.Time) {
	n := m.ConfigStore.Network()
	if n == nil {
		return
	}
	cfg := m.ConfigStore.Get()
	lanCIDRs, err := cfg.LanCIDRs()
	if err != nil {
		m.Logger.Warn("health tick: invalid lan_cidr, skipping", "error", err)
		return
	}

	candidates := candidatePeers(n)
	if len(candidates) == 0 {
		return
	}

	dumpOut, err := m.Runner.Run(ctx, "wg", "show", m.WGIface, "dump")
	var dump map[string]DumpLine
	if err == nil {
		dump = ParseWGDump(dumpOut.Stdout)
	}

	results := m.pingAll(ctx, n, candidates)

	st, loadErr := m.ModeStore.Load()
	if loadErr != nil {
		m.Logger.Warn("health tick: mode state self-healed", "error", loadErr)
	}

	changed := false
	var failedOverFrom uuid.UUID
	var failedOverTo uuid.UUID
	haveFailover := false

	for _, id := range candidates {
		peer := n.Peers[id]
		ps := m.stateFor(id)
		ps.push(now, results[id])
		trans := ps.classify(now)
		changed = true

		st.PeerLastOnlineState[id] = ps.isOnline
		if results[id].OK {
			st.PeerLastSuccessfulPing[id] = now
		}
		if dump != nil {
			if line, ok := dump[peer.PublicKey().String()]; ok && !line.LatestHandshake.IsZero() {
				if _, seen := st.PeerFirstHandshake[id]; !seen {
					st.PeerFirstHandshake[id] = line.LatestHandshake
				}
			}
		}

		switch trans {
		case wentOnline:
			if st.AutoFailover && st.PrimaryExitNode != nil && *st.PrimaryExitNode == id {
				st.PrimaryOnlineSince = &now
			}
		case wentOffline:
			active, isActive := m.activeExitNode(st)
			if isActive && active == id && st.AutoFailover {
				if newID, ok := m.pickFailoverCandidate(n, st, id); ok {
					failedOverFrom, failedOverTo, haveFailover = id, newID, true
					st.PrimaryExitNode = &id
				}
			}
			if st.PrimaryExitNode != nil && *st.PrimaryExitNode == id {
				st.PrimaryOnlineSince = nil
			}
		}
	}

	if haveFailover {
		lan, err := m.resolveLAN(ctx, lanCIDRs)
		if err != nil {
			m.Logger.Warn("health tick: failover aborted, LAN resolution failed", "error", err)
		} else if err := m.Routing.SetExitNode(ctx, n, st, m.WGIface, lan, m.AllowedIPs, failedOverTo); err != nil {
			m.Logger.Warn("health tick: set_exit_node failed during failover", "from", failedOverFrom, "to", failedOverTo, "error", err)
		} else {
			m.Logger.Warn("exit node failed over", "from", failedOverFrom, "to", failedOverTo)
		}
	}

	if st.AutoFailover && st.PrimaryExitNode != nil && st.PrimaryOnlineSince != nil {
		active, isActive := m.activeExitNode(st)
		if isActive && active != *st.PrimaryExitNode && now.Sub(*st.PrimaryOnlineSince) >= m.failBackAfter() {
			lan, err := m.resolveLAN(ctx, lanCIDRs)
			if err == nil {
				if err := m.Routing.SetExitNode(ctx, n, st, m.WGIface, lan, m.AllowedIPs, *st.PrimaryExitNode); err == nil {
					m.Logger.Info("exit node failed back", "to", *st.PrimaryExitNode)
					st.PrimaryExitNode = nil
					st.PrimaryOnlineSince = nil
					changed = true
				}
			}
		}
	}

	if changed {
		if err := m.ModeStore.Save(st); err != nil {
			m.Logger.Warn("health tick: failed to persist mode state", "error", err)
		}
	}
}

func (m *Monitor) failBackAfter() time.Duration {
	if m.FailBackAfter <= 0 {
		return defaultFailBackAfter
	}
	return m.FailBackAfter
}

func (m *Monitor) resolveLAN(ctx context.Context, lanCIDRs []netip.Prefix) ([]routing.LANSegment, error) {
	if m.ResolveLAN == nil {
		return nil, nil
	}
	return m.ResolveLAN(ctx, lanCIDRs)
}

func (m *Monitor) activeExitNode(st *modestate.ModeState) (uuid.UUID, bool) {
	ps, ok := st.PrefixActiveBackup[routing.DefaultRoute]
	if !ok {
		return uuid.UUID{}, false
	}
	return ps.ActivePeerID, true
}

// pickFailoverCandidate returns the online backup peer with the lowest
// recorded latency, per spec.md §4.7 step 5.
func (m *Monitor) pickFailoverCandidate(n *network.Network, st *modestate.ModeState, excluding uuid.UUID) (uuid.UUID, bool) {
	prior, ok := st.PrefixActiveBackup[routing.DefaultRoute]
	if !ok {
		return uuid.UUID{}, false
	}
	var best uuid.UUID
	bestLatency := -1.0
	found := false
	for _, candidate := range prior.BackupPeerIDs {
		if candidate == excluding {
			continue
		}
		if _, ok := n.Peers[candidate]; !ok {
			continue
		}
		ps := m.stateFor(candidate)
		if !ps.isOnline {
			continue
		}
		latency, ok := ps.lastLatency()
		if !ok {
			latency = 0
		}
		if !found || latency < bestLatency {
			best, bestLatency, found = candidate, latency, true
		}
	}
	return best, found
}

// candidatePeers returns every non-thisPeer peer whose advertised
// routes include the default route — the pool the health monitor
// pings and considers for exit-node duty.
func candidatePeers(n *network.Network) []uuid.UUID {
	var out []uuid.UUID
	for id := range n.Peers {
		if id == n.ThisPeer {
			continue
		}
		for _, p := range routing.AdvertisedRoutes(n, id) {
			if p == routing.DefaultRoute {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (m *Monitor) pingAll(ctx context.Context, n *network.Network, candidates []uuid.UUID) map[uuid.UUID]PingResult {
	results := make(map[uuid.UUID]PingResult, len(candidates))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range candidates {
		peer, ok := n.Peers[id]
		if !ok || !peer.Address.IsValid() {
			continue
		}
		wg.Add(1)
		go func(id uuid.UUID, addr netip.Addr) {
			defer wg.Done()
			res := Ping(ctx, m.Runner, m.WGIface, addr)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(id, peer.Address)
	}
	wg.Wait()
	return results
}
