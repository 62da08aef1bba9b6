// Package mode is the C8 Host↔Router state machine. It sequences the
// ordered, rollback-on-failure effects of spec.md §4.4 across
// configstore (A), modestate (B), firewall, and routing. Each transition
// works from a ConfigStore.Get snapshot and calls ConfigStore.Mutate only
// for its own Config write; the B-side and kernel-side work runs outside
// that closure, and a rollback that reverts the Config write calls Mutate
// again. Grounded on machine/mesh/lifecycle.go's Up/Detach/Destroy shape:
// ordered steps, rollback of everything already applied on failure of
// the next one.
package mode

import (
	"context"
	"log/slog"
	"sort"

	"github.com/beevik/ntp"
	"github.com/google/uuid"

	"wgrouterd/configstore"
	"wgrouterd/firewall"
	"wgrouterd/modestate"
	"wgrouterd/network"
	"wgrouterd/routing"
	"wgrouterd/wgerr"
)

// Controller owns the Host/Router transitions. It holds no mutex of its
// own: serialization comes entirely from ConfigStore's write lock (A).
type Controller struct {
	ConfigStore *configstore.Store
	ModeStore   *modestate.Store
	Firewall    *firewall.Manager
	Routing     *routing.Engine
	AllowedIPs  routing.AllowedIPsSetter
	WGIface     string
	Logger      *slog.Logger
}

// New returns a Controller wired to its collaborators.
func New(cfgStore *configstore.Store, modeStore *modestate.Store, fw *firewall.Manager, eng *routing.Engine, setter routing.AllowedIPsSetter, wgIface string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		ConfigStore: cfgStore,
		ModeStore:   modeStore,
		Firewall:    fw,
		Routing:     eng,
		AllowedIPs:  setter,
		WGIface:     wgIface,
		Logger:      logger,
	}
}

// rollbackStack accumulates undo steps in the order their forward steps
// succeeded, so failure can unwind everything already applied.
type rollbackStack struct {
	steps []func()
}

func (r *rollbackStack) push(undo func()) { r.steps = append(r.steps, undo) }

func (r *rollbackStack) unwind() {
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.steps[i]()
	}
}

// otherPeerCount counts peers other than thisPeer — the "peers.len() ≤ 1"
// precondition guarding every mode transition except Router→Router.
func otherPeerCount(n *network.Network) int {
	count := 0
	for id := range n.Peers {
		if id != n.ThisPeer {
			count++
		}
	}
	return count
}

// EnterRouter performs the Host→Router(lanCidr) transition: enable
// forwarding, install firewall rules, persist empty ModeState, write
// mode+lanCidr to Config, sync every peer's table and PBR rules, then
// pick an exit node if default-route peers exist and none is active.
// Each step is rolled back if a later one fails.
func (c *Controller) EnterRouter(ctx context.Context, lanCidrRaw string) error {
	cfg := c.ConfigStore.Get()
	n := cfg.Network
	if n == nil {
		return wgerr.New(wgerr.Invalid, "no network configured")
	}
	if otherPeerCount(n) > 0 {
		return wgerr.New(wgerr.Forbidden, "cannot enter router mode with peers already configured")
	}

	lanCIDRs, err := network.ValidateCIDRList("lan_cidr", lanCidrRaw)
	if err != nil {
		return err
	}

	rb := &rollbackStack{}

	if err := c.enableForwarding(ctx); err != nil {
		return err
	}
	rb.push(func() { _ = c.disableForwarding(ctx) })

	if err := c.Firewall.Enable(ctx, c.WGIface, n.Subnet, lanCIDRs); err != nil {
		rb.unwind()
		return wgerr.Wrap(wgerr.External, "install firewall rules", err)
	}
	rb.push(func() { _ = c.Firewall.Disable(ctx, c.WGIface, n.Subnet, lanCIDRs) })

	st := modestate.Empty()
	st.LastMode = modestate.ModeRouter
	st.LanCidr = lanCidrRaw
	if err := c.ModeStore.Save(st); err != nil {
		rb.unwind()
		return err
	}
	rb.push(func() { _ = c.ModeStore.Save(modestate.Empty()) })

	if err := c.ConfigStore.Mutate(func(cur *configstore.Config) (bool, error) {
		cur.Agent.Router.Mode = configstore.ModeRouter
		cur.Agent.Router.LanCidr = lanCidrRaw
		return true, nil
	}); err != nil {
		rb.unwind()
		return err
	}
	rb.push(func() {
		_ = c.ConfigStore.Mutate(func(cur *configstore.Config) (bool, error) {
			cur.Agent.Router.Mode = configstore.ModeHost
			cur.Agent.Router.LanCidr = ""
			return true, nil
		})
	})

	lan, err := c.Firewall.ResolveSegments(ctx, lanCIDRs)
	if err != nil {
		rb.unwind()
		return err
	}

	if err := c.Routing.SyncAllPeers(ctx, n, st, c.WGIface, lan); err != nil {
		rb.unwind()
		return wgerr.Wrap(wgerr.External, "sync peer routing tables", err)
	}
	if err := c.Routing.SyncLANSegments(ctx, lan); err != nil {
		rb.unwind()
		return wgerr.Wrap(wgerr.External, "sync lan-to-lan exceptions", err)
	}

	if _, hasExit := st.PrefixActiveBackup[routing.DefaultRoute]; !hasExit {
		if candidate, ok := firstDefaultRoutePeer(n); ok {
			if err := c.Routing.SetExitNode(ctx, n, st, c.WGIface, lan, c.AllowedIPs, candidate); err != nil {
				rb.unwind()
				return wgerr.Wrap(wgerr.External, "select initial exit node", err)
			}
		} else if err := c.Routing.RefreshLANAccess(ctx, n, st, lan); err != nil {
			rb.unwind()
			return err
		}
	}

	if err := c.ModeStore.Save(st); err != nil {
		rb.unwind()
		return err
	}
	return nil
}

// EnterHost performs the Router→Host transition: disable firewall rules,
// flush and release every peer's table, disable forwarding, clear
// ModeState, write mode=host.
func (c *Controller) EnterHost(ctx context.Context) error {
	cfg := c.ConfigStore.Get()
	n := cfg.Network
	if n == nil {
		return wgerr.New(wgerr.Invalid, "no network configured")
	}
	if otherPeerCount(n) > 0 {
		return wgerr.New(wgerr.Forbidden, "cannot leave router mode with peers already configured")
	}

	st, err := c.ModeStore.Load()
	if err != nil {
		c.Logger.Warn("mode state self-healed during enter-host", "error", err)
	}

	lanCIDRs, err := cfg.LanCIDRs()
	if err != nil {
		return err
	}

	if err := c.Firewall.Disable(ctx, c.WGIface, n.Subnet, lanCIDRs); err != nil {
		c.Logger.Warn("disable firewall rules failed; continuing router->host teardown", "error", err)
	}

	wasExitNode := st.PrefixActiveBackup[routing.DefaultRoute]
	for peerID, tableID := range st.PeerTableIDs {
		if err := routing.FlushTable(tableID); err != nil {
			c.Logger.Warn("flush peer table failed", "peer", peerID, "table", tableID, "error", err)
		}
		if err := c.Routing.RemovePeerRules(ctx, tableID, wasExitNode.ActivePeerID == peerID); err != nil {
			c.Logger.Warn("remove peer rules failed", "peer", peerID, "table", tableID, "error", err)
		}
	}

	if err := c.disableForwarding(ctx); err != nil {
		c.Logger.Warn("disable forwarding failed", "error", err)
	}

	if err := c.ModeStore.Save(modestate.Empty()); err != nil {
		return err
	}

	return c.ConfigStore.Mutate(func(cur *configstore.Config) (bool, error) {
		cur.Agent.Router.Mode = configstore.ModeHost
		cur.Agent.Router.LanCidr = ""
		return true, nil
	})
}

// UpdateLanCidr performs the Router→Router transition with a changed
// lanCidr: allowed even with peers configured. Re-applies firewall and
// PBR rules under the new CIDR set and re-asserts the active exit
// node's routes if one is selected.
func (c *Controller) UpdateLanCidr(ctx context.Context, lanCidrRaw string) error {
	cfg := c.ConfigStore.Get()
	n := cfg.Network
	if n == nil {
		return wgerr.New(wgerr.Invalid, "no network configured")
	}
	if cfg.Agent.Router.Mode != configstore.ModeRouter {
		return wgerr.New(wgerr.Forbidden, "not currently in router mode")
	}

	oldCIDRs, err := cfg.LanCIDRs()
	if err != nil {
		return err
	}
	newCIDRs, err := network.ValidateCIDRList("lan_cidr", lanCidrRaw)
	if err != nil {
		return err
	}

	st, err := c.ModeStore.Load()
	if err != nil {
		c.Logger.Warn("mode state self-healed during lan_cidr update", "error", err)
	}
	st.LanCidr = lanCidrRaw
	if err := c.ModeStore.Save(st); err != nil {
		return err
	}

	if err := c.ConfigStore.Mutate(func(cur *configstore.Config) (bool, error) {
		cur.Agent.Router.LanCidr = lanCidrRaw
		return true, nil
	}); err != nil {
		return err
	}

	if err := c.Firewall.Disable(ctx, c.WGIface, n.Subnet, oldCIDRs); err != nil {
		c.Logger.Warn("disable firewall rules for old lan_cidr failed; continuing", "error", err)
	}
	if err := c.Firewall.Enable(ctx, c.WGIface, n.Subnet, newCIDRs); err != nil {
		return wgerr.Wrap(wgerr.External, "install firewall rules for new lan_cidr", err)
	}

	lan, err := c.Firewall.ResolveSegments(ctx, newCIDRs)
	if err != nil {
		return err
	}
	if err := c.Routing.SyncAllPeers(ctx, n, st, c.WGIface, lan); err != nil {
		return wgerr.Wrap(wgerr.External, "resync peer routing tables", err)
	}
	if err := c.Routing.SyncLANSegments(ctx, lan); err != nil {
		return wgerr.Wrap(wgerr.External, "resync lan-to-lan exceptions", err)
	}

	if active, ok := st.PrefixActiveBackup[routing.DefaultRoute]; ok {
		if err := c.Routing.SetExitNode(ctx, n, st, c.WGIface, lan, c.AllowedIPs, active.ActivePeerID); err != nil {
			return wgerr.Wrap(wgerr.External, "reassert exit node under new lan_cidr", err)
		}
	} else if err := c.Routing.RefreshLANAccess(ctx, n, st, lan); err != nil {
		return err
	}

	return c.ModeStore.Save(st)
}

// RestoreOnStartup runs before the tunnel comes up. It loads ModeState,
// reconciles it against the live peer set, and — if the restored mode is
// Router — re-enables forwarding and firewall rules, but defers per-peer
// table/PBR installation to RestorePeerRoutesAfterInterfaceUp, since that
// requires the WireGuard interface to already exist.
func (c *Controller) RestoreOnStartup(ctx context.Context) error {
	st, err := c.ModeStore.Load()
	if err != nil {
		c.Logger.Warn("mode state self-healed on startup", "error", err)
	}

	cfg := c.ConfigStore.Get()
	n := cfg.Network
	if n == nil {
		return nil
	}

	live := make(map[uuid.UUID]struct{}, len(n.Peers))
	for id := range n.Peers {
		live[id] = struct{}{}
	}
	st = modestate.ReconcileAgainstPeers(st, live)

	if st.LastMode != modestate.ModeRouter {
		return c.ModeStore.Save(st)
	}

	c.logNTPOffset(ctx)

	lanCIDRs, err := cfg.LanCIDRs()
	if err != nil {
		return err
	}
	if err := c.enableForwarding(ctx); err != nil {
		return err
	}
	if err := c.Firewall.Enable(ctx, c.WGIface, n.Subnet, lanCIDRs); err != nil {
		return wgerr.Wrap(wgerr.External, "restore firewall rules on startup", err)
	}

	return c.ModeStore.Save(st)
}

// RestorePeerRoutesAfterInterfaceUp installs every peer's table and PBR
// rules, plus the active exit node's routes, once the WireGuard
// interface exists — the second half of Router-Mode startup restoration
// spec.md §4.4 requires be deferred past RestoreOnStartup.
func (c *Controller) RestorePeerRoutesAfterInterfaceUp(ctx context.Context) error {
	st, err := c.ModeStore.Load()
	if err != nil {
		c.Logger.Warn("mode state self-healed before route restoration", "error", err)
	}
	if st.LastMode != modestate.ModeRouter {
		return nil
	}

	cfg := c.ConfigStore.Get()
	n := cfg.Network
	if n == nil {
		return nil
	}
	lanCIDRs, err := cfg.LanCIDRs()
	if err != nil {
		return err
	}
	lan, err := c.Firewall.ResolveSegments(ctx, lanCIDRs)
	if err != nil {
		return err
	}

	if err := c.Routing.SyncAllPeers(ctx, n, st, c.WGIface, lan); err != nil {
		return wgerr.Wrap(wgerr.External, "restore peer routing tables", err)
	}
	if err := c.Routing.SyncLANSegments(ctx, lan); err != nil {
		return wgerr.Wrap(wgerr.External, "restore lan-to-lan exceptions", err)
	}

	if active, ok := st.PrefixActiveBackup[routing.DefaultRoute]; ok {
		if err := c.Routing.SetExitNode(ctx, n, st, c.WGIface, lan, c.AllowedIPs, active.ActivePeerID); err != nil {
			return wgerr.Wrap(wgerr.External, "restore exit node routes", err)
		}
	} else if err := c.Routing.RefreshLANAccess(ctx, n, st, lan); err != nil {
		return err
	}

	return c.ModeStore.Save(st)
}

func (c *Controller) enableForwarding(ctx context.Context) error {
	_, err := c.Routing.Runner.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")
	if err != nil {
		return wgerr.Wrap(wgerr.External, "enable ip forwarding", err)
	}
	return nil
}

func (c *Controller) disableForwarding(ctx context.Context) error {
	_, err := c.Routing.Runner.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=0")
	if err != nil {
		return wgerr.Wrap(wgerr.External, "disable ip forwarding", err)
	}
	return nil
}

// logNTPOffset logs a best-effort NTP-corrected clock offset once on
// Router-Mode startup restoration, so fail-back timers (spec.md §4.7)
// computed from primaryOnlineSince are meaningful even on hosts with no
// functioning NTP daemon of their own. Failure is non-fatal.
func (c *Controller) logNTPOffset(ctx context.Context) {
	resp, err := ntp.Query("pool.ntp.org")
	if err != nil {
		c.Logger.Warn("ntp offset check failed; continuing with local clock", "error", err)
		return
	}
	c.Logger.Info("ntp clock offset observed on router-mode restoration",
		"offset", resp.ClockOffset, "stratum", resp.Stratum)
}

// firstDefaultRoutePeer picks the exit-node candidate with the
// lexicographically smallest peer ID among those advertising a default
// route — spec.md's "pick the first peer with a default route" needs a
// deterministic tie-break since map iteration order isn't one.
func firstDefaultRoutePeer(n *network.Network) (uuid.UUID, bool) {
	var candidates []uuid.UUID
	for id := range n.Peers {
		if id == n.ThisPeer {
			continue
		}
		for _, p := range routing.AdvertisedRoutes(n, id) {
			if p == routing.DefaultRoute {
				candidates = append(candidates, id)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return uuid.UUID{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].String() < candidates[j].String() })
	return candidates[0], true
}
