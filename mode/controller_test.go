package mode

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgrouterd/configstore"
	"wgrouterd/firewall"
	"wgrouterd/modestate"
	"wgrouterd/network"
	"wgrouterd/routing"
	"wgrouterd/shell"
	"wgrouterd/wgerr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type fakeAllowedIPsSetter struct {
	calls []netip.Prefix
}

func (f *fakeAllowedIPsSetter) SetAllowedIPs(_ context.Context, _ wgtypes.Key, prefixes []netip.Prefix) error {
	f.calls = append(f.calls, prefixes...)
	return nil
}

// soloNetwork builds a network with only thisPeer — the only shape
// EnterRouter/EnterHost accept, and one that keeps SyncAllPeers'
// per-peer table sync (which touches netlink directly) a no-op so
// these tests can run without a real WireGuard interface.
func soloNetwork(t *testing.T) *network.Network {
	t.Helper()
	n := network.New("home", netip.MustParsePrefix("10.10.0.0/24"))
	self := uuid.New()
	n.ThisPeer = self
	n.Peers[self] = network.Peer{ID: self, Name: "router", Address: netip.MustParseAddr("10.10.0.1")}
	return n
}

func newTestController(t *testing.T, n *network.Network) (*Controller, *configstore.Store, *modestate.Store, *shell.Fake) {
	t.Helper()
	cfgStore, err := configstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := cfgStore.Mutate(func(c *configstore.Config) (bool, error) {
		c.Network = n
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}

	modeStore := modestate.Open(t.TempDir())
	fake := shell.NewFake()
	fw := firewall.New(fake, discardLogger(), "")
	eng := routing.NewEngine(fake)

	c := New(cfgStore, modeStore, fw, eng, &fakeAllowedIPsSetter{}, "wg0", discardLogger())
	return c, cfgStore, modeStore, fake
}

func TestEnterRouterInstallsForwardingFirewallAndState(t *testing.T) {
	n := soloNetwork(t)
	c, cfgStore, modeStore, fake := newTestController(t, n)

	if err := c.EnterRouter(context.Background(), "192.168.1.0/24"); err != nil {
		t.Fatalf("EnterRouter: %v", err)
	}

	foundForwarding := false
	for _, call := range fake.Calls {
		if call.Name == "sysctl" && len(call.Args) == 2 && call.Args[1] == "net.ipv4.ip_forward=1" {
			foundForwarding = true
		}
	}
	if !foundForwarding {
		t.Error("expected EnterRouter to enable ip forwarding")
	}

	cfg := cfgStore.Get()
	if cfg.Agent.Router.Mode != configstore.ModeRouter {
		t.Errorf("expected config mode router, got %v", cfg.Agent.Router.Mode)
	}
	if cfg.Agent.Router.LanCidr != "192.168.1.0/24" {
		t.Errorf("expected lan_cidr persisted, got %q", cfg.Agent.Router.LanCidr)
	}

	st, err := modeStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastMode != modestate.ModeRouter {
		t.Errorf("expected persisted mode state router, got %v", st.LastMode)
	}
	if st.LanCidr != "192.168.1.0/24" {
		t.Errorf("expected persisted lan_cidr, got %q", st.LanCidr)
	}
}

func TestEnterRouterRejectsWithExistingPeers(t *testing.T) {
	n := soloNetwork(t)
	other := uuid.New()
	n.Peers[other] = network.Peer{ID: other, Name: "laptop", Address: netip.MustParseAddr("10.10.0.2")}
	c, _, _, _ := newTestController(t, n)

	err := c.EnterRouter(context.Background(), "192.168.1.0/24")
	if !wgerr.Is(err, wgerr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestEnterRouterRejectsBadLanCidr(t *testing.T) {
	n := soloNetwork(t)
	c, _, _, _ := newTestController(t, n)

	err := c.EnterRouter(context.Background(), "not-a-cidr")
	if !wgerr.Is(err, wgerr.Invalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestEnterRouterRollsBackForwardingOnFirewallFailure(t *testing.T) {
	n := soloNetwork(t)
	c, cfgStore, modeStore, fake := newTestController(t, n)

	// ip -4 addr show fails, and none of the fallback interfaces answer,
	// so discoverLANInterface errors and Firewall.Enable fails before any
	// rule is installed.
	fake.Seed(shell.FakeResult{Err: &testError{"no such device"}}, "ip", "-4", "addr", "show")
	for _, iface := range []string{"eth0", "ens3", "enp0s3", "enp1s0"} {
		fake.Seed(shell.FakeResult{Err: &testError{"no such device"}}, "ip", "addr", "show", iface)
	}

	err := c.EnterRouter(context.Background(), "192.168.1.0/24")
	if err == nil {
		t.Fatal("expected EnterRouter to fail when no LAN interface can be discovered")
	}

	foundRollback := false
	for _, call := range fake.Calls {
		if call.Name == "sysctl" && len(call.Args) == 2 && call.Args[1] == "net.ipv4.ip_forward=0" {
			foundRollback = true
		}
	}
	if !foundRollback {
		t.Error("expected failed EnterRouter to roll back ip forwarding")
	}

	cfg := cfgStore.Get()
	if cfg.Agent.Router.Mode == configstore.ModeRouter {
		t.Error("expected config mode to remain unchanged after rollback")
	}
	st, err := modeStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastMode != modestate.ModeHost {
		t.Errorf("expected mode state to remain host after rollback, got %v", st.LastMode)
	}
}

func TestHostRouterHostRoundTrip(t *testing.T) {
	n := soloNetwork(t)
	c, cfgStore, modeStore, _ := newTestController(t, n)

	if err := c.EnterRouter(context.Background(), "192.168.1.0/24"); err != nil {
		t.Fatalf("EnterRouter: %v", err)
	}
	if err := c.EnterHost(context.Background()); err != nil {
		t.Fatalf("EnterHost: %v", err)
	}

	cfg := cfgStore.Get()
	if cfg.Agent.Router.Mode != configstore.ModeHost {
		t.Errorf("expected config mode host after round trip, got %v", cfg.Agent.Router.Mode)
	}
	if cfg.Agent.Router.LanCidr != "" {
		t.Errorf("expected lan_cidr cleared after round trip, got %q", cfg.Agent.Router.LanCidr)
	}

	st, err := modeStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastMode != modestate.ModeHost {
		t.Errorf("expected persisted mode state host after round trip, got %v", st.LastMode)
	}
	if len(st.PeerTableIDs) != 0 {
		t.Errorf("expected no leftover peer table IDs after round trip, got %v", st.PeerTableIDs)
	}
}

func TestEnterHostRejectsWithExistingPeers(t *testing.T) {
	n := soloNetwork(t)
	c, _, _, _ := newTestController(t, n)
	if err := c.EnterRouter(context.Background(), "192.168.1.0/24"); err != nil {
		t.Fatalf("EnterRouter: %v", err)
	}

	other := uuid.New()
	if err := c.ConfigStore.Mutate(func(cur *configstore.Config) (bool, error) {
		cur.Network.Peers[other] = network.Peer{ID: other, Name: "laptop", Address: netip.MustParseAddr("10.10.0.2")}
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}

	err := c.EnterHost(context.Background())
	if !wgerr.Is(err, wgerr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestUpdateLanCidrRequiresRouterMode(t *testing.T) {
	n := soloNetwork(t)
	c, _, _, _ := newTestController(t, n)

	err := c.UpdateLanCidr(context.Background(), "192.168.2.0/24")
	if !wgerr.Is(err, wgerr.Forbidden) {
		t.Fatalf("expected Forbidden outside router mode, got %v", err)
	}
}

func TestUpdateLanCidrReappliesFirewallUnderNewCidr(t *testing.T) {
	n := soloNetwork(t)
	c, cfgStore, modeStore, fake := newTestController(t, n)

	if err := c.EnterRouter(context.Background(), "192.168.1.0/24"); err != nil {
		t.Fatalf("EnterRouter: %v", err)
	}

	if err := c.UpdateLanCidr(context.Background(), "192.168.2.0/24"); err != nil {
		t.Fatalf("UpdateLanCidr: %v", err)
	}

	cfg := cfgStore.Get()
	if cfg.Agent.Router.LanCidr != "192.168.2.0/24" {
		t.Errorf("expected new lan_cidr persisted, got %q", cfg.Agent.Router.LanCidr)
	}
	st, err := modeStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LanCidr != "192.168.2.0/24" {
		t.Errorf("expected new lan_cidr in mode state, got %q", st.LanCidr)
	}

	foundOldDisable := false
	foundNewEnable := false
	for _, call := range fake.Calls {
		if call.Name == "iptables" && len(call.Args) > 0 && call.Args[0] == "-C" {
			joined := shell.Key(call.Name, call.Args...)
			if contains(joined, "192.168.1.0/24") {
				foundOldDisable = true
			}
			if contains(joined, "192.168.2.0/24") {
				foundNewEnable = true
			}
		}
	}
	if !foundOldDisable {
		t.Error("expected UpdateLanCidr to check rules against the old lan_cidr before disabling")
	}
	if !foundNewEnable {
		t.Error("expected UpdateLanCidr to check rules against the new lan_cidr before enabling")
	}
}

func TestRestoreOnStartupPrunesOrphanedPeerState(t *testing.T) {
	n := soloNetwork(t)
	c, _, modeStore, _ := newTestController(t, n)

	stale := uuid.New()
	st := modestate.Empty()
	st.LastMode = modestate.ModeRouter
	st.PeerTableIDs[stale] = 4242
	if err := modeStore.Save(st); err != nil {
		t.Fatal(err)
	}

	if err := c.RestoreOnStartup(context.Background()); err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}

	got, err := modeStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.PeerTableIDs[stale]; ok {
		t.Error("expected orphaned peer table ID to be pruned on startup")
	}
}

func TestRestoreOnStartupSkipsFirewallInHostMode(t *testing.T) {
	n := soloNetwork(t)
	c, _, modeStore, fake := newTestController(t, n)

	if err := c.RestoreOnStartup(context.Background()); err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}
	for _, call := range fake.Calls {
		if call.Name == "sysctl" {
			t.Errorf("expected no forwarding sysctl call in host mode, got %+v", call)
		}
	}
	got, err := modeStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMode != modestate.ModeHost {
		t.Errorf("expected mode state to remain host, got %v", got.LastMode)
	}
}

func TestRestorePeerRoutesAfterInterfaceUpNoopsOutsideRouterMode(t *testing.T) {
	n := soloNetwork(t)
	c, _, _, fake := newTestController(t, n)

	if err := c.RestorePeerRoutesAfterInterfaceUp(context.Background()); err != nil {
		t.Fatalf("RestorePeerRoutesAfterInterfaceUp: %v", err)
	}
	if len(fake.Calls) != 0 {
		t.Errorf("expected no shell calls outside router mode, got %v", fake.Calls)
	}
}

func TestRestorePeerRoutesAfterInterfaceUpResyncsInRouterMode(t *testing.T) {
	n := soloNetwork(t)
	c, _, modeStore, fake := newTestController(t, n)

	if err := c.EnterRouter(context.Background(), "192.168.1.0/24"); err != nil {
		t.Fatalf("EnterRouter: %v", err)
	}
	fake.Calls = nil

	if err := c.RestorePeerRoutesAfterInterfaceUp(context.Background()); err != nil {
		t.Fatalf("RestorePeerRoutesAfterInterfaceUp: %v", err)
	}

	foundRuleSync := false
	for _, call := range fake.Calls {
		if call.Name == "ip" && len(call.Args) > 0 && call.Args[0] == "rule" {
			foundRuleSync = true
		}
	}
	if !foundRuleSync {
		t.Error("expected RestorePeerRoutesAfterInterfaceUp to resync PBR rules")
	}

	st, err := modeStore.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastMode != modestate.ModeRouter {
		t.Errorf("expected mode state to remain router, got %v", st.LastMode)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
