package network

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func testKey(t *testing.T, seed byte) wgtypes.Key {
	t.Helper()
	var raw [32]byte
	for i := range raw {
		raw[i] = seed
	}
	raw[0] &= 248
	raw[31] &= 127
	raw[31] |= 64
	return wgtypes.Key(raw)
}

func twoPeerNetwork(t *testing.T) (*Network, uuid.UUID, uuid.UUID) {
	t.Helper()
	subnet := netip.MustParsePrefix("10.10.0.0/24")
	n := New("home", subnet)

	// Fixed, not random, so the connection's canonical slot assignment
	// (A = larger UUID, see NewConnectionID) is deterministic: b sorts
	// above a, so b lands in ConnectionID.A. Assertions below depend on
	// that slot assignment, not on which literal peer is "gateway".
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	n.ThisPeer = a
	n.Peers[a] = Peer{
		ID: a, Name: "gateway", Address: netip.MustParseAddr("10.10.0.1"),
		Endpoint: Endpoint{Enabled: true, Kind: EndpointIPv4, IP: netip.MustParseAddr("203.0.113.5"), Port: 51820},
		PrivateKey: testKey(t, 1),
	}
	n.Peers[b] = Peer{
		ID: b, Name: "laptop", Address: netip.MustParseAddr("10.10.0.2"),
		PrivateKey: testKey(t, 2),
	}
	n.Connections[NewConnectionID(a, b)] = Connection{
		ID:      NewConnectionID(a, b),
		Enabled: true,
		Keepalive: Keepalive{Enabled: true, Period: 25 * time.Second},
		AllowedIPsAToB: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		AllowedIPsBToA: []netip.Prefix{netip.MustParsePrefix("10.10.0.2/32")},
	}
	return n, a, b
}

func TestRenderConfigFullStripsDefaultRoute(t *testing.T) {
	n, a, b := twoPeerNetwork(t)

	cfg, err := RenderConfig(n, b, ConfigFull)
	if err != nil {
		t.Fatalf("RenderConfig: %v", err)
	}
	if !strings.Contains(cfg, "Address = 10.10.0.2/32") {
		t.Errorf("expected Address line for laptop, got:\n%s", cfg)
	}
	if strings.Contains(cfg, "0.0.0.0/0") {
		t.Errorf("default route must never appear in exported config, got:\n%s", cfg)
	}
	if !strings.Contains(cfg, "AllowedIPs = 10.10.0.1/32") {
		t.Errorf("expected gateway's own address as AllowedIPs fallback, got:\n%s", cfg)
	}
	if !strings.Contains(cfg, "Endpoint = 203.0.113.5:51820") {
		t.Errorf("expected gateway endpoint in laptop's config, got:\n%s", cfg)
	}
	if !strings.Contains(cfg, "PersistentKeepalive = 25") {
		t.Errorf("expected keepalive line, got:\n%s", cfg)
	}

	aCfg, err := RenderConfig(n, a, ConfigStripped)
	if err != nil {
		t.Fatalf("RenderConfig: %v", err)
	}
	if strings.Contains(aCfg, "Address =") {
		t.Errorf("stripped form must omit Address, got:\n%s", aCfg)
	}
	if !strings.Contains(aCfg, "ListenPort = 51820") {
		t.Errorf("stripped form must keep ListenPort, got:\n%s", aCfg)
	}
}

// TestRenderConfigAllowedIPsUsesOwnConnectionSlot pins distinct,
// non-default prefixes on both sides of the connection so that a render
// call picking the wrong slot's AllowedIPs (the other peer's instead of
// its own) is caught directly, rather than being masked by the
// default-route-stripped fallback path that TestRenderConfigFullStripsDefaultRoute
// exercises.
func TestRenderConfigAllowedIPsUsesOwnConnectionSlot(t *testing.T) {
	n, a, b := twoPeerNetwork(t)
	cid := NewConnectionID(a, b)
	if cid.A != b {
		t.Fatalf("test fixture assumption broken: expected b in slot A, got %s", cid.A)
	}

	c := n.Connections[cid]
	c.AllowedIPsAToB = []netip.Prefix{netip.MustParsePrefix("192.168.50.0/24")}
	c.AllowedIPsBToA = []netip.Prefix{netip.MustParsePrefix("192.168.60.0/24")}
	n.Connections[cid] = c

	bCfg, err := RenderConfig(n, b, ConfigFull)
	if err != nil {
		t.Fatalf("RenderConfig(b): %v", err)
	}
	if !strings.Contains(bCfg, "AllowedIPs = 192.168.50.0/24") {
		t.Errorf("b (slot A) config should carry AllowedIPsAToB, got:\n%s", bCfg)
	}
	if strings.Contains(bCfg, "192.168.60.0/24") {
		t.Errorf("b's config must not carry the other slot's AllowedIPs, got:\n%s", bCfg)
	}

	aCfg, err := RenderConfig(n, a, ConfigFull)
	if err != nil {
		t.Fatalf("RenderConfig(a): %v", err)
	}
	if !strings.Contains(aCfg, "AllowedIPs = 192.168.60.0/24") {
		t.Errorf("a (slot B) config should carry AllowedIPsBToA, got:\n%s", aCfg)
	}
	if strings.Contains(aCfg, "192.168.50.0/24") {
		t.Errorf("a's config must not carry the other slot's AllowedIPs, got:\n%s", aCfg)
	}
}

func TestRenderConfigUnknownPeer(t *testing.T) {
	n, _, _ := twoPeerNetwork(t)
	if _, err := RenderConfig(n, uuid.New(), ConfigFull); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestRenderConfigSkipsDisabledConnections(t *testing.T) {
	n, a, b := twoPeerNetwork(t)
	c := n.Connections[NewConnectionID(a, b)]
	c.Enabled = false
	n.Connections[NewConnectionID(a, b)] = c

	cfg, err := RenderConfig(n, a, ConfigFull)
	if err != nil {
		t.Fatalf("RenderConfig: %v", err)
	}
	if strings.Contains(cfg, "[Peer]") {
		t.Errorf("disabled connection must not produce a [Peer] block, got:\n%s", cfg)
	}
}

func TestIsDefaultRouteToken(t *testing.T) {
	for _, s := range []string{"default", "0.0.0.0/0", "  default  "} {
		if !IsDefaultRouteToken(s) {
			t.Errorf("expected %q to be recognized as the default route", s)
		}
	}
	if IsDefaultRouteToken("10.0.0.0/24") {
		t.Error("did not expect a normal CIDR to be recognized as the default route")
	}
}
