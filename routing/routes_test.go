package routing

import (
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"wgrouterd/network"
)

func twoPeerNetwork(t *testing.T) (*network.Network, uuid.UUID, uuid.UUID) {
	t.Helper()
	n := network.New("home", netip.MustParsePrefix("10.10.0.0/24"))
	a := uuid.New()
	b := uuid.New()
	n.ThisPeer = a
	n.Peers[a] = network.Peer{ID: a, Name: "gateway", Address: netip.MustParseAddr("10.10.0.1")}
	n.Peers[b] = network.Peer{ID: b, Name: "laptop", Address: netip.MustParseAddr("10.10.0.2")}

	id := network.NewConnectionID(a, b)
	conn := network.Connection{
		ID:      id,
		Enabled: true,
		Keepalive: network.Keepalive{Enabled: true, Period: 25 * time.Second},
	}
	// AToB is what id.A advertises, visible to id.B; BToA the reverse.
	// Pin the fixture's AllowedIPs by the canonicalized A/B, not by
	// which peer is "gateway" — NewConnectionID orders by raw UUID value.
	if id.A == a {
		conn.AllowedIPsAToB = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
		conn.AllowedIPsBToA = []netip.Prefix{netip.MustParsePrefix("192.168.50.0/24")}
	} else {
		conn.AllowedIPsBToA = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
		conn.AllowedIPsAToB = []netip.Prefix{netip.MustParsePrefix("192.168.50.0/24")}
	}
	n.Connections[id] = conn
	return n, a, b
}

func TestAdvertisedRoutesUsesCounterpartyAdvertisement(t *testing.T) {
	n, a, b := twoPeerNetwork(t)

	// gateway (a) advertises 0.0.0.0/0 toward laptop (b); laptop
	// advertises its LAN (192.168.50.0/24) toward gateway. Per the
	// original get_peer_advertised_routes semantics, a peer's own table
	// is populated from what the *other side* advertises toward it —
	// so gateway's routes include laptop's LAN, and laptop's routes
	// include the default route gateway advertises.
	// Sorted most-specific (highest prefix length) first.
	gatewayRoutes := AdvertisedRoutes(n, a)
	wantGateway := []netip.Prefix{
		netip.MustParsePrefix("10.10.0.1/32"),
		netip.MustParsePrefix("192.168.50.0/24"),
	}
	if !reflect.DeepEqual(gatewayRoutes, wantGateway) {
		t.Errorf("gateway routes = %v, want %v", gatewayRoutes, wantGateway)
	}

	laptopRoutes := AdvertisedRoutes(n, b)
	wantLaptop := []netip.Prefix{
		netip.MustParsePrefix("10.10.0.2/32"),
		netip.MustParsePrefix("0.0.0.0/0"),
	}
	if !reflect.DeepEqual(laptopRoutes, wantLaptop) {
		t.Errorf("laptop routes = %v, want %v", laptopRoutes, wantLaptop)
	}
}

func TestAdvertisedRoutesDropsMalformedPrefixes(t *testing.T) {
	n, a, b := twoPeerNetwork(t)
	id := network.NewConnectionID(a, b)
	conn := n.Connections[id]
	// A host bit set beyond the mask (10.0.0.5/24) is not a valid
	// network-address route and must be dropped, not installed.
	bad := netip.MustParsePrefix("10.0.0.5/24")
	if id.A == a {
		conn.AllowedIPsBToA = append(conn.AllowedIPsBToA, bad)
	} else {
		conn.AllowedIPsAToB = append(conn.AllowedIPsAToB, bad)
	}
	n.Connections[id] = conn

	routes := AdvertisedRoutes(n, a)
	for _, r := range routes {
		if r == bad {
			t.Errorf("malformed route %s should have been dropped, got %v", bad, routes)
		}
	}
}

func TestAdvertisedRoutesIgnoresDisabledConnections(t *testing.T) {
	n, a, b := twoPeerNetwork(t)
	id := network.NewConnectionID(a, b)
	conn := n.Connections[id]
	conn.Enabled = false
	n.Connections[id] = conn

	routes := AdvertisedRoutes(n, a)
	if len(routes) != 1 || routes[0] != netip.MustParsePrefix("10.10.0.1/32") {
		t.Errorf("expected only the peer's own /32 with the connection disabled, got %v", routes)
	}
}

func TestNonDefaultRoutesFiltersDefaultRoute(t *testing.T) {
	in := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/24"),
		DefaultRoute,
		netip.MustParsePrefix("192.168.1.0/24"),
	}
	out := NonDefaultRoutes(in)
	for _, p := range out {
		if p == DefaultRoute {
			t.Fatal("NonDefaultRoutes must not include 0.0.0.0/0")
		}
	}
	if len(out) != 2 {
		t.Errorf("expected 2 routes, got %d", len(out))
	}
}
