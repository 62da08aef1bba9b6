package network

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestNetworkYAMLRoundTrip(t *testing.T) {
	n, _, _ := twoPeerNetwork(t)
	n.Defaults.Connection.Keepalive = Keepalive{Enabled: true, Period: 25 * time.Second}
	n.Reservations[mustAddr(t, "10.10.0.99")] = Reservation{
		Address: mustAddr(t, "10.10.0.99"), PeerID: n.ThisPeer, ValidUntil: time.Unix(1700000000, 0).UTC(),
	}

	data, err := yaml.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Network
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, data)
	}

	if diff := cmp.Diff(n.Digest(), out.Digest()); diff != "" {
		t.Errorf("round-trip changed the network (-want +got):\n%s", diff)
	}
	if len(out.Peers) != len(n.Peers) {
		t.Fatalf("expected %d peers after round-trip, got %d", len(n.Peers), len(out.Peers))
	}
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	return netip.MustParseAddr(s)
}
