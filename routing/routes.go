// Package routing is the C6 PBR engine: per-peer routing-table
// allocation and population, ip-rule priority-band management, and
// exit-node arbitration. Grounded on infra/wireguard/kernel/wg.go's
// netlink.RouteReplace/RouteList/diff-then-reconcile pattern for the
// route-table half; the ip-rule half shells out via shell.Runner since
// vishvananda/netlink's rule API doesn't cleanly expose the
// iif+to+from combination these rules need.
package routing

import (
	"net/netip"
	"sort"

	"github.com/google/uuid"

	"wgrouterd/network"
)

// DefaultRoute is the well-known "route everything" prefix.
var DefaultRoute = netip.MustParsePrefix("0.0.0.0/0")

// AdvertisedRoutes returns peerID's advertised route set: the union,
// over every connection containing peerID, of what the *other* side of
// that connection advertises toward peerID, plus peerID's own host
// route. A peer's own table is populated from what it can reach
// *through its counterparties*, not from what it advertises about
// itself — confirmed against the original get_peer_advertised_routes
// implementation, where peer A's routes come from allowed_ips_b_to_a
// (B's advertisement) and peer B's from allowed_ips_a_to_b (A's).
//
// Only prefixes that parse as the network address of their mask (or
// the default route) are kept; anything else is a malformed entry
// from an older config generation and is silently dropped rather than
// installed as a route.
func AdvertisedRoutes(n *network.Network, peerID uuid.UUID) []netip.Prefix {
	seen := make(map[netip.Prefix]struct{})
	var out []netip.Prefix

	add := func(p netip.Prefix) {
		if !validRoute(p) {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if peer, ok := n.Peers[peerID]; ok && peer.Address.IsValid() {
		add(netip.PrefixFrom(peer.Address, 32))
	}

	for _, c := range n.ConnectionsOf(peerID) {
		if !c.Enabled {
			continue
		}
		other, ok := c.OtherPeer(peerID)
		if !ok {
			continue
		}
		for _, p := range c.AdvertisedBy(other) {
			add(p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Bits() != out[j].Bits() {
			return out[i].Bits() > out[j].Bits()
		}
		return out[i].Addr().String() < out[j].Addr().String()
	})
	return out
}

// validRoute reports whether p is installable: either the default
// route, or a prefix whose address is already its own network address
// (no host bits set beyond the mask).
func validRoute(p netip.Prefix) bool {
	if !p.IsValid() {
		return false
	}
	if p == DefaultRoute {
		return true
	}
	return p.Addr().Is4() && p.Masked() == p
}

// NonDefaultRoutes filters out DefaultRoute, used when an exit node's
// allowed-ips need rebuilding without 0.0.0.0/0 (set-exit-node step 1).
func NonDefaultRoutes(routes []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(routes))
	for _, p := range routes {
		if p != DefaultRoute {
			out = append(out, p)
		}
	}
	return out
}
