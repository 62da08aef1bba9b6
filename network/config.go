package network

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ConfigForm selects which shape of WireGuard config text to render.
type ConfigForm uint8

const (
	// ConfigFull is the form distributed to peers: Address, DNS, MTU,
	// and hook scripts are included in [Interface].
	ConfigFull ConfigForm = iota
	// ConfigStripped is the form used for `wg syncconf`: [Interface]
	// keeps only PrivateKey and ListenPort.
	ConfigStripped
)

// defaultRoute and its alias string form, stripped from every exported
// config per I5/P6 — the PBR engine (routing package) owns 0.0.0.0/0 at
// runtime.
var defaultRoute = netip.MustParsePrefix("0.0.0.0/0")

const defaultRouteAlias = "default"

// RenderConfig produces the WireGuard config text for peerID in the
// requested form: one [Interface] section followed by one [Peer]
// section per enabled connection containing peerID.
func RenderConfig(n *Network, peerID uuid.UUID, form ConfigForm) (string, error) {
	self, ok := n.Peers[peerID]
	if !ok {
		return "", fmt.Errorf("peer %s not found", peerID)
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", self.PrivateKey.String())
	if self.Endpoint.Enabled {
		fmt.Fprintf(&b, "ListenPort = %d\n", self.Endpoint.Port)
	}

	if form == ConfigFull {
		fmt.Fprintf(&b, "Address = %s/32\n", self.Address)
		if self.DNS.Enabled && len(self.DNS.Servers) > 0 {
			addrs := make([]string, len(self.DNS.Servers))
			for i, a := range self.DNS.Servers {
				addrs[i] = a.String()
			}
			fmt.Fprintf(&b, "DNS = %s\n", strings.Join(addrs, ", "))
		}
		if self.MTU.Enabled {
			fmt.Fprintf(&b, "MTU = %d\n", self.MTU.Value)
		}
		writeScriptLine(&b, "PreUp", self.Scripts.PreUp)
		writeScriptLine(&b, "PostUp", self.Scripts.PostUp)
		writeScriptLine(&b, "PreDown", self.Scripts.PreDown)
		writeScriptLine(&b, "PostDown", self.Scripts.PostDown)
	}

	for _, conn := range sortedConnections(n.ConnectionsOf(peerID)) {
		if !conn.Enabled {
			continue
		}
		otherID, ok := conn.OtherPeer(peerID)
		if !ok {
			continue
		}
		other, ok := n.Peers[otherID]
		if !ok {
			continue
		}

		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", other.PublicKey().String())
		if conn.PreSharedKey != (wgtypes.Key{}) {
			fmt.Fprintf(&b, "PresharedKey = %s\n", conn.PreSharedKey.String())
		}

		allowed := stripDefaultRoute(conn.AdvertisedBy(peerID))
		if len(allowed) == 0 {
			allowed = []netip.Prefix{hostPrefix(other.Address)}
		}
		ipStrs := make([]string, len(allowed))
		for i, p := range allowed {
			ipStrs[i] = p.String()
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(ipStrs, ", "))

		if conn.Keepalive.Enabled {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", int(conn.Keepalive.Period.Seconds()))
		}
		if other.Endpoint.Enabled {
			fmt.Fprintf(&b, "Endpoint = %s\n", other.Endpoint.String())
		}
	}

	return b.String(), nil
}

func writeScriptLine(b *strings.Builder, name string, s ScriptLine) {
	if s.Enabled && strings.TrimSpace(s.Cmd) != "" {
		fmt.Fprintf(b, "%s = %s\n", name, s.Cmd)
	}
}

// stripDefaultRoute removes 0.0.0.0/0 and the "default" alias from an
// AllowedIPs list per I5/P6. The PBR engine (routing package) re-asserts
// it dynamically at runtime; it must never appear in an exported config.
func stripDefaultRoute(prefixes []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if p == defaultRoute {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IsDefaultRouteToken reports whether s (as found in untrusted/raw
// AllowedIPs input) denotes the default route in either spelling.
func IsDefaultRouteToken(s string) bool {
	s = strings.TrimSpace(s)
	return s == defaultRouteAlias || s == defaultRoute.String()
}

func hostPrefix(addr netip.Addr) netip.Prefix {
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return netip.PrefixFrom(addr, bits)
}

func sortedConnections(conns []Connection) []Connection {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ID.A != conns[j].ID.A {
			return conns[i].ID.A.String() < conns[j].ID.A.String()
		}
		return conns[i].ID.B.String() < conns[j].ID.B.String()
	})
	return conns
}

