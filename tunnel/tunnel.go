// Package tunnel is the C9 wg/ip link manager: interface bring-up,
// config sync, and teardown. Adapted from
// infra/wireguard/kernel/{wg.go,prober.go}'s netlink/wgctrl device
// lifecycle, generalized from one structured wgctrl.ConfigureDevice
// call to the text-based `wg setconf`/`syncconf` path spec.md §4.9
// requires (so the interface's [Peer] sections always match
// network.RenderConfig's canonical output byte-for-byte, including the
// 0.0.0.0/0 stripping that §4.9's exit-node re-assertion then restores).
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgrouterd/network"
	"wgrouterd/shell"
	"wgrouterd/wgerr"
)

// FirewallHooks carries the agent.firewall settings the legacy
// iptables PostUp/PostDown hook needs — distinct from and coexisting
// with the mode-driven firewall package (spec.md §4.9).
type FirewallHooks struct {
	Enabled     bool
	UtilityPath string
	Gateway     string
	VPNPort     int
}

// defaultRoute mirrors network.RenderConfig's stripped token — kept
// local since importing routing here would invert the C6/C9 dependency
// the concurrency model draws (see routing.AllowedIPsSetter).
var defaultRoute = netip.MustParsePrefix("0.0.0.0/0")

// ExitNodeAssertion is what SyncConf re-asserts after `wg syncconf`
// strips 0.0.0.0/0 from every peer's allowed-ips.
type ExitNodeAssertion struct {
	PeerKey    wgtypes.Key
	AllowedIPs []netip.Prefix
}

// Manager owns one WireGuard interface's lifecycle.
type Manager struct {
	Runner shell.Runner
	Logger *slog.Logger
	Iface  string
}

// New returns a Manager for iface.
func New(runner shell.Runner, logger *slog.Logger, iface string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Runner: runner, Logger: logger, Iface: iface}
}

// Up brings the interface up idempotently: link, PreUp hooks, initial
// config, addresses, MTU, link-up, routes, DNS, PostUp hooks (spec.md
// §4.9). thisPeer must be a peer in n.
func (m *Manager) Up(ctx context.Context, n *network.Network, thisPeer uuid.UUID, fw FirewallHooks) error {
	self, ok := n.Peers[thisPeer]
	if !ok {
		return wgerr.Newf(wgerr.NotFound, "this_peer %s not in network", thisPeer)
	}

	mtu := 1420
	if self.MTU.Enabled && self.MTU.Value > 0 {
		mtu = int(self.MTU.Value)
	}

	link, err := ensureLink(m.Iface, mtu)
	if err != nil {
		return err
	}

	if err := m.runHooks(ctx, self.Scripts.PreUp); err != nil {
		m.Logger.Warn("pre-up hook failed", "error", err)
	}

	cfgText, err := network.RenderConfig(n, thisPeer, network.ConfigStripped)
	if err != nil {
		return wgerr.Wrap(wgerr.Invalid, "render initial wireguard config", err)
	}
	if err := m.setConf(ctx, cfgText); err != nil {
		return err
	}

	if err := syncAddresses(link, []netip.Prefix{netip.PrefixFrom(self.Address, n.Subnet.Bits())}); err != nil {
		return err
	}

	if link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return wgerr.Wrap(wgerr.External, "set wireguard mtu", err)
		}
	}
	if link.Attrs().Flags&unix.IFF_UP == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return wgerr.Wrap(wgerr.External, "set wireguard interface up", err)
		}
	}

	if err := m.syncPeerRoutes(n, thisPeer, link); err != nil {
		return err
	}

	if self.DNS.Enabled && len(self.DNS.Servers) > 0 {
		if err := m.setDNS(ctx, self.DNS.Servers); err != nil {
			m.Logger.Warn("set dns failed; continuing", "error", err)
		}
	}

	if err := m.runHooks(ctx, self.Scripts.PostUp); err != nil {
		m.Logger.Warn("post-up hook failed", "error", err)
	}
	if fw.Enabled {
		m.legacyFirewallUp(ctx, fw, n.Subnet)
	}

	return nil
}

// SyncConf writes thisPeer's current stripped config to a temp file and
// runs `wg syncconf`, then — if reassert is non-nil — re-adds
// 0.0.0.0/0 to the exit node's allowed-ips, since syncconf always
// strips it (spec.md §4.9).
func (m *Manager) SyncConf(ctx context.Context, n *network.Network, thisPeer uuid.UUID, reassert *ExitNodeAssertion) error {
	cfgText, err := network.RenderConfig(n, thisPeer, network.ConfigStripped)
	if err != nil {
		return wgerr.Wrap(wgerr.Invalid, "render wireguard config", err)
	}

	tmp, err := os.CreateTemp("", "wgrouterd-syncconf-*.conf")
	if err != nil {
		return wgerr.Wrap(wgerr.External, "create syncconf temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(cfgText); err != nil {
		tmp.Close()
		return wgerr.Wrap(wgerr.External, "write syncconf temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return wgerr.Wrap(wgerr.External, "close syncconf temp file", err)
	}

	if _, err := m.Runner.Run(ctx, "wg", "syncconf", m.Iface, tmp.Name()); err != nil {
		return wgerr.Wrap(wgerr.External, "wg syncconf", err)
	}

	link, err := netlink.LinkByName(m.Iface)
	if err == nil {
		_ = m.syncPeerRoutes(n, thisPeer, link)
	}

	if reassert != nil {
		return m.SetAllowedIPs(ctx, reassert.PeerKey, reassert.AllowedIPs)
	}
	return nil
}

// SetAllowedIPs rewrites one peer's allowed-ips on the live device via
// `wg set`, implementing routing.AllowedIPsSetter.
func (m *Manager) SetAllowedIPs(ctx context.Context, peerKey wgtypes.Key, prefixes []netip.Prefix) error {
	strs := make([]string, len(prefixes))
	for i, p := range prefixes {
		strs[i] = p.String()
	}
	allowedIPs := ""
	for i, s := range strs {
		if i > 0 {
			allowedIPs += ","
		}
		allowedIPs += s
	}
	if _, err := m.Runner.Run(ctx, "wg", "set", m.Iface, "peer", peerKey.String(), "allowed-ips", allowedIPs); err != nil {
		return wgerr.Wrap(wgerr.External, "wg set allowed-ips", err)
	}
	return nil
}

// Down tears down the interface: PreDown hooks, link deletion, PostDown
// hooks. Routes and addresses disappear with the link.
func (m *Manager) Down(ctx context.Context, n *network.Network, thisPeer uuid.UUID, fw FirewallHooks) error {
	if self, ok := n.Peers[thisPeer]; ok {
		if err := m.runHooks(ctx, self.Scripts.PreDown); err != nil {
			m.Logger.Warn("pre-down hook failed", "error", err)
		}
	}

	link, err := netlink.LinkByName(m.Iface)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return wgerr.Wrap(wgerr.External, "find wireguard interface", err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return wgerr.Wrap(wgerr.External, "delete wireguard interface", err)
	}

	if self, ok := n.Peers[thisPeer]; ok {
		if err := m.runHooks(ctx, self.Scripts.PostDown); err != nil {
			m.Logger.Warn("post-down hook failed", "error", err)
		}
	}
	if fw.Enabled {
		m.legacyFirewallDown(ctx, fw, n.Subnet)
	}
	return nil
}

// Exists reports whether the kernel WireGuard interface is present.
func (m *Manager) Exists(ctx context.Context) bool {
	wg, err := wgctrl.New()
	if err != nil {
		return false
	}
	defer wg.Close()
	_, err = wg.Device(m.Iface)
	return err == nil
}

func (m *Manager) setConf(ctx context.Context, cfgText string) error {
	tmp, err := os.CreateTemp("", "wgrouterd-setconf-*.conf")
	if err != nil {
		return wgerr.Wrap(wgerr.External, "create setconf temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(cfgText); err != nil {
		tmp.Close()
		return wgerr.Wrap(wgerr.External, "write setconf temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return wgerr.Wrap(wgerr.External, "close setconf temp file", err)
	}
	if _, err := m.Runner.Run(ctx, "wg", "setconf", m.Iface, tmp.Name()); err != nil {
		return wgerr.Wrap(wgerr.External, "wg setconf", err)
	}
	return nil
}

func (m *Manager) runHooks(ctx context.Context, scripts ...network.ScriptLine) error {
	for _, s := range scripts {
		if !s.Enabled || s.Cmd == "" {
			continue
		}
		if _, err := m.Runner.Run(ctx, "sh", "-c", s.Cmd); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) setDNS(ctx context.Context, servers []netip.Addr) error {
	args := []string{"dns", m.Iface}
	for _, s := range servers {
		args = append(args, s.String())
	}
	_, err := m.Runner.Run(ctx, "resolvectl", args...)
	return err
}

// legacyFirewallUp installs the per-interface iptables rules
// original_source's wg_quick.rs runs on PostUp when agent.firewall is
// enabled — distinct from and coexisting with the mode-driven firewall
// package (spec.md §4.9); best-effort, failures only warn.
func (m *Manager) legacyFirewallUp(ctx context.Context, fw FirewallHooks, subnet netip.Prefix) {
	utility := fw.UtilityPath
	if utility == "" {
		utility = "iptables"
	}
	cmds := [][]string{
		{utility, "-t", "nat", "-I", "POSTROUTING", "-s", subnet.String(), "-o", fw.Gateway, "-j", "MASQUERADE"},
		{utility, "-I", "INPUT", "-p", "udp", "-m", "udp", "--dport", fmt.Sprintf("%d", fw.VPNPort), "-j", "ACCEPT"},
		{utility, "-I", "FORWARD", "-i", m.Iface, "-j", "ACCEPT"},
		{utility, "-I", "FORWARD", "-o", m.Iface, "-j", "ACCEPT"},
	}
	for _, c := range cmds {
		if _, err := m.Runner.Run(ctx, c[0], c[1:]...); err != nil {
			m.Logger.Warn("legacy firewall hook failed", "cmd", c, "error", err)
		}
	}
	if _, err := m.Runner.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		m.Logger.Warn("sysctl ip_forward failed", "error", err)
	}
}

func (m *Manager) legacyFirewallDown(ctx context.Context, fw FirewallHooks, subnet netip.Prefix) {
	utility := fw.UtilityPath
	if utility == "" {
		utility = "iptables"
	}
	cmds := [][]string{
		{utility, "-t", "nat", "-D", "POSTROUTING", "-s", subnet.String(), "-o", fw.Gateway, "-j", "MASQUERADE"},
		{utility, "-D", "INPUT", "-p", "udp", "-m", "udp", "--dport", fmt.Sprintf("%d", fw.VPNPort), "-j", "ACCEPT"},
		{utility, "-D", "FORWARD", "-i", m.Iface, "-j", "ACCEPT"},
		{utility, "-D", "FORWARD", "-o", m.Iface, "-j", "ACCEPT"},
	}
	for _, c := range cmds {
		_, _ = m.Runner.Run(ctx, c[0], c[1:]...)
	}
	_, _ = m.Runner.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=0")
}

func ensureLink(iface string, mtu int) (netlink.Link, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); !ok {
			return nil, wgerr.Wrap(wgerr.External, "find wireguard interface", err)
		}
		link = &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: iface}, LinkType: "wireguard"}
		if err := netlink.LinkAdd(link); err != nil {
			return nil, wgerr.Wrap(wgerr.External, "create wireguard interface", err)
		}
		link, err = netlink.LinkByName(iface)
		if err != nil {
			return nil, wgerr.Wrap(wgerr.External, "refetch wireguard interface", err)
		}
	}
	if link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return nil, wgerr.Wrap(wgerr.External, "set wireguard mtu", err)
		}
	}
	return link, nil
}

func syncAddresses(link netlink.Link, prefixes []netip.Prefix) error {
	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return wgerr.Wrap(wgerr.External, "list wireguard addresses", err)
	}
	desired := make(map[string]netip.Prefix, len(prefixes))
	for _, p := range prefixes {
		if p.IsValid() {
			desired[p.String()] = p
		}
	}
	have := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		have[a.IPNet.String()] = struct{}{}
	}
	for key, p := range desired {
		if _, ok := have[key]; ok {
			continue
		}
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: prefixToIPNet(p)}); err != nil {
			return wgerr.Wrap(wgerr.External, "add wireguard address "+key, err)
		}
	}
	for _, a := range existing {
		key := a.IPNet.String()
		if _, ok := desired[key]; ok {
			continue
		}
		if err := netlink.AddrDel(link, &a); err != nil {
			return wgerr.Wrap(wgerr.External, "remove stale wireguard address "+key, err)
		}
	}
	return nil
}

// syncPeerRoutes installs a direct route in the main table for every
// non-default prefix thisPeer's counterparties advertise — mirroring
// wg-quick's normal AllowedIPs route population, sorted most-specific
// first (spec.md §4.9). The per-peer PBR tables (routing package) are
// a separate, Router-Mode-only concern; this always runs.
func (m *Manager) syncPeerRoutes(n *network.Network, thisPeer uuid.UUID, link netlink.Link) error {
	var routes []netip.Prefix
	seen := make(map[netip.Prefix]struct{})
	for _, conn := range n.ConnectionsOf(thisPeer) {
		other, ok := conn.OtherPeer(thisPeer)
		if !ok {
			continue
		}
		for _, p := range conn.AdvertisedBy(other) {
			if p == defaultRoute {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			routes = append(routes, p)
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Bits() > routes[j].Bits() })

	for _, p := range routes {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: prefixToIPNet(p)}
		if err := netlink.RouteReplace(route); err != nil {
			return wgerr.Wrap(wgerr.External, "add route "+p.String(), err)
		}
	}
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
