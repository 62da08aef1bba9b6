// Package firewall is the C5 firewall manager: NAT/MASQUERADE, FORWARD,
// and TCP-MSS-clamp rules for LAN<->WireGuard traffic in Router Mode.
// Every add is idempotent (check-then-add, mirroring the teacher's
// create-or-tolerate-AlreadyExists / remove-or-tolerate-NotFound shape
// in infra/docker/container.go, here applied to iptables's own
// check-then-act primitive, `-C`, instead of a Docker NotFound error).
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"wgrouterd/routing"
	"wgrouterd/shell"
	"wgrouterd/wgerr"
)

// fallbackInterfaces is tried, in order, when CIDR-based discovery
// (matching the first three octets of a CIDR against `ip -4 addr
// show`) finds no match.
var fallbackInterfaces = []string{"eth0", "ens3", "enp0s3", "enp1s0"}

// Manager applies and retracts the mode-driven firewall rules for one
// WireGuard interface and a set of LAN CIDRs.
type Manager struct {
	Runner      shell.Runner
	Logger      *slog.Logger
	UtilityPath string // iptables binary/wrapper path, e.g. "iptables" or "/usr/sbin/iptables-legacy"
}

// New returns a Manager. utilityPath defaults to "iptables" if empty.
func New(runner shell.Runner, logger *slog.Logger, utilityPath string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if utilityPath == "" {
		utilityPath = "iptables"
	}
	return &Manager{Runner: runner, Logger: logger, UtilityPath: utilityPath}
}

func (m *Manager) run(ctx context.Context, args ...string) (shell.Result, error) {
	return m.Runner.Run(ctx, m.UtilityPath, args...)
}

func (m *Manager) exists(ctx context.Context, args ...string) bool {
	_, err := m.run(ctx, append([]string{"-C"}, args...)...)
	return err == nil
}

// addRule appends args' rule if -C reports it absent.
func (m *Manager) addRule(ctx context.Context, args ...string) error {
	if m.exists(ctx, args...) {
		return nil
	}
	if _, err := m.run(ctx, append([]string{"-A"}, args...)...); err != nil {
		return wgerr.Wrap(wgerr.External, "add iptables rule "+strings.Join(args, " "), err)
	}
	return nil
}

// removeRule deletes args' rule, tolerating "rule not present".
func (m *Manager) removeRule(ctx context.Context, args ...string) error {
	if !m.exists(ctx, args...) {
		return nil
	}
	if _, err := m.run(ctx, append([]string{"-D"}, args...)...); err != nil {
		return wgerr.Wrap(wgerr.External, "remove iptables rule "+strings.Join(args, " "), err)
	}
	return nil
}

// Enable installs every NAT/FORWARD/MSS rule for lanCIDRs <-> wgIface
// and the overlay subnet wgSubnet. Idempotent: safe to call repeatedly,
// e.g. on every Router-Mode (re)entry with a changed lanCidr list.
func (m *Manager) Enable(ctx context.Context, wgIface string, wgSubnet netip.Prefix, lanCIDRs []netip.Prefix) error {
	for _, cidr := range lanCIDRs {
		lanIface, err := m.discoverLANInterface(ctx, cidr)
		if err != nil {
			return err
		}

		if err := m.addRule(ctx, "-t", "nat", "POSTROUTING", "-s", cidr.String(), "-o", wgIface, "-j", "MASQUERADE"); err != nil {
			return err
		}
		if err := m.addRule(ctx, "FORWARD", "-i", lanIface, "-o", wgIface, "-j", "ACCEPT"); err != nil {
			return err
		}
		if err := m.addRule(ctx, "FORWARD", "-i", wgIface, "-o", lanIface, "-j", "ACCEPT"); err != nil {
			return err
		}
	}

	if err := m.addRule(ctx, "-t", "nat", "POSTROUTING", "-s", wgSubnet.String(), "-o", wgIface, "-j", "MASQUERADE"); err != nil {
		return err
	}

	if err := m.addMSSClamp(ctx, wgIface); err != nil {
		m.Logger.Warn("tcp-mss clamp rule install failed; continuing", "error", err)
	}
	return nil
}

// Disable removes exactly what Enable installs, tolerating rules that
// are already absent (R2: Enable then Disable restores the initial
// iptables state, modulo rule order).
func (m *Manager) Disable(ctx context.Context, wgIface string, wgSubnet netip.Prefix, lanCIDRs []netip.Prefix) error {
	for _, cidr := range lanCIDRs {
		lanIface, err := m.discoverLANInterface(ctx, cidr)
		if err != nil {
			continue // best-effort: an interface that vanished can't have stale rules referencing it either
		}
		_ = m.removeRule(ctx, "-t", "nat", "POSTROUTING", "-s", cidr.String(), "-o", wgIface, "-j", "MASQUERADE")
		_ = m.removeRule(ctx, "FORWARD", "-i", lanIface, "-o", wgIface, "-j", "ACCEPT")
		_ = m.removeRule(ctx, "FORWARD", "-i", wgIface, "-o", lanIface, "-j", "ACCEPT")
	}
	_ = m.removeRule(ctx, "-t", "nat", "POSTROUTING", "-s", wgSubnet.String(), "-o", wgIface, "-j", "MASQUERADE")
	m.removeMSSClamp(ctx, wgIface)
	return nil
}

func (m *Manager) addMSSClamp(ctx context.Context, wgIface string) error {
	rules := mssClampRules(wgIface)
	for _, r := range rules {
		if err := m.addRule(ctx, r...); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) removeMSSClamp(ctx context.Context, wgIface string) {
	for _, r := range mssClampRules(wgIface) {
		_ = m.removeRule(ctx, r...)
	}
}

func mssClampRules(wgIface string) [][]string {
	clamp := []string{"-p", "tcp", "--tcp-flags", "SYN,RST", "SYN", "-j", "TCPMSS", "--clamp-mss-to-pmtu"}
	return [][]string{
		append([]string{"-t", "mangle", "FORWARD", "-o", wgIface}, clamp...),
		append([]string{"-t", "mangle", "FORWARD", "-i", wgIface}, clamp...),
		append([]string{"-t", "mangle", "POSTROUTING", "-o", wgIface}, clamp...),
	}
}

// ResolveSegments binds each lanCIDR to its discovered interface,
// producing the []routing.LANSegment the PBR engine and health monitor
// need but have no business discovering themselves.
func (m *Manager) ResolveSegments(ctx context.Context, lanCIDRs []netip.Prefix) ([]routing.LANSegment, error) {
	segments := make([]routing.LANSegment, 0, len(lanCIDRs))
	for _, cidr := range lanCIDRs {
		iface, err := m.discoverLANInterface(ctx, cidr)
		if err != nil {
			return nil, err
		}
		segments = append(segments, routing.LANSegment{CIDR: cidr, Iface: iface})
	}
	return segments, nil
}

// discoverLANInterface finds the interface whose address matches cidr's
// first three octets in `ip -4 addr show`, falling back to a fixed
// candidate list when nothing matches.
func (m *Manager) discoverLANInterface(ctx context.Context, cidr netip.Prefix) (string, error) {
	res, err := m.Runner.Run(ctx, "ip", "-4", "addr", "show")
	if err == nil {
		if iface, ok := parseInterfaceForCIDR(res.Stdout, cidr); ok {
			return iface, nil
		}
	}
	for _, candidate := range fallbackInterfaces {
		if _, err := m.Runner.Run(ctx, "ip", "addr", "show", candidate); err == nil {
			return candidate, nil
		}
	}
	return "", wgerr.Newf(wgerr.External, "no LAN interface found for %s", cidr)
}

// parseInterfaceForCIDR scans `ip -4 addr show` output for an inet line
// whose address shares cidr's first three octets, returning the
// interface name from the preceding numbered header line.
func parseInterfaceForCIDR(output string, cidr netip.Prefix) (string, bool) {
	prefix3 := first3Octets(cidr.Addr())
	currentIface := ""
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			if fields := strings.SplitN(trimmed, ": ", 2); len(fields) == 2 {
				name := strings.SplitN(fields[1], "@", 2)[0]
				currentIface = name
			}
			continue
		}
		if strings.HasPrefix(trimmed, "inet ") {
			fields := strings.Fields(trimmed)
			if len(fields) < 2 {
				continue
			}
			addrStr := strings.SplitN(fields[1], "/", 2)[0]
			addr, err := netip.ParseAddr(addrStr)
			if err != nil || !addr.Is4() {
				continue
			}
			if first3Octets(addr) == prefix3 && currentIface != "" {
				return currentIface, true
			}
		}
	}
	return "", false
}

func first3Octets(addr netip.Addr) string {
	b := addr.As4()
	return fmt.Sprintf("%d.%d.%d", b[0], b[1], b[2])
}
