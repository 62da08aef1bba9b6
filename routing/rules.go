package routing

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"wgrouterd/shell"
	"wgrouterd/wgerr"
)

// Priority band bases (spec.md §4.6). Each peer/CIDR gets a concrete
// priority derived from one of these.
const (
	specificRouteBase   = 10000
	lanExceptionBase    = 19700
	lanToLANBase        = 19999
	lanToExitBase       = 20000
	wgPeerToExitBase    = 20001
)

// SpecificRoutePriority is the priority of a peer's iif-lan-to-prefix
// rule in its table's "specific route" band.
func SpecificRoutePriority(tableID uint32) int {
	return specificRouteBase + int(tableID%1000)
}

// LANExceptionPriority is one peer+CIDR's WG->LAN exception priority.
func LANExceptionPriority(cidrIdx, peerIdx int) int {
	return lanExceptionBase + cidrIdx*100 + peerIdx
}

// LANToLANPriority is one CIDR's LAN->LAN exception priority.
func LANToLANPriority(cidrIdx int) int {
	return lanToLANBase - cidrIdx
}

// LANToExitPriority is the LAN->Internet exit-node priority for tableID.
func LANToExitPriority(tableID uint32) int {
	return lanToExitBase + int(tableID%1000)
}

// WGPeerToExitPriority is the WG-peer->Internet exit-node priority for tableID.
func WGPeerToExitPriority(tableID uint32) int {
	return wgPeerToExitBase + int(tableID%1000)
}

// LANSegment pairs a LAN CIDR with the interface it was discovered on
// (firewall.Manager.discoverLANInterface resolves one per configured
// lanCidr entry).
type LANSegment struct {
	CIDR  netip.Prefix
	Iface string
}

// rule is one `ip rule` entry: a priority and the match/action tokens
// that follow "ip rule add priority <n>".
type rule struct {
	Priority int
	Args     []string // e.g. {"iif", "eth0", "to", "10.0.0.0/24", "lookup", "1042"}
}

func (r rule) key() string {
	return strconv.Itoa(r.Priority) + " " + strings.Join(r.Args, " ")
}

// Engine applies ip-rule and route-table changes for the PBR engine.
// Runner is the shell executor used for `ip rule` (table CRUD goes
// through netlink directly; see tables.go).
type Engine struct {
	Runner shell.Runner
}

// NewEngine returns an Engine using runner.
func NewEngine(runner shell.Runner) *Engine {
	return &Engine{Runner: runner}
}

// currentRules parses `ip rule show` into a priority-keyed list.
// Format per line: "<priority>:\tfrom <x> [to <y>] [iif <z>] lookup <table>".
func (e *Engine) currentRules(ctx context.Context) ([]rule, error) {
	res, err := e.Runner.Run(ctx, "ip", "rule", "show")
	if err != nil {
		return nil, wgerr.Wrap(wgerr.External, "list ip rules", err)
	}
	var rules []rule
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		prio, err := strconv.Atoi(strings.TrimSpace(line[:colon]))
		if err != nil {
			continue
		}
		rest := strings.Fields(line[colon+1:])
		// "from all" is what the kernel prints for a rule that didn't
		// specify a source selector; strip it so a shown rule's key()
		// matches the Args we'd construct for the same rule ourselves
		// (we only ever pass "from <addr>" when the rule actually
		// selects a source).
		if len(rest) >= 2 && rest[0] == "from" && rest[1] == "all" {
			rest = rest[2:]
		}
		rules = append(rules, rule{Priority: prio, Args: rest})
	}
	return rules, nil
}

// syncRules makes the live rule set at priority match specs exactly: a
// live rule at that priority not present in specs is stale (left over
// from a previous band membership) and is deleted; a spec not already
// live is added. specs must all share priority. Diffing the whole band
// against one `ip rule show` snapshot, rather than clobbering the
// priority per spec, is required because several bands legitimately
// install more than one rule at the same priority (one per LAN
// interface, or one per non-default route) — syncing them one at a
// time against a live re-query would have each new rule's add delete
// the previous one's, since both occupy the same priority.
func (e *Engine) syncRules(ctx context.Context, priority int, specs []rule) error {
	existing, err := e.currentRules(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]rule, len(specs))
	for _, s := range specs {
		want[s.key()] = s
	}

	for _, r := range existing {
		if r.Priority != priority {
			continue
		}
		if _, ok := want[r.key()]; ok {
			delete(want, r.key())
			continue
		}
		if _, err := e.Runner.Run(ctx, "ip", append([]string{"rule", "del", "priority", strconv.Itoa(priority)}, r.Args...)...); err != nil {
			return wgerr.Wrap(wgerr.External, fmt.Sprintf("remove stale ip rule at priority %d", priority), err)
		}
	}

	for _, s := range want {
		if _, err := e.Runner.Run(ctx, "ip", append([]string{"rule", "add", "priority", strconv.Itoa(priority)}, s.Args...)...); err != nil {
			return wgerr.Wrap(wgerr.External, fmt.Sprintf("add ip rule at priority %d", priority), err)
		}
	}
	return nil
}

// syncRule is syncRules for a single-rule band.
func (e *Engine) syncRule(ctx context.Context, spec rule) error {
	return e.syncRules(ctx, spec.Priority, []rule{spec})
}

// removeRule deletes whatever is installed at priority, tolerating absence.
func (e *Engine) removeRule(ctx context.Context, priority int) error {
	existing, err := e.currentRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Priority == priority {
			if _, err := e.Runner.Run(ctx, "ip", append([]string{"rule", "del", "priority", strconv.Itoa(r.Priority)}, r.Args...)...); err != nil {
				return wgerr.Wrap(wgerr.External, fmt.Sprintf("remove ip rule at priority %d", priority), err)
			}
		}
	}
	return nil
}

// SyncSpecificRoutes installs one iif-lan-to-prefix rule per
// (LAN interface, non-default route) pair, at tableID's
// specific-route priority.
func (e *Engine) SyncSpecificRoutes(ctx context.Context, tableID uint32, lanIfaces []string, routes []netip.Prefix) error {
	prio := SpecificRoutePriority(tableID)
	var specs []rule
	for _, lanIface := range lanIfaces {
		for _, p := range NonDefaultRoutes(routes) {
			specs = append(specs, rule{Priority: prio, Args: []string{"iif", lanIface, "to", p.String(), "lookup", strconv.Itoa(int(tableID))}})
		}
	}
	return e.syncRules(ctx, prio, specs)
}

// SyncLANException adds or removes one peer's WG->LAN exception rule
// for one LAN CIDR.
func (e *Engine) SyncLANException(ctx context.Context, cidrIdx, peerIdx int, peerAddr netip.Addr, wgIface string, lanCIDR netip.Prefix, enable bool) error {
	prio := LANExceptionPriority(cidrIdx, peerIdx)
	if !enable {
		return e.removeRule(ctx, prio)
	}
	spec := rule{
		Priority: prio,
		Args:     []string{"from", netip.PrefixFrom(peerAddr, 32).String(), "iif", wgIface, "to", lanCIDR.String(), "lookup", "main"},
	}
	return e.syncRule(ctx, spec)
}

// SyncLANToLAN installs the LAN->LAN exception for one LAN CIDR.
func (e *Engine) SyncLANToLAN(ctx context.Context, cidrIdx int, lanIface string, lanCIDR netip.Prefix) error {
	spec := rule{
		Priority: LANToLANPriority(cidrIdx),
		Args:     []string{"iif", lanIface, "to", lanCIDR.String(), "lookup", "main"},
	}
	return e.syncRule(ctx, spec)
}

// SyncExitNodeRules adds or removes the two exit-node bands for
// tableID: one LAN->Internet rule per interface in lanIfaces, and the
// single WG-peer->Internet rule.
func (e *Engine) SyncExitNodeRules(ctx context.Context, tableID uint32, lanIfaces []string, wgIface string, wgSubnet netip.Prefix, enable bool) error {
	lanPrio := LANToExitPriority(tableID)
	wgPrio := WGPeerToExitPriority(tableID)
	if !enable {
		if err := e.removeRule(ctx, lanPrio); err != nil {
			return err
		}
		return e.removeRule(ctx, wgPrio)
	}
	var lanSpecs []rule
	for _, lanIface := range lanIfaces {
		lanSpecs = append(lanSpecs, rule{Priority: lanPrio, Args: []string{"iif", lanIface, "to", DefaultRoute.String(), "lookup", strconv.Itoa(int(tableID))}})
	}
	if err := e.syncRules(ctx, lanPrio, lanSpecs); err != nil {
		return err
	}
	return e.syncRule(ctx, rule{
		Priority: wgPrio,
		Args:     []string{"from", wgSubnet.String(), "iif", wgIface, "to", DefaultRoute.String(), "lookup", strconv.Itoa(int(tableID))},
	})
}

// RemovePeerRules removes every rule that can only belong to tableID:
// its specific-route band and, if it was the exit node, the 20000-band
// rules (callers pass wasExitNode=false to skip those, since they're
// shared-priority bands that must not be torn down for a peer that
// never held them).
func (e *Engine) RemovePeerRules(ctx context.Context, tableID uint32, wasExitNode bool) error {
	if err := e.removeRule(ctx, SpecificRoutePriority(tableID)); err != nil {
		return err
	}
	if !wasExitNode {
		return nil
	}
	if err := e.removeRule(ctx, LANToExitPriority(tableID)); err != nil {
		return err
	}
	return e.removeRule(ctx, WGPeerToExitPriority(tableID))
}
