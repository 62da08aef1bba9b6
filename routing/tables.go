package routing

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/uuid"
	"github.com/vishvananda/netlink"

	"wgrouterd/wgerr"
)

// TableIDMin and TableIDMax bound the per-peer routing table ID range.
const (
	TableIDMin = 1000
	TableIDMax = 9999
)

// AllocateTableID returns peerID's table ID, reusing the persisted
// mapping if present, or assigning the first free ID in
// [TableIDMin,TableIDMax] by linear probe otherwise. used is mutated
// in place with the new assignment when one is made.
func AllocateTableID(used map[uuid.UUID]uint32, peerID uuid.UUID) (uint32, error) {
	if id, ok := used[peerID]; ok {
		return id, nil
	}

	taken := make(map[uint32]struct{}, len(used))
	for _, id := range used {
		taken[id] = struct{}{}
	}

	for id := uint32(TableIDMin); id <= TableIDMax; id++ {
		if _, ok := taken[id]; ok {
			continue
		}
		used[peerID] = id
		return id, nil
	}
	return 0, wgerr.New(wgerr.Conflict, "no free routing table ID in [1000,9999]")
}

// PopulateTable installs routes into tableID over wgIface, replacing
// any existing route for the same destination (EEXIST tolerant,
// mirroring syncAddresses/syncRoutes's AddrAdd/RouteReplace idiom).
func PopulateTable(wgIface string, tableID uint32, routes []netip.Prefix) error {
	link, err := netlink.LinkByName(wgIface)
	if err != nil {
		return wgerr.Wrap(wgerr.InterfaceMissing, fmt.Sprintf("find wireguard interface %q", wgIface), err)
	}

	for _, p := range routes {
		r := netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       prefixToIPNet(p),
			Table:     int(tableID),
		}
		if err := netlink.RouteReplace(&r); err != nil {
			return wgerr.Wrap(wgerr.External, fmt.Sprintf("install route %s in table %d", p, tableID), err)
		}
	}
	return nil
}

// FlushTable removes every route from tableID, tolerating an
// already-empty table.
func FlushTable(tableID uint32) error {
	filter := &netlink.Route{Table: int(tableID)}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return wgerr.Wrap(wgerr.External, fmt.Sprintf("list routes in table %d", tableID), err)
	}
	for _, r := range routes {
		route := r
		if err := netlink.RouteDel(&route); err != nil {
			return wgerr.Wrap(wgerr.External, fmt.Sprintf("flush route in table %d", tableID), err)
		}
	}
	return nil
}

// SyncTable flushes tableID then installs routes — the spec's
// "update = flush table, then re-add" rule, used whenever a peer's
// connection set changes.
func SyncTable(wgIface string, tableID uint32, routes []netip.Prefix) error {
	if err := FlushTable(tableID); err != nil {
		return err
	}
	return PopulateTable(wgIface, tableID, routes)
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
}
