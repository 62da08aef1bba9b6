package routing

import (
	"context"
	"net/netip"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgrouterd/modestate"
	"wgrouterd/network"
	"wgrouterd/wgerr"
)

// AllowedIPsSetter rewrites one peer's allowed-ips on the live
// WireGuard device — implemented by the tunnel package. Routing never
// imports tunnel directly (that would invert the dependency the spec
// draws between C6 and C9), so the orchestration below takes one in.
type AllowedIPsSetter interface {
	SetAllowedIPs(ctx context.Context, peerKey wgtypes.Key, prefixes []netip.Prefix) error
}

func lanIfaces(segments []LANSegment) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = s.Iface
	}
	return out
}

// SetExitNode performs the five-step exit-node switch from spec.md
// §4.6: demote the prior exit node's allowed-ips and rules, record the
// new active/backup set in st, install the new exit node's rules and
// default-route table entry, then promote its allowed-ips to include
// 0.0.0.0/0. lan drives the LAN-exception refresh that always
// accompanies an exit-node change.
func (e *Engine) SetExitNode(ctx context.Context, n *network.Network, st *modestate.ModeState, wgIface string, lan []LANSegment, setter AllowedIPsSetter, newExitNode uuid.UUID) error {
	newPeer, ok := n.Peers[newExitNode]
	if !ok {
		return wgerr.Newf(wgerr.NotFound, "exit node candidate %s not in network", newExitNode)
	}

	prior, hadPrior := st.PrefixActiveBackup[DefaultRoute]

	// Step 1: demote the prior exit node, if any and if it differs.
	if hadPrior && prior.ActivePeerID != newExitNode {
		if priorTableID, ok := st.PeerTableIDs[prior.ActivePeerID]; ok {
			if err := e.SyncExitNodeRules(ctx, priorTableID, nil, wgIface, netip.Prefix{}, false); err != nil {
				return err
			}
		}
		if priorPeer, ok := n.Peers[prior.ActivePeerID]; ok && setter != nil {
			routes := NonDefaultRoutes(AdvertisedRoutes(n, prior.ActivePeerID))
			if err := setter.SetAllowedIPs(ctx, priorPeer.PublicKey(), routes); err != nil {
				return err
			}
		}
	}

	// Step 2: record the new active/backup set.
	var backups []uuid.UUID
	for id := range n.Peers {
		if id != newExitNode {
			backups = append(backups, id)
		}
	}
	st.PrefixActiveBackup[DefaultRoute] = modestate.PrefixState{ActivePeerID: newExitNode, BackupPeerIDs: backups}

	newTableID, err := AllocateTableID(st.PeerTableIDs, newExitNode)
	if err != nil {
		return err
	}

	// Step 3+4: add the 20000-band rules and install the default route
	// into the new exit node's table.
	if err := e.SyncExitNodeRules(ctx, newTableID, lanIfaces(lan), wgIface, n.Subnet, true); err != nil {
		return err
	}
	if err := SyncTable(wgIface, newTableID, append(NonDefaultRoutes(AdvertisedRoutes(n, newExitNode)), DefaultRoute)); err != nil {
		return err
	}

	// Step 5: promote the new exit node's allowed-ips.
	if setter != nil {
		routes := append(NonDefaultRoutes(AdvertisedRoutes(n, newExitNode)), DefaultRoute)
		if err := setter.SetAllowedIPs(ctx, newPeer.PublicKey(), routes); err != nil {
			return err
		}
	}

	return e.refreshLANExceptions(ctx, n, st, lan)
}

// refreshLANExceptions rebuilds the 19700-19899-band rules for every
// peer with LAN access enabled, over every LAN segment — run after
// every exit-node change per spec.md §4.6.
func (e *Engine) refreshLANExceptions(ctx context.Context, n *network.Network, st *modestate.ModeState, lan []LANSegment) error {
	peerIdx := make(map[uuid.UUID]int)
	i := 0
	for id := range n.Peers {
		peerIdx[id] = i
		i++
	}

	for cidrIdx, seg := range lan {
		for id, p := range n.Peers {
			enabled, explicit := st.PeerLanAccess[id]
			if !explicit {
				enabled = true // default true per spec.md §4.6
			}
			if err := e.SyncLANException(ctx, cidrIdx, peerIdx[id], p.Address, seg.Iface, seg.CIDR, enabled); err != nil {
				return err
			}
		}
	}
	return nil
}

// RefreshLANAccess re-applies every peer's 19700-band rule under the
// current LAN segments, independent of any exit-node change — used when
// Router Mode's lanCidr changes without also touching the active exit
// node (spec.md §4.4's Router→Router transition).
func (e *Engine) RefreshLANAccess(ctx context.Context, n *network.Network, st *modestate.ModeState, lan []LANSegment) error {
	return e.refreshLANExceptions(ctx, n, st, lan)
}

// SetLANAccess toggles one peer's 19700-band rule without touching the
// exit-node state.
func (e *Engine) SetLANAccess(ctx context.Context, n *network.Network, lan []LANSegment, wgIface string, peerID uuid.UUID, enable bool) error {
	peer, ok := n.Peers[peerID]
	if !ok {
		return wgerr.Newf(wgerr.NotFound, "peer %s not in network", peerID)
	}
	peerIdx := 0
	for id := range n.Peers {
		if id == peerID {
			break
		}
		peerIdx++
	}
	for cidrIdx, seg := range lan {
		if err := e.SyncLANException(ctx, cidrIdx, peerIdx, peer.Address, wgIface, seg.CIDR, enable); err != nil {
			return err
		}
	}
	return nil
}

// RemovePeer flushes peerID's table, removes every rule referencing
// its table ID, picks a new exit node from backups if peerID was the
// active one, and erases its table-ID mapping. n must already have
// peerID removed (called from the ChangeSum removal path after the
// model mutation commits).
func (e *Engine) RemovePeer(ctx context.Context, n *network.Network, st *modestate.ModeState, wgIface string, lan []LANSegment, setter AllowedIPsSetter, peerID uuid.UUID) error {
	tableID, ok := st.PeerTableIDs[peerID]
	if !ok {
		return nil
	}

	wasExitNode := false
	if prior, ok := st.PrefixActiveBackup[DefaultRoute]; ok && prior.ActivePeerID == peerID {
		wasExitNode = true
	}

	if err := FlushTable(tableID); err != nil {
		return err
	}
	if err := e.RemovePeerRules(ctx, tableID, wasExitNode); err != nil {
		return err
	}

	if wasExitNode {
		prior := st.PrefixActiveBackup[DefaultRoute]
		delete(st.PrefixActiveBackup, DefaultRoute)
		for _, candidate := range prior.BackupPeerIDs {
			if candidate == peerID {
				continue
			}
			if _, stillPresent := n.Peers[candidate]; !stillPresent {
				continue
			}
			if err := e.SetExitNode(ctx, n, st, wgIface, lan, setter, candidate); err != nil {
				return err
			}
			break
		}
	}

	delete(st.PeerTableIDs, peerID)
	delete(st.PeerLanAccess, peerID)
	return nil
}
