package routing

import (
	"context"

	"github.com/google/uuid"

	"wgrouterd/modestate"
	"wgrouterd/network"
)

// SyncPeer allocates (if needed) and repopulates peerID's table and
// specific-route rules from its current advertised routes — the
// per-peer half of update_peer_routes, run whenever a ChangeSum
// touches a peer's connections or on full Router-Mode resync.
func (e *Engine) SyncPeer(ctx context.Context, n *network.Network, st *modestate.ModeState, wgIface string, lan []LANSegment, peerID uuid.UUID) error {
	tableID, err := AllocateTableID(st.PeerTableIDs, peerID)
	if err != nil {
		return err
	}
	routes := AdvertisedRoutes(n, peerID)
	if err := SyncTable(wgIface, tableID, routes); err != nil {
		return err
	}
	return e.SyncSpecificRoutes(ctx, tableID, lanIfaces(lan), routes)
}

// SyncAllPeers runs SyncPeer for every peer in n except thisPeer.
func (e *Engine) SyncAllPeers(ctx context.Context, n *network.Network, st *modestate.ModeState, wgIface string, lan []LANSegment) error {
	for id := range n.Peers {
		if id == n.ThisPeer {
			continue
		}
		if err := e.SyncPeer(ctx, n, st, wgIface, lan, id); err != nil {
			return err
		}
	}
	return nil
}

// SyncLANSegments installs the LAN->LAN exception for every segment.
func (e *Engine) SyncLANSegments(ctx context.Context, lan []LANSegment) error {
	for i, seg := range lan {
		if err := e.SyncLANToLAN(ctx, i, seg.Iface, seg.CIDR); err != nil {
			return err
		}
	}
	return nil
}
