package network

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Digest computes a deterministic content hash of the canonical
// serialization of the network (I8/P5): equal networks produce equal
// digests, and any mutation changes it. It is intentionally independent
// of map iteration order — peers, connections, and reservations are
// sorted by key before hashing.
func (n *Network) Digest() string {
	var b strings.Builder

	fmt.Fprintf(&b, "name=%s\n", n.Name)
	fmt.Fprintf(&b, "subnet=%s\n", n.Subnet)
	fmt.Fprintf(&b, "thisPeer=%s\n", n.ThisPeer)

	for _, id := range sortedPeerIDs(n.Peers) {
		p := n.Peers[id]
		fmt.Fprintf(&b, "peer %s name=%s addr=%s kind=%s icon=%s endpoint=%s dns=%v mtu=%v scripts=%v pk=%s created=%d updated=%d\n",
			p.ID, p.Name, p.Address, p.Kind, p.Icon, p.Endpoint.String(),
			p.DNS, p.MTU, p.Scripts, p.PrivateKey.String(), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	}

	for _, id := range sortedConnectionIDs(n.Connections) {
		c := n.Connections[id]
		fmt.Fprintf(&b, "conn %s-%s enabled=%v psk=%s keepalive=%v aTob=%v bToA=%v\n",
			c.ID.A, c.ID.B, c.Enabled, c.PreSharedKey.String(), c.Keepalive, c.AllowedIPsAToB, c.AllowedIPsBToA)
	}

	for _, addr := range sortedReservationAddrs(n.Reservations) {
		r := n.Reservations[addr]
		fmt.Fprintf(&b, "reservation %s peer=%s until=%d\n", r.Address, r.PeerID, r.ValidUntil.UnixNano())
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func sortedPeerIDs(peers map[uuid.UUID]Peer) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func sortedConnectionIDs(conns map[ConnectionID]Connection) []ConnectionID {
	ids := make([]ConnectionID, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].A != ids[j].A {
			return ids[i].A.String() < ids[j].A.String()
		}
		return ids[i].B.String() < ids[j].B.String()
	})
	return ids
}

func sortedReservationAddrs(res map[netip.Addr]Reservation) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(res))
	for a := range res {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}
