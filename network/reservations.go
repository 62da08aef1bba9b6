package network

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"wgrouterd/wgerr"
)

// DefaultReservationTTL is how long an address hold survives before the
// next mutation's expiry sweep (§4.3 step 1) releases it.
const DefaultReservationTTL = 5 * time.Minute

// NextFreeAddress scans subnet in ascending order and returns the first
// address that is neither assigned to a peer nor held by an unexpired
// reservation. The network and broadcast addresses are skipped.
func NextFreeAddress(n *Network, now time.Time) (netip.Addr, error) {
	base := n.Subnet.Masked().Addr()
	bits := n.Subnet.Bits()
	total := 1 << uint(32-bits)
	if total <= 2 {
		return netip.Addr{}, wgerr.New(wgerr.Conflict, "subnet too small to hold any host address")
	}

	addr := base
	for i := 0; i < total; i++ {
		if i > 0 {
			addr = addr.Next()
		}
		if i == 0 || i == total-1 {
			continue // network / broadcast
		}
		if addressInUse(n, addr, now) {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, wgerr.New(wgerr.Conflict, "address space exhausted")
}

func addressInUse(n *Network, addr netip.Addr, now time.Time) bool {
	for _, p := range n.Peers {
		if p.Address == addr {
			return true
		}
	}
	if res, ok := n.Reservations[addr]; ok && !res.Expired(now) {
		return true
	}
	return false
}

// Reserve holds addr for peerID until the absolute time ttl (stored as
// the reservation's ValidUntil), replacing any existing
// reservation for the same address. It does not check peer/address
// conflicts; callers validate via ValidateAddress first.
func Reserve(n *Network, addr netip.Addr, peerID uuid.UUID, ttl time.Time) {
	n.Reservations[addr] = Reservation{Address: addr, PeerID: peerID, ValidUntil: ttl}
}

// ExpireReservations removes every reservation that has lapsed as of
// now and returns the freed addresses. This is step 1 of the mutation
// processing order (§4.3); ApplyChangeSum performs it inline, but
// callers driving a standalone sweep (e.g. a periodic janitor) can use
// this directly.
func ExpireReservations(n *Network, now time.Time) []netip.Addr {
	var freed []netip.Addr
	for addr, r := range n.Reservations {
		if r.Expired(now) {
			delete(n.Reservations, addr)
			freed = append(freed, addr)
		}
	}
	return freed
}
