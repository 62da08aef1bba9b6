// Package network implements the core WireGuard network model: peers,
// pairwise connections, address reservations, and the validators and
// canonical config-text generator that sit on top of them. Nothing in
// this package touches the kernel or the filesystem — it is pure model
// plus pure functions, the way the teacher keeps its cluster model
// (machine/network_config_state.go) free of I/O.
package network

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// EndpointKind distinguishes the three shapes a Peer's advertised
// endpoint can take.
type EndpointKind uint8

const (
	EndpointNone EndpointKind = iota
	EndpointIPv4
	EndpointHost
)

// Endpoint describes how (and whether) a peer advertises a dial-back address.
type Endpoint struct {
	Enabled bool
	Kind    EndpointKind
	IP      netip.Addr // set when Kind == EndpointIPv4
	Host    string     // set when Kind == EndpointHost
	Port    uint16
}

// String renders the endpoint as "host:port" / "ip:port", or "" if absent.
func (e Endpoint) String() string {
	if !e.Enabled {
		return ""
	}
	switch e.Kind {
	case EndpointIPv4:
		return netip.AddrPortFrom(e.IP, e.Port).String()
	case EndpointHost:
		return e.Host + ":" + strconv.Itoa(int(e.Port))
	default:
		return ""
	}
}

// DNSConfig is a peer's optional DNS server list.
type DNSConfig struct {
	Enabled bool
	Servers []netip.Addr
}

// MTUConfig is a peer's optional interface MTU override.
type MTUConfig struct {
	Enabled bool
	Value   uint16
}

// ScriptLine is one optional pre/post up/down hook command.
type ScriptLine struct {
	Enabled bool
	Cmd     string
}

// Scripts holds a peer's four optional interface hook commands.
type Scripts struct {
	PreUp   ScriptLine
	PostUp  ScriptLine
	PreDown ScriptLine
	PostDown ScriptLine
}

// Peer is a logical endpoint in the overlay, addressed by a UUID.
type Peer struct {
	ID         uuid.UUID
	Name       string
	Address    netip.Addr // IPv4, within Network.Subnet
	Endpoint   Endpoint
	Kind       string // free-form UI tag, e.g. "human", "server", "router"
	Icon       string
	DNS        DNSConfig
	MTU        MTUConfig
	Scripts    Scripts
	PrivateKey wgtypes.Key
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PublicKey derives the peer's public key from its private key.
func (p Peer) PublicKey() wgtypes.Key {
	return p.PrivateKey.PublicKey()
}

// ConnectionID is the canonical, order-independent identifier of a
// bidirectional channel between two peers. A is always the
// lexicographically/numerically larger UUID, B the smaller, so that
// ConnectionID{X,Y} == ConnectionID{Y,X} canonicalized are equal and
// usable directly as a (comparable) map key.
type ConnectionID struct {
	A uuid.UUID
	B uuid.UUID
}

// NewConnectionID canonicalizes an unordered pair of peer IDs.
func NewConnectionID(x, y uuid.UUID) ConnectionID {
	if compareUUID(x, y) >= 0 {
		return ConnectionID{A: x, B: y}
	}
	return ConnectionID{A: y, B: x}
}

// Canonical reports whether the ID is already in canonical form
// (A >= B). Constructed-by-NewConnectionID values always are; this is
// exposed for invariant checks (P2) against IDs built elsewhere.
func (id ConnectionID) Canonical() bool {
	return compareUUID(id.A, id.B) >= 0
}

func compareUUID(x, y uuid.UUID) int {
	for i := range x {
		if x[i] != y[i] {
			if x[i] < y[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Keepalive is a connection's optional WireGuard PersistentKeepalive setting.
type Keepalive struct {
	Enabled bool
	Period  time.Duration // seconds, per spec.md; stored as a Duration for convenience
}

// Connection is a bidirectional channel between two peers, owning the
// preshared key and both directions' AllowedIPs advertisements.
type Connection struct {
	ID             ConnectionID
	Enabled        bool
	PreSharedKey   wgtypes.Key
	Keepalive      Keepalive
	AllowedIPsAToB []netip.Prefix // advertised by A, visible to B
	AllowedIPsBToA []netip.Prefix // advertised by B, visible to A
}

// AdvertisedBy returns the AllowedIPs list held in peerID's own slot of
// this connection (AllowedIPsAToB for A, AllowedIPsBToA for B).
// RenderConfig writes this list into peerID's own config, as the
// AllowedIPs of its [Peer] section for the other endpoint. A peer's own
// per-peer routing table is populated from the *other* side's
// advertisement instead — AdvertisedBy(otherPeer), not AdvertisedBy(peerID)
// itself; see routing.AdvertisedRoutes. peerID must be one of c.ID.A/B.
func (c Connection) AdvertisedBy(peerID uuid.UUID) []netip.Prefix {
	switch peerID {
	case c.ID.A:
		return c.AllowedIPsAToB
	case c.ID.B:
		return c.AllowedIPsBToA
	default:
		return nil
	}
}

// OtherPeer returns the ID of the peer on the other side of the
// connection from peerID.
func (c Connection) OtherPeer(peerID uuid.UUID) (uuid.UUID, bool) {
	switch peerID {
	case c.ID.A:
		return c.ID.B, true
	case c.ID.B:
		return c.ID.A, true
	default:
		return uuid.UUID{}, false
	}
}

// Contains reports whether peerID is one of the connection's two endpoints.
func (c Connection) Contains(peerID uuid.UUID) bool {
	return peerID == c.ID.A || peerID == c.ID.B
}

// Reservation temporarily blocks an address from being assigned to any
// peer other than PeerID, until ValidUntil.
type Reservation struct {
	Address    netip.Addr
	PeerID     uuid.UUID
	ValidUntil time.Time
}

// Expired reports whether the reservation has lapsed as of now.
func (r Reservation) Expired(now time.Time) bool {
	return !r.ValidUntil.After(now)
}

// PeerDefaults holds default peer fields a client pre-fills for new peers.
type PeerDefaults struct {
	DNS     DNSConfig
	MTU     MTUConfig
	Scripts Scripts
}

// ConnectionDefaults holds default connection fields a client pre-fills
// for new connections.
type ConnectionDefaults struct {
	Keepalive Keepalive
}

// Defaults holds default peer/connection fields applied to newly created
// entities. Per spec.md's open question, these apply only at creation
// time via the mutation API — never retroactively to existing entities.
type Defaults struct {
	Peer       PeerDefaults
	Connection ConnectionDefaults
}

// Network is the full model: peers, connections, reservations, and
// the defaults applied to entities created through the mutation API.
type Network struct {
	Name          string
	Subnet        netip.Prefix // IPv4 CIDR
	ThisPeer      uuid.UUID
	Peers         map[uuid.UUID]Peer
	Connections   map[ConnectionID]Connection
	Reservations  map[netip.Addr]Reservation
	Defaults      Defaults
	UpdatedAt     time.Time
}

// New creates an empty Network with the given name and subnet, ready to
// have ThisPeer added.
func New(name string, subnet netip.Prefix) *Network {
	return &Network{
		Name:         name,
		Subnet:       subnet,
		Peers:        make(map[uuid.UUID]Peer),
		Connections:  make(map[ConnectionID]Connection),
		Reservations: make(map[netip.Addr]Reservation),
	}
}

// ConnectionsOf returns every connection containing peerID, enabled or
// not; callers that care about Enabled filter for it themselves.
func (n *Network) ConnectionsOf(peerID uuid.UUID) []Connection {
	var out []Connection
	for _, c := range n.Connections {
		if c.Contains(peerID) {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy, safe to mutate independently of n. Used by
// the mutation processor to validate-then-apply a ChangeSum without
// touching the original on failure.
func (n *Network) Clone() *Network {
	out := &Network{
		Name:      n.Name,
		Subnet:    n.Subnet,
		ThisPeer:  n.ThisPeer,
		Defaults:  n.Defaults,
		UpdatedAt: n.UpdatedAt,
		Peers:     make(map[uuid.UUID]Peer, len(n.Peers)),
		Connections: make(map[ConnectionID]Connection, len(n.Connections)),
		Reservations: make(map[netip.Addr]Reservation, len(n.Reservations)),
	}
	for id, p := range n.Peers {
		out.Peers[id] = p.clone()
	}
	for id, c := range n.Connections {
		out.Connections[id] = c.clone()
	}
	for addr, r := range n.Reservations {
		out.Reservations[addr] = r
	}
	return out
}

func (p Peer) clone() Peer {
	cp := p
	if p.DNS.Servers != nil {
		cp.DNS.Servers = append([]netip.Addr(nil), p.DNS.Servers...)
	}
	return cp
}

func (c Connection) clone() Connection {
	cc := c
	if c.AllowedIPsAToB != nil {
		cc.AllowedIPsAToB = append([]netip.Prefix(nil), c.AllowedIPsAToB...)
	}
	if c.AllowedIPsBToA != nil {
		cc.AllowedIPsBToA = append([]netip.Prefix(nil), c.AllowedIPsBToA...)
	}
	return cc
}

