package network

import (
	"crypto/rand"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgrouterd/wgerr"
)

// PeerPatch carries the optional, per-field changes for an existing
// peer. A nil pointer means "leave unchanged".
type PeerPatch struct {
	Name     *string
	Address  *netip.Addr
	Endpoint *Endpoint
	Kind     *string
	Icon     *string
	DNS      *DNSConfig
	MTU      *MTUConfig
	Scripts  *Scripts // rejected outright for thisPeer, per I4
}

// ConnectionPatch carries the optional, per-field changes for an
// existing connection.
type ConnectionPatch struct {
	Enabled        *bool
	PreSharedKey   *wgtypes.Key
	Keepalive      *Keepalive
	AllowedIPsAToB *[]netip.Prefix
	AllowedIPsBToA *[]netip.Prefix
}

// AddedPeer describes a brand-new peer. PrivateKey is optional — if the
// zero key, one is synthesized via CSPRNG.
type AddedPeer struct {
	ID         uuid.UUID
	Name       string
	Address    netip.Addr
	Endpoint   Endpoint
	Kind       string
	Icon       string
	DNS        DNSConfig
	MTU        MTUConfig
	Scripts    Scripts
	PrivateKey wgtypes.Key
}

// AddedConnection describes a brand-new connection.
type AddedConnection struct {
	A, B           uuid.UUID
	Enabled        bool
	PreSharedKey   wgtypes.Key
	Keepalive      Keepalive
	AllowedIPsAToB []netip.Prefix
	AllowedIPsBToA []netip.Prefix
}

// ChangeSum is the single mutation payload accepted by
// PATCH /api/network/config (§4.3). Every sub-section is optional.
type ChangeSum struct {
	ChangedPeers       map[uuid.UUID]PeerPatch
	ChangedConnections map[ConnectionID]ConnectionPatch
	AddedPeers         map[uuid.UUID]AddedPeer
	AddedConnections   map[ConnectionID]AddedConnection
	RemovedPeers       []uuid.UUID
	RemovedConnections []ConnectionID
}

// AddressChange records a peer's address moving from Old to New, so
// that the routing engine (C6) can repopulate its table.
type AddressChange struct {
	PeerID uuid.UUID
	Old    netip.Addr
	New    netip.Addr
}

// MutationResult summarizes what changed so callers can drive the PBR
// engine (§4.3 step 9) and persistence (§4.3 step 8) without re-diffing
// the network.
type MutationResult struct {
	Changed          bool
	AddressChanges   []AddressChange
	AffectedPeers    []uuid.UUID // touched by changed/added connections or peers, excluding thisPeer
	RemovedPeerIDs   []uuid.UUID
	ExpiredReservations []netip.Addr
}

func (r *MutationResult) touch(id uuid.UUID, thisPeer uuid.UUID) {
	if id == thisPeer {
		return
	}
	for _, existing := range r.AffectedPeers {
		if existing == id {
			return
		}
	}
	r.AffectedPeers = append(r.AffectedPeers, id)
}

// ApplyChangeSum validates and applies cs to a private clone of n,
// following the fixed processing order of spec.md §4.3. On any
// validation failure the original n is returned untouched (the clone is
// discarded) and the error is returned; on success the mutated clone is
// returned in n's place (n itself is never modified) and the second
// return value describes what changed.
func ApplyChangeSum(n *Network, thisPeer uuid.UUID, cs ChangeSum, now time.Time) (*Network, *MutationResult, error) {
	work := n.Clone()
	result := &MutationResult{}

	// Step 1: expire reservations.
	for addr, res := range work.Reservations {
		if res.Expired(now) {
			delete(work.Reservations, addr)
			result.ExpiredReservations = append(result.ExpiredReservations, addr)
		}
	}

	// Step 2: changed peers.
	for id, patch := range cs.ChangedPeers {
		if err := applyPeerPatch(work, id, patch, thisPeer, now, result); err != nil {
			return n, nil, err
		}
	}

	// Step 3: changed connections.
	for id, patch := range cs.ChangedConnections {
		if err := applyConnectionPatch(work, id, patch, result, thisPeer); err != nil {
			return n, nil, err
		}
	}

	// Step 4: added peers.
	for id, add := range cs.AddedPeers {
		if err := applyAddedPeer(work, id, add, now); err != nil {
			return n, nil, err
		}
		result.touch(id, thisPeer)
	}

	// Step 5: removed peers.
	for _, id := range cs.RemovedPeers {
		if err := applyRemovedPeer(work, id, thisPeer, result); err != nil {
			return n, nil, err
		}
	}

	// Step 6: added connections.
	for id, add := range cs.AddedConnections {
		if err := applyAddedConnection(work, id, add, result, thisPeer); err != nil {
			return n, nil, err
		}
	}

	// Step 7: removed connections.
	for _, id := range cs.RemovedConnections {
		if conn, ok := work.Connections[id]; ok {
			result.touch(conn.ID.A, thisPeer)
			result.touch(conn.ID.B, thisPeer)
		}
		delete(work.Connections, id)
	}

	result.Changed = len(cs.ChangedPeers) > 0 || len(cs.ChangedConnections) > 0 ||
		len(cs.AddedPeers) > 0 || len(cs.AddedConnections) > 0 ||
		len(cs.RemovedPeers) > 0 || len(cs.RemovedConnections) > 0 ||
		len(result.ExpiredReservations) > 0

	if result.Changed {
		work.UpdatedAt = now
	}

	return work, result, nil
}

func applyPeerPatch(work *Network, id uuid.UUID, patch PeerPatch, thisPeer uuid.UUID, now time.Time, result *MutationResult) error {
	p, ok := work.Peers[id]
	if !ok {
		return wgerr.Newf(wgerr.NotFound, "changed_peers.%s: peer not found", id)
	}

	if patch.Scripts != nil && id == thisPeer {
		return wgerr.Field(wgerr.Forbidden, "changed_peers."+id.String()+".scripts", "thisPeer's scripts cannot be mutated remotely")
	}

	if patch.Name != nil {
		if err := ValidatePeerName("changed_peers."+id.String()+".name", *patch.Name); err != nil {
			return err
		}
		p.Name = *patch.Name
	}
	if patch.Address != nil && *patch.Address != p.Address {
		field := "changed_peers." + id.String() + ".address"
		if err := ValidateAddress(field, *patch.Address, work.Subnet, work, id, true); err != nil {
			return err
		}
		delete(work.Reservations, *patch.Address)
		result.AddressChanges = append(result.AddressChanges, AddressChange{PeerID: id, Old: p.Address, New: *patch.Address})
		p.Address = *patch.Address
	}
	if patch.Endpoint != nil {
		if err := ValidateEndpoint("changed_peers."+id.String()+".endpoint", *patch.Endpoint); err != nil {
			return err
		}
		p.Endpoint = *patch.Endpoint
	}
	if patch.Kind != nil {
		p.Kind = *patch.Kind
	}
	if patch.Icon != nil {
		p.Icon = *patch.Icon
	}
	if patch.DNS != nil {
		if err := ValidateDNS("changed_peers."+id.String()+".dns", *patch.DNS); err != nil {
			return err
		}
		p.DNS = *patch.DNS
	}
	if patch.MTU != nil {
		if err := ValidateMTU("changed_peers."+id.String()+".mtu", *patch.MTU); err != nil {
			return err
		}
		p.MTU = *patch.MTU
	}
	if patch.Scripts != nil {
		p.Scripts = *patch.Scripts
	}

	p.UpdatedAt = now
	work.Peers[id] = p
	result.touch(id, thisPeer)
	return nil
}

func applyConnectionPatch(work *Network, id ConnectionID, patch ConnectionPatch, result *MutationResult, thisPeer uuid.UUID) error {
	c, ok := work.Connections[id]
	if !ok {
		return wgerr.Newf(wgerr.NotFound, "changed_connections.%s-%s: connection not found", id.A, id.B)
	}

	if patch.Enabled != nil {
		c.Enabled = *patch.Enabled
	}
	if patch.PreSharedKey != nil {
		c.PreSharedKey = *patch.PreSharedKey
	}
	if patch.Keepalive != nil {
		field := "changed_connections." + id.A.String() + "-" + id.B.String() + ".keepalive"
		if err := ValidateKeepalive(field, *patch.Keepalive); err != nil {
			return err
		}
		c.Keepalive = *patch.Keepalive
	}
	if patch.AllowedIPsAToB != nil {
		c.AllowedIPsAToB = *patch.AllowedIPsAToB
	}
	if patch.AllowedIPsBToA != nil {
		c.AllowedIPsBToA = *patch.AllowedIPsBToA
	}

	work.Connections[id] = c
	result.touch(id.A, thisPeer)
	result.touch(id.B, thisPeer)
	return nil
}

func applyAddedPeer(work *Network, id uuid.UUID, add AddedPeer, now time.Time) error {
	if _, exists := work.Peers[id]; exists {
		return wgerr.Newf(wgerr.AlreadyExists, "added_peers.%s: peer already exists", id)
	}
	if res, ok := work.Reservations[add.Address]; ok && res.PeerID != id {
		return wgerr.Field(wgerr.Conflict, "added_peers."+id.String()+".address", "address is reserved by another peer")
	}

	field := func(f string) string { return "added_peers." + id.String() + "." + f }

	if err := ValidatePeerName(field("name"), add.Name); err != nil {
		return err
	}
	if err := ValidateAddress(field("address"), add.Address, work.Subnet, work, id, true); err != nil {
		return err
	}
	if err := ValidateEndpoint(field("endpoint"), add.Endpoint); err != nil {
		return err
	}
	if err := ValidateDNS(field("dns"), add.DNS); err != nil {
		return err
	}
	if err := ValidateMTU(field("mtu"), add.MTU); err != nil {
		return err
	}

	delete(work.Reservations, add.Address)

	priv := add.PrivateKey
	if priv == (wgtypes.Key{}) {
		generated, err := generatePrivateKey()
		if err != nil {
			return wgerr.Wrap(wgerr.External, "generate private key", err)
		}
		priv = generated
	}

	work.Peers[id] = Peer{
		ID:         id,
		Name:       add.Name,
		Address:    add.Address,
		Endpoint:   add.Endpoint,
		Kind:       add.Kind,
		Icon:       add.Icon,
		DNS:        add.DNS,
		MTU:        add.MTU,
		Scripts:    add.Scripts,
		PrivateKey: priv,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func applyRemovedPeer(work *Network, id uuid.UUID, thisPeer uuid.UUID, result *MutationResult) error {
	if id == thisPeer {
		return wgerr.New(wgerr.Forbidden, "thisPeer cannot be removed")
	}
	if _, ok := work.Peers[id]; !ok {
		return wgerr.Newf(wgerr.NotFound, "removed_peers.%s: peer not found", id)
	}

	for cid, c := range work.Connections {
		if c.Contains(id) {
			delete(work.Connections, cid)
		}
	}

	delete(work.Peers, id)
	result.RemovedPeerIDs = append(result.RemovedPeerIDs, id)
	return nil
}

func applyAddedConnection(work *Network, id ConnectionID, add AddedConnection, result *MutationResult, thisPeer uuid.UUID) error {
	canonical := NewConnectionID(add.A, add.B)
	if canonical != id {
		return wgerr.Newf(wgerr.Invalid, "added_connections.%s-%s: id is not canonical", id.A, id.B)
	}
	if add.A == add.B {
		return wgerr.Newf(wgerr.Invalid, "added_connections.%s-%s: a peer cannot connect to itself", id.A, id.B)
	}
	if _, exists := work.Connections[id]; exists {
		return wgerr.Newf(wgerr.AlreadyExists, "added_connections.%s-%s: connection already exists", id.A, id.B)
	}
	if _, ok := work.Peers[add.A]; !ok {
		return wgerr.Newf(wgerr.NotFound, "added_connections.%s-%s: peer %s not found", id.A, id.B, add.A)
	}
	if _, ok := work.Peers[add.B]; !ok {
		return wgerr.Newf(wgerr.NotFound, "added_connections.%s-%s: peer %s not found", id.A, id.B, add.B)
	}

	ka := add.Keepalive
	if !ka.Enabled {
		ka = work.Defaults.Connection.Keepalive
	}
	field := "added_connections." + id.A.String() + "-" + id.B.String() + ".keepalive"
	if err := ValidateKeepalive(field, ka); err != nil {
		return err
	}

	work.Connections[id] = Connection{
		ID:             id,
		Enabled:        add.Enabled,
		PreSharedKey:   add.PreSharedKey,
		Keepalive:      ka,
		AllowedIPsAToB: add.AllowedIPsAToB,
		AllowedIPsBToA: add.AllowedIPsBToA,
	}
	result.touch(id.A, thisPeer)
	result.touch(id.B, thisPeer)
	return nil
}

func generatePrivateKey() (wgtypes.Key, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return wgtypes.Key{}, err
	}
	// Clamp per Curve25519/WireGuard private key convention.
	raw[0] &= 248
	raw[31] &= 127
	raw[31] |= 64
	return wgtypes.Key(raw), nil
}
