package network

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"
)

// yaml.v3 does not consult encoding.TextMarshaler, and several of
// Network's field types (netip.Addr, netip.Prefix, uuid.UUID,
// wgtypes.Key) carry unexported state that reflects to an empty
// mapping without help. Network therefore implements yaml.Marshaler/
// Unmarshaler directly, going through plain-string DTOs for every
// entity — the same shape conf.yml has always had on disk.

type peerYAML struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Address    string     `yaml:"address"`
	Endpoint   endpointYAML `yaml:"endpoint"`
	Kind       string     `yaml:"kind,omitempty"`
	Icon       string     `yaml:"icon,omitempty"`
	DNS        dnsYAML    `yaml:"dns"`
	MTU        mtuYAML    `yaml:"mtu"`
	Scripts    scriptsYAML `yaml:"scripts"`
	PrivateKey string     `yaml:"private_key"`
	CreatedAt  time.Time  `yaml:"created_at"`
	UpdatedAt  time.Time  `yaml:"updated_at"`
}

type endpointYAML struct {
	Enabled bool   `yaml:"enabled"`
	Kind    string `yaml:"kind,omitempty"` // "ipv4" | "host"
	IP      string `yaml:"ip,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    uint16 `yaml:"port,omitempty"`
}

type dnsYAML struct {
	Enabled bool     `yaml:"enabled"`
	Servers []string `yaml:"servers,omitempty"`
}

type mtuYAML struct {
	Enabled bool   `yaml:"enabled"`
	Value   uint16 `yaml:"value,omitempty"`
}

type scriptLineYAML struct {
	Enabled bool   `yaml:"enabled"`
	Cmd     string `yaml:"cmd,omitempty"`
}

type scriptsYAML struct {
	PreUp    scriptLineYAML `yaml:"pre_up"`
	PostUp   scriptLineYAML `yaml:"post_up"`
	PreDown  scriptLineYAML `yaml:"pre_down"`
	PostDown scriptLineYAML `yaml:"post_down"`
}

type connectionYAML struct {
	A              string   `yaml:"a"`
	B              string   `yaml:"b"`
	Enabled        bool     `yaml:"enabled"`
	PreSharedKey   string   `yaml:"preshared_key,omitempty"`
	KeepaliveOn    bool     `yaml:"keepalive_enabled"`
	KeepaliveSecs  int      `yaml:"keepalive_seconds,omitempty"`
	AllowedIPsAToB []string `yaml:"allowed_ips_a_to_b,omitempty"`
	AllowedIPsBToA []string `yaml:"allowed_ips_b_to_a,omitempty"`
}

type reservationYAML struct {
	Address    string    `yaml:"address"`
	PeerID     string    `yaml:"peer_id"`
	ValidUntil time.Time `yaml:"valid_until"`
}

type defaultsYAML struct {
	PeerDNS           dnsYAML        `yaml:"peer_dns"`
	PeerMTU           mtuYAML        `yaml:"peer_mtu"`
	PeerScripts       scriptsYAML    `yaml:"peer_scripts"`
	ConnectionKeepOn  bool           `yaml:"connection_keepalive_enabled"`
	ConnectionKeepSec int            `yaml:"connection_keepalive_seconds,omitempty"`
}

type networkYAML struct {
	Name         string            `yaml:"name"`
	Subnet       string            `yaml:"subnet"`
	ThisPeer     string            `yaml:"this_peer"`
	Peers        []peerYAML        `yaml:"peers"`
	Connections  []connectionYAML  `yaml:"connections"`
	Reservations []reservationYAML `yaml:"reservations,omitempty"`
	Defaults     defaultsYAML      `yaml:"defaults"`
	UpdatedAt    time.Time         `yaml:"updated_at"`
}

func endpointToYAML(e Endpoint) endpointYAML {
	out := endpointYAML{Enabled: e.Enabled, Port: e.Port}
	switch e.Kind {
	case EndpointIPv4:
		out.Kind = "ipv4"
		out.IP = e.IP.String()
	case EndpointHost:
		out.Kind = "host"
		out.Host = e.Host
	}
	return out
}

func endpointFromYAML(y endpointYAML) (Endpoint, error) {
	out := Endpoint{Enabled: y.Enabled, Port: y.Port}
	switch y.Kind {
	case "ipv4":
		ip, err := netip.ParseAddr(y.IP)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint ip: %w", err)
		}
		out.Kind = EndpointIPv4
		out.IP = ip
	case "host":
		out.Kind = EndpointHost
		out.Host = y.Host
	case "":
		out.Kind = EndpointNone
	default:
		return Endpoint{}, fmt.Errorf("endpoint kind %q not recognized", y.Kind)
	}
	return out, nil
}

func dnsToYAML(d DNSConfig) dnsYAML {
	out := dnsYAML{Enabled: d.Enabled}
	for _, s := range d.Servers {
		out.Servers = append(out.Servers, s.String())
	}
	return out
}

func dnsFromYAML(y dnsYAML) (DNSConfig, error) {
	out := DNSConfig{Enabled: y.Enabled}
	for _, s := range y.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return DNSConfig{}, fmt.Errorf("dns server %q: %w", s, err)
		}
		out.Servers = append(out.Servers, addr)
	}
	return out, nil
}

func scriptsToYAML(s Scripts) scriptsYAML {
	line := func(l ScriptLine) scriptLineYAML { return scriptLineYAML{Enabled: l.Enabled, Cmd: l.Cmd} }
	return scriptsYAML{PreUp: line(s.PreUp), PostUp: line(s.PostUp), PreDown: line(s.PreDown), PostDown: line(s.PostDown)}
}

func scriptsFromYAML(y scriptsYAML) Scripts {
	line := func(l scriptLineYAML) ScriptLine { return ScriptLine{Enabled: l.Enabled, Cmd: l.Cmd} }
	return Scripts{PreUp: line(y.PreUp), PostUp: line(y.PostUp), PreDown: line(y.PreDown), PostDown: line(y.PostDown)}
}

func allowedIPsToYAML(prefixes []netip.Prefix) []string {
	if len(prefixes) == 0 {
		return nil
	}
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = p.String()
	}
	return out
}

func allowedIPsFromYAML(strs []string) ([]netip.Prefix, error) {
	if len(strs) == 0 {
		return nil, nil
	}
	out := make([]netip.Prefix, len(strs))
	for i, s := range strs {
		if IsDefaultRouteToken(s) {
			out[i] = defaultRoute
			continue
		}
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("allowed ip %q: %w", s, err)
		}
		out[i] = pfx
	}
	return out, nil
}

// MarshalYAML implements yaml.Marshaler over a plain-string DTO.
func (n *Network) MarshalYAML() (interface{}, error) {
	if n == nil {
		return nil, nil
	}
	out := networkYAML{
		Name:     n.Name,
		Subnet:   n.Subnet.String(),
		ThisPeer: n.ThisPeer.String(),
		Defaults: defaultsYAML{
			PeerDNS:           dnsToYAML(n.Defaults.Peer.DNS),
			PeerMTU:           mtuYAML{Enabled: n.Defaults.Peer.MTU.Enabled, Value: n.Defaults.Peer.MTU.Value},
			PeerScripts:       scriptsToYAML(n.Defaults.Peer.Scripts),
			ConnectionKeepOn:  n.Defaults.Connection.Keepalive.Enabled,
			ConnectionKeepSec: int(n.Defaults.Connection.Keepalive.Period.Seconds()),
		},
		UpdatedAt: n.UpdatedAt,
	}

	for _, id := range sortedPeerIDs(n.Peers) {
		p := n.Peers[id]
		out.Peers = append(out.Peers, peerYAML{
			ID: p.ID.String(), Name: p.Name, Address: p.Address.String(),
			Endpoint: endpointToYAML(p.Endpoint), Kind: p.Kind, Icon: p.Icon,
			DNS: dnsToYAML(p.DNS), MTU: mtuYAML{Enabled: p.MTU.Enabled, Value: p.MTU.Value},
			Scripts: scriptsToYAML(p.Scripts), PrivateKey: p.PrivateKey.String(),
			CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
		})
	}

	for _, id := range sortedConnectionIDs(n.Connections) {
		c := n.Connections[id]
		var psk string
		if c.PreSharedKey != (wgtypes.Key{}) {
			psk = c.PreSharedKey.String()
		}
		out.Connections = append(out.Connections, connectionYAML{
			A: c.ID.A.String(), B: c.ID.B.String(), Enabled: c.Enabled, PreSharedKey: psk,
			KeepaliveOn: c.Keepalive.Enabled, KeepaliveSecs: int(c.Keepalive.Period.Seconds()),
			AllowedIPsAToB: allowedIPsToYAML(c.AllowedIPsAToB), AllowedIPsBToA: allowedIPsToYAML(c.AllowedIPsBToA),
		})
	}

	for _, addr := range sortedReservationAddrs(n.Reservations) {
		r := n.Reservations[addr]
		out.Reservations = append(out.Reservations, reservationYAML{
			Address: r.Address.String(), PeerID: r.PeerID.String(), ValidUntil: r.ValidUntil,
		})
	}

	return out, nil
}

// UnmarshalYAML implements yaml.Unmarshaler, the inverse of MarshalYAML.
func (n *Network) UnmarshalYAML(value *yaml.Node) error {
	var y networkYAML
	if err := value.Decode(&y); err != nil {
		return err
	}

	subnet, err := netip.ParsePrefix(y.Subnet)
	if err != nil {
		return fmt.Errorf("network subnet: %w", err)
	}
	thisPeer, err := uuid.Parse(y.ThisPeer)
	if err != nil {
		return fmt.Errorf("network this_peer: %w", err)
	}

	*n = *New(y.Name, subnet)
	n.ThisPeer = thisPeer
	n.UpdatedAt = y.UpdatedAt

	peerDNS, err := dnsFromYAML(y.Defaults.PeerDNS)
	if err != nil {
		return fmt.Errorf("defaults.peer_dns: %w", err)
	}
	n.Defaults = Defaults{
		Peer: PeerDefaults{
			DNS:     peerDNS,
			MTU:     MTUConfig{Enabled: y.Defaults.PeerMTU.Enabled, Value: y.Defaults.PeerMTU.Value},
			Scripts: scriptsFromYAML(y.Defaults.PeerScripts),
		},
		Connection: ConnectionDefaults{
			Keepalive: Keepalive{Enabled: y.Defaults.ConnectionKeepOn, Period: time.Duration(y.Defaults.ConnectionKeepSec) * time.Second},
		},
	}

	for _, py := range y.Peers {
		id, err := uuid.Parse(py.ID)
		if err != nil {
			return fmt.Errorf("peer id %q: %w", py.ID, err)
		}
		addr, err := netip.ParseAddr(py.Address)
		if err != nil {
			return fmt.Errorf("peer %s address: %w", py.ID, err)
		}
		ep, err := endpointFromYAML(py.Endpoint)
		if err != nil {
			return fmt.Errorf("peer %s endpoint: %w", py.ID, err)
		}
		dns, err := dnsFromYAML(py.DNS)
		if err != nil {
			return fmt.Errorf("peer %s dns: %w", py.ID, err)
		}
		key, err := wgtypes.ParseKey(py.PrivateKey)
		if err != nil {
			return fmt.Errorf("peer %s private_key: %w", py.ID, err)
		}
		n.Peers[id] = Peer{
			ID: id, Name: py.Name, Address: addr, Endpoint: ep, Kind: py.Kind, Icon: py.Icon,
			DNS: dns, MTU: MTUConfig{Enabled: py.MTU.Enabled, Value: py.MTU.Value},
			Scripts: scriptsFromYAML(py.Scripts), PrivateKey: key,
			CreatedAt: py.CreatedAt, UpdatedAt: py.UpdatedAt,
		}
	}

	for _, cy := range y.Connections {
		a, err := uuid.Parse(cy.A)
		if err != nil {
			return fmt.Errorf("connection a %q: %w", cy.A, err)
		}
		b, err := uuid.Parse(cy.B)
		if err != nil {
			return fmt.Errorf("connection b %q: %w", cy.B, err)
		}
		var psk wgtypes.Key
		if cy.PreSharedKey != "" {
			psk, err = wgtypes.ParseKey(cy.PreSharedKey)
			if err != nil {
				return fmt.Errorf("connection %s-%s preshared_key: %w", cy.A, cy.B, err)
			}
		}
		aToB, err := allowedIPsFromYAML(cy.AllowedIPsAToB)
		if err != nil {
			return fmt.Errorf("connection %s-%s allowed_ips_a_to_b: %w", cy.A, cy.B, err)
		}
		bToA, err := allowedIPsFromYAML(cy.AllowedIPsBToA)
		if err != nil {
			return fmt.Errorf("connection %s-%s allowed_ips_b_to_a: %w", cy.A, cy.B, err)
		}
		id := ConnectionID{A: a, B: b}
		n.Connections[id] = Connection{
			ID: id, Enabled: cy.Enabled, PreSharedKey: psk,
			Keepalive:      Keepalive{Enabled: cy.KeepaliveOn, Period: time.Duration(cy.KeepaliveSecs) * time.Second},
			AllowedIPsAToB: aToB, AllowedIPsBToA: bToA,
		}
	}

	for _, ry := range y.Reservations {
		addr, err := netip.ParseAddr(ry.Address)
		if err != nil {
			return fmt.Errorf("reservation address %q: %w", ry.Address, err)
		}
		peerID, err := uuid.Parse(ry.PeerID)
		if err != nil {
			return fmt.Errorf("reservation peer_id %q: %w", ry.PeerID, err)
		}
		n.Reservations[addr] = Reservation{Address: addr, PeerID: peerID, ValidUntil: ry.ValidUntil}
	}

	return nil
}
