package httpapi

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgrouterd/network"
	"wgrouterd/wgerr"
)

// wire* types are the JSON-friendly shapes PATCH /api/network/config
// accepts, converted into network.ChangeSum before being handed to
// network.ApplyChangeSum. netip/uuid/wgtypes values need string
// rendering for JSON; ConnectionPatch/AddedConnection are addressed by
// an explicit A/B pair instead of network.ConnectionID's struct key,
// since a struct can't be a JSON object key.

type wireEndpoint struct {
	Enabled bool   `json:"enabled"`
	Kind    string `json:"kind"` // "none" | "ipv4" | "host"
	IP      string `json:"ip,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    uint16 `json:"port,omitempty"`
}

func (w wireEndpoint) toEndpoint() (network.Endpoint, error) {
	ep := network.Endpoint{Enabled: w.Enabled, Port: w.Port}
	switch w.Kind {
	case "", "none":
		ep.Kind = network.EndpointNone
	case "ipv4":
		ep.Kind = network.EndpointIPv4
		addr, err := netip.ParseAddr(w.IP)
		if err != nil {
			return network.Endpoint{}, wgerr.Field(wgerr.Invalid, "endpoint.ip", "not a valid IP")
		}
		ep.IP = addr
	case "host":
		ep.Kind = network.EndpointHost
		ep.Host = w.Host
	default:
		return network.Endpoint{}, wgerr.Field(wgerr.Invalid, "endpoint.kind", "must be none, ipv4, or host")
	}
	return ep, nil
}

type wireDNS struct {
	Enabled bool     `json:"enabled"`
	Servers []string `json:"servers,omitempty"`
}

func (w wireDNS) toDNS() (network.DNSConfig, error) {
	dns := network.DNSConfig{Enabled: w.Enabled}
	for _, s := range w.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return network.DNSConfig{}, wgerr.Field(wgerr.Invalid, "dns.servers", "not a valid IP")
		}
		dns.Servers = append(dns.Servers, addr)
	}
	return dns, nil
}

type wireMTU struct {
	Enabled bool   `json:"enabled"`
	Value   uint16 `json:"value,omitempty"`
}

func (w wireMTU) toMTU() network.MTUConfig {
	return network.MTUConfig{Enabled: w.Enabled, Value: w.Value}
}

type wireScriptLine struct {
	Enabled bool   `json:"enabled"`
	Cmd     string `json:"cmd,omitempty"`
}

func (w wireScriptLine) toScriptLine() network.ScriptLine {
	return network.ScriptLine{Enabled: w.Enabled, Cmd: w.Cmd}
}

type wireScripts struct {
	PreUp    wireScriptLine `json:"pre_up"`
	PostUp   wireScriptLine `json:"post_up"`
	PreDown  wireScriptLine `json:"pre_down"`
	PostDown wireScriptLine `json:"post_down"`
}

func (w wireScripts) toScripts() network.Scripts {
	return network.Scripts{
		PreUp:    w.PreUp.toScriptLine(),
		PostUp:   w.PostUp.toScriptLine(),
		PreDown:  w.PreDown.toScriptLine(),
		PostDown: w.PostDown.toScriptLine(),
	}
}

type wireKeepalive struct {
	Enabled       bool `json:"enabled"`
	PeriodSeconds int  `json:"period_seconds,omitempty"`
}

func (w wireKeepalive) toKeepalive() network.Keepalive {
	return network.Keepalive{Enabled: w.Enabled, Period: time.Duration(w.PeriodSeconds) * time.Second}
}

func parsePrefixes(ss []string) ([]netip.Prefix, error) {
	if ss == nil {
		return nil, nil
	}
	out := make([]netip.Prefix, 0, len(ss))
	for _, s := range ss {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, wgerr.Field(wgerr.Invalid, "allowed_ips", "not a valid CIDR")
		}
		out = append(out, p)
	}
	return out, nil
}

func parseKey(s string) (wgtypes.Key, error) {
	if s == "" {
		return wgtypes.Key{}, nil
	}
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return wgtypes.Key{}, wgerr.Field(wgerr.Invalid, "preshared_key", "not a valid wireguard key")
	}
	return k, nil
}

type wirePeerPatch struct {
	Name     *string       `json:"name,omitempty"`
	Address  *string       `json:"address,omitempty"`
	Endpoint *wireEndpoint `json:"endpoint,omitempty"`
	Kind     *string       `json:"kind,omitempty"`
	Icon     *string       `json:"icon,omitempty"`
	DNS      *wireDNS      `json:"dns,omitempty"`
	MTU      *wireMTU      `json:"mtu,omitempty"`
	Scripts  *wireScripts  `json:"scripts,omitempty"`
}

func (w wirePeerPatch) toPatch() (network.PeerPatch, error) {
	var p network.PeerPatch
	p.Name = w.Name
	if w.Address != nil {
		addr, err := netip.ParseAddr(*w.Address)
		if err != nil {
			return network.PeerPatch{}, wgerr.Field(wgerr.Invalid, "address", "not a valid IP")
		}
		p.Address = &addr
	}
	if w.Endpoint != nil {
		ep, err := w.Endpoint.toEndpoint()
		if err != nil {
			return network.PeerPatch{}, err
		}
		p.Endpoint = &ep
	}
	p.Kind = w.Kind
	p.Icon = w.Icon
	if w.DNS != nil {
		dns, err := w.DNS.toDNS()
		if err != nil {
			return network.PeerPatch{}, err
		}
		p.DNS = &dns
	}
	if w.MTU != nil {
		mtu := w.MTU.toMTU()
		p.MTU = &mtu
	}
	if w.Scripts != nil {
		scripts := w.Scripts.toScripts()
		p.Scripts = &scripts
	}
	return p, nil
}

type wireConnectionPatch struct {
	Enabled        *bool          `json:"enabled,omitempty"`
	PreSharedKey   *string        `json:"preshared_key,omitempty"`
	Keepalive      *wireKeepalive `json:"keepalive,omitempty"`
	AllowedIPsAToB *[]string      `json:"allowed_ips_a_to_b,omitempty"`
	AllowedIPsBToA *[]string      `json:"allowed_ips_b_to_a,omitempty"`
}

func (w wireConnectionPatch) toPatch() (network.ConnectionPatch, error) {
	var p network.ConnectionPatch
	p.Enabled = w.Enabled
	if w.PreSharedKey != nil {
		k, err := parseKey(*w.PreSharedKey)
		if err != nil {
			return network.ConnectionPatch{}, err
		}
		p.PreSharedKey = &k
	}
	if w.Keepalive != nil {
		ka := w.Keepalive.toKeepalive()
		p.Keepalive = &ka
	}
	if w.AllowedIPsAToB != nil {
		ps, err := parsePrefixes(*w.AllowedIPsAToB)
		if err != nil {
			return network.ConnectionPatch{}, err
		}
		p.AllowedIPsAToB = &ps
	}
	if w.AllowedIPsBToA != nil {
		ps, err := parsePrefixes(*w.AllowedIPsBToA)
		if err != nil {
			return network.ConnectionPatch{}, err
		}
		p.AllowedIPsBToA = &ps
	}
	return p, nil
}

type wireAddedPeer struct {
	Name       string       `json:"name"`
	Address    string       `json:"address"`
	Endpoint   wireEndpoint `json:"endpoint"`
	Kind       string       `json:"kind,omitempty"`
	Icon       string       `json:"icon,omitempty"`
	DNS        wireDNS      `json:"dns"`
	MTU        wireMTU      `json:"mtu"`
	Scripts    wireScripts  `json:"scripts"`
	PrivateKey string       `json:"private_key,omitempty"`
}

func (w wireAddedPeer) toAdded() (network.AddedPeer, error) {
	addr, err := netip.ParseAddr(w.Address)
	if err != nil {
		return network.AddedPeer{}, wgerr.Field(wgerr.Invalid, "address", "not a valid IP")
	}
	ep, err := w.Endpoint.toEndpoint()
	if err != nil {
		return network.AddedPeer{}, err
	}
	dns, err := w.DNS.toDNS()
	if err != nil {
		return network.AddedPeer{}, err
	}
	pk, err := parseKey(w.PrivateKey)
	if err != nil {
		return network.AddedPeer{}, err
	}
	return network.AddedPeer{
		Name:       w.Name,
		Address:    addr,
		Endpoint:   ep,
		Kind:       w.Kind,
		Icon:       w.Icon,
		DNS:        dns,
		MTU:        w.MTU.toMTU(),
		Scripts:    w.Scripts.toScripts(),
		PrivateKey: pk,
	}, nil
}

type wireAddedConnection struct {
	A              string        `json:"a"`
	B              string        `json:"b"`
	Enabled        bool          `json:"enabled"`
	PreSharedKey   string        `json:"preshared_key,omitempty"`
	Keepalive      wireKeepalive `json:"keepalive"`
	AllowedIPsAToB []string      `json:"allowed_ips_a_to_b,omitempty"`
	AllowedIPsBToA []string      `json:"allowed_ips_b_to_a,omitempty"`
}

type wireConnectionID struct {
	A string `json:"a"`
	B string `json:"b"`
}

type wireChangeSum struct {
	ChangedPeers       map[string]wirePeerPatch      `json:"changed_peers,omitempty"`
	ChangedConnections []wireChangedConnection        `json:"changed_connections,omitempty"`
	AddedPeers         map[string]wireAddedPeer       `json:"added_peers,omitempty"`
	AddedConnections   []wireAddedConnection          `json:"added_connections,omitempty"`
	RemovedPeers       []string                       `json:"removed_peers,omitempty"`
	RemovedConnections []wireConnectionID              `json:"removed_connections,omitempty"`
}

type wireChangedConnection struct {
	A     string              `json:"a"`
	B     string              `json:"b"`
	Patch wireConnectionPatch `json:"patch"`
}

// toChangeSum converts the wire payload into network.ChangeSum,
// returning a field-scoped wgerr.Invalid on the first malformed ID or
// value.
func (w wireChangeSum) toChangeSum() (network.ChangeSum, error) {
	cs := network.ChangeSum{}

	if len(w.ChangedPeers) > 0 {
		cs.ChangedPeers = make(map[uuid.UUID]network.PeerPatch, len(w.ChangedPeers))
		for idStr, patch := range w.ChangedPeers {
			id, err := uuid.Parse(idStr)
			if err != nil {
				return cs, wgerr.Field(wgerr.Invalid, "changed_peers", "not a valid peer id")
			}
			p, err := patch.toPatch()
			if err != nil {
				return cs, err
			}
			cs.ChangedPeers[id] = p
		}
	}

	if len(w.ChangedConnections) > 0 {
		cs.ChangedConnections = make(map[network.ConnectionID]network.ConnectionPatch, len(w.ChangedConnections))
		for _, wc := range w.ChangedConnections {
			a, err := uuid.Parse(wc.A)
			if err != nil {
				return cs, wgerr.Field(wgerr.Invalid, "changed_connections", "not a valid peer id")
			}
			b, err := uuid.Parse(wc.B)
			if err != nil {
				return cs, wgerr.Field(wgerr.Invalid, "changed_connections", "not a valid peer id")
			}
			p, err := wc.Patch.toPatch()
			if err != nil {
				return cs, err
			}
			cs.ChangedConnections[network.NewConnectionID(a, b)] = p
		}
	}

	if len(w.AddedPeers) > 0 {
		cs.AddedPeers = make(map[uuid.UUID]network.AddedPeer, len(w.AddedPeers))
		for idStr, wp := range w.AddedPeers {
			id, err := uuid.Parse(idStr)
			if err != nil {
				return cs, wgerr.Field(wgerr.Invalid, "added_peers", "not a valid peer id")
			}
			ap, err := wp.toAdded()
			if err != nil {
				return cs, err
			}
			ap.ID = id
			cs.AddedPeers[id] = ap
		}
	}

	if len(w.AddedConnections) > 0 {
		cs.AddedConnections = make(map[network.ConnectionID]network.AddedConnection, len(w.AddedConnections))
		for _, wc := range w.AddedConnections {
			a, err := uuid.Parse(wc.A)
			if err != nil {
				return cs, wgerr.Field(wgerr.Invalid, "added_connections", "not a valid peer id")
			}
			b, err := uuid.Parse(wc.B)
			if err != nil {
				return cs, wgerr.Field(wgerr.Invalid, "added_connections", "not a valid peer id")
			}
			psk, err := parseKey(wc.PreSharedKey)
			if err != nil {
				return cs, err
			}
			aToB, err := parsePrefixes(wc.AllowedIPsAToB)
			if err != nil {
				return cs, err
			}
			bToA, err := parsePrefixes(wc.AllowedIPsBToA)
			if err != nil {
				return cs, err
			}
			id := network.NewConnectionID(a, b)
			cs.AddedConnections[id] = network.AddedConnection{
				A: id.A, B: id.B,
				Enabled:        wc.Enabled,
				PreSharedKey:   psk,
				Keepalive:      wc.Keepalive.toKeepalive(),
				AllowedIPsAToB: aToB,
				AllowedIPsBToA: bToA,
			}
		}
	}

	for _, idStr := range w.RemovedPeers {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return cs, wgerr.Field(wgerr.Invalid, "removed_peers", "not a valid peer id")
		}
		cs.RemovedPeers = append(cs.RemovedPeers, id)
	}

	for _, wc := range w.RemovedConnections {
		a, err := uuid.Parse(wc.A)
		if err != nil {
			return cs, wgerr.Field(wgerr.Invalid, "removed_connections", "not a valid peer id")
		}
		b, err := uuid.Parse(wc.B)
		if err != nil {
			return cs, wgerr.Field(wgerr.Invalid, "removed_connections", "not a valid peer id")
		}
		cs.RemovedConnections = append(cs.RemovedConnections, network.NewConnectionID(a, b))
	}

	return cs, nil
}
