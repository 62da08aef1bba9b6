package network

import (
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"wgrouterd/wgerr"
)

const (
	maxNameLen = 64
	minMTU     = 1280
	maxMTU     = 1500
	minKeepalive = 1
	maxKeepalive = 65535
)

// ValidatePeerName rejects empty or unreasonably long peer names.
func ValidatePeerName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return wgerr.Field(wgerr.Invalid, field, "name must not be empty")
	}
	if len(name) > maxNameLen {
		return wgerr.Field(wgerr.Invalid, field, "name too long")
	}
	return nil
}

// ValidateAddress checks that addr is an IPv4 address within subnet and
// not already held by another peer, nor reserved for a different peer.
func ValidateAddress(field string, addr netip.Addr, subnet netip.Prefix, n *Network, selfID uuid.UUID, ignoreSelf bool) error {
	if !addr.Is4() {
		return wgerr.Field(wgerr.Invalid, field, "address must be IPv4")
	}
	if !subnet.Contains(addr) {
		return wgerr.Field(wgerr.Invalid, field, "address is not within the network subnet")
	}
	for id, p := range n.Peers {
		if ignoreSelf && id == selfID {
			continue
		}
		if p.Address == addr {
			return wgerr.Field(wgerr.Invalid, field, "address is already assigned to another peer")
		}
	}
	if res, ok := n.Reservations[addr]; ok && res.PeerID != selfID {
		return wgerr.Field(wgerr.Conflict, field, "address is reserved")
	}
	return nil
}

// ValidateEndpoint checks an endpoint's "ip:port" / "host:port" shape.
func ValidateEndpoint(field string, ep Endpoint) error {
	if !ep.Enabled {
		return nil
	}
	switch ep.Kind {
	case EndpointIPv4:
		if !ep.IP.Is4() {
			return wgerr.Field(wgerr.Invalid, field, "endpoint IP must be IPv4")
		}
	case EndpointHost:
		if strings.TrimSpace(ep.Host) == "" {
			return wgerr.Field(wgerr.Invalid, field, "endpoint host must not be empty")
		}
	default:
		return wgerr.Field(wgerr.Invalid, field, "endpoint kind must be ipv4 or host")
	}
	if ep.Port == 0 {
		return wgerr.Field(wgerr.Invalid, field, "endpoint port must be non-zero")
	}
	return nil
}

// ValidateMTU checks a peer's MTU override is within the 1280-1500 range.
func ValidateMTU(field string, mtu MTUConfig) error {
	if !mtu.Enabled {
		return nil
	}
	if mtu.Value < minMTU || mtu.Value > maxMTU {
		return wgerr.Field(wgerr.Invalid, field, "mtu must be between 1280 and 1500")
	}
	return nil
}

// ValidateKeepalive checks a connection's persistent-keepalive period.
func ValidateKeepalive(field string, ka Keepalive) error {
	if !ka.Enabled {
		return nil
	}
	secs := ka.Period.Seconds()
	if secs < minKeepalive || secs > maxKeepalive {
		return wgerr.Field(wgerr.Invalid, field, "keepalive must be between 1 and 65535 seconds")
	}
	return nil
}

// ValidateDNS checks that every DNS server is a valid IPv4 address.
func ValidateDNS(field string, dns DNSConfig) error {
	if !dns.Enabled {
		return nil
	}
	for _, s := range dns.Servers {
		if !s.Is4() {
			return wgerr.Field(wgerr.Invalid, field, "dns servers must be IPv4")
		}
	}
	return nil
}

// ValidateCIDR parses s as an IPv4 CIDR whose address is the network
// address of the prefix (e.g. "10.0.0.0/24", not "10.0.0.1/24").
func ValidateCIDR(field, s string) (netip.Prefix, error) {
	pfx, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, wgerr.Field(wgerr.Invalid, field, "not a valid CIDR")
	}
	if !pfx.Addr().Is4() {
		return netip.Prefix{}, wgerr.Field(wgerr.Invalid, field, "CIDR must be IPv4")
	}
	masked := pfx.Masked()
	if masked.Addr() != pfx.Addr() {
		return netip.Prefix{}, wgerr.Field(wgerr.Invalid, field, "CIDR must be a network address, not a host address")
	}
	return pfx, nil
}

// ValidateCIDRList parses a comma-separated list of IPv4 CIDRs, as
// stored in Config.agent.router.lan_cidr. An empty or whitespace-only
// string yields an empty, non-nil-error slice.
func ValidateCIDRList(field, s string) ([]netip.Prefix, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		pfx, err := ValidateCIDR(field, strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, pfx)
	}
	return out, nil
}

// ValidateScriptLine accepts any command text — scripts are opaque
// commands run by the tunnel manager's hook execution, per spec.md's data
// model (scripts are "plain strings") — and rejects only an enabled line
// whose command is empty or whitespace.
func ValidateScriptLine(field string, s ScriptLine) error {
	if s.Enabled && strings.TrimSpace(s.Cmd) == "" {
		return wgerr.Field(wgerr.Invalid, field, "script command must not be empty when enabled")
	}
	return nil
}
