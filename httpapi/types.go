package httpapi

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"wgrouterd/network"
)

// errorResponse is the JSON body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type tokenRequest struct {
	ClientID string `json:"clientId"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// peerSummary and connectionSummary are the wire shapes for
// GET /api/network/summary — a JSON-friendly projection of
// network.Network, not the internal model itself (netip/uuid/wgtypes
// values need string rendering for stable JSON).
type peerSummary struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	Endpoint string    `json:"endpoint,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Icon     string    `json:"icon,omitempty"`
	PublicKey string   `json:"public_key"`
}

type connectionSummary struct {
	A              uuid.UUID `json:"a"`
	B              uuid.UUID `json:"b"`
	Enabled        bool      `json:"enabled"`
	AllowedIPsAToB []string  `json:"allowed_ips_a_to_b,omitempty"`
	AllowedIPsBToA []string  `json:"allowed_ips_b_to_a,omitempty"`
}

type networkSummary struct {
	Name        string              `json:"name"`
	Subnet      string              `json:"subnet"`
	ThisPeer    uuid.UUID           `json:"this_peer"`
	Peers       []peerSummary       `json:"peers"`
	Connections []connectionSummary `json:"connections"`
	Digest      string              `json:"digest"`
}

type digestSummary struct {
	Digest string `json:"digest"`
}

func prefixStrings(ps []netip.Prefix) []string {
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func toNetworkSummary(n *network.Network) networkSummary {
	s := networkSummary{
		Name:     n.Name,
		Subnet:   n.Subnet.String(),
		ThisPeer: n.ThisPeer,
		Digest:   n.Digest(),
	}
	for _, p := range n.Peers {
		s.Peers = append(s.Peers, peerSummary{
			ID:        p.ID,
			Name:      p.Name,
			Address:   p.Address.String(),
			Endpoint:  p.Endpoint.String(),
			Kind:      p.Kind,
			Icon:      p.Icon,
			PublicKey: p.PublicKey().String(),
		})
	}
	for _, c := range n.Connections {
		s.Connections = append(s.Connections, connectionSummary{
			A:              c.ID.A,
			B:              c.ID.B,
			Enabled:        c.Enabled,
			AllowedIPsAToB: prefixStrings(c.AllowedIPsAToB),
			AllowedIPsBToA: prefixStrings(c.AllowedIPsBToA),
		})
	}
	return s
}

type reserveAddressResponse struct {
	Address    string    `json:"address"`
	PeerID     uuid.UUID `json:"peer_id"`
	ValidUntil time.Time `json:"valid_until"`
}

type wireguardStatusRequest struct {
	Action string `json:"action"` // "up" | "down" | "status"
}

type wireguardStatusResponse struct {
	Status string `json:"status"` // "up" | "down"
}

type modeRequest struct {
	Mode    string `json:"mode"` // "host" | "router"
	LanCidr string `json:"lan_cidr,omitempty"`
}

type modeResponse struct {
	Mode    string `json:"mode"`
	LanCidr string `json:"lan_cidr,omitempty"`
}

type canSwitchResponse struct {
	CanSwitch bool   `json:"can_switch"`
	Reason    string `json:"reason,omitempty"`
}

type peerRouteStatusRequest struct {
	Prefix        string      `json:"prefix"`
	ActivePeerID  uuid.UUID   `json:"active_peer_id"`
	BackupPeerIDs []uuid.UUID `json:"backup_peer_ids,omitempty"`
}

type peerRouteStatusResponse struct {
	Prefix        string      `json:"prefix"`
	ActivePeerID  uuid.UUID   `json:"active_peer_id"`
	BackupPeerIDs []uuid.UUID `json:"backup_peer_ids,omitempty"`
}

type exitNodePeerHealth struct {
	PeerID   uuid.UUID `json:"peer_id"`
	IsOnline bool      `json:"is_online"`
	LossPct  float64   `json:"loss_pct"`
	JitterMs float64   `json:"jitter_ms"`
}

type exitNodeResponse struct {
	ExitNode               uuid.UUID            `json:"exit_node"`
	PeersWithDefaultRoute  []uuid.UUID          `json:"peers_with_default_route"`
	HealthStatus           []exitNodePeerHealth `json:"health_status"`
	AutoFailover           bool                 `json:"auto_failover"`
}

type peerControlRequest struct {
	PeerID uuid.UUID `json:"peer_id"`
	Action string    `json:"action"` // "stop" | "start" | "reconnect"
}

type peerLanAccessRequest struct {
	PeerID       uuid.UUID `json:"peer_id"`
	HasLanAccess bool      `json:"has_lan_access"`
}

type peerLanAccessResponse struct {
	PeerID       uuid.UUID `json:"peer_id"`
	HasLanAccess bool      `json:"has_lan_access"`
}

type autoFailoverRequest struct {
	Enabled bool `json:"enabled"`
}

type autoFailoverResponse struct {
	Enabled bool `json:"enabled"`
}

type systemLogsResponse struct {
	Logs   []string `json:"logs"`
	Source string   `json:"source"`
	Lines  int      `json:"lines"`
}

type initStatusResponse struct {
	Initialized bool `json:"initialized"`
}

type initInfoResponse struct {
	Version string `json:"version"`
}

type initRequest struct {
	Name       string `json:"name"`
	Subnet     string `json:"subnet"`
	PeerName   string `json:"peer_name"`
	PeerAddr   string `json:"peer_address"`
	Password   string `json:"password,omitempty"`
}
