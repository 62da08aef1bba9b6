package health

import (
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DumpLine is one peer's row from `wg show <iface> dump`, tab-separated:
// public-key, preshared-key, endpoint, allowed-ips, latest-handshake
// (unix seconds), rx-bytes, tx-bytes, persistent-keepalive.
type DumpLine struct {
	PublicKey     wgtypes.Key
	Endpoint      string
	LatestHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

// ParseWGDump parses `wg show <iface> dump` output into a map keyed by
// public key string. The first line (the interface's own row) is
// shorter and is skipped.
func ParseWGDump(output string) map[string]DumpLine {
	out := make(map[string]DumpLine)
	for i, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if i == 0 && len(fields) < 6 {
			continue // interface's own row
		}
		if len(fields) < 8 {
			continue
		}
		key, err := wgtypes.ParseKey(fields[0])
		if err != nil {
			continue
		}
		handshakeUnix, _ := strconv.ParseInt(fields[4], 10, 64)
		rx, _ := strconv.ParseUint(fields[5], 10, 64)
		tx, _ := strconv.ParseUint(fields[6], 10, 64)

		var handshake time.Time
		if handshakeUnix > 0 {
			handshake = time.Unix(handshakeUnix, 0)
		}

		out[key.String()] = DumpLine{
			PublicKey:       key,
			Endpoint:        fields[2],
			LatestHandshake: handshake,
			RxBytes:         rx,
			TxBytes:         tx,
		}
	}
	return out
}
