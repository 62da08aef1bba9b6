package health

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"wgrouterd/shell"
)

// PingResult is the outcome of one liveness probe.
type PingResult struct {
	OK        bool
	LatencyMs float64
}

// Ping shells `ping -I <iface> -c 1 -W 1 -w 2 <addr>` (spec.md §4.7):
// one ICMP echo, 1s per-reply wait, 2s overall deadline, bound to
// iface so it exercises the tunnel's own routing rather than whatever
// the default route happens to be. Using the system ping binary
// (rather than a raw-socket library) is what lets -I work unprivileged.
func Ping(ctx context.Context, runner shell.Runner, iface string, addr netip.Addr) PingResult {
	res, err := runner.Run(ctx, "ping", "-I", iface, "-c", "1", "-W", "1", "-w", "2", addr.String())
	if err != nil {
		return PingResult{OK: false}
	}
	latency, ok := parsePingLatency(res.Stdout)
	if !ok {
		return PingResult{OK: false}
	}
	return PingResult{OK: true, LatencyMs: latency}
}

// parsePingLatency extracts the "time=<ms> ms" field from ping's
// stdout, e.g. "64 bytes from 10.10.0.2: icmp_seq=1 ttl=64 time=0.042 ms".
func parsePingLatency(stdout string) (float64, bool) {
	idx := strings.Index(stdout, "time=")
	if idx < 0 {
		return 0, false
	}
	rest := stdout[idx+len("time="):]
	end := strings.IndexAny(rest, " \n")
	if end < 0 {
		end = len(rest)
	}
	ms, err := strconv.ParseFloat(rest[:end], 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
