package health

import (
	"math"
	"time"
)

// ringSize is the sample history kept per peer (spec.md §4.7).
const ringSize = 60

// failureThreshold is the number of consecutive ping failures before a
// peer is declared offline (debouncing, spec.md §4.7).
const failureThreshold = 3

// sample is one tick's ping outcome; ok=false means the ping failed
// and latencyMs is meaningless.
type sample struct {
	at        time.Time
	ok        bool
	latencyMs float64
}

// peerState tracks one peer's rolling liveness window and online/offline
// transition bookkeeping. Grounded on machine/convergence/peer_state.go's
// shape (fixed-size state struct, classify function, snapshot-restore
// discipline), rewritten from WG-handshake-freshness + endpoint rotation
// to ping loss/jitter + a fixed 3-failure debounce.
type peerState struct {
	ring        [ringSize]sample
	count       int // number of samples written, capped at ringSize
	next        int // ring write cursor

	failureCount int
	isOnline     bool

	upSince time.Time // session-only; zero when offline or never seen
}

func newPeerState() *peerState {
	return &peerState{}
}

// push records one tick's outcome into the ring and updates the
// consecutive-failure counter.
func (s *peerState) push(now time.Time, result PingResult) {
	s.ring[s.next] = sample{at: now, ok: result.OK, latencyMs: result.LatencyMs}
	s.next = (s.next + 1) % ringSize
	if s.count < ringSize {
		s.count++
	}

	if result.OK {
		s.failureCount = 0
	} else {
		s.failureCount++
	}
}

// classify updates isOnline from the current failureCount, applying
// the 3-consecutive-failure debounce, and returns the transition that
// occurred, if any.
type transition uint8

const (
	noTransition transition = iota
	wentOnline
	wentOffline
)

func (s *peerState) classify(now time.Time) transition {
	wasOnline := s.isOnline
	nowOnline := s.failureCount < failureThreshold
	s.isOnline = nowOnline

	if !wasOnline && nowOnline {
		s.upSince = now
		return wentOnline
	}
	if wasOnline && !nowOnline {
		s.upSince = time.Time{}
		return wentOffline
	}
	return noTransition
}

// lossPercent is the fraction of recorded samples that failed, as a
// percentage in [0,100]. Zero samples reports 0 loss.
func (s *peerState) lossPercent() float64 {
	if s.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < s.count; i++ {
		if !s.ring[i].ok {
			failures++
		}
	}
	return float64(failures) / float64(s.count) * 100
}

// jitterMs is the population standard deviation of the successful
// samples' latencies. Fewer than two successful samples reports 0.
func (s *peerState) jitterMs() float64 {
	var latencies []float64
	for i := 0; i < s.count; i++ {
		if s.ring[i].ok {
			latencies = append(latencies, s.ring[i].latencyMs)
		}
	}
	if len(latencies) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range latencies {
		mean += v
	}
	mean /= float64(len(latencies))

	var variance float64
	for _, v := range latencies {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(latencies))
	return math.Sqrt(variance)
}

// lastLatency returns the most recent successful sample's latency and
// whether one exists, used by failover to pick the lowest-latency
// backup.
func (s *peerState) lastLatency() (float64, bool) {
	idx := s.next
	for i := 0; i < s.count; i++ {
		idx = (idx - 1 + ringSize) % ringSize
		if s.ring[idx].ok {
			return s.ring[idx].latencyMs, true
		}
	}
	return 0, false
}
