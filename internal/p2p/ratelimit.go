package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-peer inbound limits. A LAN peer that loops on cache misses should
// never be able to saturate the store with lookups.
const (
	peerRequestsPerSecond = 25
	peerBurst             = 50
)

// peerLimiter rate-limits inbound requests per requesting machine.
type peerLimiter struct {
	mu    sync.Mutex
	peers map[string]*limiterEntry
	r     rate.Limit
	b     int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPeerLimiter(perSecond float64, burst int) *peerLimiter {
	return &peerLimiter{
		peers: make(map[string]*limiterEntry),
		r:     rate.Limit(perSecond),
		b:     burst,
	}
}

func (l *peerLimiter) allow(machineID string) bool {
	l.mu.Lock()
	entry, ok := l.peers[machineID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.r, l.b)}
		l.peers[machineID] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// prune drops limiter state for machines idle longer than maxIdle.
func (l *peerLimiter) prune(now time.Time, maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entry := range l.peers {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(l.peers, id)
		}
	}
}
