package p2p

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultPruneGrace is how long past the liveness window a stale peer
// stays listed before eviction. Stale-but-listed peers show up flagged
// in status output instead of silently vanishing.
const DefaultPruneGrace = 5 * time.Minute

// Registry is the shared map of known peers, keyed by machine ID.
// Discovery writes, the client and status reporting read.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]PeerInfo

	livenessWindow time.Duration
	grace          time.Duration
}

// NewRegistry creates an empty registry. grace must exceed the liveness
// window; zero values pick the defaults.
func NewRegistry(livenessWindow, grace time.Duration) *Registry {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	if grace <= livenessWindow {
		grace = DefaultPruneGrace
	}
	return &Registry{
		peers:          make(map[string]PeerInfo),
		livenessWindow: livenessWindow,
		grace:          grace,
	}
}

// LivenessWindow returns the configured liveness window.
func (r *Registry) LivenessWindow() time.Duration {
	return r.livenessWindow
}

// Upsert merges a discovery announcement into the registry. LastSeen is
// monotonic per machine: an announcement older than what we already
// hold updates nothing.
func (r *Registry) Upsert(info PeerInfo) {
	if info.MachineID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[info.MachineID]
	if ok && info.LastSeen.Before(existing.LastSeen) {
		return
	}
	if !ok {
		slog.Info("peer discovered",
			"machine_id", shortID(info.MachineID),
			"hostname", info.Hostname,
			"addr", info.Addr,
			"port", info.Port,
		)
	}
	r.peers[info.MachineID] = info
}

// Get returns the peer for a machine ID.
func (r *Registry) Get(machineID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.peers[machineID]
	return Peer{Info: info}, ok
}

// Snapshot returns a copy of all known peers, most recently seen first.
// Entries past the liveness window are included; callers flag them via
// IsAlive.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.peers))
	for _, info := range r.peers {
		peers = append(peers, Peer{Info: info})
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Info.LastSeen.After(peers[j].Info.LastSeen)
	})
	return peers
}

// Len returns the number of listed peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Prune evicts peers whose last announcement is older than the grace
// period and returns how many were removed.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, info := range r.peers {
		if now.Sub(info.LastSeen) > r.grace {
			delete(r.peers, id)
			evicted++
			slog.Debug("peer evicted", "machine_id", shortID(id), "last_seen", info.LastSeen)
		}
	}
	return evicted
}
