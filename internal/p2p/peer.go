// Package p2p implements LAN cache sharing between forgecache daemons:
// mDNS discovery, HMAC-authenticated artifact fetches, per-peer consent,
// and the registry of known peers.
package p2p

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultLivenessWindow is how long a peer stays alive after its last
// announcement.
const DefaultLivenessWindow = 30 * time.Second

// PeerInfo is the discovery record for a single machine. Identity is
// MachineID, not the address: addresses change under DHCP, machine IDs
// survive restarts.
type PeerInfo struct {
	MachineID         string    `json:"machine_id"`
	Hostname          string    `json:"hostname"`
	Addr              net.IP    `json:"addr"`
	Port              int       `json:"port"`
	LastSeen          time.Time `json:"last_seen"`
	AcceptingRequests bool      `json:"accepting_requests"`
}

// Peer wraps PeerInfo with the derived views the client and status
// output need.
type Peer struct {
	Info PeerInfo
}

// Endpoint returns the base URL for the peer's artifact endpoint.
func (p Peer) Endpoint() string {
	return "http://" + net.JoinHostPort(p.Info.Addr.String(), strconv.Itoa(p.Info.Port))
}

// DisplayName returns a human-readable name for prompts and listings.
func (p Peer) DisplayName() string {
	if p.Info.Hostname != "" {
		return fmt.Sprintf("%s (%s)", p.Info.Hostname, shortID(p.Info.MachineID))
	}
	return shortID(p.Info.MachineID)
}

// IsAlive reports whether the peer announced itself within the liveness
// window. Liveness is derived from LastSeen, never stored.
func (p Peer) IsAlive(now time.Time, window time.Duration) bool {
	return now.Sub(p.Info.LastSeen) < window
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
