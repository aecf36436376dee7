package p2p

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const housekeepingInterval = 30 * time.Second

// Options configures the P2P manager. Immutable once the manager is
// constructed.
type Options struct {
	MachineID string
	Hostname  string

	Discovery bool // browse the LAN for peers
	Advertise bool // announce this machine and serve inbound fetches
	BindPort  int

	SharedSecret   string
	LivenessWindow time.Duration
	ReplayWindow   time.Duration
	FetchTimeout   time.Duration
	ConsentTimeout time.Duration
	ConsentTTL     time.Duration
}

// discoveryHandle is discovery as a tagged state rather than a nilable
// pointer, so call sites cannot forget the disabled case.
type discoveryHandle struct {
	enabled bool
	svc     *Discovery
}

func (h discoveryHandle) setAccepting(accepting bool) {
	if h.enabled {
		h.svc.SetAccepting(accepting)
	}
}

func (h discoveryHandle) shutdown() {
	if h.enabled {
		h.svc.Shutdown()
	}
}

// serverHandle is the same shape for the inbound server.
type serverHandle struct {
	enabled bool
	srv     *Server
}

// PeerStatus is the peer listing exposed to the daemon's status output.
type PeerStatus struct {
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Alive     bool   `json:"alive"`
}

// Manager is the composition root for peer sharing. It owns the
// lifecycle of discovery, the inbound server, and the outbound client,
// and decides which of them run based on configuration. The client is
// always active: even a machine that neither advertises nor browses
// may be asked to fetch (it just won't find anyone without discovery).
type Manager struct {
	opts      Options
	metrics   *Metrics
	registry  *Registry
	consent   *ConsentGate
	codec     *TrustCodec
	discovery discoveryHandle
	server    serverHandle
	client    *Client

	mu       sync.Mutex
	started  bool
	disabled bool // discovery failed to start; P2P off for this run

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires up the subsystem. Construction order: metrics,
// registry, discovery, server, client. Malformed options (an empty
// secret) fail here; runtime discovery failures are absorbed by Start.
func NewManager(opts Options, source ArtifactSource, prompter Prompter) (*Manager, error) {
	codec, err := NewTrustCodec(opts.SharedSecret, opts.ReplayWindow)
	if err != nil {
		return nil, err
	}
	if opts.MachineID == "" {
		return nil, errors.New("p2p: missing machine ID")
	}

	metrics := NewMetrics()
	registry := NewRegistry(opts.LivenessWindow, 0)
	consent := NewConsentGate(prompter, registry, opts.ConsentTimeout, opts.ConsentTTL)

	m := &Manager{
		opts:     opts,
		metrics:  metrics,
		registry: registry,
		consent:  consent,
		codec:    codec,
	}

	if opts.Discovery || opts.Advertise {
		m.discovery = discoveryHandle{
			enabled: true,
			svc: NewDiscovery(DiscoveryOptions{
				MachineID: opts.MachineID,
				Hostname:  opts.Hostname,
				Port:      opts.BindPort,
				Advertise: opts.Advertise,
				Browse:    opts.Discovery,
			}, registry),
		}
	}

	if opts.Advertise {
		m.server = serverHandle{
			enabled: true,
			srv:     NewServer(opts.BindPort, codec, consent, source, metrics),
		}
	}

	m.client = NewClient(opts.MachineID, codec, registry, metrics, opts.FetchTimeout)

	return m, nil
}

// Start brings up discovery, then the server, in that order: the
// server never advertises before our own presence broadcast is live.
// A discovery failure disables peer sharing for this run and is not
// fatal to the caller.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true

	if m.discovery.enabled {
		if err := m.discovery.svc.Start(); err != nil {
			slog.Warn("peer discovery unavailable, peer sharing disabled for this session", "error", err)
			m.disabled = true
			return nil
		}
	}

	if m.server.enabled {
		if err := m.server.srv.Start(); err != nil {
			slog.Warn("peer server unavailable, peer sharing disabled for this session", "error", err)
			m.discovery.shutdown()
			m.disabled = true
			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.housekeeping(ctx)

	slog.Info("peer sharing started",
		"discovery", m.opts.Discovery,
		"advertise", m.opts.Advertise,
	)
	return nil
}

// Shutdown reverses Start: stop accepting inbound work and drain, then
// stop broadcasting and browsing, so no new inbound connection races
// the discovery teardown. In-flight responses drain within ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.disabled {
		m.discovery.shutdown()
		return
	}

	m.discovery.setAccepting(false)
	if m.server.enabled {
		m.server.srv.Shutdown(ctx)
	}
	m.discovery.shutdown()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	slog.Info("peer sharing stopped")
}

// Enabled reports whether peer sharing is live for this run.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.disabled
}

// Fetch asks peers for an artifact on the local miss path. A disabled
// subsystem is just a miss.
func (m *Manager) Fetch(ctx context.Context, artifactHash string) ([]byte, error) {
	if !m.Enabled() {
		return nil, nil
	}
	return m.client.Fetch(ctx, artifactHash)
}

// Peers returns the peer listing for status and health output.
func (m *Manager) Peers() []PeerStatus {
	now := time.Now()
	window := m.registry.LivenessWindow()

	peers := m.registry.Snapshot()
	out := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		addr := ""
		if p.Info.Addr != nil {
			addr = p.Info.Addr.String()
		}
		out = append(out, PeerStatus{
			MachineID: p.Info.MachineID,
			Hostname:  p.Info.Hostname,
			Address:   addr,
			Port:      p.Info.Port,
			Alive:     p.IsAlive(now, window),
		})
	}
	return out
}

// Metrics returns the metrics collector.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Consent returns the consent gate, for CLI pre-authorization.
func (m *Manager) Consent() *ConsentGate {
	return m.consent
}

// ServerAddr returns the inbound listen address, or "" when not
// advertising.
func (m *Manager) ServerAddr() string {
	if !m.server.enabled {
		return ""
	}
	return m.server.srv.Addr()
}

// housekeeping prunes stale registry entries and idle limiter state.
func (m *Manager) housekeeping(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if n := m.registry.Prune(now); n > 0 {
				slog.Debug("pruned stale peers", "count", n)
			}
			if m.server.enabled {
				m.server.srv.pruneLimiter(now)
			}
		}
	}
}
