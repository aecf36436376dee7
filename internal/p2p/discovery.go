package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type forgecache daemons announce.
	ServiceType = "_forgecache._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."

	browseInterval = 15 * time.Second
	browseTimeout  = 5 * time.Second
)

// DiscoveryOptions configures the discovery service.
type DiscoveryOptions struct {
	MachineID string
	Hostname  string
	Port      int

	// Advertise announces this machine; Browse looks for others.
	Advertise bool
	Browse    bool
}

// Discovery advertises this machine on the LAN and browses for other
// forgecache daemons, publishing what it finds into the registry.
// Departure has no explicit signal: a silent peer just ages out of the
// liveness window.
type Discovery struct {
	opts     DiscoveryOptions
	registry *Registry

	mu        sync.Mutex
	server    *zeroconf.Server
	accepting bool
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery creates a discovery service feeding registry.
func NewDiscovery(opts DiscoveryOptions, registry *Registry) *Discovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		opts:      opts,
		registry:  registry,
		accepting: opts.Advertise,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers the advertisement and begins browsing. A registration
// failure is returned to the caller: peer sharing stays off for this
// run, the rest of the cache is unaffected.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if d.opts.Advertise {
		server, err := zeroconf.Register(
			instanceName(d.opts.Hostname, d.opts.MachineID),
			ServiceType,
			ServiceDomain,
			d.opts.Port,
			d.txtRecords(),
			nil, // all interfaces
		)
		if err != nil {
			return fmt.Errorf("register mdns service: %w", err)
		}

		d.mu.Lock()
		d.server = server
		d.mu.Unlock()

		slog.Info("mdns advertisement registered",
			"machine_id", shortID(d.opts.MachineID),
			"port", d.opts.Port,
		)
	}

	if d.opts.Browse {
		d.wg.Add(1)
		go d.browseLoop()
	}

	return nil
}

// SetAccepting updates the advertised accepting_requests flag. The
// server flips it to false while draining so peers stop picking us.
func (d *Discovery) SetAccepting(accepting bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.accepting == accepting {
		return
	}
	d.accepting = accepting
	if d.server != nil {
		d.server.SetText(d.txtLocked())
	}
}

// Shutdown stops browsing and withdraws the advertisement.
func (d *Discovery) Shutdown() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	server := d.server
	d.server = nil
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	if server != nil {
		server.Shutdown()
	}
	slog.Info("mdns service stopped")
}

func (d *Discovery) txtRecords() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txtLocked()
}

func (d *Discovery) txtLocked() []string {
	accepting := "0"
	if d.accepting {
		accepting = "1"
	}
	return []string{
		"id=" + d.opts.MachineID,
		"host=" + d.opts.Hostname,
		"accepting=" + accepting,
		"v=1",
	}
}

func (d *Discovery) browseLoop() {
	defer d.wg.Done()

	d.browseOnce()

	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.browseOnce()
		}
	}
}

func (d *Discovery) browseOnce() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("mdns resolver unavailable", "error", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(d.ctx, browseTimeout)
	defer cancel()

	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(browseCtx, ServiceType, ServiceDomain, entries); err != nil {
		slog.Debug("mdns browse error", "error", err)
		return
	}

	<-browseCtx.Done()
}

// handleEntry merges a browse result into the registry.
func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	var machineID, hostname string
	accepting := false
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "id="):
			machineID = txt[3:]
		case strings.HasPrefix(txt, "host="):
			hostname = txt[5:]
		case strings.HasPrefix(txt, "accepting="):
			accepting = txt[10:] == "1"
		}
	}

	// No machine ID means it is not one of ours; our own announcements
	// echo back and are skipped.
	if machineID == "" || machineID == d.opts.MachineID {
		return
	}

	addr := pickAddr(entry)
	if addr == nil {
		slog.Debug("mdns entry without usable address", "machine_id", shortID(machineID))
		return
	}

	if hostname == "" {
		hostname = strings.TrimSuffix(entry.HostName, ".")
	}

	d.registry.Upsert(PeerInfo{
		MachineID:         machineID,
		Hostname:          hostname,
		Addr:              addr,
		Port:              entry.Port,
		LastSeen:          time.Now(),
		AcceptingRequests: accepting,
	})
}

// pickAddr prefers IPv4; LAN IPv6 announcements are often link-local
// and need zone handling we don't do.
func pickAddr(entry *zeroconf.ServiceEntry) net.IP {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0]
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0]
	}
	return nil
}

func instanceName(hostname, machineID string) string {
	host := sanitizeInstance(hostname)
	if host == "" {
		host = "forgecache"
	}
	return host + "-" + shortID(machineID)
}

func sanitizeInstance(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
