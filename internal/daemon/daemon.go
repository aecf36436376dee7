// Package daemon wires the forgecache daemon together: the local
// artifact store, the peer-to-peer sharing layer, and the loopback
// HTTP API the build tool talks to.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forgecache.dev/go/forgecache/internal/config"
	"forgecache.dev/go/forgecache/internal/httpapi"
	"forgecache.dev/go/forgecache/internal/logging"
	"forgecache.dev/go/forgecache/internal/p2p"
	"forgecache.dev/go/forgecache/internal/store"
)

// Options configures the daemon
type Options struct {
	Config   *config.Config
	Paths    *config.Paths
	Identity *config.MachineIdentity

	// SharedSecret authenticates peer requests. Empty disables
	// peer-to-peer sharing entirely.
	SharedSecret string

	// Prompter answers consent requests from unknown peers
	Prompter p2p.Prompter

	Version string
}

// Daemon is the main forgecache daemon
type Daemon struct {
	opts      Options
	store     *store.Store
	manager   *p2p.Manager
	api       *httpapi.Server
	logBuffer *logging.Buffer
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new daemon instance
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Paths == nil || opts.Identity == nil {
		return nil, fmt.Errorf("daemon: config, paths and identity are required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	logBuffer := logging.Setup(os.Stderr, opts.Config.Logging.Level, opts.Config.Logging.Format)

	d := &Daemon{
		opts:      opts,
		logBuffer: logBuffer,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	cacheDir := opts.Config.Cache.Dir
	if cacheDir == "" {
		cacheDir = opts.Paths.CacheDir
	}
	st, err := store.New(cacheDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	d.store = st

	hub := httpapi.NewEventHub()

	if opts.SharedSecret != "" {
		prompter := opts.Prompter
		if prompter == nil {
			prompter = p2p.StaticPrompter{Allow: false}
		}

		hostname, _ := os.Hostname()
		manager, err := p2p.NewManager(p2p.Options{
			MachineID:      opts.Identity.MachineID,
			Hostname:       hostname,
			Discovery:      opts.Config.P2P.Discovery,
			Advertise:      opts.Config.P2P.Advertise,
			BindPort:       opts.Config.P2P.BindPort,
			SharedSecret:   opts.SharedSecret,
			LivenessWindow: opts.Config.LivenessWindow(),
			ReplayWindow:   opts.Config.ReplayWindow(),
			FetchTimeout:   opts.Config.FetchTimeout(),
			ConsentTimeout: opts.Config.ConsentTimeout(),
			ConsentTTL:     opts.Config.ConsentTTL(),
		}, st, &eventPrompter{inner: prompter, hub: hub})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("set up p2p: %w", err)
		}
		d.manager = manager
	} else {
		slog.Warn("P2P sharing disabled: no shared secret configured")
	}

	var network httpapi.PeerNetwork
	if d.manager != nil {
		network = d.manager
	}
	d.api = httpapi.NewServer(httpapi.Options{
		Port:      opts.Config.Daemon.APIPort,
		MachineID: opts.Identity.MachineID,
		Hostname:  hostnameOrDefault(),
		Version:   opts.Version,
		Logs:      logBuffer,
	}, st, network, hub)

	return d, nil
}

func hostnameOrDefault() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// Start starts the daemon
func (d *Daemon) Start() error {
	slog.Info("Starting daemon",
		"machine_id", d.opts.Identity.MachineID,
		"cache_dir", d.store.Root(),
	)

	// Write PID file
	if d.opts.Paths.PIDFile != "" {
		if err := os.WriteFile(d.opts.Paths.PIDFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
			slog.Warn("Failed to write PID file", "error", err)
		}
	}

	// P2P startup failures inside the manager degrade to local-only
	// operation; only configuration errors surface here.
	if d.manager != nil {
		if err := d.manager.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
	}

	if err := d.api.Start(); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	slog.Info("Daemon started", "api", d.api.Addr())
	return nil
}

// Run runs the daemon until interrupted
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Stop stops the daemon gracefully
func (d *Daemon) Stop() error {
	slog.Info("Stopping daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.api.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown error", "error", err)
	}

	if d.manager != nil {
		d.manager.Shutdown(shutdownCtx)
	}

	if d.opts.Paths.PIDFile != "" {
		os.Remove(d.opts.Paths.PIDFile)
	}

	d.cancel()

	slog.Info("Daemon stopped")
	return nil
}

// Shutdown requests the Run loop to exit
func (d *Daemon) Shutdown() {
	d.cancel()
}

// Store returns the local artifact store
func (d *Daemon) Store() *store.Store {
	return d.store
}

// P2P returns the peer manager, or nil when sharing is disabled
func (d *Daemon) P2P() *p2p.Manager {
	return d.manager
}

// APIAddr returns the bound API address
func (d *Daemon) APIAddr() string {
	return d.api.Addr()
}

// eventPrompter forwards consent prompts and publishes the outcome to
// WebSocket subscribers.
type eventPrompter struct {
	inner p2p.Prompter
	hub   *httpapi.EventHub
}

func (p *eventPrompter) PromptConsent(ctx context.Context, peer p2p.Peer) (bool, error) {
	allowed, err := p.inner.PromptConsent(ctx, peer)
	if err == nil {
		p.hub.Broadcast(httpapi.NewEvent(httpapi.EventConsentDecision, map[string]interface{}{
			"machine_id": peer.Info.MachineID,
			"hostname":   peer.Info.Hostname,
			"allowed":    allowed,
		}))
	}
	return allowed, err
}
