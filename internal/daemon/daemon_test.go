package daemon

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"forgecache.dev/go/forgecache/internal/config"
	"forgecache.dev/go/forgecache/internal/p2p"
)

func newTestDaemon(t *testing.T, secret string) *Daemon {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Daemon.APIPort = 0
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.P2P.Discovery = false
	cfg.P2P.Advertise = false
	cfg.P2P.BindPort = 0

	paths := &config.Paths{
		ConfigDir:   dir,
		CacheDir:    filepath.Join(dir, "cache"),
		ConfigFile:  filepath.Join(dir, "config.toml"),
		MachineFile: filepath.Join(dir, "machine.json"),
		PIDFile:     filepath.Join(dir, "daemon.pid"),
	}

	identity, err := config.LoadOrCreateMachineIdentityFrom(paths.MachineFile)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	d, err := New(Options{
		Config:       cfg,
		Paths:        paths,
		Identity:     identity,
		SharedSecret: secret,
		Prompter:     p2p.StaticPrompter{Allow: false},
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDaemonStartStop(t *testing.T) {
	d := newTestDaemon(t, "topsecret")

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	if d.APIAddr() == "" {
		t.Fatal("APIAddr: empty after Start")
	}
	if d.P2P() == nil {
		t.Fatal("P2P: nil with shared secret configured")
	}

	resp, err := http.Get("http://" + d.APIAddr() + "/api/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["machine_id"] == "" {
		t.Error("status: empty machine_id")
	}
}

func TestDaemonWithoutSecretDisablesP2P(t *testing.T) {
	d := newTestDaemon(t, "")

	if d.P2P() != nil {
		t.Error("P2P: want nil without shared secret")
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	// The cache endpoint still works locally.
	resp, err := http.Get("http://" + d.APIAddr() + "/cache/abc123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET miss: got %d, want 404", resp.StatusCode)
	}
}
