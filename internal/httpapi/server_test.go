package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"forgecache.dev/go/forgecache/internal/p2p"
	"forgecache.dev/go/forgecache/internal/store"
)

type fakeNetwork struct {
	data    map[string][]byte
	fetches atomic.Int64
	metrics *p2p.Metrics
	enabled bool
}

func (f *fakeNetwork) Enabled() bool { return f.enabled }

func (f *fakeNetwork) Fetch(ctx context.Context, hash string) ([]byte, error) {
	f.fetches.Add(1)
	return f.data[hash], nil
}

func (f *fakeNetwork) Peers() []p2p.PeerStatus { return nil }

func (f *fakeNetwork) Metrics() *p2p.Metrics { return f.metrics }

func startTestServer(t *testing.T, network PeerNetwork) (*Server, string) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	srv := NewServer(Options{
		Port:      0,
		MachineID: "11111111-2222-3333-4444-555555555555",
		Hostname:  "devbox",
		Version:   "test",
	}, st, network, NewEventHub())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
	})

	return srv, "http://" + srv.Addr()
}

func TestCachePutGetRoundTrip(t *testing.T) {
	_, base := startTestServer(t, nil)
	body := []byte("object file contents")

	req, _ := http.NewRequest(http.MethodPut, base+"/cache/abc123", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("PUT status: got %d, want 201", resp.StatusCode)
	}

	resp, err = http.Get(base + "/cache/abc123")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status: got %d, want 200", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, body) {
		t.Errorf("body: got %q, want %q", got, body)
	}
}

func TestCacheHead(t *testing.T) {
	srv, base := startTestServer(t, nil)

	resp, err := http.Head(base + "/cache/abc123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("HEAD missing: got %d, want 404", resp.StatusCode)
	}

	if err := srv.store.Put("abc123", []byte("x")); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Head(base + "/cache/abc123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("HEAD present: got %d, want 200", resp.StatusCode)
	}
}

func TestCacheMissFillsFromPeers(t *testing.T) {
	network := &fakeNetwork{
		data:    map[string][]byte{"abc123": []byte("peer bytes")},
		metrics: p2p.NewMetrics(),
		enabled: true,
	}
	srv, base := startTestServer(t, network)

	resp, err := http.Get(base + "/cache/abc123")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status: got %d, want 200", resp.StatusCode)
	}
	if string(got) != "peer bytes" {
		t.Errorf("body: got %q", got)
	}
	if network.fetches.Load() != 1 {
		t.Errorf("peer fetches: got %d, want 1", network.fetches.Load())
	}

	// The artifact is now cached locally; a second GET must not go
	// back to the network.
	if !srv.store.Has("abc123") {
		t.Error("artifact not written through to local store")
	}
	resp, err = http.Get(base + "/cache/abc123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if network.fetches.Load() != 1 {
		t.Errorf("peer fetches after local hit: got %d, want 1", network.fetches.Load())
	}
}

func TestCacheMissWithNoPeersIs404(t *testing.T) {
	network := &fakeNetwork{metrics: p2p.NewMetrics(), enabled: true}
	_, base := startTestServer(t, network)

	resp, err := http.Get(base + "/cache/abc123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET status: got %d, want 404", resp.StatusCode)
	}
}

func TestCacheRejectsBadPaths(t *testing.T) {
	_, base := startTestServer(t, nil)

	for _, path := range []string{"/cache/", "/cache/a/b"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", path, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/cache/abc123", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE: got %d, want 405", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	network := &fakeNetwork{metrics: p2p.NewMetrics(), enabled: true}
	_, base := startTestServer(t, network)

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Hostname != "devbox" {
		t.Errorf("hostname: got %q", status.Hostname)
	}
	if !status.P2PEnabled {
		t.Error("p2p_enabled: want true")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	network := &fakeNetwork{metrics: p2p.NewMetrics(), enabled: true}
	network.metrics.RequestsServed.Add(3)
	_, base := startTestServer(t, network)

	resp, err := http.Get(base + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap p2p.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Counters.RequestsServed != 3 {
		t.Errorf("requests_served: got %d, want 3", snap.Counters.RequestsServed)
	}
}

func TestPeersEndpointWithoutNetwork(t *testing.T) {
	_, base := startTestServer(t, nil)

	resp, err := http.Get(base + "/api/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var peers []p2p.PeerStatus
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("peers: got %d, want 0", len(peers))
	}
}

func TestServerBindsLoopbackOnly(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	if got := srv.Addr(); !strings.HasPrefix(got, "127.0.0.1:") {
		t.Errorf("addr: got %q, want loopback bind", got)
	}
}
