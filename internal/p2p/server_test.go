package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource serves one in-memory artifact and records lookups.
type fakeSource struct {
	hash  string
	data  []byte
	opens atomic.Int64
}

func (f *fakeSource) Open(hash string) (io.ReadCloser, int64, error) {
	f.opens.Add(1)
	if hash != f.hash {
		return nil, 0, ErrArtifactNotFound
	}
	return io.NopCloser(bytes.NewReader(f.data)), int64(len(f.data)), nil
}

func newTestServer(t *testing.T, source ArtifactSource, prompter Prompter) (*httptest.Server, *TrustCodec, *Metrics) {
	t.Helper()
	codec := testCodec(t, "shared-secret", 0)
	metrics := NewMetrics()
	gate := NewConsentGate(prompter, NewRegistry(0, 0), time.Second, 0)
	srv := NewServer(0, codec, gate, source, metrics)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleFetch))
	t.Cleanup(ts.Close)
	return ts, codec, metrics
}

func postFetch(t *testing.T, url string, req FetchRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url+fetchPath, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signedFetch(codec *TrustCodec, machineID, hash string) FetchRequest {
	signed := codec.NewRequest(hash)
	return FetchRequest{
		MachineID:    machineID,
		ArtifactHash: signed.ArtifactHash,
		Timestamp:    signed.Timestamp,
		Signature:    signed.Signature,
	}
}

func TestServeArtifact(t *testing.T) {
	source := &fakeSource{hash: "abc123", data: []byte("object bytes")}
	ts, codec, metrics := newTestServer(t, source, StaticPrompter{Allow: true})

	resp := postFetch(t, ts.URL, signedFetch(codec, "requester", "abc123"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "object bytes" {
		t.Errorf("body: got %q", data)
	}
	if metrics.RequestsServed.Load() != 1 {
		t.Errorf("RequestsServed: got %d, want 1", metrics.RequestsServed.Load())
	}
	if metrics.BytesServed.Load() != int64(len("object bytes")) {
		t.Errorf("BytesServed: got %d", metrics.BytesServed.Load())
	}
}

func TestGarbageSignatureRejectedBeforeStore(t *testing.T) {
	source := &fakeSource{hash: "abc123", data: []byte("secret bytes")}
	ts, _, metrics := newTestServer(t, source, StaticPrompter{Allow: true})

	req := FetchRequest{
		MachineID:    "requester",
		ArtifactHash: "abc123",
		Timestamp:    time.Now().Unix(),
		Signature:    []byte("garbage"),
	}
	resp := postFetch(t, ts.URL, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", resp.StatusCode)
	}
	if source.opens.Load() != 0 {
		t.Error("store consulted for an unauthenticated request")
	}
	if metrics.RequestsDeniedAuth.Load() != 1 {
		t.Errorf("RequestsDeniedAuth: got %d, want 1", metrics.RequestsDeniedAuth.Load())
	}
}

func TestExpiredSignatureRejected(t *testing.T) {
	source := &fakeSource{hash: "abc123", data: []byte("x")}
	ts, codec, metrics := newTestServer(t, source, StaticPrompter{Allow: true})

	old := time.Now().Unix() - 400
	req := FetchRequest{
		MachineID:    "requester",
		ArtifactHash: "abc123",
		Timestamp:    old,
		Signature:    codec.Sign("abc123", old), // correctly signed, too old
	}
	resp := postFetch(t, ts.URL, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", resp.StatusCode)
	}
	if source.opens.Load() != 0 {
		t.Error("store consulted for an expired request")
	}
	if metrics.RequestsDeniedAuth.Load() != 1 {
		t.Errorf("RequestsDeniedAuth: got %d, want 1", metrics.RequestsDeniedAuth.Load())
	}
}

func TestConsentDenyRejectedBeforeStore(t *testing.T) {
	source := &fakeSource{hash: "abc123", data: []byte("x")}
	ts, codec, metrics := newTestServer(t, source, StaticPrompter{Allow: false})

	resp := postFetch(t, ts.URL, signedFetch(codec, "requester", "abc123"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d, want 403", resp.StatusCode)
	}
	if source.opens.Load() != 0 {
		t.Error("store consulted for a consent-denied request")
	}
	if metrics.RequestsDeniedConsent.Load() != 1 {
		t.Errorf("RequestsDeniedConsent: got %d, want 1", metrics.RequestsDeniedConsent.Load())
	}
}

func TestMissReturnsNotFound(t *testing.T) {
	source := &fakeSource{hash: "abc123", data: []byte("x")}
	ts, codec, metrics := newTestServer(t, source, StaticPrompter{Allow: true})

	resp := postFetch(t, ts.URL, signedFetch(codec, "requester", "feedface"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", resp.StatusCode)
	}
	if metrics.RequestsNotFound.Load() != 1 {
		t.Errorf("RequestsNotFound: got %d, want 1", metrics.RequestsNotFound.Load())
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	ts, _, _ := newTestServer(t, &fakeSource{}, StaticPrompter{Allow: true})

	resp, err := http.Post(ts.URL+fetchPath, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestMissingMachineIDRejected(t *testing.T) {
	ts, codec, _ := newTestServer(t, &fakeSource{}, StaticPrompter{Allow: true})

	req := signedFetch(codec, "", "abc123")
	resp := postFetch(t, ts.URL, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestGetMethodRejected(t *testing.T) {
	ts, _, _ := newTestServer(t, &fakeSource{}, StaticPrompter{Allow: true})

	resp, err := http.Get(ts.URL + fetchPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestServerStartShutdown(t *testing.T) {
	codec := testCodec(t, "s", 0)
	gate := NewConsentGate(StaticPrompter{Allow: true}, NewRegistry(0, 0), time.Second, 0)
	srv := NewServer(0, codec, gate, &fakeSource{}, NewMetrics())

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.Addr() == "" {
		t.Error("Addr empty after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
