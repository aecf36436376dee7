package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// fetchPath is the single peer-protocol endpoint: fetch-by-hash.
const fetchPath = "/v1/artifact"

// ErrArtifactNotFound marks a store miss. It matches fs.ErrNotExist so
// any source backed by the filesystem works unchanged.
var ErrArtifactNotFound = fmt.Errorf("p2p: artifact not found: %w", fs.ErrNotExist)

// ArtifactSource is the read side of the local store the server serves
// peers from.
type ArtifactSource interface {
	// Open returns the artifact content and size, or an error matching
	// fs.ErrNotExist when the artifact is absent.
	Open(hash string) (io.ReadCloser, int64, error)
}

// FetchRequest is the wire form of a peer fetch: the signed request
// plus the requester's machine ID. The machine ID identifies the
// requester for consent; it is not part of the MAC input.
type FetchRequest struct {
	MachineID    string `json:"machine_id"`
	ArtifactHash string `json:"artifact_hash"`
	Timestamp    int64  `json:"timestamp"`
	Signature    []byte `json:"signature"`
}

// Server answers inbound peer fetches. The pipeline is fixed and
// short-circuits: rate limit, signature, consent, store lookup, stream.
// An unauthenticated request never reaches consent or the store, so the
// protocol cannot be used to probe cache contents without the secret.
type Server struct {
	codec   *TrustCodec
	consent *ConsentGate
	source  ArtifactSource
	metrics *Metrics
	limiter *peerLimiter

	httpServer *http.Server
	listener   net.Listener
	bindPort   int
}

// NewServer creates a peer server listening on bindPort.
func NewServer(bindPort int, codec *TrustCodec, consent *ConsentGate, source ArtifactSource, metrics *Metrics) *Server {
	s := &Server{
		codec:    codec,
		consent:  consent,
		source:   source,
		metrics:  metrics,
		limiter:  newPeerLimiter(peerRequestsPerSecond, peerBurst),
		bindPort: bindPort,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fetchPath, s.handleFetch)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and begins serving. Bind failures are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.bindPort))
	if err != nil {
		return fmt.Errorf("bind peer server: %w", err)
	}
	s.listener = ln

	slog.Info("peer server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("peer server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and lets in-flight responses
// drain within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("peer server drain interrupted", "error", err)
	}
}

// pruneLimiter is called from the manager's housekeeping loop.
func (s *Server) pruneLimiter(now time.Time) {
	s.limiter.prune(now, 10*time.Minute)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req FetchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.MachineID == "" || req.ArtifactHash == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.limiter.allow(req.MachineID) {
		s.metrics.RequestsThrottled.Add(1)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	// Signature first. Expired and garbage signatures get the same
	// opaque rejection; the body never says which hashes exist.
	if err := s.codec.Verify(req.ArtifactHash, req.Timestamp, req.Signature); err != nil {
		s.metrics.RequestsDeniedAuth.Add(1)
		slog.Debug("peer request rejected",
			"machine_id", shortID(req.MachineID),
			"reason", err,
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if verdict := s.consent.Authorize(r.Context(), req.MachineID); verdict != VerdictAllow {
		s.metrics.RequestsDeniedConsent.Add(1)
		slog.Debug("peer request denied by consent",
			"machine_id", shortID(req.MachineID),
			"verdict", verdict.String(),
		)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	rc, size, err := s.source.Open(req.ArtifactHash)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.metrics.RequestsNotFound.Add(1)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		slog.Error("artifact open failed", "hash", req.ArtifactHash, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		// Peer went away mid-stream; nothing to do beyond logging.
		slog.Debug("artifact stream interrupted",
			"machine_id", shortID(req.MachineID),
			"hash", req.ArtifactHash,
			"error", err,
		)
		return
	}

	s.metrics.RequestsServed.Add(1)
	s.metrics.BytesServed.Add(n)
	slog.Debug("artifact served",
		"machine_id", shortID(req.MachineID),
		"hash", req.ArtifactHash,
		"bytes", n,
	)
}
