// Package httpapi exposes the daemon's local HTTP surface: the build
// tool cache endpoint, status and metrics queries, and a WebSocket
// event stream. It binds to loopback only.
package httpapi

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
	"strings"
	"time"

	"forgecache.dev/go/forgecache/internal/logging"
	"forgecache.dev/go/forgecache/internal/p2p"
	"forgecache.dev/go/forgecache/internal/store"
)

// PeerNetwork is the subset of the peer-to-peer manager the API uses.
type PeerNetwork interface {
	Enabled() bool
	Fetch(ctx context.Context, artifactHash string) ([]byte, error)
	Peers() []p2p.PeerStatus
	Metrics() *p2p.Metrics
}

// Options configures the API server
type Options struct {
	Port      int
	MachineID string
	Hostname  string
	Version   string

	// Logs, when set, backs the /api/logs endpoint
	Logs *logging.Buffer
}

// Server handles local HTTP and WebSocket connections
type Server struct {
	opts    Options
	store   *store.Store
	network PeerNetwork
	hub     *EventHub

	server   *http.Server
	listener net.Listener
	started  time.Time
}

// NewServer creates the API server. network may be nil when
// peer-to-peer sharing is disabled.
func NewServer(opts Options, st *store.Store, network PeerNetwork, hub *EventHub) *Server {
	s := &Server{
		opts:    opts,
		store:   st,
		network: network,
		hub:     hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cache/", s.handleCache)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", opts.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start binds the listener and begins serving. A bind failure is
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("bind api server: %w", err)
	}
	s.listener = ln
	s.started = time.Now()

	go s.hub.Run()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}()

	slog.Info("API server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Hub returns the WebSocket event hub
func (s *Server) Hub() *EventHub {
	return s.hub
}

// handleCache serves GET/HEAD/PUT /cache/{hash}. A GET miss falls
// through to the peer network before answering 404.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(r.URL.Path, "/cache/")
	if hash == "" || strings.Contains(hash, "/") {
		s.errorResponse(w, http.StatusBadRequest, "artifact hash required")
		return
	}

	switch r.Method {
	case http.MethodHead:
		if !s.store.Has(hash) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		s.serveArtifact(w, r, hash)

	case http.MethodPut:
		if err := s.store.PutReader(hash, r.Body); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.hub.Broadcast(NewEvent(EventArtifactStored, map[string]string{"hash": hash}))
		w.WriteHeader(http.StatusCreated)

	default:
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, hash string) {
	rc, size, err := s.store.Open(hash)
	if err == nil {
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
		io.Copy(w, rc)
		return
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.errorResponse(w, http.StatusInternalServerError, "read artifact")
		return
	}

	// Local miss: ask the peer network before giving up.
	if s.network != nil && s.network.Enabled() {
		data, ferr := s.network.Fetch(r.Context(), hash)
		if ferr != nil {
			slog.Warn("Peer fetch failed", "hash", hash, "error", ferr)
		}
		if data != nil {
			if err := s.store.Put(hash, data); err != nil {
				slog.Warn("Write-through failed", "hash", hash, "error", err)
			}
			s.hub.Broadcast(NewEvent(EventArtifactFetched, map[string]interface{}{
				"hash": hash,
				"size": len(data),
			}))
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Write(data)
			return
		}
	}

	w.WriteHeader(http.StatusNotFound)
}

// StatusResponse is the /api/status payload
type StatusResponse struct {
	MachineID  string    `json:"machine_id"`
	Hostname   string    `json:"hostname"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	P2PEnabled bool      `json:"p2p_enabled"`
	PeerCount  int       `json:"peer_count"`
	WSClients  int       `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := StatusResponse{
		MachineID: s.opts.MachineID,
		Hostname:  s.opts.Hostname,
		Version:   s.opts.Version,
		StartedAt: s.started,
		WSClients: s.hub.ClientCount(),
	}
	if s.network != nil && s.network.Enabled() {
		resp.P2PEnabled = true
		resp.PeerCount = len(s.network.Peers())
	}

	s.jsonResponse(w, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	peers := []p2p.PeerStatus{}
	if s.network != nil {
		peers = s.network.Peers()
	}
	s.jsonResponse(w, peers)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.network == nil {
		s.jsonResponse(w, map[string]any{})
		return
	}
	s.jsonResponse(w, s.network.Metrics().Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.opts.Logs == nil {
		s.jsonResponse(w, map[string]any{"entries": []logging.Entry{}, "count": 0})
		return
	}

	opts := logging.QueryOpts{
		Limit: 500,
	}

	q := r.URL.Query()

	if level := q.Get("level"); level != "" {
		opts.Level = strings.ToUpper(level)
	}

	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = &t
		}
	}

	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Until = &t
		}
	}

	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 5000 {
			opts.Limit = n
		}
	}

	entries := s.opts.Logs.Query(opts)

	s.jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   s.opts.Logs.Count(),
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
