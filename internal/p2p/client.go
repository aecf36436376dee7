package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultFetchTimeout bounds a single peer attempt.
const DefaultFetchTimeout = 5 * time.Second

// maxArtifactSize caps what we accept from a peer (1 GiB).
const maxArtifactSize = 1 << 30

// Per-peer attempt failures. Internal to the client: every kind just
// advances to the next candidate.
var (
	errPeerUnreachable = errors.New("p2p: peer unreachable")
	errPeerRejected    = errors.New("p2p: peer rejected request")
	errPeerMiss        = errors.New("p2p: peer does not have artifact")
)

// Client satisfies local cache misses by asking discovered peers.
// Attempts are sequential, freshest peer first; the first artifact wins
// and exhaustion is a clean miss, never an error, since peer sharing is
// strictly an optimization over the upstream fallback.
type Client struct {
	machineID string
	codec     *TrustCodec
	registry  *Registry
	metrics   *Metrics

	httpClient  *http.Client
	peerTimeout time.Duration

	now func() time.Time // test hook
}

// NewClient creates a fetch client. peerTimeout zero picks the default.
func NewClient(machineID string, codec *TrustCodec, registry *Registry, metrics *Metrics, peerTimeout time.Duration) *Client {
	if peerTimeout <= 0 {
		peerTimeout = DefaultFetchTimeout
	}
	return &Client{
		machineID:   machineID,
		codec:       codec,
		registry:    registry,
		metrics:     metrics,
		httpClient:  &http.Client{},
		peerTimeout: peerTimeout,
		now:         time.Now,
	}
}

// Fetch asks candidate peers for an artifact. A nil, nil return is a
// clean miss: no candidates, or every attempt failed. The caller owns
// writing a hit through to the local store.
func (c *Client) Fetch(ctx context.Context, artifactHash string) ([]byte, error) {
	candidates := c.candidates()
	if len(candidates) == 0 {
		c.metrics.FetchMisses.Add(1)
		return nil, nil
	}

	for _, peer := range candidates {
		if err := ctx.Err(); err != nil {
			c.metrics.FetchMisses.Add(1)
			return nil, nil
		}

		c.metrics.FetchAttempts.Add(1)
		start := c.now()

		data, err := c.fetchFrom(ctx, peer, artifactHash)
		if err != nil {
			slog.Debug("peer fetch attempt failed",
				"peer", peer.DisplayName(),
				"hash", artifactHash,
				"error", err,
			)
			continue
		}

		c.metrics.FetchHits.Add(1)
		c.metrics.BytesFetched.Add(int64(len(data)))
		c.metrics.RecordFetchLatency(c.now().Sub(start))
		slog.Info("artifact fetched from peer",
			"peer", peer.DisplayName(),
			"hash", artifactHash,
			"bytes", len(data),
		)
		return data, nil
	}

	c.metrics.FetchMisses.Add(1)
	return nil, nil
}

// candidates snapshots the registry and keeps peers worth asking:
// alive, accepting, most recently seen first. The snapshot is already
// ordered by LastSeen, freshest liveness information first.
func (c *Client) candidates() []Peer {
	window := c.registry.LivenessWindow()
	now := c.now()

	var out []Peer
	for _, peer := range c.registry.Snapshot() {
		if !peer.IsAlive(now, window) || !peer.Info.AcceptingRequests {
			continue
		}
		out = append(out, peer)
	}
	return out
}

// fetchFrom performs one signed attempt against one peer. Each attempt
// signs fresh: a timestamp from an earlier attempt would just re-fail
// the skew check on a later one.
func (c *Client) fetchFrom(ctx context.Context, peer Peer, artifactHash string) ([]byte, error) {
	signed := c.codec.NewRequest(artifactHash)
	body, err := json.Marshal(FetchRequest{
		MachineID:    c.machineID,
		ArtifactHash: signed.ArtifactHash,
		Timestamp:    signed.Timestamp,
		Signature:    signed.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.peerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, peer.Endpoint()+fetchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPeerUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", errPeerUnreachable, err)
		}
		return data, nil
	case http.StatusNotFound:
		return nil, errPeerMiss
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", errPeerRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", errPeerRejected, resp.StatusCode)
	}
}
