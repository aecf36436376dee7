package p2p

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultConsentTimeout bounds how long an inbound request waits for a
// human answer before being denied.
const DefaultConsentTimeout = 60 * time.Second

// Verdict is a consent decision for a peer.
type Verdict int

const (
	VerdictUndecided Verdict = iota
	VerdictAllow
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	default:
		return "undecided"
	}
}

// Decision is a recorded consent verdict for a machine. Decisions live
// in process memory only; a daemon restart re-prompts for every peer.
type Decision struct {
	MachineID string        `json:"machine_id"`
	Verdict   Verdict       `json:"verdict"`
	GrantedAt time.Time     `json:"granted_at"`
	TTL       time.Duration `json:"ttl"`
}

func (d Decision) expired(now time.Time) bool {
	return d.TTL > 0 && now.Sub(d.GrantedAt) > d.TTL
}

// Prompter asks the local user whether a peer may fetch artifacts.
// PromptConsent blocks until answered or ctx expires.
type Prompter interface {
	PromptConsent(ctx context.Context, peer Peer) (allowed bool, err error)
}

// StaticPrompter answers every prompt the same way without user
// interaction. Used when the daemon runs without a terminal.
type StaticPrompter struct {
	Allow bool
}

func (p StaticPrompter) PromptConsent(ctx context.Context, peer Peer) (bool, error) {
	return p.Allow, nil
}

// ConsentGate gates inbound fetches per requesting machine. One prompt
// per machine at a time: concurrent requests for the same undecided
// peer join the same pending decision instead of prompting twice.
type ConsentGate struct {
	prompter Prompter
	registry *Registry
	timeout  time.Duration
	ttl      time.Duration

	mu        sync.Mutex
	decisions map[string]Decision
	pending   map[string]*pendingDecision

	now func() time.Time // test hook
}

type pendingDecision struct {
	done    chan struct{}
	verdict Verdict // written before done is closed
}

// NewConsentGate creates a gate backed by prompter. The registry
// supplies display info for prompts; timeout zero picks the default,
// ttl zero means decisions last for the daemon's lifetime.
func NewConsentGate(prompter Prompter, registry *Registry, timeout, ttl time.Duration) *ConsentGate {
	if timeout <= 0 {
		timeout = DefaultConsentTimeout
	}
	return &ConsentGate{
		prompter:  prompter,
		registry:  registry,
		timeout:   timeout,
		ttl:       ttl,
		decisions: make(map[string]Decision),
		pending:   make(map[string]*pendingDecision),
		now:       time.Now,
	}
}

// Authorize returns the verdict for a requesting machine, prompting if
// no usable decision exists. A timed-out prompt denies this request but
// records nothing, so a later request prompts again.
func (g *ConsentGate) Authorize(ctx context.Context, machineID string) Verdict {
	g.mu.Lock()
	if d, ok := g.decisions[machineID]; ok && d.Verdict != VerdictUndecided && !d.expired(g.now()) {
		g.mu.Unlock()
		return d.Verdict
	}

	p, ok := g.pending[machineID]
	if !ok {
		p = &pendingDecision{done: make(chan struct{})}
		g.pending[machineID] = p
		go g.runPrompt(machineID, p)
	}
	g.mu.Unlock()

	select {
	case <-p.done:
		if p.verdict == VerdictUndecided {
			// Prompt timed out or failed: deny this request only.
			return VerdictDeny
		}
		return p.verdict
	case <-ctx.Done():
		return VerdictDeny
	}
}

// runPrompt owns the single outstanding prompt for machineID.
func (g *ConsentGate) runPrompt(machineID string, p *pendingDecision) {
	peer, ok := g.registry.Get(machineID)
	if !ok {
		peer = Peer{Info: PeerInfo{MachineID: machineID}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	verdict := VerdictUndecided
	allowed, err := g.prompter.PromptConsent(ctx, peer)
	switch {
	case err != nil:
		slog.Warn("consent prompt unanswered",
			"peer", peer.DisplayName(),
			"error", err,
		)
	case allowed:
		verdict = VerdictAllow
	default:
		verdict = VerdictDeny
	}

	g.mu.Lock()
	if verdict != VerdictUndecided {
		g.decisions[machineID] = Decision{
			MachineID: machineID,
			Verdict:   verdict,
			GrantedAt: g.now(),
			TTL:       g.ttl,
		}
		slog.Info("consent decision recorded",
			"peer", peer.DisplayName(),
			"verdict", verdict.String(),
		)
	}
	delete(g.pending, machineID)
	p.verdict = verdict
	g.mu.Unlock()

	close(p.done)
}

// SetDecision records a verdict directly, bypassing the prompt. Used by
// pre-authorization from the CLI and by tests.
func (g *ConsentGate) SetDecision(machineID string, verdict Verdict) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisions[machineID] = Decision{
		MachineID: machineID,
		Verdict:   verdict,
		GrantedAt: g.now(),
		TTL:       g.ttl,
	}
}

// Decisions returns a copy of all recorded decisions.
func (g *ConsentGate) Decisions() []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Decision, 0, len(g.decisions))
	for _, d := range g.decisions {
		out = append(out, d)
	}
	return out
}
