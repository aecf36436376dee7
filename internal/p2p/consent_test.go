package p2p

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingPrompter answers prompts from a channel and counts them.
type recordingPrompter struct {
	answers chan bool
	prompts atomic.Int64
}

func (p *recordingPrompter) PromptConsent(ctx context.Context, peer Peer) (bool, error) {
	p.prompts.Add(1)
	select {
	case a := <-p.answers:
		return a, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func newTestGate(prompter Prompter, timeout time.Duration) *ConsentGate {
	return NewConsentGate(prompter, NewRegistry(0, 0), timeout, 0)
}

func TestAuthorizeAllow(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool, 1)}
	p.answers <- true
	g := newTestGate(p, time.Second)

	if v := g.Authorize(context.Background(), "m1"); v != VerdictAllow {
		t.Errorf("Authorize: got %v, want allow", v)
	}
}

func TestAuthorizeDeny(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool, 1)}
	p.answers <- false
	g := newTestGate(p, time.Second)

	if v := g.Authorize(context.Background(), "m1"); v != VerdictDeny {
		t.Errorf("Authorize: got %v, want deny", v)
	}
}

func TestDecisionCachedAcrossRequests(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool, 1)}
	p.answers <- true
	g := newTestGate(p, time.Second)

	g.Authorize(context.Background(), "m1")
	// Second request must hit the cached decision, not the prompter.
	if v := g.Authorize(context.Background(), "m1"); v != VerdictAllow {
		t.Errorf("second Authorize: got %v, want allow", v)
	}
	if n := p.prompts.Load(); n != 1 {
		t.Errorf("prompt count: got %d, want 1", n)
	}
}

func TestConcurrentRequestsShareOnePrompt(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool)}
	g := newTestGate(p, 5*time.Second)

	const waiters = 8
	verdicts := make([]Verdict, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = g.Authorize(context.Background(), "m1")
		}(i)
	}

	// Let all waiters latch onto the pending decision, then answer
	// the single outstanding prompt.
	time.Sleep(50 * time.Millisecond)
	p.answers <- true
	wg.Wait()

	if n := p.prompts.Load(); n != 1 {
		t.Fatalf("prompt count: got %d, want 1", n)
	}
	for i, v := range verdicts {
		if v != VerdictAllow {
			t.Errorf("waiter %d: got %v, want allow", i, v)
		}
	}
}

func TestPromptTimeoutDeniesButLeavesUndecided(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool)} // never answers
	g := newTestGate(p, 30*time.Millisecond)

	if v := g.Authorize(context.Background(), "m1"); v != VerdictDeny {
		t.Errorf("timed-out Authorize: got %v, want deny", v)
	}

	// No decision was recorded, so the next request re-prompts.
	go func() { p.answers <- true }()
	if v := g.Authorize(context.Background(), "m1"); v != VerdictAllow {
		t.Errorf("re-prompted Authorize: got %v, want allow", v)
	}
	if n := p.prompts.Load(); n != 2 {
		t.Errorf("prompt count: got %d, want 2", n)
	}
}

func TestCallerContextCancelDenies(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool)} // never answers
	g := newTestGate(p, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if v := g.Authorize(ctx, "m1"); v != VerdictDeny {
		t.Errorf("canceled Authorize: got %v, want deny", v)
	}
}

func TestDecisionTTLExpires(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool, 2)}
	p.answers <- true
	p.answers <- false
	g := NewConsentGate(p, NewRegistry(0, 0), time.Second, time.Hour)

	base := time.Now()
	g.now = func() time.Time { return base }

	if v := g.Authorize(context.Background(), "m1"); v != VerdictAllow {
		t.Fatalf("first Authorize: got %v, want allow", v)
	}

	// TTL elapsed: the cached allow no longer applies.
	g.now = func() time.Time { return base.Add(2 * time.Hour) }
	if v := g.Authorize(context.Background(), "m1"); v != VerdictDeny {
		t.Errorf("post-TTL Authorize: got %v, want deny (fresh prompt answer)", v)
	}
	if n := p.prompts.Load(); n != 2 {
		t.Errorf("prompt count: got %d, want 2", n)
	}
}

func TestIndependentPeersPromptIndependently(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool, 2)}
	p.answers <- true
	p.answers <- false
	g := newTestGate(p, time.Second)

	if v := g.Authorize(context.Background(), "m1"); v != VerdictAllow {
		t.Errorf("m1: got %v, want allow", v)
	}
	if v := g.Authorize(context.Background(), "m2"); v != VerdictDeny {
		t.Errorf("m2: got %v, want deny", v)
	}
}

func TestSetDecisionBypassesPrompt(t *testing.T) {
	p := &recordingPrompter{answers: make(chan bool)}
	g := newTestGate(p, time.Second)

	g.SetDecision("m1", VerdictAllow)
	if v := g.Authorize(context.Background(), "m1"); v != VerdictAllow {
		t.Errorf("Authorize: got %v, want allow", v)
	}
	if n := p.prompts.Load(); n != 0 {
		t.Errorf("prompt count: got %d, want 0", n)
	}

	ds := g.Decisions()
	if len(ds) != 1 || ds[0].MachineID != "m1" || ds[0].Verdict != VerdictAllow {
		t.Errorf("Decisions: got %+v", ds)
	}
}

// erroringPrompter fails every prompt.
type erroringPrompter struct{}

func (erroringPrompter) PromptConsent(ctx context.Context, peer Peer) (bool, error) {
	return false, errors.New("no terminal")
}

func TestPrompterErrorDeniesWithoutRecording(t *testing.T) {
	g := newTestGate(erroringPrompter{}, time.Second)

	if v := g.Authorize(context.Background(), "m1"); v != VerdictDeny {
		t.Errorf("Authorize: got %v, want deny", v)
	}
	if len(g.Decisions()) != 0 {
		t.Error("prompter error must not record a decision")
	}
}
