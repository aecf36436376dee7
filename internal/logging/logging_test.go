package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestBufferWrapsAtCapacity(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(Entry{Message: fmt.Sprintf("m%d", i), Level: "INFO", Timestamp: time.Now()})
	}

	if b.Count() != 3 {
		t.Fatalf("Count: got %d, want 3", b.Count())
	}

	entries := b.Query(QueryOpts{})
	if len(entries) != 3 {
		t.Fatalf("Query: got %d entries", len(entries))
	}
	// Oldest entries are dropped
	if entries[0].Message != "m2" || entries[2].Message != "m4" {
		t.Errorf("order: got %s..%s, want m2..m4", entries[0].Message, entries[2].Message)
	}
}

func TestQueryLevelFilterIncludesHigherLevels(t *testing.T) {
	b := NewBuffer(10)
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		b.Add(Entry{Level: level, Timestamp: time.Now()})
	}

	got := b.Query(QueryOpts{Level: "WARN"})
	if len(got) != 2 {
		t.Fatalf("WARN filter: got %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.Level != "WARN" && e.Level != "ERROR" {
			t.Errorf("unexpected level %s", e.Level)
		}
	}
}

func TestQueryLimit(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 5; i++ {
		b.Add(Entry{Level: "INFO", Timestamp: time.Now()})
	}
	if got := b.Query(QueryOpts{Limit: 2}); len(got) != 2 {
		t.Errorf("Limit: got %d entries, want 2", len(got))
	}
}

func TestSetupCapturesRecords(t *testing.T) {
	var out bytes.Buffer
	prev := slog.Default()
	defer slog.SetDefault(prev)
	buf := Setup(&out, "debug", "json")

	slog.Info("cache warm", "artifacts", 7)

	entries := buf.Query(QueryOpts{})
	if len(entries) != 1 {
		t.Fatalf("captured: got %d entries, want 1", len(entries))
	}
	if entries[0].Message != "cache warm" {
		t.Errorf("message: got %q", entries[0].Message)
	}
	if entries[0].Fields["artifacts"] != int64(7) {
		t.Errorf("fields: got %#v", entries[0].Fields)
	}
	if !strings.Contains(out.String(), `"msg":"cache warm"`) {
		t.Errorf("json output missing record: %s", out.String())
	}
}

func TestSetupTextFormatRespectsLevel(t *testing.T) {
	var out bytes.Buffer
	prev := slog.Default()
	defer slog.SetDefault(prev)
	Setup(&out, "warn", "text")

	slog.Info("quiet")
	slog.Warn("loud")

	if strings.Contains(out.String(), "quiet") {
		t.Error("info record emitted despite warn level")
	}
	if !strings.Contains(out.String(), "loud") {
		t.Error("warn record missing")
	}
}
