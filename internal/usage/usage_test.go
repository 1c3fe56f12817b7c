package usage

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/docchat/internal/protocol"
)

func payload(used float64, threads ...protocol.ThreadRecord) protocol.UsagePayload {
	var p protocol.UsagePayload
	p.UserData.TokensUsed = used
	p.UserThreadData = threads
	return p
}

func TestFromPayloadSortsNewestFirst(t *testing.T) {
	p := payload(1200,
		protocol.ThreadRecord{ID: "old", InitialMessage: "Basel capital", MessageCreatedAt: "2024-01-01T00:00:00Z"},
		protocol.ThreadRecord{ID: "new", InitialMessage: "Liquidity ratios", MessageCreatedAt: "2025-03-01T00:00:00Z"},
	)
	s := FromPayload(p, 0, time.Now())

	if s.TokensUsed != 1200 {
		t.Errorf("expected 1200 tokens used, got %d", s.TokensUsed)
	}
	if s.TokensTotal != DefaultTotalTokens {
		t.Errorf("expected default total, got %d", s.TokensTotal)
	}
	if len(s.Threads) != 2 || s.Threads[0].ID != "new" {
		t.Errorf("expected newest thread first, got %+v", s.Threads)
	}
}

func TestPercentAndRemaining(t *testing.T) {
	s := Snapshot{TokensUsed: 1250, TokensTotal: 5000}
	if s.Percent() != 25 {
		t.Errorf("expected 25%%, got %v", s.Percent())
	}
	if s.Remaining() != 3750 {
		t.Errorf("expected 3750 remaining, got %d", s.Remaining())
	}

	over := Snapshot{TokensUsed: 7000, TokensTotal: 5000}
	if over.Percent() != 100 {
		t.Errorf("expected percent capped at 100, got %v", over.Percent())
	}
	if over.Remaining() != 0 {
		t.Errorf("expected 0 remaining, got %d", over.Remaining())
	}

	if (Snapshot{}).Percent() != 0 {
		t.Error("expected 0 percent for empty snapshot")
	}
}

func TestSearch(t *testing.T) {
	s := FromPayload(payload(0,
		protocol.ThreadRecord{ID: "a", InitialMessage: "What is CET1?"},
		protocol.ThreadRecord{ID: "b", InitialMessage: "Explain LCR"},
	), 5000, time.Now())

	got := s.Search("cet1")
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected thread a, got %+v", got)
	}
	if all := s.Search("  "); len(all) != 2 {
		t.Errorf("expected blank search to return all threads, got %d", len(all))
	}
}

func TestParseTimeLayouts(t *testing.T) {
	for _, in := range []string{"2025-01-02T03:04:05Z", "2025-01-02T03:04:05.123", "2025-01-02 03:04:05", "2025-01-02"} {
		if parseTime(in).IsZero() {
			t.Errorf("expected %q to parse", in)
		}
	}
	if !parseTime("yesterday").IsZero() {
		t.Error("expected unparseable time to be zero")
	}
}

func TestEstimator(t *testing.T) {
	e, err := NewEstimator("gpt-4")
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	n := e.Count("What is the minimum CET1 ratio under Basel III?")
	if n <= 0 {
		t.Fatalf("expected positive token count, got %d", n)
	}
	if !e.Exceeds("hello world", Snapshot{TokensUsed: 5000, TokensTotal: 5000}) {
		t.Error("expected exhausted budget to be exceeded")
	}
	if e.Exceeds("hello", Snapshot{TokensUsed: 0, TokensTotal: 5000}) {
		t.Error("expected small query to fit")
	}
}

func TestRefresherFires(t *testing.T) {
	var calls atomic.Int32
	r := NewRefresher("* * * * * *", func() { calls.Add(1) })
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("refresher did not fire within 2.5s, calls=%d", calls.Load())
		case <-ticker.C:
			if calls.Load() > 0 {
				return
			}
		}
	}
}

func TestRefresherInvalidSpec(t *testing.T) {
	r := NewRefresher("not a schedule", func() {})
	if err := r.Start(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
