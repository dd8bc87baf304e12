package transcribe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestMock_AlwaysSucceedsAtZeroFailureRate(t *testing.T) {
	m := NewMock(MockConfig{FailureRate: 0, Rand: func() float64 { return 0.99 }, Sleep: noSleep})

	for i := 0; i < 20; i++ {
		res, err := m.Transcribe(context.Background(), "c1", "data")
		if err != nil {
			t.Fatalf("unexpected failure: %v", err)
		}
		if res.Transcript == "" || res.Sentiment == "" {
			t.Fatalf("expected non-empty result, got %+v", res)
		}
	}

	calls, failures := m.Stats()
	if calls != 20 || failures != 0 {
		t.Fatalf("stats = %d/%d, want 20/0", calls, failures)
	}
}

func TestMock_AlwaysFailsAtFullFailureRate(t *testing.T) {
	m := NewMock(MockConfig{FailureRate: 1, Rand: func() float64 { return 0.5 }, Sleep: noSleep})

	for i := 0; i < 5; i++ {
		_, err := m.Transcribe(context.Background(), "c1", "data")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	}

	calls, failures := m.Stats()
	if calls != 5 || failures != 5 {
		t.Fatalf("stats = %d/%d, want 5/5", calls, failures)
	}
}

func TestMock_SentimentIsDeterministicPerCall(t *testing.T) {
	m := NewMock(MockConfig{FailureRate: 0, Sleep: noSleep})

	first, err := m.Transcribe(context.Background(), "c-determinism", "a")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	second, err := m.Transcribe(context.Background(), "c-determinism", "bbbb")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if first.Sentiment != second.Sentiment {
		t.Fatalf("sentiment changed between runs: %q vs %q", first.Sentiment, second.Sentiment)
	}

	valid := map[string]bool{"positive": true, "negative": true, "neutral": true, "mixed": true}
	if !valid[first.Sentiment] {
		t.Fatalf("unexpected sentiment %q", first.Sentiment)
	}
}

func TestMock_LatencyWithinConfiguredRange(t *testing.T) {
	var slept time.Duration
	m := NewMock(MockConfig{
		FailureRate: 0,
		MinLatency:  time.Second,
		MaxLatency:  3 * time.Second,
		Rand:        func() float64 { return 0.5 },
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = d
			return nil
		},
	})

	if _, err := m.Transcribe(context.Background(), "c1", "x"); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if slept < time.Second || slept > 3*time.Second {
		t.Fatalf("latency %v outside [1s, 3s]", slept)
	}
}

func TestMock_CancelledContextAbortsSleep(t *testing.T) {
	m := NewMock(MockConfig{FailureRate: 0, MinLatency: time.Minute, MaxLatency: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Transcribe(ctx, "c1", "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
