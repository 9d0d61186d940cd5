package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3}
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestPolicy_StopsAtCeiling(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	p := Policy{MaxAttempts: 3}
	err := p.Do(context.Background(), "embed", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestPolicy_PermanentIsNotRetried(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	p := Policy{MaxAttempts: 5}
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return Permanent(bad)
	})
	if err != bad {
		t.Fatalf("expected the unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return time.Hour }}
	calls := 0
	err := p.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_OnRetryCalledBetweenAttempts(t *testing.T) {
	var seen []int
	p := Policy{MaxAttempts: 3, OnRetry: func(op string, attempt int, err error) { seen = append(seen, attempt) }}
	_ = p.Do(context.Background(), "op", func(ctx context.Context) error { return errors.New("x") })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected retries [1 2], got %v", seen)
	}
}

func TestLinear(t *testing.T) {
	f := Linear(time.Second)
	if f(1) != time.Second || f(3) != 3*time.Second {
		t.Fatalf("unexpected linear backoff: %v %v", f(1), f(3))
	}
}

func TestExponential_Capped(t *testing.T) {
	f := Exponential(time.Second, 4*time.Second)
	for i := 0; i < 20; i++ {
		d := f(10)
		if d < 4*time.Second || d > 6*time.Second {
			t.Fatalf("backoff out of range: %v", d)
		}
	}
}
