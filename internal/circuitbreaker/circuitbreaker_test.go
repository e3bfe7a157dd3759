package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2025, 7, 15, 8, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = c.now
	return cb, c
}

var errDown = errors.New("connection refused")

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("webhook"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "webhook", MaxFailures: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errDown) {
			t.Fatalf("call %d: expected downstream error, got %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not call through")
	}
}

func TestCircuitBreaker_ProbeAfterRecoveryTimeout(t *testing.T) {
	cb, c := newTestBreaker(Config{Name: "webhook", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	c.advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("should still reject before the recovery timeout")
	}

	c.advance(time.Second)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe should pass, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb, c := newTestBreaker(Config{Name: "webhook", MaxFailures: 2, RecoveryTimeout: time.Second})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	c.advance(2 * time.Second)
	_ = cb.Execute(ctx, fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb, c := newTestBreaker(Config{Name: "webhook", MaxFailures: 1, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1})
	cb.Allow()
	cb.RecordFailure()

	c.advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("first probe should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second probe should be rejected")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "webhook", MaxFailures: 3})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CallTimeout(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "pic-a", MaxFailures: 1, CallTimeout: 10 * time.Millisecond})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("a timed out call counts as a failure, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CallerCancelIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "pic-a", MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if cb.GetState() != StateClosed {
		t.Fatalf("caller cancellation must not open the breaker, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "webhook", MaxFailures: 1})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Fatal("expected closed breaker after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "webhook", MaxFailures: 2, RecoveryTimeout: time.Minute})
	ctx := context.Background()
	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)

	s := cb.Stats()
	if s.Name != "webhook" || s.State != "open" {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.TotalRequests != 4 || s.TotalSuccesses != 1 || s.TotalFailures != 2 || s.TotalRejected != 1 {
		t.Fatalf("unexpected counters %+v", s)
	}
	if s.LastFailure == "" {
		t.Fatal("expected last failure timestamp")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d) = %s, want %s", s, s.String(), want)
		}
	}
}
