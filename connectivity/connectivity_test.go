package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	// WHAT: A call failing twice then succeeding is retried to success.
	// WHY: Mail delivery relies on this to ride out transient SMTP errors.
	var calls atomic.Int32
	call := Chain(func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRetry(3, time.Millisecond, nil))

	if err := call(context.Background()); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls: got %d, want 3", got)
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	call := Chain(func(ctx context.Context) error {
		calls.Add(1)
		return boom
	}, WithRetry(2, time.Millisecond, nil))

	if err := call(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err: got %v, want boom", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls: got %d, want 3 (1 + 2 retries)", got)
	}
}

func TestWithRetry_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	call := Chain(func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("bad address"))
	}, WithRetry(5, time.Millisecond, nil))

	err := call(context.Background())
	if !IsPermanent(err) {
		t.Fatalf("err: got %v, want permanent", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls: got %d, want 1", got)
	}
}

func TestWithTimeout(t *testing.T) {
	// WHAT: A hung call is cut off and reported as a timeout.
	// WHY: A portal that never answers must count as a fetch failure.
	call := Chain(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(20*time.Millisecond, "slow"))

	err := call(context.Background())
	var te *ErrCallTimeout
	if !errors.As(err, &te) {
		t.Fatalf("err: got %v, want *ErrCallTimeout", err)
	}
	if te.Service != "slow" {
		t.Fatalf("service: got %q", te.Service)
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker(WithBreakerThreshold(2), WithBreakerResetTimeout(time.Minute), WithBreakerClock(clock))

	failing := Chain(func(ctx context.Context) error { return errors.New("down") }, WithCircuitBreaker(cb, "bai"))
	failing(context.Background())
	failing(context.Background())

	if cb.State() != BreakerOpen {
		t.Fatalf("state: got %s, want open", cb.State())
	}
	var open *ErrCircuitOpen
	if err := failing(context.Background()); !errors.As(err, &open) {
		t.Fatalf("err: got %v, want circuit open", err)
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state: got %s, want half_open", cb.State())
	}
	ok := Chain(func(ctx context.Context) error { return nil }, WithCircuitBreaker(cb, "bai"))
	if err := ok(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state: got %s, want closed", cb.State())
	}
}

func TestBreakers_PerService(t *testing.T) {
	b := NewBreakers(WithBreakerThreshold(1))
	b.Get("moef").RecordFailure()

	if b.Get("moef").State() != BreakerOpen {
		t.Fatal("moef should be open")
	}
	if b.Get("mois").State() != BreakerClosed {
		t.Fatal("mois should be unaffected")
	}
	states := b.States()
	if states["moef"] != "open" || states["mois"] != "closed" {
		t.Fatalf("states: %v", states)
	}
}
