package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_ClosedState(t *testing.T) {
	breaker := NewBreaker(Config{FailureThreshold: 3, Cooldown: 100 * time.Millisecond})

	if breaker.State() != StateClosed {
		t.Errorf("breaker should start closed, got %s", breaker.State())
	}

	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("successful call should not error: %v", err)
	}

	if breaker.State() != StateClosed {
		t.Errorf("breaker should remain closed after success, got %s", breaker.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	breaker := NewBreaker(Config{FailureThreshold: 5, Cooldown: time.Minute})

	// Failures below the threshold keep the circuit closed.
	for i := 0; i < 4; i++ {
		_ = breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("provider failure")
		})
	}
	if breaker.State() != StateClosed {
		t.Fatalf("breaker should stay closed below threshold, got %s", breaker.State())
	}

	// Fifth consecutive failure trips it.
	_ = breaker.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("provider failure")
	})
	if breaker.State() != StateOpen {
		t.Fatalf("breaker should open after threshold, got %s", breaker.State())
	}

	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		t.Error("open breaker must not invoke the function")
		return nil
	})
	if err != ErrOpen {
		t.Errorf("open breaker should return ErrOpen, got %v", err)
	}
}

func TestBreaker_FastFailWhileOpen(t *testing.T) {
	breaker := NewBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})
	_ = breaker.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("failure")
	})

	start := time.Now()
	err := breaker.Call(context.Background(), func(ctx context.Context) error { return nil })
	elapsed := time.Since(start)

	if err != ErrOpen {
		t.Fatalf("want ErrOpen, got %v", err)
	}
	if elapsed > 10*time.Millisecond {
		t.Errorf("open-circuit rejection took %v, want <10ms", elapsed)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	breaker := NewBreaker(Config{FailureThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		_ = breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("failure")
		})
	}
	_ = breaker.Call(context.Background(), func(ctx context.Context) error { return nil })
	for i := 0; i < 2; i++ {
		_ = breaker.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("failure")
		})
	}

	if breaker.State() != StateClosed {
		t.Errorf("intervening success should reset the run, got %s", breaker.State())
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	breaker := NewBreaker(Config{FailureThreshold: 1, Cooldown: 30 * time.Millisecond})
	_ = breaker.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("failure")
	})
	if breaker.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(40 * time.Millisecond)

	// After the cool-down exactly one probe is admitted; a concurrent
	// caller is rejected while the probe is in flight.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = breaker.Call(context.Background(), func(ctx context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	err := breaker.Call(context.Background(), func(ctx context.Context) error { return nil })
	if err != ErrOpen {
		t.Errorf("second caller during probe should get ErrOpen, got %v", err)
	}

	close(release)
	wg.Wait()

	if breaker.State() != StateClosed {
		t.Errorf("probe success should close the circuit, got %s", breaker.State())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	breaker := NewBreaker(Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	_ = breaker.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("failure")
	})

	time.Sleep(30 * time.Millisecond)

	err := breaker.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("still failing")
	})
	if err == nil || err == ErrOpen {
		t.Fatalf("probe should run and return the provider error, got %v", err)
	}
	if breaker.State() != StateOpen {
		t.Errorf("probe failure should reopen the circuit, got %s", breaker.State())
	}

	// And the reopened circuit rejects immediately again.
	if err := breaker.Call(context.Background(), func(ctx context.Context) error { return nil }); err != ErrOpen {
		t.Errorf("want ErrOpen after probe failure, got %v", err)
	}
}

func TestBreaker_ContextDeadlineCountsAsFailure(t *testing.T) {
	breaker := NewBreaker(Config{FailureThreshold: 2, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_ = breaker.Call(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		cancel()
	}

	if breaker.State() != StateOpen {
		t.Errorf("deadline-induced cancellations should trip the breaker, got %s", breaker.State())
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Add("borrow_rate", DefaultConfig())
	reg.Add("volatility", DefaultConfig())

	b, ok := reg.Get("borrow_rate")
	if !ok || b == nil {
		t.Fatal("registered breaker should be retrievable")
	}
	if _, ok := reg.Get("unknown"); ok {
		t.Error("unknown provider should not resolve")
	}

	stats := reg.Stats()
	if len(stats) != 2 {
		t.Errorf("want stats for 2 providers, got %d", len(stats))
	}
}
