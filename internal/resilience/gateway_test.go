package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

func newTestGateway(t *testing.T, p Policy) *Gateway {
	t.Helper()
	return NewGateway("ai-provider", p, ContentGenerator{}, logger.Discard())
}

func TestGateway_SuccessPassesThrough(t *testing.T) {
	gw := newTestGateway(t, testPolicy())

	out := gw.Invoke(context.Background(), IntentScenarioGeneration, func(ctx context.Context) (interface{}, error) {
		return "payload", nil
	})
	if out.Degraded {
		t.Fatalf("unexpected degraded outcome: %v", out.Cause)
	}
	if out.Value != "payload" {
		t.Fatalf("unexpected value: %v", out.Value)
	}
	if out.Attempt.Tries != 1 {
		t.Fatalf("expected 1 try, got %d", out.Attempt.Tries)
	}
}

func TestGateway_RetriesThenSucceeds(t *testing.T) {
	p := testPolicy()
	p.RetryBaseWait = 20 * time.Millisecond
	gw := newTestGateway(t, p)

	var calls int32
	var gaps []time.Duration
	last := time.Now()

	out := gw.Invoke(context.Background(), IntentScenarioGeneration, func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		if n < 3 {
			return nil, Recoverable(errors.New("provider 503"))
		}
		return "ok", nil
	})

	if out.Degraded {
		t.Fatalf("expected success on third attempt, got degraded: %v", out.Cause)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	// Exponential schedule: ~20ms then ~40ms, with generous tolerance.
	if gaps[1] < 15*time.Millisecond || gaps[1] > 200*time.Millisecond {
		t.Fatalf("first backoff out of range: %v", gaps[1])
	}
	if gaps[2] < 35*time.Millisecond || gaps[2] > 400*time.Millisecond {
		t.Fatalf("second backoff out of range: %v", gaps[2])
	}
	if gaps[2] < gaps[1] {
		t.Fatalf("backoff did not grow: %v then %v", gaps[1], gaps[2])
	}
}

func TestGateway_RetryExhaustionDegradesWithOneBreakerSample(t *testing.T) {
	gw := newTestGateway(t, testPolicy())

	out := gw.Invoke(context.Background(), IntentScenarioGeneration, func(ctx context.Context) (interface{}, error) {
		return nil, Recoverable(errors.New("connection refused"))
	})
	if !out.Degraded {
		t.Fatalf("expected degraded outcome")
	}
	set, ok := out.Value.(qapackage.ScenarioSet)
	if !ok {
		t.Fatalf("expected ScenarioSet fallback, got %T", out.Value)
	}
	if !set.Fallback || len(set.Scenarios) != 0 {
		t.Fatalf("unexpected fallback payload: %+v", set)
	}
	if out.Attempt.Tries != 3 {
		t.Fatalf("expected 3 tries, got %d", out.Attempt.Tries)
	}

	// Retry exhaustion is one failure sample, not three.
	if n := gw.Breaker().Samples(); n != 1 {
		t.Fatalf("expected exactly one window sample, got %d", n)
	}
}

func TestGateway_OpenCircuitShortCircuitsDownstream(t *testing.T) {
	p := testPolicy()
	p.MaxRetryAttempts = 1
	gw := newTestGateway(t, p)

	for i := 0; i < p.SlidingWindowSize; i++ {
		gw.Invoke(context.Background(), IntentScenarioGeneration, func(ctx context.Context) (interface{}, error) {
			return nil, Recoverable(errors.New("boom"))
		})
	}
	if gw.Breaker().State() != CircuitOpen {
		t.Fatalf("expected open breaker, got %s", gw.Breaker().State())
	}

	var called int32
	out := gw.Invoke(context.Background(), IntentScenarioGeneration, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&called, 1)
		return "late", nil
	})
	if !out.Degraded {
		t.Fatalf("expected degraded outcome while open")
	}
	if !errors.Is(out.Cause, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen cause, got %v", out.Cause)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatalf("downstream called while circuit open")
	}
}

func TestGateway_ThrottledHalfOpenProbeDoesNotWedgeBreaker(t *testing.T) {
	p := testPolicy()
	p.SlidingWindowSize = 2
	p.HalfOpenPermits = 1
	p.MaxRetryAttempts = 1
	p.OpenStateWait = 50 * time.Millisecond
	gw := newTestGateway(t, p)

	for i := 0; i < p.SlidingWindowSize; i++ {
		gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
			return nil, Recoverable(errors.New("boom"))
		})
	}
	if gw.Breaker().State() != CircuitOpen {
		t.Fatalf("expected open breaker, got %s", gw.Breaker().State())
	}

	now := time.Now()
	gw.breaker.now = func() time.Time { return now.Add(p.OpenStateWait + time.Second) }

	// The only probe gets throttled: no breaker sample, but the permit must
	// be returned rather than held forever.
	out := gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
		return nil, RateLimited(errors.New("provider returned 429"))
	})
	if !out.Degraded {
		t.Fatalf("expected degraded outcome for throttled probe")
	}

	// Downstream has recovered: the next probe closes the breaker and calls
	// flow again.
	out = gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
		return "healthy", nil
	})
	if out.Degraded {
		t.Fatalf("breaker wedged after unrecorded probe: state=%s cause=%v", gw.Breaker().State(), out.Cause)
	}
	if gw.Breaker().State() != CircuitClosed {
		t.Fatalf("expected closed breaker after successful probe, got %s", gw.Breaker().State())
	}
}

func TestGateway_NonRetriableHalfOpenProbeReturnsPermit(t *testing.T) {
	p := testPolicy()
	p.SlidingWindowSize = 2
	p.HalfOpenPermits = 1
	p.MaxRetryAttempts = 1
	p.OpenStateWait = 50 * time.Millisecond
	gw := newTestGateway(t, p)

	for i := 0; i < p.SlidingWindowSize; i++ {
		gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
			return nil, Recoverable(errors.New("boom"))
		})
	}
	now := time.Now()
	gw.breaker.now = func() time.Time { return now.Add(p.OpenStateWait + time.Second) }

	gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("programmer error")
	})

	out := gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
		return "healthy", nil
	})
	if out.Degraded {
		t.Fatalf("permit leaked by non-retriable probe: cause=%v", out.Cause)
	}
}

func TestGateway_ThrottledCallsNeverTripBreaker(t *testing.T) {
	gw := newTestGateway(t, testPolicy())

	for i := 0; i < 100; i++ {
		out := gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
			return nil, RateLimited(errors.New("429 from budget"))
		})
		if !out.Degraded {
			t.Fatalf("call %d: expected degraded", i)
		}
		if out.Attempt.Tries != 1 {
			t.Fatalf("call %d: throttled failure was retried (%d tries)", i, out.Attempt.Tries)
		}
	}

	if gw.Breaker().State() != CircuitClosed {
		t.Fatalf("breaker opened from throttled calls")
	}
	if rate := gw.Breaker().FailureRate(); rate != 0 {
		t.Fatalf("throttled calls counted as breaker failures: %v%%", rate)
	}
}

func TestGateway_BulkheadRejectsWhenFull(t *testing.T) {
	p := testPolicy()
	p.MaxConcurrentCalls = 1
	p.BulkheadMaxWait = 20 * time.Millisecond
	gw := newTestGateway(t, p)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan Outcome, 1)
	go func() {
		done <- gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "slow", nil
		})
	}()
	<-started

	out := gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
		return "fast", nil
	})
	if !out.Degraded {
		t.Fatalf("expected bulkhead rejection")
	}
	if !errors.Is(out.Cause, ErrBulkheadFull) {
		t.Fatalf("expected ErrBulkheadFull cause, got %v", out.Cause)
	}
	// A rejected call carries no breaker signal.
	if rate := gw.Breaker().FailureRate(); rate != 0 {
		t.Fatalf("bulkhead rejection recorded as breaker failure: %v%%", rate)
	}

	close(release)
	first := <-done
	if first.Degraded {
		t.Fatalf("in-flight call should have completed: %v", first.Cause)
	}
}

func TestGateway_HardTimeoutIsRecoverable(t *testing.T) {
	p := testPolicy()
	p.CallTimeout = 20 * time.Millisecond
	p.MaxRetryAttempts = 2
	p.RetryBaseWait = 5 * time.Millisecond
	gw := newTestGateway(t, p)

	var calls int32
	out := gw.Invoke(context.Background(), IntentEvaluation, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !out.Degraded {
		t.Fatalf("expected degraded after timeouts")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("timeout should be retried: got %d calls", got)
	}
	if n := gw.Breaker().Samples(); n != 1 {
		t.Fatalf("expected one failure sample from timed-out invocation, got %d", n)
	}
}

func TestGateway_NonRetriableFailsFast(t *testing.T) {
	gw := newTestGateway(t, testPolicy())

	var calls int32
	out := gw.Invoke(context.Background(), "bulk-import", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("nil prompt template")
	})
	if !out.Degraded {
		t.Fatalf("expected degraded outcome")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("non-retriable failure was retried")
	}
	if _, ok := out.Value.(GenericFallback); !ok {
		t.Fatalf("expected generic fallback for unclassified intent, got %T", out.Value)
	}
	if rate := gw.Breaker().FailureRate(); rate != 0 {
		t.Fatalf("non-retriable failure recorded as breaker sample: %v%%", rate)
	}
}

func TestRegistry_IsolatedStates(t *testing.T) {
	reg := NewRegistry(ContentGenerator{}, logger.Discard())
	reg.Register("ai-provider", testPolicy())
	reg.Register("spec-source", testPolicy())

	gw, ok := reg.Gateway("ai-provider")
	if !ok {
		t.Fatalf("gateway not registered")
	}
	p := testPolicy()
	for i := 0; i < p.SlidingWindowSize; i++ {
		gw.Invoke(context.Background(), IntentScenarioGeneration, func(ctx context.Context) (interface{}, error) {
			return nil, Recoverable(errors.New("down"))
		})
	}

	states := reg.States()
	if len(states) != 2 {
		t.Fatalf("expected 2 dependency states, got %d", len(states))
	}
	byName := map[string]DependencyState{}
	for _, st := range states {
		byName[st.Dependency] = st
	}
	if byName["ai-provider"].CircuitState != "open" {
		t.Fatalf("ai-provider breaker should be open: %+v", byName["ai-provider"])
	}
	if byName["spec-source"].CircuitState != "closed" {
		t.Fatalf("spec-source breaker should be unaffected: %+v", byName["spec-source"])
	}
}
