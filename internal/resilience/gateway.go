package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// Intent tags one resilience-wrapped call with its purpose. The fallback
// generator dispatches on it.
type Intent string

const (
	IntentScenarioGeneration Intent = "scenario-generation"
	IntentEvaluation         Intent = "evaluation"
	IntentCoverageAnalysis   Intent = "coverage-analysis"
)

// UnitOfWork is a caller-supplied call to the downstream dependency. The
// context carries the gateway's hard per-attempt timeout.
type UnitOfWork func(ctx context.Context) (interface{}, error)

// FallbackProvider produces a well-formed degraded payload for an intent.
type FallbackProvider interface {
	Generate(intent Intent, cause error) interface{}
}

// Outcome is the gateway's only result type. Downstream failures never
// propagate past the gateway: they either become a retried success or a
// degraded outcome carrying the fallback payload.
type Outcome struct {
	Value    interface{}
	Degraded bool
	Cause    error
	Attempt  Attempt
}

// Attempt records what one logical invocation went through. Ephemeral,
// surfaced for logging and metrics only.
type Attempt struct {
	Intent          Intent
	GuardsConsulted []string
	Tries           int
	Outcome         string // "success", "fallback", "rejected"
	Elapsed         time.Duration
}

// Observer receives the terminal record of every invocation.
type Observer interface {
	ObserveInvocation(dependency string, a Attempt)
}

// Gateway composes the four guards around every call to one named
// dependency, outer to inner: bulkhead, rate limiter, circuit breaker,
// retry. Guard state is process-wide and shared across all packages by
// design; one package's failures legitimately affect another's calls to
// the same dependency.
type Gateway struct {
	name     string
	policy   Policy
	bulkhead *Bulkhead
	limiter  *rate.Limiter
	breaker  *CircuitBreaker
	fallback FallbackProvider
	observer Observer
	log      *logger.Logger
}

// NewGateway creates a gateway for the named dependency. A nil fallback
// panics: the gateway's contract is that it always has somewhere to route
// an exhausted call, and wiring it without one is a programmer error.
func NewGateway(name string, policy Policy, fallback FallbackProvider, log *logger.Logger) *Gateway {
	if fallback == nil {
		panic("resilience: gateway requires a fallback provider")
	}
	if log == nil {
		log = logger.NewDefault("resilience")
	}
	policy = policy.Normalize()
	return &Gateway{
		name:     name,
		policy:   policy,
		bulkhead: NewBulkhead(policy.MaxConcurrentCalls, policy.BulkheadMaxWait),
		limiter:  rate.NewLimiter(rate.Every(policy.LimitRefreshPeriod/time.Duration(policy.LimitForPeriod)), policy.LimitForPeriod),
		breaker:  NewCircuitBreaker(policy),
		fallback: fallback,
		log:      log.WithField("dependency", name),
	}
}

// SetObserver attaches an invocation observer. Must be called before the
// gateway is shared.
func (g *Gateway) SetObserver(o Observer) { g.observer = o }

// Name returns the dependency name.
func (g *Gateway) Name() string { return g.name }

// Breaker exposes the breaker for state reporting.
func (g *Gateway) Breaker() *CircuitBreaker { return g.breaker }

// BulkheadStats exposes bulkhead counters for state reporting.
func (g *Gateway) BulkheadStats() BulkheadStats { return g.bulkhead.Stats() }

// Invoke runs fn under the full guard composition and returns its Outcome.
//
// Rejections before the call (bulkhead wait exhausted, limiter wait
// exhausted, circuit open) degrade immediately without consuming the retry
// budget and without recording a breaker sample. Rate-limit failures from
// inside fn are likewise never retried and never recorded: throttling is
// expected steady-state behavior, not a downstream fault. Each logical
// invocation records at most one breaker sample regardless of how many
// retry attempts it contained.
func (g *Gateway) Invoke(ctx context.Context, intent Intent, fn UnitOfWork) Outcome {
	start := time.Now()
	attempt := Attempt{Intent: intent}

	// Bulkhead.
	attempt.GuardsConsulted = append(attempt.GuardsConsulted, "bulkhead")
	if err := g.bulkhead.Acquire(ctx); err != nil {
		return g.degrade(intent, attempt, start, fmt.Errorf("bulkhead rejected call: %w", err), "rejected")
	}
	defer g.bulkhead.Release()

	// Rate limiter, with a bounded wait.
	attempt.GuardsConsulted = append(attempt.GuardsConsulted, "ratelimiter")
	waitCtx, cancel := context.WithTimeout(ctx, g.policy.LimiterMaxWait)
	err := g.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return g.degrade(intent, attempt, start, ctx.Err(), "rejected")
		}
		return g.degrade(intent, attempt, start, RateLimited(errors.New("rate limiter wait exhausted")), "rejected")
	}

	// Circuit breaker wraps the retry loop from the outside.
	attempt.GuardsConsulted = append(attempt.GuardsConsulted, "circuitbreaker")
	if err := g.breaker.Allow(); err != nil {
		return g.degrade(intent, attempt, start, err, "rejected")
	}

	attempt.GuardsConsulted = append(attempt.GuardsConsulted, "retry")
	value, err := g.callWithRetry(ctx, &attempt, fn)
	kind := Classify(err)

	// One breaker sample per logical invocation. Throttled and
	// non-retriable outcomes carry no signal about downstream health, but
	// their admission must still be resolved or a half-open probe's permit
	// would leak.
	if err == nil {
		g.breaker.Record(false)
	} else if kind.countsAsFailure() {
		g.breaker.Record(true)
	} else {
		g.breaker.Discard()
	}

	if err != nil {
		g.log.WithError(err).
			WithField("intent", string(intent)).
			WithField("kind", kind.String()).
			WithField("tries", attempt.Tries).
			Warn("invocation degraded")
		return g.degrade(intent, attempt, start, err, "fallback")
	}

	attempt.Outcome = "success"
	attempt.Elapsed = time.Since(start)
	g.observe(attempt)
	return Outcome{Value: value, Attempt: attempt}
}

// callWithRetry runs fn up to MaxRetryAttempts times with exponential
// backoff (base wait doubled per attempt). Only recoverable and
// provider-rejection failures are retried. Every attempt runs under the
// policy's hard timeout; an attempt that outlives it is a recoverable
// failure no matter how the client behaves.
func (g *Gateway) callWithRetry(ctx context.Context, attempt *Attempt, fn UnitOfWork) (interface{}, error) {
	var lastErr error
	wait := g.policy.RetryBaseWait

	for try := 0; try < g.policy.MaxRetryAttempts; try++ {
		if try > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			wait *= 2
		}

		attempt.Tries++
		callCtx, cancel := context.WithTimeout(ctx, g.policy.CallTimeout)
		value, err := fn(callCtx)
		cancel()

		if err == nil {
			return value, nil
		}
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = Recoverable(err)
		}
		lastErr = err
		if !Classify(err).retriable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (g *Gateway) degrade(intent Intent, attempt Attempt, start time.Time, cause error, terminal string) Outcome {
	attempt.Outcome = terminal
	attempt.Elapsed = time.Since(start)
	g.observe(attempt)
	return Outcome{
		Value:    g.fallback.Generate(intent, cause),
		Degraded: true,
		Cause:    cause,
		Attempt:  attempt,
	}
}

func (g *Gateway) observe(a Attempt) {
	if g.observer != nil {
		g.observer.ObserveInvocation(g.name, a)
	}
}

// Registry owns the process-wide resilience state, one gateway per named
// dependency. It is constructed once at startup and injected, never held
// as an ambient global, so tests can build isolated registries.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*Gateway
	fallback FallbackProvider
	log      *logger.Logger
}

// NewRegistry creates an empty registry using the given fallback provider
// for every gateway it builds.
func NewRegistry(fallback FallbackProvider, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("resilience")
	}
	return &Registry{
		gateways: make(map[string]*Gateway),
		fallback: fallback,
		log:      log,
	}
}

// Register builds and stores a gateway for the dependency name. Registering
// the same name twice replaces the previous gateway and resets its state.
func (r *Registry) Register(name string, policy Policy) *Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()
	gw := NewGateway(name, policy, r.fallback, r.log)
	r.gateways[name] = gw
	return gw
}

// Gateway returns the gateway for the dependency name.
func (r *Registry) Gateway(name string) (*Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	return gw, ok
}

// DependencyState is a point-in-time view of one dependency's guards.
type DependencyState struct {
	Dependency   string        `json:"dependency"`
	CircuitState string        `json:"circuit_state"`
	FailureRate  float64       `json:"failure_rate_percent"`
	Bulkhead     BulkheadStats `json:"bulkhead"`
}

// States returns the guard state of every registered dependency.
func (r *Registry) States() []DependencyState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DependencyState, 0, len(r.gateways))
	for name, gw := range r.gateways {
		out = append(out, DependencyState{
			Dependency:   name,
			CircuitState: gw.breaker.State().String(),
			FailureRate:  gw.breaker.FailureRate(),
			Bulkhead:     gw.bulkhead.Stats(),
		})
	}
	return out
}
