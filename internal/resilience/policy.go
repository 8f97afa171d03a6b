package resilience

import "time"

// Policy is the immutable configuration bundle for one named downstream
// dependency. Zero fields are replaced with defaults by Normalize, so a
// partially-populated policy from the environment stays usable.
type Policy struct {
	// Bulkhead.
	MaxConcurrentCalls int
	BulkheadMaxWait    time.Duration

	// Rate limiter.
	LimitForPeriod     int
	LimitRefreshPeriod time.Duration
	LimiterMaxWait     time.Duration

	// Circuit breaker.
	SlidingWindowSize    int
	FailureRateThreshold float64 // percent, 0 < t <= 100
	OpenStateWait        time.Duration
	HalfOpenPermits      int

	// Retry.
	MaxRetryAttempts int
	RetryBaseWait    time.Duration

	// CallTimeout is the hard per-attempt timeout applied to every unit of
	// work submitted to the gateway.
	CallTimeout time.Duration
}

// DefaultPolicy returns the defaults used for the AI provider dependency.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrentCalls:   5,
		BulkheadMaxWait:      time.Second,
		LimitForPeriod:       10,
		LimitRefreshPeriod:   time.Second,
		LimiterMaxWait:       5 * time.Second,
		SlidingWindowSize:    10,
		FailureRateThreshold: 50,
		OpenStateWait:        60 * time.Second,
		HalfOpenPermits:      3,
		MaxRetryAttempts:     3,
		RetryBaseWait:        500 * time.Millisecond,
		CallTimeout:          30 * time.Second,
	}
}

// Normalize fills zero fields from the defaults and clamps nonsensical
// values. Returns the normalized copy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxConcurrentCalls <= 0 {
		p.MaxConcurrentCalls = def.MaxConcurrentCalls
	}
	if p.BulkheadMaxWait <= 0 {
		p.BulkheadMaxWait = def.BulkheadMaxWait
	}
	if p.LimitForPeriod <= 0 {
		p.LimitForPeriod = def.LimitForPeriod
	}
	if p.LimitRefreshPeriod <= 0 {
		p.LimitRefreshPeriod = def.LimitRefreshPeriod
	}
	if p.LimiterMaxWait <= 0 {
		p.LimiterMaxWait = def.LimiterMaxWait
	}
	if p.SlidingWindowSize <= 0 {
		p.SlidingWindowSize = def.SlidingWindowSize
	}
	if p.FailureRateThreshold <= 0 || p.FailureRateThreshold > 100 {
		p.FailureRateThreshold = def.FailureRateThreshold
	}
	if p.OpenStateWait <= 0 {
		p.OpenStateWait = def.OpenStateWait
	}
	if p.HalfOpenPermits <= 0 {
		p.HalfOpenPermits = def.HalfOpenPermits
	}
	if p.MaxRetryAttempts <= 0 {
		p.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if p.RetryBaseWait <= 0 {
		p.RetryBaseWait = def.RetryBaseWait
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	return p
}
