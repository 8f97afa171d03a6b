// Package config loads the application configuration from the environment,
// with an optional YAML file supplying per-package stage defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/resilience"
)

// Config is the full application configuration.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	RedisURL        string        `env:"REDIS_URL"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,default=15s"`
	StagePolicyFile string        `env:"STAGE_POLICY_FILE"`

	AI AIConfig

	Resilience ResilienceConfig
}

// AIConfig configures the completion provider.
type AIConfig struct {
	BaseURL string        `env:"AI_BASE_URL,default=http://localhost:11434"`
	APIKey  string        `env:"AI_API_KEY"`
	Model   string        `env:"AI_MODEL,default=gpt-4o-mini"`
	Timeout time.Duration `env:"AI_TIMEOUT,default=60s"`
}

// ResilienceConfig mirrors the gateway policy knobs. Defaults match
// resilience.DefaultPolicy.
type ResilienceConfig struct {
	MaxConcurrentCalls   int           `env:"RESILIENCE_MAX_CONCURRENT_CALLS,default=5"`
	BulkheadMaxWait      time.Duration `env:"RESILIENCE_BULKHEAD_MAX_WAIT,default=1s"`
	LimitForPeriod       int           `env:"RESILIENCE_LIMIT_FOR_PERIOD,default=10"`
	LimitRefreshPeriod   time.Duration `env:"RESILIENCE_LIMIT_REFRESH_PERIOD,default=1s"`
	LimiterMaxWait       time.Duration `env:"RESILIENCE_LIMITER_MAX_WAIT,default=5s"`
	WindowSize           int           `env:"RESILIENCE_WINDOW_SIZE,default=10"`
	FailureRateThreshold float64       `env:"RESILIENCE_FAILURE_RATE_THRESHOLD,default=50"`
	OpenStateWait        time.Duration `env:"RESILIENCE_OPEN_STATE_WAIT,default=60s"`
	HalfOpenPermits      int           `env:"RESILIENCE_HALF_OPEN_PERMITS,default=3"`
	MaxRetryAttempts     int           `env:"RESILIENCE_MAX_RETRY_ATTEMPTS,default=3"`
	RetryBaseWait        time.Duration `env:"RESILIENCE_RETRY_BASE_WAIT,default=500ms"`
	CallTimeout          time.Duration `env:"RESILIENCE_CALL_TIMEOUT,default=30s"`
}

// Policy converts the configuration into a gateway policy.
func (r ResilienceConfig) Policy() resilience.Policy {
	p := resilience.Policy{
		MaxConcurrentCalls:   r.MaxConcurrentCalls,
		BulkheadMaxWait:      r.BulkheadMaxWait,
		LimitForPeriod:       r.LimitForPeriod,
		LimitRefreshPeriod:   r.LimitRefreshPeriod,
		LimiterMaxWait:       r.LimiterMaxWait,
		SlidingWindowSize:    r.WindowSize,
		FailureRateThreshold: r.FailureRateThreshold,
		OpenStateWait:        r.OpenStateWait,
		HalfOpenPermits:      r.HalfOpenPermits,
		MaxRetryAttempts:     r.MaxRetryAttempts,
		RetryBaseWait:        r.RetryBaseWait,
		CallTimeout:          r.CallTimeout,
	}
	return p.Normalize()
}

// Load decodes the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config from environment: %w", err)
	}
	return cfg, nil
}

// StagePolicy holds the file-configurable per-package stage defaults.
type StagePolicy struct {
	Defaults qapackage.Config
}

// stagePolicyFile is the on-disk shape. Durations are decoded from strings
// like "30s", and absent keys keep the built-in defaults.
type stagePolicyFile struct {
	Defaults struct {
		RunExecution                *bool  `yaml:"run_execution"`
		RunEvaluation               *bool  `yaml:"run_evaluation"`
		AdvanceOnDegradedEvaluation *bool  `yaml:"advance_on_degraded_evaluation"`
		ScenarioTimeout             string `yaml:"scenario_timeout"`
	} `yaml:"defaults"`
}

// LoadStagePolicy reads the stage-policy YAML file. An empty path returns
// the built-in defaults.
func LoadStagePolicy(path string) (StagePolicy, error) {
	policy := StagePolicy{Defaults: qapackage.DefaultConfig()}
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return StagePolicy{}, fmt.Errorf("read stage policy: %w", err)
	}
	var file stagePolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return StagePolicy{}, fmt.Errorf("parse stage policy: %w", err)
	}

	if file.Defaults.RunExecution != nil {
		policy.Defaults.RunExecution = *file.Defaults.RunExecution
	}
	if file.Defaults.RunEvaluation != nil {
		policy.Defaults.RunEvaluation = *file.Defaults.RunEvaluation
	}
	if file.Defaults.AdvanceOnDegradedEvaluation != nil {
		policy.Defaults.AdvanceOnDegradedEvaluation = *file.Defaults.AdvanceOnDegradedEvaluation
	}
	if file.Defaults.ScenarioTimeout != "" {
		d, err := time.ParseDuration(file.Defaults.ScenarioTimeout)
		if err != nil {
			return StagePolicy{}, fmt.Errorf("parse scenario_timeout: %w", err)
		}
		if d < 0 {
			return StagePolicy{}, fmt.Errorf("scenario_timeout cannot be negative")
		}
		policy.Defaults.ScenarioTimeout = d
	}
	return policy, nil
}
