// Package execution runs generated scenarios against the target API and
// records per-scenario outcomes. The runner is deliberately simple: each
// scenario is one HTTP request with a status-code check and optional
// JSON-path assertions over the response body.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// ErrNoScenarios is returned when the scenario set has nothing to run.
var ErrNoScenarios = errors.New("no scenarios to execute")

// Engine executes a scenario set against a base URL.
type Engine interface {
	Run(ctx context.Context, set qapackage.ScenarioSet, baseURL string) (qapackage.ResultSet, error)
}

// HTTPRunner is the default Engine implementation.
type HTTPRunner struct {
	client          *http.Client
	scenarioTimeout time.Duration
	maxBodyBytes    int64
	log             *logger.Logger
}

var _ Engine = (*HTTPRunner)(nil)

// NewHTTPRunner creates a runner. A zero scenarioTimeout defaults to 15s.
func NewHTTPRunner(scenarioTimeout time.Duration, log *logger.Logger) *HTTPRunner {
	if scenarioTimeout <= 0 {
		scenarioTimeout = 15 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("execution")
	}
	return &HTTPRunner{
		client:          &http.Client{Timeout: scenarioTimeout},
		scenarioTimeout: scenarioTimeout,
		maxBodyBytes:    1 << 20,
		log:             log,
	}
}

// Run executes every scenario in order, honoring context cancellation
// between scenarios. A scenario failure is recorded, not fatal; Run only
// errors when it cannot run at all.
func (r *HTTPRunner) Run(ctx context.Context, set qapackage.ScenarioSet, baseURL string) (qapackage.ResultSet, error) {
	if len(set.Scenarios) == 0 {
		return qapackage.ResultSet{}, ErrNoScenarios
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return qapackage.ResultSet{}, errors.New("target base url is required")
	}

	out := qapackage.ResultSet{ExecutedAt: time.Now().UTC()}
	for _, sc := range set.Scenarios {
		if err := ctx.Err(); err != nil {
			return qapackage.ResultSet{}, err
		}

		res := r.runScenario(ctx, sc, baseURL)
		if res.Passed {
			out.Passed++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}

	r.log.WithField("passed", out.Passed).
		WithField("failed", out.Failed).
		Info("scenario execution finished")
	return out, nil
}

func (r *HTTPRunner) runScenario(ctx context.Context, sc qapackage.Scenario, baseURL string) qapackage.ScenarioResult {
	result := qapackage.ScenarioResult{ScenarioID: sc.ID, Name: sc.Name}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	callCtx, cancel := context.WithTimeout(ctx, r.scenarioTimeout)
	defer cancel()

	var body io.Reader
	if sc.Body != "" {
		body = strings.NewReader(sc.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, strings.ToUpper(sc.Method), baseURL+sc.Path, body)
	if err != nil {
		result.Failure = fmt.Sprintf("build request: %v", err)
		return result
	}
	if sc.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range sc.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		result.Failure = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	raw, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodyBytes))
	if err != nil {
		result.Failure = fmt.Sprintf("read response: %v", err)
		return result
	}
	result.ResponseBody = string(raw)

	if sc.ExpectedStatus != 0 && resp.StatusCode != sc.ExpectedStatus {
		result.Failure = fmt.Sprintf("expected status %d, got %d", sc.ExpectedStatus, resp.StatusCode)
		return result
	}
	if failure := checkAssertions(sc.Assertions, result.ResponseBody); failure != "" {
		result.Failure = failure
		return result
	}

	result.Passed = true
	return result
}

// checkAssertions evaluates each gjson path against the body. The expected
// value "*" asserts presence only; anything else must match the result's
// string form.
func checkAssertions(assertions map[string]string, body string) string {
	for path, want := range assertions {
		got := gjson.Get(body, path)
		if !got.Exists() {
			return fmt.Sprintf("assertion %q: path not found", path)
		}
		if want == "*" {
			continue
		}
		if got.String() != want {
			return fmt.Sprintf("assertion %q: expected %q, got %q", path, want, got.String())
		}
	}
	return ""
}
