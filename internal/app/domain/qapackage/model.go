package qapackage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// QaPackage is the unit of work: one OpenAPI spec turned into generated,
// executed and evaluated test scenarios. The ID is assigned at creation and
// immutable. Status is mutated exclusively through Transition, driven by the
// orchestrator.
type QaPackage struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	SpecURL       string `json:"spec_url"`
	SpecContent   string `json:"spec_content,omitempty"`
	SpecHash      string `json:"spec_hash,omitempty"`
	TargetBaseURL string `json:"target_base_url"`
	Requirements  string `json:"requirements,omitempty"`

	Status Status `json:"status"`
	Config Config `json:"config"`

	Scenarios *ScenarioSet      `json:"scenarios,omitempty"`
	Results   *ResultSet        `json:"results,omitempty"`
	Coverage  *CoverageReport   `json:"coverage,omitempty"`
	Summary   *EvaluationReport `json:"summary,omitempty"`

	// StatusReason records why the package entered a FAILED_* state.
	StatusReason string `json:"status_reason,omitempty"`

	RequestedBy string `json:"requested_by,omitempty"`

	// Attempt starts at 1; RetryOf links a re-queued attempt to the terminal
	// package it replaces. History is never mutated: a re-queue is a new row.
	Attempt int    `json:"attempt"`
	RetryOf string `json:"retry_of,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Config carries per-package stage toggles and policy flags.
type Config struct {
	// RunExecution controls whether generated scenarios are executed.
	RunExecution bool `json:"run_execution"`

	// RunEvaluation controls whether executed results are AI-evaluated.
	RunEvaluation bool `json:"run_evaluation"`

	// AdvanceOnDegradedEvaluation decides whether a degraded (fallback)
	// evaluation still advances to QA_EVAL_DONE. When false the package
	// stays in QA_EVAL_IN_PROGRESS for a later re-queue.
	AdvanceOnDegradedEvaluation bool `json:"advance_on_degraded_evaluation"`

	// ScenarioTimeout bounds each executed scenario request.
	ScenarioTimeout time.Duration `json:"scenario_timeout,omitempty"`
}

// DefaultConfig returns the stage configuration applied to new packages.
func DefaultConfig() Config {
	return Config{
		RunExecution:                true,
		RunEvaluation:               true,
		AdvanceOnDegradedEvaluation: true,
		ScenarioTimeout:             15 * time.Second,
	}
}

// SetSpec stores the fetched spec content together with its hash. The hash
// is always derived here so content and hash cannot be persisted out of sync.
func (p *QaPackage) SetSpec(content string) {
	p.SpecContent = content
	p.SpecHash = HashSpec(content)
}

// HashSpec returns the canonical hash of spec content.
func HashSpec(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Scenario is one generated test case against the target API.
type Scenario struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ExpectedStatus int               `json:"expected_status"`

	// Assertions are gjson paths matched against the response body,
	// e.g. {"data.id": "*"} requires presence, any other value requires
	// equality with the rendered result.
	Assertions map[string]string `json:"assertions,omitempty"`
}

// ScenarioSet is the output of the generation stage. Fallback output has the
// same shape as genuine output and differs only in values and the flag.
type ScenarioSet struct {
	Scenarios      []Scenario `json:"scenarios"`
	Model          string     `json:"model,omitempty"`
	Fallback       bool       `json:"fallback"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
	GeneratedAt    time.Time  `json:"generated_at"`
}

// ScenarioResult records the outcome of executing one scenario.
type ScenarioResult struct {
	ScenarioID   string        `json:"scenario_id"`
	Name         string        `json:"name"`
	Passed       bool          `json:"passed"`
	StatusCode   int           `json:"status_code,omitempty"`
	Failure      string        `json:"failure,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// ResultSet is the output of the execution stage.
type ResultSet struct {
	Results    []ScenarioResult `json:"results"`
	Passed     int              `json:"passed"`
	Failed     int              `json:"failed"`
	ExecutedAt time.Time        `json:"executed_at"`
}

// Verdict classifies an evaluation outcome.
type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictFail         Verdict = "FAIL"
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

// RecommendationPriority orders evaluation recommendations.
type RecommendationPriority string

const (
	PriorityImmediate RecommendationPriority = "IMMEDIATE"
	PriorityHigh      RecommendationPriority = "HIGH"
	PriorityMedium    RecommendationPriority = "MEDIUM"
	PriorityLow       RecommendationPriority = "LOW"
)

// Recommendation is one actionable finding from the evaluation stage.
type Recommendation struct {
	Priority RecommendationPriority `json:"priority"`
	Message  string                 `json:"message"`
}

// EvaluationReport is the output of the QA evaluation stage.
type EvaluationReport struct {
	Verdict         Verdict          `json:"verdict"`
	Passed          int              `json:"passed"`
	Failed          int              `json:"failed"`
	Skipped         int              `json:"skipped"`
	Recommendations []Recommendation `json:"recommendations"`
	Summary         string           `json:"summary,omitempty"`
	Fallback        bool             `json:"fallback"`
	FallbackReason  string           `json:"fallback_reason,omitempty"`
	EvaluatedAt     time.Time        `json:"evaluated_at"`
}

// CoverageGap names an untested area of the spec.
type CoverageGap struct {
	Area   string `json:"area"`
	Detail string `json:"detail,omitempty"`
}

// CoverageReport is the output of coverage analysis.
type CoverageReport struct {
	EndpointCoverage float64       `json:"endpoint_coverage"`
	MethodCoverage   float64       `json:"method_coverage"`
	Gaps             []CoverageGap `json:"gaps"`
	Fallback         bool          `json:"fallback"`
	FallbackReason   string        `json:"fallback_reason,omitempty"`
}
