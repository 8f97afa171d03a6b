package resilience

import (
	"strings"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
)

// ContentGenerator is the default fallback provider. It is a pure function
// of (intent, cause): every payload it produces has the same shape as a
// genuine success payload for that intent, with the Fallback flag set, so
// persistence and the API can treat degraded and real results uniformly.
type ContentGenerator struct{}

var _ FallbackProvider = ContentGenerator{}

// Generate dispatches on the intent classification.
func (ContentGenerator) Generate(intent Intent, cause error) interface{} {
	reason := "downstream dependency unavailable"
	if cause != nil {
		reason = cause.Error()
	}

	switch classifyIntent(intent) {
	case IntentScenarioGeneration:
		return qapackage.ScenarioSet{
			Scenarios:      []qapackage.Scenario{},
			Fallback:       true,
			FallbackReason: reason,
			GeneratedAt:    time.Now().UTC(),
		}

	case IntentEvaluation:
		return qapackage.EvaluationReport{
			Verdict: qapackage.VerdictInconclusive,
			Recommendations: []qapackage.Recommendation{
				{
					Priority: qapackage.PriorityImmediate,
					Message:  "evaluation could not run (" + reason + "); re-queue the package once the provider recovers",
				},
			},
			Fallback:       true,
			FallbackReason: reason,
			EvaluatedAt:    time.Now().UTC(),
		}

	case IntentCoverageAnalysis:
		return qapackage.CoverageReport{
			Gaps: []qapackage.CoverageGap{
				{Area: "all", Detail: "coverage analysis unavailable: " + reason},
			},
			Fallback:       true,
			FallbackReason: reason,
		}

	default:
		return GenericFallback{
			Intent:   string(intent),
			Fallback: true,
			Reason:   reason,
		}
	}
}

// GenericFallback is the envelope returned for unclassified intents.
type GenericFallback struct {
	Intent   string `json:"intent"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason"`
}

// classifyIntent maps an intent tag to one of the known categories.
// Exact matches on the defined constants win; keyword matching covers
// caller-defined variants like "evaluation-retry".
func classifyIntent(intent Intent) Intent {
	switch intent {
	case IntentScenarioGeneration, IntentEvaluation, IntentCoverageAnalysis:
		return intent
	}
	tag := strings.ToLower(string(intent))
	switch {
	case strings.Contains(tag, "scenario") || strings.Contains(tag, "generation"):
		return IntentScenarioGeneration
	case strings.Contains(tag, "coverage"):
		return IntentCoverageAnalysis
	case strings.Contains(tag, "eval"):
		return IntentEvaluation
	}
	return ""
}
