// Package evaluation turns executed scenario results into an AI-written QA
// report and coverage analysis, routed through the resilience gateway.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/ai"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/resilience"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// Service evaluates executed packages.
type Service struct {
	gateway *resilience.Gateway
	client  ai.CompletionClient
	log     *logger.Logger
}

// New constructs an evaluation service.
func New(gateway *resilience.Gateway, client ai.CompletionClient, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("evaluation")
	}
	return &Service{gateway: gateway, client: client, log: log}
}

// Evaluate returns the QA report for the package's results. The second
// return value reports whether the report is a degraded fallback.
func (s *Service) Evaluate(ctx context.Context, pkg qapackage.QaPackage) (qapackage.EvaluationReport, bool) {
	prompt := s.evaluationPrompt(pkg)

	out := s.gateway.Invoke(ctx, resilience.IntentEvaluation, func(ctx context.Context) (interface{}, error) {
		text, err := s.client.Complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		report, err := parseEvaluation(text)
		if err != nil {
			return nil, resilience.ProviderRejected(err)
		}
		report.EvaluatedAt = time.Now().UTC()
		return report, nil
	})

	report := out.Value.(qapackage.EvaluationReport)
	if out.Degraded {
		s.log.WithField("package_id", pkg.ID).
			WithField("cause", out.Cause.Error()).
			Warn("evaluation degraded to fallback")
	}
	return report, out.Degraded
}

// AnalyzeCoverage returns the coverage report for the package, degraded
// when the provider is unavailable.
func (s *Service) AnalyzeCoverage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.CoverageReport, bool) {
	prompt := s.coveragePrompt(pkg)

	out := s.gateway.Invoke(ctx, resilience.IntentCoverageAnalysis, func(ctx context.Context) (interface{}, error) {
		text, err := s.client.Complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		cov, err := parseCoverage(text)
		if err != nil {
			return nil, resilience.ProviderRejected(err)
		}
		return cov, nil
	})

	cov := out.Value.(qapackage.CoverageReport)
	if out.Degraded {
		s.log.WithField("package_id", pkg.ID).
			WithField("cause", out.Cause.Error()).
			Warn("coverage analysis degraded to fallback")
	}
	return cov, out.Degraded
}

func (s *Service) evaluationPrompt(pkg qapackage.QaPackage) string {
	results, _ := json.Marshal(pkg.Results)
	var b strings.Builder
	b.WriteString("You are a QA lead reviewing API test results. Respond with JSON only:\n")
	b.WriteString(`{"verdict":"PASS|FAIL|INCONCLUSIVE","passed":0,"failed":0,"skipped":0,"summary":"...",`)
	b.WriteString(`"recommendations":[{"priority":"IMMEDIATE|HIGH|MEDIUM|LOW","message":"..."}]}`)
	b.WriteString("\n\nTest results:\n")
	b.Write(results)
	return b.String()
}

func (s *Service) coveragePrompt(pkg qapackage.QaPackage) string {
	var b strings.Builder
	b.WriteString("Given the OpenAPI spec and the executed scenarios, estimate coverage. Respond with JSON only:\n")
	b.WriteString(`{"endpoint_coverage":0.0,"method_coverage":0.0,"gaps":[{"area":"...","detail":"..."}]}`)
	b.WriteString("\n\nSpec:\n")
	b.WriteString(pkg.SpecContent)
	if pkg.Scenarios != nil {
		raw, _ := json.Marshal(pkg.Scenarios.Scenarios)
		b.WriteString("\n\nScenarios:\n")
		b.Write(raw)
	}
	return b.String()
}

func parseEvaluation(text string) (qapackage.EvaluationReport, error) {
	payload := extractJSON(text)
	if payload == "" {
		return qapackage.EvaluationReport{}, fmt.Errorf("completion contains no JSON payload")
	}

	var report qapackage.EvaluationReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return qapackage.EvaluationReport{}, fmt.Errorf("decode evaluation: %w", err)
	}
	switch report.Verdict {
	case qapackage.VerdictPass, qapackage.VerdictFail, qapackage.VerdictInconclusive:
	default:
		return qapackage.EvaluationReport{}, fmt.Errorf("unknown verdict %q", report.Verdict)
	}
	if report.Recommendations == nil {
		report.Recommendations = []qapackage.Recommendation{}
	}
	return report, nil
}

func parseCoverage(text string) (qapackage.CoverageReport, error) {
	payload := extractJSON(text)
	if payload == "" {
		return qapackage.CoverageReport{}, fmt.Errorf("completion contains no JSON payload")
	}

	var cov qapackage.CoverageReport
	if err := json.Unmarshal([]byte(payload), &cov); err != nil {
		return qapackage.CoverageReport{}, fmt.Errorf("decode coverage: %w", err)
	}
	if cov.EndpointCoverage < 0 || cov.EndpointCoverage > 100 {
		return qapackage.CoverageReport{}, fmt.Errorf("endpoint coverage %v out of range", cov.EndpointCoverage)
	}
	if cov.Gaps == nil {
		cov.Gaps = []qapackage.CoverageGap{}
	}
	return cov, nil
}

// extractJSON returns the first balanced top-level JSON object in text,
// tolerating markdown fences around it.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
