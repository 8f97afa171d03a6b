// Package generation produces test scenarios from a fetched OpenAPI spec
// by prompting the AI completion provider through the resilience gateway.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/ai"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/resilience"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// Service generates scenario sets for packages.
type Service struct {
	gateway *resilience.Gateway
	client  ai.CompletionClient
	model   string
	log     *logger.Logger
}

// New constructs a generation service. All AI traffic flows through the
// provided gateway.
func New(gateway *resilience.Gateway, client ai.CompletionClient, model string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("generation")
	}
	return &Service{gateway: gateway, client: client, model: model, log: log}
}

// Generate returns the scenario set for the package. The second return
// value reports whether the set is a degraded fallback. Generate never
// returns a downstream error: degradation is a recorded outcome.
func (s *Service) Generate(ctx context.Context, pkg qapackage.QaPackage) (qapackage.ScenarioSet, bool) {
	prompt := s.buildPrompt(pkg)

	out := s.gateway.Invoke(ctx, resilience.IntentScenarioGeneration, func(ctx context.Context) (interface{}, error) {
		text, err := s.client.Complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		set, err := parseScenarioSet(text)
		if err != nil {
			// A completion we cannot parse is a provider-side defect;
			// retrying may get a usable one.
			return nil, resilience.ProviderRejected(err)
		}
		set.Model = s.model
		set.GeneratedAt = time.Now().UTC()
		return set, nil
	})

	set := out.Value.(qapackage.ScenarioSet)
	if out.Degraded {
		s.log.WithField("package_id", pkg.ID).
			WithField("cause", out.Cause.Error()).
			Warn("scenario generation degraded to fallback")
	} else {
		s.log.WithField("package_id", pkg.ID).
			WithField("scenarios", len(set.Scenarios)).
			Info("scenarios generated")
	}
	return set, out.Degraded
}

func (s *Service) buildPrompt(pkg qapackage.QaPackage) string {
	var b strings.Builder
	b.WriteString("You are an API QA engineer. Produce black-box test scenarios for the OpenAPI spec below.\n")
	b.WriteString("Respond with JSON only: {\"scenarios\":[{\"name\",\"description\",\"method\",\"path\",\"headers\",\"body\",\"expected_status\",\"assertions\"}]}.\n")
	b.WriteString("Assertions map gjson response paths to expected values; use \"*\" for presence checks.\n\n")
	if pkg.Requirements != "" {
		b.WriteString("Additional requirements:\n")
		b.WriteString(pkg.Requirements)
		b.WriteString("\n\n")
	}
	b.WriteString("OpenAPI spec:\n")
	b.WriteString(pkg.SpecContent)
	return b.String()
}

// parseScenarioSet extracts the scenario list from a completion. Providers
// wrap JSON in prose or markdown fences often enough that we locate the
// JSON payload first instead of unmarshalling the raw text.
func parseScenarioSet(text string) (qapackage.ScenarioSet, error) {
	payload := extractJSON(text)
	if payload == "" {
		return qapackage.ScenarioSet{}, fmt.Errorf("completion contains no JSON payload")
	}

	raw := gjson.Get(payload, "scenarios")
	if !raw.Exists() || !raw.IsArray() {
		return qapackage.ScenarioSet{}, fmt.Errorf("completion JSON has no scenarios array")
	}

	var scenarios []qapackage.Scenario
	if err := json.Unmarshal([]byte(raw.Raw), &scenarios); err != nil {
		return qapackage.ScenarioSet{}, fmt.Errorf("decode scenarios: %w", err)
	}

	for i := range scenarios {
		if scenarios[i].ID == "" {
			scenarios[i].ID = uuid.NewString()
		}
		scenarios[i].Method = strings.ToUpper(strings.TrimSpace(scenarios[i].Method))
		if scenarios[i].Method == "" || scenarios[i].Path == "" {
			return qapackage.ScenarioSet{}, fmt.Errorf("scenario %d is missing method or path", i)
		}
		if !strings.HasPrefix(scenarios[i].Path, "/") {
			scenarios[i].Path = "/" + scenarios[i].Path
		}
		if scenarios[i].ExpectedStatus == 0 {
			scenarios[i].ExpectedStatus = 200
		}
	}

	return qapackage.ScenarioSet{Scenarios: scenarios}, nil
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
