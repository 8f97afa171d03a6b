// Package orchestrator drives QA packages through their lifecycle, one
// stage per Advance call. Per-package claims serialize stage execution;
// every stage commits exactly one status transition through the store's
// compare-and-swap, so racing writers surface as conflicts instead of
// silent overwrites.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/events"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/metrics"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/execution"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/specfetch"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// Generator produces scenario sets. The bool reports degradation.
type Generator interface {
	Generate(ctx context.Context, pkg qapackage.QaPackage) (qapackage.ScenarioSet, bool)
}

// Evaluator produces QA reports and coverage analysis. The bools report
// degradation.
type Evaluator interface {
	Evaluate(ctx context.Context, pkg qapackage.QaPackage) (qapackage.EvaluationReport, bool)
	AnalyzeCoverage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.CoverageReport, bool)
}

// Service advances packages through their lifecycle.
type Service struct {
	store     storage.PackageStore
	claims    Claims
	fetcher   specfetch.Fetcher
	generator Generator
	evaluator Evaluator
	engine    execution.Engine
	events    events.Logger
	log       *logger.Logger

	mu        sync.Mutex
	cancelled map[string]struct{}
}

// New constructs the orchestrator. All collaborators are required except
// log, which defaults.
func New(
	store storage.PackageStore,
	claims Claims,
	fetcher specfetch.Fetcher,
	generator Generator,
	evaluator Evaluator,
	engine execution.Engine,
	eventLog events.Logger,
	log *logger.Logger,
) *Service {
	if eventLog == nil {
		eventLog = events.NoOpLogger{}
	}
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}
	return &Service{
		store:     store,
		claims:    claims,
		fetcher:   fetcher,
		generator: generator,
		evaluator: evaluator,
		engine:    engine,
		events:    eventLog,
		log:       log,
		cancelled: make(map[string]struct{}),
	}
}

// RunnableStatuses lists the statuses the scheduler will advance.
var RunnableStatuses = []qapackage.Status{
	qapackage.StatusRequested,
	qapackage.StatusSpecFetched,
	qapackage.StatusAISuccess,
	qapackage.StatusExecutionInProgress,
	qapackage.StatusExecutionComplete,
	qapackage.StatusQAEvalInProgress,
	qapackage.StatusQAEvalDone,
}

// Advance runs exactly one lifecycle stage for the package and commits its
// transition. Calling Advance on a terminal package is a no-op. Concurrent
// calls for the same id are rejected with ErrStageInFlight.
func (s *Service) Advance(ctx context.Context, packageID string) (qapackage.QaPackage, error) {
	release, err := s.claims.Acquire(ctx, packageID)
	if err != nil {
		if err == ErrStageInFlight {
			metrics.ObserveClaimRejection()
			s.events.Log(events.Event{
				Type:      events.EventClaimRejected,
				Severity:  events.SeverityWarning,
				PackageID: packageID,
			})
		}
		return qapackage.QaPackage{}, err
	}
	defer release()

	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return qapackage.QaPackage{}, err
	}
	if pkg.Status.IsTerminal() {
		return pkg, nil
	}
	if s.takeCancel(packageID) {
		return s.commit(ctx, pkg, qapackage.StatusCancelled, "cancel requested")
	}

	stage := string(pkg.Status)
	start := time.Now()
	s.events.Log(events.Event{
		Type:      events.EventStageStarted,
		PackageID: pkg.ID,
		Stage:     stage,
	})

	next, err := s.runStage(ctx, pkg)
	metrics.ObserveStage(stage, time.Since(start))
	if err != nil {
		s.events.Log(events.Event{
			Type:      events.EventStageFailed,
			Severity:  events.SeverityError,
			PackageID: pkg.ID,
			Stage:     stage,
			Error:     err.Error(),
		})
		return next, err
	}

	s.events.Log(events.Event{
		Type:      events.EventStageComplete,
		PackageID: pkg.ID,
		Stage:     stage,
		To:        string(next.Status),
	})
	return next, nil
}

// runStage dispatches on the current status. Each branch ends in exactly
// one commit (or, for a deferred evaluation, none).
func (s *Service) runStage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	switch pkg.Status {
	case qapackage.StatusRequested:
		return s.fetchSpec(ctx, pkg)
	case qapackage.StatusSpecFetched:
		return s.generateScenarios(ctx, pkg)
	case qapackage.StatusAISuccess:
		return s.beginExecution(ctx, pkg)
	case qapackage.StatusExecutionInProgress:
		return s.runScenarios(ctx, pkg)
	case qapackage.StatusExecutionComplete:
		return s.beginEvaluation(ctx, pkg)
	case qapackage.StatusQAEvalInProgress:
		return s.evaluate(ctx, pkg)
	case qapackage.StatusQAEvalDone:
		return s.commit(ctx, pkg, qapackage.StatusComplete, "")
	default:
		return pkg, fmt.Errorf("no stage defined for status %s", pkg.Status)
	}
}

func (s *Service) fetchSpec(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	res, err := s.fetcher.Fetch(ctx, pkg.SpecURL)
	if err != nil {
		return s.commit(ctx, pkg, qapackage.StatusFailedSpecFetch, err.Error())
	}
	pkg.SetSpec(res.Content)
	return s.commit(ctx, pkg, qapackage.StatusSpecFetched, "")
}

// generateScenarios always lands on AI_SUCCESS: a degraded generation is a
// recorded outcome carrying the fallback-flagged set, not a failure.
func (s *Service) generateScenarios(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	set, degraded := s.generator.Generate(ctx, pkg)
	pkg.Scenarios = &set
	if degraded {
		s.events.Log(events.Event{
			Type:      events.EventStageDegraded,
			Severity:  events.SeverityWarning,
			PackageID: pkg.ID,
			Stage:     string(qapackage.StatusSpecFetched),
			Message:   set.FallbackReason,
		})
	}
	return s.commit(ctx, pkg, qapackage.StatusAISuccess, "")
}

func (s *Service) beginExecution(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	if !pkg.Config.RunExecution {
		return s.commit(ctx, pkg, qapackage.StatusFailedExecution, "execution disabled by package config")
	}
	if pkg.Scenarios == nil || len(pkg.Scenarios.Scenarios) == 0 {
		reason := "no scenarios to execute"
		if pkg.Scenarios != nil && pkg.Scenarios.Fallback {
			reason = "no scenarios to execute: generation was degraded (" + pkg.Scenarios.FallbackReason + ")"
		}
		return s.commit(ctx, pkg, qapackage.StatusFailedExecution, reason)
	}
	return s.commit(ctx, pkg, qapackage.StatusExecutionInProgress, "")
}

func (s *Service) runScenarios(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	if pkg.Scenarios == nil {
		return s.commit(ctx, pkg, qapackage.StatusFailedExecution, "scenario set missing")
	}
	results, err := s.engine.Run(ctx, *pkg.Scenarios, pkg.TargetBaseURL)
	if err != nil {
		return s.commit(ctx, pkg, qapackage.StatusFailedExecution, err.Error())
	}
	pkg.Results = &results
	return s.commit(ctx, pkg, qapackage.StatusExecutionComplete, "")
}

func (s *Service) beginEvaluation(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	if !pkg.Config.RunEvaluation {
		return s.commit(ctx, pkg, qapackage.StatusComplete, "")
	}
	return s.commit(ctx, pkg, qapackage.StatusQAEvalInProgress, "")
}

// evaluate runs the AI evaluation and coverage analysis. A degraded
// evaluation either advances with the INCONCLUSIVE fallback report or, when
// the package's policy forbids it, leaves the package in place for a later
// re-queue without committing anything.
func (s *Service) evaluate(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	report, degraded := s.evaluator.Evaluate(ctx, pkg)
	if degraded && !pkg.Config.AdvanceOnDegradedEvaluation {
		s.events.Log(events.Event{
			Type:      events.EventStageDegraded,
			Severity:  events.SeverityWarning,
			PackageID: pkg.ID,
			Stage:     string(qapackage.StatusQAEvalInProgress),
			Message:   "evaluation degraded; holding package for re-queue",
		})
		return pkg, nil
	}

	pkg.Summary = &report
	coverage, covDegraded := s.evaluator.AnalyzeCoverage(ctx, pkg)
	pkg.Coverage = &coverage

	if degraded || covDegraded {
		s.events.Log(events.Event{
			Type:      events.EventStageDegraded,
			Severity:  events.SeverityWarning,
			PackageID: pkg.ID,
			Stage:     string(qapackage.StatusQAEvalInProgress),
			Message:   report.FallbackReason,
		})
	}
	return s.commit(ctx, pkg, qapackage.StatusQAEvalDone, "")
}

// commit applies the single status transition for this stage and persists it
// with compare-and-swap on the status the stage started from. A cancellation
// that arrived while the stage was running wins here: the stage's result is
// discarded and the package is cancelled instead.
func (s *Service) commit(ctx context.Context, pkg qapackage.QaPackage, target qapackage.Status, reason string) (qapackage.QaPackage, error) {
	if target != qapackage.StatusCancelled && s.takeCancel(pkg.ID) {
		stored, err := s.store.GetPackage(ctx, pkg.ID)
		if err != nil {
			return pkg, err
		}
		return s.apply(ctx, stored, qapackage.StatusCancelled, "cancel requested")
	}
	return s.apply(ctx, pkg, target, reason)
}

func (s *Service) apply(ctx context.Context, pkg qapackage.QaPackage, target qapackage.Status, reason string) (qapackage.QaPackage, error) {
	from := pkg.Status
	pkg.StatusReason = reason

	next, err := qapackage.Transition(pkg, target)
	if err != nil {
		return pkg, err
	}

	saved, err := s.store.SavePackageCAS(ctx, next, from)
	if err != nil {
		return pkg, fmt.Errorf("persist %s -> %s: %w", from, target, err)
	}

	metrics.ObserveTransition(string(from), string(target))
	s.events.Log(events.Event{
		Type:      events.EventTransitionApplied,
		PackageID: saved.ID,
		From:      string(from),
		To:        string(target),
		Message:   reason,
	})
	s.log.WithField("package_id", saved.ID).
		WithField("from", string(from)).
		WithField("to", string(target)).
		Info("transition applied")
	return saved, nil
}

// Cancel records a cancellation request. When no stage is in flight the
// package is cancelled immediately; otherwise the running stage finishes,
// its result is discarded, and the next Advance applies the cancellation at
// the stage boundary.
func (s *Service) Cancel(ctx context.Context, packageID string) (qapackage.QaPackage, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return qapackage.QaPackage{}, err
	}
	if pkg.Status.IsTerminal() {
		return pkg, qapackage.TransitionError{From: pkg.Status, To: qapackage.StatusCancelled}
	}

	s.mu.Lock()
	s.cancelled[packageID] = struct{}{}
	s.mu.Unlock()

	s.events.Log(events.Event{
		Type:      events.EventCancelRequested,
		PackageID: packageID,
	})

	release, err := s.claims.Acquire(ctx, packageID)
	if err != nil {
		// A stage is running; the boundary check will pick the request up.
		return pkg, nil
	}
	defer release()

	pkg, err = s.store.GetPackage(ctx, packageID)
	if err != nil {
		return qapackage.QaPackage{}, err
	}
	if pkg.Status.IsTerminal() {
		return pkg, nil
	}
	if !s.takeCancel(packageID) {
		return pkg, nil
	}
	return s.commit(ctx, pkg, qapackage.StatusCancelled, "cancel requested")
}

// takeCancel consumes a pending cancellation request for the id.
func (s *Service) takeCancel(packageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancelled[packageID]; !ok {
		return false
	}
	delete(s.cancelled, packageID)
	return true
}

// AdvanceRunnable advances every non-terminal package by one stage. Claim
// rejections are skipped silently: another worker is already on it.
func (s *Service) AdvanceRunnable(ctx context.Context) {
	pkgs, err := s.store.ListPackagesByStatus(ctx, RunnableStatuses...)
	if err != nil {
		s.log.WithError(err).Error("list runnable packages")
		return
	}
	for _, pkg := range pkgs {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Advance(ctx, pkg.ID); err != nil && err != ErrStageInFlight {
			s.log.WithField("package_id", pkg.ID).
				WithError(err).
				Error("advance failed")
		}
	}
}
