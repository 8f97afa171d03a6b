package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/events"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage/memory"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/execution"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/specfetch"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

type fakeFetcher struct {
	content string
	err     error
	block   chan struct{} // when non-nil, Fetch waits until closed
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (specfetch.Result, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return specfetch.Result{}, f.err
	}
	return specfetch.Result{Content: f.content, Hash: qapackage.HashSpec(f.content)}, nil
}

type fakeGenerator struct {
	set      qapackage.ScenarioSet
	degraded bool
}

func (f *fakeGenerator) Generate(ctx context.Context, pkg qapackage.QaPackage) (qapackage.ScenarioSet, bool) {
	return f.set, f.degraded
}

type fakeEvaluator struct {
	report      qapackage.EvaluationReport
	evalDegrade bool
	coverage    qapackage.CoverageReport
	covDegrade  bool
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, pkg qapackage.QaPackage) (qapackage.EvaluationReport, bool) {
	return f.report, f.evalDegrade
}

func (f *fakeEvaluator) AnalyzeCoverage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.CoverageReport, bool) {
	return f.coverage, f.covDegrade
}

type fakeEngine struct {
	results qapackage.ResultSet
	err     error
}

func (f *fakeEngine) Run(ctx context.Context, set qapackage.ScenarioSet, baseURL string) (qapackage.ResultSet, error) {
	if f.err != nil {
		return qapackage.ResultSet{}, f.err
	}
	return f.results, nil
}

var _ execution.Engine = (*fakeEngine)(nil)

type testHarness struct {
	store     *memory.Store
	fetcher   *fakeFetcher
	generator *fakeGenerator
	evaluator *fakeEvaluator
	engine    *fakeEngine
	events    *events.MemoryLogger
	svc       *Service
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:     memory.New(),
		fetcher:   &fakeFetcher{content: `{"openapi":"3.0.0"}`},
		generator: &fakeGenerator{set: oneScenarioSet()},
		evaluator: &fakeEvaluator{report: qapackage.EvaluationReport{Verdict: qapackage.VerdictPass}},
		engine:    &fakeEngine{results: qapackage.ResultSet{Passed: 1}},
		events:    events.NewMemoryLogger(100),
	}
	h.svc = New(h.store, NewMemoryClaims(), h.fetcher, h.generator, h.evaluator, h.engine, h.events, logger.Discard())
	return h
}

func oneScenarioSet() qapackage.ScenarioSet {
	return qapackage.ScenarioSet{
		Scenarios: []qapackage.Scenario{
			{ID: "s1", Name: "ping", Method: "GET", Path: "/ping", ExpectedStatus: 200},
		},
	}
}

func (h *testHarness) createPackage(t *testing.T) qapackage.QaPackage {
	t.Helper()
	pkg, err := h.store.CreatePackage(context.Background(), qapackage.QaPackage{
		Name:          "demo",
		SpecURL:       "http://specs.local/openapi.json",
		TargetBaseURL: "http://target.local",
		Status:        qapackage.StatusRequested,
		Config:        qapackage.DefaultConfig(),
		Attempt:       1,
	})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	return pkg
}

// advanceTo drives the package until it reaches want or stops moving.
func (h *testHarness) advanceTo(t *testing.T, id string, want qapackage.Status) qapackage.QaPackage {
	t.Helper()
	var pkg qapackage.QaPackage
	for i := 0; i < 10; i++ {
		var err error
		pkg, err = h.svc.Advance(context.Background(), id)
		if err != nil {
			t.Fatalf("advance from step %d: %v", i, err)
		}
		if pkg.Status == want || pkg.Status.IsTerminal() {
			return pkg
		}
	}
	t.Fatalf("package never reached %s, stuck at %s", want, pkg.Status)
	return pkg
}

func TestAdvance_HappyPathToComplete(t *testing.T) {
	h := newHarness(t)
	pkg := h.createPackage(t)

	expected := []qapackage.Status{
		qapackage.StatusSpecFetched,
		qapackage.StatusAISuccess,
		qapackage.StatusExecutionInProgress,
		qapackage.StatusExecutionComplete,
		qapackage.StatusQAEvalInProgress,
		qapackage.StatusQAEvalDone,
		qapackage.StatusComplete,
	}
	for _, want := range expected {
		got, err := h.svc.Advance(context.Background(), pkg.ID)
		if err != nil {
			t.Fatalf("advance to %s: %v", want, err)
		}
		if got.Status != want {
			t.Fatalf("expected %s, got %s", want, got.Status)
		}
	}

	final, _ := h.store.GetPackage(context.Background(), pkg.ID)
	if final.SpecHash == "" || final.Scenarios == nil || final.Results == nil || final.Summary == nil || final.Coverage == nil {
		t.Fatalf("completed package missing stage outputs: %+v", final)
	}
	if final.CompletedAt.IsZero() {
		t.Fatalf("CompletedAt not stamped on COMPLETE")
	}
}

func TestAdvance_TerminalPackageIsNoOp(t *testing.T) {
	h := newHarness(t)
	pkg := h.createPackage(t)
	h.advanceTo(t, pkg.ID, qapackage.StatusComplete)

	got, err := h.svc.Advance(context.Background(), pkg.ID)
	if err != nil {
		t.Fatalf("advance on terminal package: %v", err)
	}
	if got.Status != qapackage.StatusComplete {
		t.Fatalf("terminal package moved to %s", got.Status)
	}
}

func TestAdvance_SpecFetchFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("spec source returned status 502")
	pkg := h.createPackage(t)

	got, err := h.svc.Advance(context.Background(), pkg.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != qapackage.StatusFailedSpecFetch {
		t.Fatalf("expected FAILED_SPEC_FETCH, got %s", got.Status)
	}
	if got.StatusReason == "" {
		t.Fatalf("failure reason not recorded")
	}
}

func TestAdvance_DegradedGenerationStillReachesAISuccess(t *testing.T) {
	h := newHarness(t)
	h.generator.set = qapackage.ScenarioSet{Fallback: true, FallbackReason: "provider unavailable"}
	h.generator.degraded = true
	pkg := h.createPackage(t)

	got := h.advanceTo(t, pkg.ID, qapackage.StatusAISuccess)
	if got.Status != qapackage.StatusAISuccess {
		t.Fatalf("degraded generation must land on AI_SUCCESS, got %s", got.Status)
	}
	if got.Scenarios == nil || !got.Scenarios.Fallback {
		t.Fatalf("fallback set not recorded: %+v", got.Scenarios)
	}

	// The empty fallback set cannot be executed.
	got, err := h.svc.Advance(context.Background(), pkg.ID)
	if err != nil {
		t.Fatalf("advance past AI_SUCCESS: %v", err)
	}
	if got.Status != qapackage.StatusFailedExecution {
		t.Fatalf("expected FAILED_EXECUTION for empty set, got %s", got.Status)
	}
}

func TestAdvance_ExecutionDisabledByConfig(t *testing.T) {
	h := newHarness(t)
	pkg := h.createPackage(t)
	pkg.Config.RunExecution = false
	if _, err := h.store.UpdatePackage(context.Background(), pkg); err != nil {
		t.Fatalf("update config: %v", err)
	}

	got := h.advanceTo(t, pkg.ID, qapackage.StatusFailedExecution)
	if got.Status != qapackage.StatusFailedExecution {
		t.Fatalf("expected FAILED_EXECUTION, got %s", got.Status)
	}
}

func TestAdvance_EvaluationDisabledSkipsToComplete(t *testing.T) {
	h := newHarness(t)
	pkg := h.createPackage(t)
	pkg.Config.RunEvaluation = false
	if _, err := h.store.UpdatePackage(context.Background(), pkg); err != nil {
		t.Fatalf("update config: %v", err)
	}

	got := h.advanceTo(t, pkg.ID, qapackage.StatusComplete)
	if got.Status != qapackage.StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", got.Status)
	}
	if got.Summary != nil {
		t.Fatalf("evaluation ran despite being disabled")
	}
}

func TestAdvance_DegradedEvaluationAdvancesWhenAllowed(t *testing.T) {
	h := newHarness(t)
	h.evaluator.report = qapackage.EvaluationReport{
		Verdict:  qapackage.VerdictInconclusive,
		Fallback: true,
	}
	h.evaluator.evalDegrade = true
	pkg := h.createPackage(t)

	got := h.advanceTo(t, pkg.ID, qapackage.StatusQAEvalDone)
	if got.Status != qapackage.StatusQAEvalDone {
		t.Fatalf("expected QA_EVAL_DONE, got %s", got.Status)
	}
	if got.Summary == nil || got.Summary.Verdict != qapackage.VerdictInconclusive {
		t.Fatalf("fallback report not recorded: %+v", got.Summary)
	}
}

func TestAdvance_DegradedEvaluationHeldWhenForbidden(t *testing.T) {
	h := newHarness(t)
	h.evaluator.evalDegrade = true
	pkg := h.createPackage(t)
	pkg.Config.AdvanceOnDegradedEvaluation = false
	if _, err := h.store.UpdatePackage(context.Background(), pkg); err != nil {
		t.Fatalf("update config: %v", err)
	}

	got := h.advanceTo(t, pkg.ID, qapackage.StatusQAEvalInProgress)
	if got.Status != qapackage.StatusQAEvalInProgress {
		t.Fatalf("expected QA_EVAL_IN_PROGRESS, got %s", got.Status)
	}

	// The stage runs again and again without committing.
	got, err := h.svc.Advance(context.Background(), pkg.ID)
	if err != nil {
		t.Fatalf("advance held package: %v", err)
	}
	if got.Status != qapackage.StatusQAEvalInProgress || got.Summary != nil {
		t.Fatalf("held package must not advance or record a summary: %+v", got)
	}
}

func TestAdvance_ConcurrentCallsSerialized(t *testing.T) {
	h := newHarness(t)
	h.fetcher.block = make(chan struct{})
	pkg := h.createPackage(t)

	started := make(chan struct{})
	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, firstErr = h.svc.Advance(context.Background(), pkg.ID)
	}()

	<-started
	time.Sleep(20 * time.Millisecond) // let the first call take the claim

	_, err := h.svc.Advance(context.Background(), pkg.ID)
	if err != ErrStageInFlight {
		t.Fatalf("expected ErrStageInFlight, got %v", err)
	}

	close(h.fetcher.block)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first advance failed: %v", firstErr)
	}

	got, _ := h.store.GetPackage(context.Background(), pkg.ID)
	if got.Status != qapackage.StatusSpecFetched {
		t.Fatalf("exactly one stage should have run, status %s", got.Status)
	}
}

func TestCancel_IdlePackageCancelsImmediately(t *testing.T) {
	h := newHarness(t)
	pkg := h.createPackage(t)

	got, err := h.svc.Cancel(context.Background(), pkg.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != qapackage.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatalf("CompletedAt not stamped on cancel")
	}
}

func TestCancel_AppliedAtStageBoundaryWhenInFlight(t *testing.T) {
	h := newHarness(t)
	h.fetcher.block = make(chan struct{})
	pkg := h.createPackage(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.svc.Advance(context.Background(), pkg.ID)
	}()
	time.Sleep(20 * time.Millisecond)

	got, err := h.svc.Cancel(context.Background(), pkg.ID)
	if err != nil {
		t.Fatalf("cancel during in-flight stage: %v", err)
	}
	if got.Status.IsTerminal() {
		t.Fatalf("cancel must not preempt the running stage")
	}

	close(h.fetcher.block)
	wg.Wait()

	// The running stage finished, but its result was discarded at the
	// commit boundary in favor of the pending cancellation.
	got, err = h.store.GetPackage(context.Background(), pkg.ID)
	if err != nil {
		t.Fatalf("get after cancel: %v", err)
	}
	if got.Status != qapackage.StatusCancelled {
		t.Fatalf("expected CANCELLED at stage boundary, got %s", got.Status)
	}
	if got.SpecContent != "" || got.SpecHash != "" {
		t.Fatalf("mid-flight stage result must be discarded, got spec %q", got.SpecHash)
	}
}

func TestCancel_TerminalPackageRejected(t *testing.T) {
	h := newHarness(t)
	pkg := h.createPackage(t)
	h.advanceTo(t, pkg.ID, qapackage.StatusComplete)

	_, err := h.svc.Cancel(context.Background(), pkg.ID)
	var te qapackage.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestAdvanceRunnable_SweepsAllNonTerminal(t *testing.T) {
	h := newHarness(t)
	a := h.createPackage(t)
	b := h.createPackage(t)
	done := h.createPackage(t)
	h.advanceTo(t, done.ID, qapackage.StatusComplete)

	h.svc.AdvanceRunnable(context.Background())

	for _, id := range []string{a.ID, b.ID} {
		got, _ := h.store.GetPackage(context.Background(), id)
		if got.Status != qapackage.StatusSpecFetched {
			t.Fatalf("package %s not advanced, status %s", id, got.Status)
		}
	}
}

func TestMemoryClaims_AcquireRejectsHeldID(t *testing.T) {
	claims := NewMemoryClaims()
	release, err := claims.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := claims.Acquire(context.Background(), "p1"); err != ErrStageInFlight {
		t.Fatalf("expected ErrStageInFlight, got %v", err)
	}
	if _, err := claims.Acquire(context.Background(), "p2"); err != nil {
		t.Fatalf("unrelated id must not be blocked: %v", err)
	}
	release()
	if _, err := claims.Acquire(context.Background(), "p1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestEvents_RecordTransitions(t *testing.T) {
	h := newHarness(t)
	pkg := h.createPackage(t)
	h.advanceTo(t, pkg.ID, qapackage.StatusComplete)

	var transitions int
	for _, e := range h.events.ForPackage(pkg.ID) {
		if e.Type == events.EventTransitionApplied {
			transitions++
		}
	}
	if transitions != 7 {
		t.Fatalf("expected 7 transition events, got %d", transitions)
	}
}
