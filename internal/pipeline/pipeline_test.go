package pipeline

import (
	"context"
	"errors"
	"testing"

	"smelter/internal/analysis"
	"smelter/internal/config"
	"smelter/internal/logging"
	"smelter/internal/refactor"
	"smelter/internal/reports"
	"smelter/internal/scanner"
	"smelter/internal/services"
	"smelter/internal/services/gemini"
	"smelter/internal/state"
	"smelter/internal/submission"
	"smelter/internal/testsupport"
)

type fakeScanner struct {
	candidates    []scanner.Candidate
	content       map[string]string
	discoverCalls int
}

func (f *fakeScanner) Discover(context.Context) ([]scanner.Candidate, error) {
	f.discoverCalls++
	return f.candidates, nil
}

func (f *fakeScanner) ReadFile(rel string) ([]byte, error) {
	content, ok := f.content[rel]
	if !ok {
		return nil, errors.New("no such file")
	}
	return []byte(content), nil
}

type fakeDetector struct {
	reports map[string]analysis.Detection
	err     error
	calls   int
}

func (f *fakeDetector) Detect(_ context.Context, path, _ string) (analysis.Detection, error) {
	f.calls++
	if f.err != nil {
		return analysis.Detection{}, f.err
	}
	return f.reports[path], nil
}

type fakeRefactorer struct {
	result refactor.Result
	err    error
	calls  int
}

func (f *fakeRefactorer) Refactor(context.Context, gemini.RefactorRequest) (refactor.Result, error) {
	f.calls++
	if f.err != nil {
		return refactor.Result{}, f.err
	}
	return f.result, nil
}

type fakeSubmitter struct {
	outcome submission.Outcome
	errs    []error
	calls   int
}

func (f *fakeSubmitter) Submit(context.Context, submission.Request) (submission.Outcome, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return submission.Outcome{}, err
		}
	}
	return f.outcome, nil
}

type fakeReports struct {
	items []reports.ItemReport
	runs  []reports.RunReport
}

func (f *fakeReports) SaveItem(_ int, report reports.ItemReport) (string, error) {
	f.items = append(f.items, report)
	return "item.json", nil
}

func (f *fakeReports) SaveRun(report reports.RunReport) (string, error) {
	f.runs = append(f.runs, report)
	return "summary.json", nil
}

func smellyDetection() analysis.Detection {
	return analysis.Detection{
		Analyzer: analysis.AnalyzerGeminiFlash,
		Report: analysis.Report{
			HasSmells: true,
			Smells:    []analysis.Smell{{Type: "long_method", Severity: "high"}},
		},
	}
}

func cleanDetection() analysis.Detection {
	return analysis.Detection{Analyzer: analysis.AnalyzerGeminiFlash}
}

type fixture struct {
	cfg        *config.Config
	store      *state.Store
	scanner    *fakeScanner
	detector   *fakeDetector
	refactorer *fakeRefactorer
	submitter  *fakeSubmitter
	reports    *fakeReports
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	return &fixture{
		cfg:   cfg,
		store: store,
		scanner: &fakeScanner{
			candidates: []scanner.Candidate{
				{Path: "src/Smelly.java", Fingerprint: "fp-smelly"},
				{Path: "src/Clean.java", Fingerprint: "fp-clean"},
			},
			content: map[string]string{
				"src/Smelly.java": "class Smelly {}",
				"src/Clean.java":  "class Clean {}",
			},
		},
		detector: &fakeDetector{reports: map[string]analysis.Detection{
			"src/Smelly.java": smellyDetection(),
			"src/Clean.java":  cleanDetection(),
		}},
		refactorer: &fakeRefactorer{result: refactor.Result{
			Files: map[string]string{"src/Smelly.java": "class Smelly { /* tidy */ }\n"},
		}},
		submitter: &fakeSubmitter{outcome: submission.Outcome{
			Branch:   "bot/refactor-1-abcd1234",
			PRNumber: 7,
			PRURL:    "https://example.test/pull/7",
		}},
		reports: &fakeReports{},
	}
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(Options{
		Config:     f.cfg,
		Store:      f.store,
		Scanner:    f.scanner,
		Detector:   f.detector,
		Refactorer: f.refactorer,
		Submitter:  f.submitter,
		Reports:    f.reports,
		Logger:     logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	result, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.RunID != 1 || result.Resumed {
		t.Fatalf("result = %+v", result)
	}
	if result.Processed != 2 || result.Completed != 2 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.PRsCreated != 1 {
		t.Fatalf("prs created = %d, want 1", result.PRsCreated)
	}
	if f.refactorer.calls != 1 {
		t.Fatalf("refactor calls = %d, want 1 (clean file skips refactor)", f.refactorer.calls)
	}
	if f.scanner.discoverCalls != 1 {
		t.Fatalf("discover calls = %d, want 1 (related files reuse the scan)", f.scanner.discoverCalls)
	}

	st, _ := f.store.ItemState("src/Smelly.java")
	if st.Status != state.StatusCompleted {
		t.Fatalf("smelly status = %q", st.Status)
	}
	if sub := st.Submission(); sub == nil || sub.PRNumber != 7 {
		t.Fatalf("submission record = %+v", sub)
	}
	if len(f.reports.runs) != 1 || len(f.reports.items) != 2 {
		t.Fatalf("reports: runs=%d items=%d", len(f.reports.runs), len(f.reports.items))
	}

	summary := f.store.Summary()
	if summary.OpenRun {
		t.Fatal("run must be closed after a full pass")
	}
	if summary.Statistics.PRsCreated != 1 {
		t.Fatalf("stats prs = %d", summary.Statistics.PRsCreated)
	}
}

func TestRunRecordsPhaseFailure(t *testing.T) {
	f := newFixture(t)
	f.refactorer.err = services.NewError(services.KindUnavailable, "refactor", errors.New("model down"))

	result, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Failed != 1 || result.Completed != 1 {
		t.Fatalf("result = %+v", result)
	}

	// The first failure is retryable, so the item returns to pending with
	// the failure details recorded for the next attempt.
	st, _ := f.store.ItemState("src/Smelly.java")
	if st.Status != state.StatusPending || st.FailedPhase != state.PhaseRefactor {
		t.Fatalf("item = %+v", st)
	}
	if st.LastError == "" {
		t.Fatal("failure cause not recorded")
	}
}

func TestRunResumesAfterSubmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.submitter.errs = []error{services.NewError(services.KindUnavailable, "submit", errors.New("api down"))}

	first, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Failed != 1 {
		t.Fatalf("first = %+v", first)
	}

	second, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Completed != 1 || second.Failed != 0 {
		t.Fatalf("second = %+v", second)
	}

	// Detection completed in the first run, so the retry must not call
	// the detector again for either file.
	if f.detector.calls != 2 {
		t.Fatalf("detector calls = %d, want 2", f.detector.calls)
	}

	st, _ := f.store.ItemState("src/Smelly.java")
	if st.Status != state.StatusCompleted || st.Attempts != 2 {
		t.Fatalf("item = %+v", st)
	}
}

func TestRunSkipsCompletedItems(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipeline(t).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	second, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Processed != 0 || second.Skipped != 2 {
		t.Fatalf("second = %+v", second)
	}
	if second.RunID != 2 {
		t.Fatalf("run id = %d, want 2", second.RunID)
	}
}

func TestRunHonorsLimit(t *testing.T) {
	f := newFixture(t)
	p, err := New(Options{
		Config:     f.cfg,
		Store:      f.store,
		Scanner:    f.scanner,
		Detector:   f.detector,
		Refactorer: f.refactorer,
		Submitter:  f.submitter,
		Reports:    f.reports,
		Logger:     logging.NewNop(),
		Limit:      1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Discovered != 1 || result.Processed != 1 {
		t.Fatalf("result = %+v", result)
	}
}

// cancellingDetector cancels the run context from inside the model call,
// the way a signal lands while a request is in flight.
type cancellingDetector struct {
	cancel context.CancelFunc
}

func (d *cancellingDetector) Detect(ctx context.Context, _, _ string) (analysis.Detection, error) {
	d.cancel()
	return analysis.Detection{}, ctx.Err()
}

func TestRunInterruptMidPhaseRecordsNoFailure(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(Options{
		Config:     f.cfg,
		Store:      f.store,
		Scanner:    f.scanner,
		Detector:   &cancellingDetector{cancel: cancel},
		Refactorer: f.refactorer,
		Submitter:  f.submitter,
		Reports:    f.reports,
		Logger:     logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Interrupted {
		t.Fatal("mid-phase cancellation must report interruption")
	}
	if result.Failed != 0 {
		t.Fatalf("failed = %d, an interrupt must not count as an item failure", result.Failed)
	}

	st, ok := f.store.ItemState("src/Smelly.java")
	if !ok {
		t.Fatal("item not tracked")
	}
	if st.Status != state.StatusProcessing || st.Attempts != 1 {
		t.Fatalf("item = %+v, interrupt must leave the last persisted state", st)
	}
	if st.LastError != "" || st.FailedPhase != "" {
		t.Fatalf("failure recorded on interrupt: %+v", st)
	}
	if f.store.Summary().OpenRun {
		t.Fatal("interrupted run must still be finalized")
	}
}

func TestRunClosesRunOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.pipeline(t).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Interrupted {
		t.Fatal("cancelled run must report interruption")
	}
	if f.store.Summary().OpenRun {
		t.Fatal("interrupted run must still be finalized")
	}
}

func TestNewValidatesWiring(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected wiring error")
	}
}
