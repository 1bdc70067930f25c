package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"smelter/internal/logging"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := Open(path, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustProcess(t *testing.T, store *Store, item, fingerprint string, want Reason) Decision {
	t.Helper()
	decision, err := store.ShouldProcess(item, fingerprint)
	if err != nil {
		t.Fatalf("ShouldProcess(%s) failed: %v", item, err)
	}
	if decision.Reason != want {
		t.Fatalf("ShouldProcess(%s) reason = %q, want %q", item, decision.Reason, want)
	}
	return decision
}

func TestShouldProcessNewItem(t *testing.T) {
	store := newStore(t)
	decision := mustProcess(t, store, "src/Main.java", "abc123", ReasonReady)
	if !decision.Process {
		t.Fatal("new item must be eligible")
	}
}

func TestCompletedLifecycle(t *testing.T) {
	store := newStore(t)
	const item = "src/Service.java"

	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	err := store.MarkPhaseComplete(item, PhaseDetection, DetectionResult{
		HasSmells: true,
		Analyzer:  "gemini_flash",
		Smells: []SmellTag{
			{Type: "long_method", Severity: "high"},
			{Type: "long_method", Severity: "low"},
		},
	})
	if err != nil {
		t.Fatalf("MarkPhaseComplete(detection) failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseRefactor, RefactorResult{Files: 2}); err != nil {
		t.Fatalf("MarkPhaseComplete(refactor) failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseSubmission, SubmissionResult{PRNumber: 7, PRURL: "https://example.test/pull/7"}); err != nil {
		t.Fatalf("MarkPhaseComplete(submission) failed: %v", err)
	}
	if err := store.MarkCompleted(item); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	decision := mustProcess(t, store, item, "fp1", ReasonAlreadyCompleted)
	if decision.Process {
		t.Fatal("completed item must not be eligible")
	}

	summary := store.Summary()
	if summary.Statistics.Completed != 1 {
		t.Fatalf("completed count = %d, want 1", summary.Statistics.Completed)
	}
	if summary.Statistics.PRsCreated != 1 {
		t.Fatalf("prs created = %d, want 1", summary.Statistics.PRsCreated)
	}
	if summary.Statistics.CodeRefactorings != 1 {
		t.Fatalf("code refactorings = %d, want 1", summary.Statistics.CodeRefactorings)
	}
	if got := summary.Statistics.APICalls[CallGeminiFlash]; got != 1 {
		t.Fatalf("gemini flash calls = %d, want 1", got)
	}
	if got := summary.Statistics.APICalls[CallGeminiPro]; got != 1 {
		t.Fatalf("gemini pro calls = %d, want 1", got)
	}
	smell := summary.Statistics.SmellBreakdown["long_method"]
	if smell == nil || smell.Count != 2 {
		t.Fatalf("smell breakdown = %+v, want count 2", smell)
	}
	if smell.Severity.High != 1 || smell.Severity.Low != 1 {
		t.Fatalf("severity breakdown = %+v", smell.Severity)
	}
}

func TestMarkCompletedRequiresPhases(t *testing.T) {
	store := newStore(t)
	const item = "src/Partial.java"

	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseDetection, DetectionResult{HasSmells: true}); err != nil {
		t.Fatalf("MarkPhaseComplete failed: %v", err)
	}
	if err := store.MarkCompleted(item); err == nil {
		t.Fatal("MarkCompleted must fail before the refactor phase completes")
	}
}

func TestCleanFileCompletesAfterDetection(t *testing.T) {
	store := newStore(t)
	const item = "src/Clean.java"

	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseDetection, DetectionResult{HasSmells: false}); err != nil {
		t.Fatalf("MarkPhaseComplete failed: %v", err)
	}
	if err := store.MarkCompleted(item); err != nil {
		t.Fatalf("clean file must complete after detection alone: %v", err)
	}
	if got := store.Summary().Statistics.Completed; got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}
}

func TestPhaseCompleteIdempotent(t *testing.T) {
	store := newStore(t)
	const item = "src/Twice.java"

	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.MarkPhaseComplete(item, PhaseDetection, DetectionResult{HasSmells: true}); err != nil {
			t.Fatalf("MarkPhaseComplete failed: %v", err)
		}
	}
	if got := store.Summary().Statistics.APICalls[CallGeminiFlash]; got != 1 {
		t.Fatalf("repeated phase completion counted %d API calls, want 1", got)
	}
}

func TestRetryCeiling(t *testing.T) {
	store := newStore(t, WithMaxRetries(3))
	const item = "src/Flaky.java"

	for attempt := 1; attempt <= 3; attempt++ {
		decision := mustProcess(t, store, item, "fp1", ReasonReady)
		if !decision.Process {
			t.Fatalf("attempt %d: item must be eligible", attempt)
		}
		if err := store.StartProcessing(item, "fp1"); err != nil {
			t.Fatalf("StartProcessing failed: %v", err)
		}
		if err := store.MarkFailed(item, PhaseRefactor, errors.New("model unavailable")); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	decision := mustProcess(t, store, item, "fp1", ReasonRetriesExhausted)
	if decision.Process {
		t.Fatal("item past the retry ceiling must not be eligible")
	}

	failed := store.FailedItems()
	if len(failed) != 1 {
		t.Fatalf("failed items = %d, want 1", len(failed))
	}
	if failed[0].Attempts != 3 || failed[0].FailedPhase != PhaseRefactor {
		t.Fatalf("failed item record = %+v", failed[0])
	}
}

func TestRetryableFailureResetsToPending(t *testing.T) {
	store := newStore(t, WithMaxRetries(3))
	const item = "src/Retry.java"

	// Run 1: detection fails transiently.
	mustProcess(t, store, item, "fp1", ReasonReady)
	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkFailed(item, PhaseDetection, errors.New("quota exceeded")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	st, _ := store.ItemState(item)
	if st.Status != StatusPending {
		t.Fatalf("status after retryable failure = %q, want %q", st.Status, StatusPending)
	}
	if got := store.Summary().PendingRetryable; got != 1 {
		t.Fatalf("pending retryable = %d, want 1", got)
	}

	// Run 2: detection succeeds, refactor fails.
	mustProcess(t, store, item, "fp1", ReasonReady)
	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseDetection, DetectionResult{HasSmells: true}); err != nil {
		t.Fatalf("MarkPhaseComplete failed: %v", err)
	}
	if err := store.MarkFailed(item, PhaseRefactor, errors.New("model unavailable")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// Run 3: everything succeeds.
	mustProcess(t, store, item, "fp1", ReasonReady)
	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseRefactor, RefactorResult{Files: 1}); err != nil {
		t.Fatalf("MarkPhaseComplete failed: %v", err)
	}
	if err := store.MarkCompleted(item); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	summary := store.Summary()
	if summary.Statistics.Completed != 1 || summary.Statistics.Failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 1/0",
			summary.Statistics.Completed, summary.Statistics.Failed)
	}
	if summary.PendingRetryable != 0 {
		t.Fatalf("pending retryable = %d, want 0", summary.PendingRetryable)
	}
	st, _ = store.ItemState(item)
	if st.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", st.Attempts)
	}
}

func TestContentChangeResetsCompletedItem(t *testing.T) {
	store := newStore(t)
	const item = "src/Changed.java"

	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseDetection, DetectionResult{Analyzer: "gemini-flash"}); err != nil {
		t.Fatalf("MarkPhaseComplete failed: %v", err)
	}
	if err := store.MarkCompleted(item); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	mustProcess(t, store, item, "fp1", ReasonAlreadyCompleted)

	decision := mustProcess(t, store, item, "fp2", ReasonContentChanged)
	if !decision.Process {
		t.Fatal("changed content must make the item eligible again")
	}

	st, ok := store.ItemState(item)
	if !ok {
		t.Fatal("item record missing after reset")
	}
	if st.Attempts != 0 || len(st.Phases) != 0 || st.Status != StatusPending {
		t.Fatalf("item record not reset: %+v", st)
	}
	if store.Summary().Statistics.Completed != 0 {
		t.Fatal("completed tally must drop when the item is reset")
	}
}

func TestContentChangeDoesNotReviveTerminalItems(t *testing.T) {
	store := newStore(t, WithMaxRetries(1))

	const failed = "src/Failed.java"
	if err := store.StartProcessing(failed, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkFailed(failed, PhaseDetection, errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	mustProcess(t, store, failed, "fp1", ReasonRetriesExhausted)
	mustProcess(t, store, failed, "fp2", ReasonRetriesExhausted)

	const skipped = "src/Skipped.java"
	if err := store.MarkSkipped(skipped, "fp1", "generated code"); err != nil {
		t.Fatalf("MarkSkipped failed: %v", err)
	}
	mustProcess(t, store, skipped, "fp2", ReasonSkipped)
}

func TestResumeSkipsCompletedPhases(t *testing.T) {
	store := newStore(t)
	const item = "src/Resumed.java"

	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.MarkPhaseComplete(item, PhaseDetection, DetectionResult{HasSmells: true, Analyzer: "deepseek"}); err != nil {
		t.Fatalf("MarkPhaseComplete failed: %v", err)
	}
	if err := store.MarkFailed(item, PhaseRefactor, errors.New("quota")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	mustProcess(t, store, item, "fp1", ReasonReady)
	if err := store.StartProcessing(item, "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}

	st, _ := store.ItemState(item)
	if !st.PhaseDone(PhaseDetection) {
		t.Fatal("detection phase must survive a retry with unchanged content")
	}
	if st.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", st.Attempts)
	}
	if got := store.Summary().Statistics.APICalls[CallDeepSeek]; got != 1 {
		t.Fatalf("deepseek calls = %d, want 1", got)
	}
}

func TestMarkSkipped(t *testing.T) {
	store := newStore(t)
	const item = "src/Generated.java"

	if err := store.MarkSkipped(item, "fp1", "generated code"); err != nil {
		t.Fatalf("MarkSkipped failed: %v", err)
	}
	decision := mustProcess(t, store, item, "fp1", ReasonSkipped)
	if decision.Process {
		t.Fatal("skipped item must not be eligible")
	}
	if got := store.Summary().Statistics.Skipped; got != 1 {
		t.Fatalf("skipped count = %d, want 1", got)
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	store, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.StartProcessing("src/A.java", "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	st, ok := reopened.ItemState("src/A.java")
	if !ok {
		t.Fatal("item lost across reopen")
	}
	if st.Status != StatusProcessing || st.Attempts != 1 {
		t.Fatalf("reloaded item = %+v", st)
	}
}

func TestCorruptPrimaryRecoversFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	store, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.StartProcessing("src/A.java", "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	// Second write rotates the first good document into the backup slot.
	if err := store.MarkPhaseComplete("src/A.java", PhaseDetection, DetectionResult{HasSmells: false}); err != nil {
		t.Fatalf("MarkPhaseComplete failed: %v", err)
	}
	store.Close()

	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("corrupt state file: %v", err)
	}

	recovered, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen after corruption failed: %v", err)
	}
	defer recovered.Close()

	if _, ok := recovered.ItemState("src/A.java"); !ok {
		t.Fatal("backup recovery lost the tracked item")
	}
}

func TestCorruptPrimaryAndBackupStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	if err := os.WriteFile(path+".bak", []byte("also not json"), 0o644); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	store, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if store.HasPreviousRun() {
		t.Fatal("fresh document must report no previous run")
	}
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	store, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if _, err := Open(path, logging.NewNop()); err == nil {
		t.Fatal("second open must fail while the lock is held")
	}
}

func TestRunsResumeAndComplete(t *testing.T) {
	store := newStore(t)

	first, resumed, err := store.BeginRun()
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if resumed || first.RunID != 1 {
		t.Fatalf("first run = %+v resumed=%v", first, resumed)
	}

	again, resumed, err := store.BeginRun()
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if !resumed || again.RunID != 1 {
		t.Fatalf("open run must be resumed, got %+v resumed=%v", again, resumed)
	}

	if err := store.CompleteRun(); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	// Completing again is a no-op.
	if err := store.CompleteRun(); err != nil {
		t.Fatalf("repeated CompleteRun failed: %v", err)
	}

	next, resumed, err := store.BeginRun()
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if resumed || next.RunID != 2 {
		t.Fatalf("next run = %+v resumed=%v", next, resumed)
	}
}

func TestReset(t *testing.T) {
	store := newStore(t)
	if err := store.StartProcessing("src/A.java", "fp1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if _, _, err := store.BeginRun(); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if store.HasPreviousRun() {
		t.Fatal("reset store must report no previous run")
	}
	if _, ok := store.ItemState("src/A.java"); ok {
		t.Fatal("reset store must not retain items")
	}
}
