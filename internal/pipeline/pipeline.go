// Package pipeline orchestrates one batch run: discover candidates,
// filter them through the persisted state, and drive each eligible item
// through detection, refactoring, and submission. Progress is persisted
// after every phase so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"github.com/google/uuid"

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
)

// Discoverer finds candidate files and reads their content.
type Discoverer interface {
	Discover(ctx context.Context) ([]scanner.Candidate, error)
	ReadFile(rel string) ([]byte, error)
}

// Detector analyzes one file for smells.
type Detector interface {
	Detect(ctx context.Context, path, source string) (analysis.Detection, error)
}

// Refactorer rewrites one file.
type Refactorer interface {
	Refactor(ctx context.Context, req gemini.RefactorRequest) (refactor.Result, error)
}

// Submitter publishes one refactoring outcome as a pull request.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (submission.Outcome, error)
}

// Watcher follows a pull request and applies review feedback.
type Watcher interface {
	Watch(ctx context.Context, number int, branch string) error
}

// ReportSaver persists item and run reports.
type ReportSaver interface {
	SaveItem(runID int, report reports.ItemReport) (string, error)
	SaveRun(report reports.RunReport) (string, error)
}

// Options wires the pipeline's collaborators.
type Options struct {
	Config     *config.Config
	Store      *state.Store
	Scanner    Discoverer
	Detector   Detector
	Refactorer Refactorer
	Submitter  Submitter
	Monitor    Watcher // nil disables feedback monitoring
	Reports    ReportSaver
	Logger     *slog.Logger

	// Limit caps items processed this invocation on top of the scan cap.
	// Zero means no extra limit.
	Limit int
}

// Pipeline runs batches end to end.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

// New validates the wiring and builds a pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("pipeline: config is required")
	case opts.Store == nil:
		return nil, errors.New("pipeline: state store is required")
	case opts.Scanner == nil:
		return nil, errors.New("pipeline: scanner is required")
	case opts.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case opts.Refactorer == nil:
		return nil, errors.New("pipeline: refactorer is required")
	case opts.Submitter == nil:
		return nil, errors.New("pipeline: submitter is required")
	case opts.Reports == nil:
		return nil, errors.New("pipeline: report saver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		opts:   opts,
		logger: logger.With(logging.String(logging.FieldComponent, "pipeline")),
	}, nil
}

// RunResult summarizes one invocation.
type RunResult struct {
	RunID      int
	Resumed    bool
	Discovered int
	Processed  int
	Completed  int
	Failed     int
	Skipped    int
	PRsCreated int

	// Interrupted is set when the run stopped on context cancellation.
	// The run record is still closed; unprocessed items stay pending.
	Interrupted bool
}

type createdPull struct {
	number int
	branch string
}

// Run executes one batch. A cancelled context stops the loop, between
// items or mid-phase, without recording item failures, and still closes
// the run, so an open run record only ever means the process died
// without cleanup. Every item transition is already persisted, so the
// next run picks up exactly where this one stopped.
func (p *Pipeline) Run(ctx context.Context) (RunResult, error) {
	run, resumed, err := p.opts.Store.BeginRun()
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{RunID: run.RunID, Resumed: resumed}
	logger := p.logger.With(logging.Int(logging.FieldRunID, run.RunID))
	if resumed {
		logger.Info("resuming interrupted run")
	} else {
		logger.Info("run started")
	}

	candidates, err := p.opts.Scanner.Discover(ctx)
	if err != nil {
		return result, fmt.Errorf("discover candidates: %w", err)
	}
	// The full scan doubles as the related-file context for refactors,
	// so the limit below only caps what gets processed.
	discovered := candidates
	if p.opts.Limit > 0 && len(candidates) > p.opts.Limit {
		candidates = candidates[:p.opts.Limit]
	}
	result.Discovered = len(candidates)
	logger.Info("candidates discovered", logging.Int("count", len(candidates)))

	var pulls []createdPull
	var itemReports []reports.ItemReport
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			result.Interrupted = true
			logger.Warn("run interrupted, finalizing before exit")
			break
		}

		decision, err := p.opts.Store.ShouldProcess(candidate.Path, candidate.Fingerprint)
		if err != nil {
			return result, err
		}
		if !decision.Process {
			result.Skipped++
			logger.Debug("candidate not eligible",
				logging.String(logging.FieldItem, candidate.Path),
				logging.String(logging.FieldReason, string(decision.Reason)))
			continue
		}

		result.Processed++
		report, pull, err := p.processItem(ctx, run.RunID, candidate, discovered)
		if err != nil {
			if ctx.Err() != nil {
				// The phase stopped because the run was cancelled, not
				// because the item is bad. Its state stays exactly as
				// last persisted for the next run to resume.
				result.Interrupted = true
				logger.Warn("run interrupted mid-item, finalizing before exit",
					logging.String(logging.FieldItem, candidate.Path))
				break
			}
			result.Failed++
			logger.Error("item failed",
				logging.String(logging.FieldItem, candidate.Path),
				logging.Error(err))
			continue
		}
		result.Completed++
		itemReports = append(itemReports, report)
		if pull.number > 0 {
			result.PRsCreated++
			pulls = append(pulls, pull)
		}
	}

	summary := p.opts.Store.Summary()
	if _, err := p.opts.Reports.SaveRun(reports.RunReport{
		RunID:   run.RunID,
		Resumed: resumed,
		Summary: summary,
		Items:   itemReports,
	}); err != nil {
		logger.Warn("run report not written", logging.Error(err))
	}
	if err := p.opts.Store.CompleteRun(); err != nil {
		return result, err
	}
	logger.Info("run complete",
		logging.Int("processed", result.Processed),
		logging.Int("completed", result.Completed),
		logging.Int("failed", result.Failed),
		logging.Int("prs_created", result.PRsCreated))

	if p.opts.Monitor != nil && !result.Interrupted {
		for _, pull := range pulls {
			if err := p.opts.Monitor.Watch(ctx, pull.number, pull.branch); err != nil {
				if errors.Is(err, context.Canceled) {
					result.Interrupted = true
					return result, nil
				}
				logger.Warn("feedback monitoring ended with error",
					logging.Int("pr", pull.number),
					logging.Error(err))
			}
		}
	}
	return result, nil
}

// processItem drives one candidate through the phase sequence. Each
// phase persists before the next starts, and a failed phase records the
// failure and surfaces the cause.
func (p *Pipeline) processItem(ctx context.Context, runID int, candidate scanner.Candidate, discovered []scanner.Candidate) (reports.ItemReport, createdPull, error) {
	requestID := uuid.NewString()
	ctx = services.WithItem(ctx, candidate.Path)
	ctx = services.WithRequestID(ctx, requestID)
	logger := p.logger.With(
		logging.String(logging.FieldItem, candidate.Path),
		logging.String("request_id", requestID))

	if err := p.opts.Store.StartProcessing(candidate.Path, candidate.Fingerprint); err != nil {
		return reports.ItemReport{}, createdPull{}, err
	}
	st, _ := p.opts.Store.ItemState(candidate.Path)
	logger.Info("processing item", logging.Int(logging.FieldAttempt, st.Attempts))

	report := reports.ItemReport{
		Path:        candidate.Path,
		Fingerprint: candidate.Fingerprint,
	}

	source, err := p.opts.Scanner.ReadFile(candidate.Path)
	if err != nil {
		return report, createdPull{}, p.failPhase(ctx, candidate.Path, state.PhaseDetection, err)
	}

	detection, smells, err := p.detectionPhase(ctx, candidate, st, string(source))
	if err != nil {
		return report, createdPull{}, p.failPhase(ctx, candidate.Path, state.PhaseDetection, err)
	}
	report.Analyzer = detection.Analyzer
	report.Report = detection.Report

	if !detection.Report.HasSmells && len(smells) == 0 {
		if err := p.opts.Store.MarkCompleted(candidate.Path); err != nil {
			return report, createdPull{}, err
		}
		logger.Info("file is clean")
		p.saveItemReport(runID, report)
		return report, createdPull{}, nil
	}

	refactorResult, err := p.refactorPhase(ctx, candidate, smells, string(source), discovered)
	if err != nil {
		return report, createdPull{}, p.failPhase(ctx, candidate.Path, state.PhaseRefactor, err)
	}
	report.AdvisoryOnly = refactorResult.AdvisoryOnly
	for changed := range refactorResult.Files {
		report.Files = append(report.Files, changed)
	}
	sort.Strings(report.Files)

	pull, err := p.submissionPhase(ctx, candidate, smells, refactorResult, st)
	if err != nil {
		return report, createdPull{}, p.failPhase(ctx, candidate.Path, state.PhaseSubmission, err)
	}
	report.PRNumber = pull.number

	if err := p.opts.Store.MarkCompleted(candidate.Path); err != nil {
		return report, createdPull{}, err
	}
	p.saveItemReport(runID, report)
	return report, pull, nil
}

// detectionPhase runs or reuses smell detection. On resume the recorded
// payload stands in for a fresh model call.
func (p *Pipeline) detectionPhase(ctx context.Context, candidate scanner.Candidate, st state.ItemState, source string) (analysis.Detection, []string, error) {
	ctx = services.WithPhase(ctx, string(state.PhaseDetection))

	if st.PhaseDone(state.PhaseDetection) {
		recorded := st.Detection()
		detection := analysis.Detection{Analyzer: recorded.Analyzer}
		var smells []string
		for _, tag := range recorded.Smells {
			detection.Report.Smells = append(detection.Report.Smells, analysis.Smell{
				Type:     tag.Type,
				Severity: tag.Severity,
			})
			smells = append(smells, tag.Type)
		}
		detection.Report.HasSmells = recorded.HasSmells
		return detection, smells, nil
	}

	detection, err := p.opts.Detector.Detect(ctx, candidate.Path, source)
	if err != nil {
		return analysis.Detection{}, nil, err
	}

	tags := make([]state.SmellTag, 0, len(detection.Report.Smells))
	for _, smell := range detection.Report.Smells {
		tags = append(tags, state.SmellTag{Type: smell.Type, Severity: smell.Severity})
	}
	err = p.opts.Store.MarkPhaseComplete(candidate.Path, state.PhaseDetection, state.DetectionResult{
		HasSmells: detection.Report.HasSmells,
		Analyzer:  detection.Analyzer,
		Smells:    tags,
	})
	if err != nil {
		return analysis.Detection{}, nil, err
	}
	return detection, detection.Report.SmellTypes(), nil
}

// refactorPhase always calls the model, even when a previous attempt
// completed it: the rewritten content is not persisted, only the phase
// record, and the idempotent phase completion keeps the stats honest.
func (p *Pipeline) refactorPhase(ctx context.Context, candidate scanner.Candidate, smells []string, source string, discovered []scanner.Candidate) (refactor.Result, error) {
	ctx = services.WithPhase(ctx, string(state.PhaseRefactor))

	result, err := p.opts.Refactorer.Refactor(ctx, gemini.RefactorRequest{
		Path:    candidate.Path,
		Source:  source,
		Smells:  smells,
		Related: p.relatedFiles(candidate.Path, discovered),
	})
	if err != nil {
		return refactor.Result{}, err
	}
	err = p.opts.Store.MarkPhaseComplete(candidate.Path, state.PhaseRefactor, state.RefactorResult{
		AdvisoryOnly: result.AdvisoryOnly,
		Files:        len(result.Files),
	})
	if err != nil {
		return refactor.Result{}, err
	}
	return result, nil
}

func (p *Pipeline) submissionPhase(ctx context.Context, candidate scanner.Candidate, smells []string, result refactor.Result, st state.ItemState) (createdPull, error) {
	ctx = services.WithPhase(ctx, string(state.PhaseSubmission))

	if st.PhaseDone(state.PhaseSubmission) {
		if recorded := st.Submission(); recorded != nil {
			return createdPull{number: recorded.PRNumber}, nil
		}
		return createdPull{}, nil
	}

	outcome, err := p.opts.Submitter.Submit(ctx, submission.Request{
		Path:   candidate.Path,
		Smells: smells,
		Result: result,
	})
	if err != nil {
		return createdPull{}, err
	}
	err = p.opts.Store.MarkPhaseComplete(candidate.Path, state.PhaseSubmission, state.SubmissionResult{
		PRNumber: outcome.PRNumber,
		PRURL:    outcome.PRURL,
	})
	if err != nil {
		return createdPull{}, err
	}
	return createdPull{number: outcome.PRNumber, branch: outcome.Branch}, nil
}

// relatedFiles gathers up to RelatedLimit directory siblings from the
// run's candidate list as refactor context, by name.
func (p *Pipeline) relatedFiles(itemPath string, discovered []scanner.Candidate) map[string]string {
	dir := path.Dir(itemPath)

	var siblings []string
	for _, candidate := range discovered {
		if candidate.Path == itemPath || path.Dir(candidate.Path) != dir {
			continue
		}
		siblings = append(siblings, candidate.Path)
	}
	sort.Strings(siblings)
	if len(siblings) > refactor.RelatedLimit {
		siblings = siblings[:refactor.RelatedLimit]
	}

	related := map[string]string{}
	for _, sibling := range siblings {
		content, err := p.opts.Scanner.ReadFile(sibling)
		if err != nil {
			continue
		}
		related[sibling] = string(content)
	}
	return related
}

// failPhase records a failed attempt unless the run context was
// cancelled: an interrupt is not an item failure, so no transition is
// written and the attempt is not consumed.
func (p *Pipeline) failPhase(ctx context.Context, item string, phase state.Phase, cause error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s phase: %w", phase, cause)
	}
	if err := p.opts.Store.MarkFailed(item, phase, cause); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("%s phase: %w", phase, cause)
}

func (p *Pipeline) saveItemReport(runID int, report reports.ItemReport) {
	if _, err := p.opts.Reports.SaveItem(runID, report); err != nil {
		p.logger.Warn("item report not written",
			logging.String(logging.FieldItem, report.Path),
			logging.Error(err))
	}
}
