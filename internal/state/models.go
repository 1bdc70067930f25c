package state

import (
	"strings"
	"time"
)

// DocumentVersion identifies the persisted schema. Documents missing the
// required top-level fields are treated as unreadable and replaced.
const DocumentVersion = "2.0"

// Status represents the lifecycle of a tracked work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Phase is one ordered step of item processing.
type Phase string

const (
	PhaseDetection  Phase = "detection"
	PhaseRefactor   Phase = "refactor"
	PhaseSubmission Phase = "submission"
)

// Phases returns the ordered phase sequence.
func Phases() []Phase {
	return []Phase{PhaseDetection, PhaseRefactor, PhaseSubmission}
}

// Reason explains an eligibility decision.
type Reason string

const (
	ReasonReady            Reason = "ready"
	ReasonAlreadyCompleted Reason = "already_completed"
	ReasonContentChanged   Reason = "content_changed"
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonSkipped          Reason = "skipped"
)

// SmellTag is a detected issue category with its severity.
type SmellTag struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
}

// DetectionResult is the payload recorded when the detection phase completes.
type DetectionResult struct {
	HasSmells bool       `json:"has_smells"`
	Analyzer  string     `json:"analyzer,omitempty"`
	Smells    []SmellTag `json:"smells,omitempty"`
}

// RefactorResult is the payload recorded when the refactor phase completes.
type RefactorResult struct {
	AdvisoryOnly bool `json:"advisory_only"`
	Files        int  `json:"files,omitempty"`
}

// SubmissionResult is the payload recorded when the submission phase completes.
type SubmissionResult struct {
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`
}

// PhasePayload is the closed set of phase record variants.
type PhasePayload interface {
	apply(*PhaseRecord)
}

func (r DetectionResult) apply(rec *PhaseRecord)  { v := r; rec.Detection = &v }
func (r RefactorResult) apply(rec *PhaseRecord)   { v := r; rec.Refactor = &v }
func (r SubmissionResult) apply(rec *PhaseRecord) { v := r; rec.Submission = &v }

// PhaseRecord tracks completion of a single phase for the current attempt
// cycle. Exactly one payload variant is set, matching the phase kind.
type PhaseRecord struct {
	Completed  bool              `json:"completed"`
	Timestamp  time.Time         `json:"timestamp"`
	Detection  *DetectionResult  `json:"detection,omitempty"`
	Refactor   *RefactorResult   `json:"refactor,omitempty"`
	Submission *SubmissionResult `json:"submission,omitempty"`
}

// ItemState is the persisted progress record for one work item.
type ItemState struct {
	Status            Status                 `json:"status"`
	Fingerprint       string                 `json:"fingerprint"`
	Attempts          int                    `json:"attempts"`
	Phases            map[Phase]*PhaseRecord `json:"phases"`
	LastError         string                 `json:"last_error,omitempty"`
	FailedPhase       Phase                  `json:"failed_phase,omitempty"`
	SkipReason        string                 `json:"skip_reason,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	LastAttemptAt     *time.Time             `json:"last_attempt_at,omitempty"`
	LastFailedAt      *time.Time             `json:"last_failed_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	SkippedAt         *time.Time             `json:"skipped_at,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	ProcessingSeconds int64                  `json:"processing_seconds,omitempty"`
}

// PhaseDone reports whether the given phase completed for the current
// attempt cycle.
func (s *ItemState) PhaseDone(phase Phase) bool {
	if s == nil || s.Phases == nil {
		return false
	}
	rec, ok := s.Phases[phase]
	return ok && rec != nil && rec.Completed
}

// Detection returns the detection payload if recorded.
func (s *ItemState) Detection() *DetectionResult {
	if s == nil || s.Phases == nil {
		return nil
	}
	if rec := s.Phases[PhaseDetection]; rec != nil {
		return rec.Detection
	}
	return nil
}

// Submission returns the submission payload if recorded.
func (s *ItemState) Submission() *SubmissionResult {
	if s == nil || s.Phases == nil {
		return nil
	}
	if rec := s.Phases[PhaseSubmission]; rec != nil {
		return rec.Submission
	}
	return nil
}

func (s *ItemState) refactor() *RefactorResult {
	if s == nil || s.Phases == nil {
		return nil
	}
	if rec := s.Phases[PhaseRefactor]; rec != nil {
		return rec.Refactor
	}
	return nil
}

// RunRecord is one batch execution. A record without a completion
// timestamp is an open run and is resumed by the next process start.
type RunRecord struct {
	RunID          int        `json:"run_id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FilesProcessed int        `json:"files_processed"`
	PRsCreated     int        `json:"prs_created"`
}

// Open reports whether the run has not been completed yet.
func (r *RunRecord) Open() bool {
	return r != nil && r.CompletedAt == nil
}

// API call categories tracked in aggregate statistics.
const (
	CallGeminiFlash = "gemini_flash"
	CallGeminiPro   = "gemini_pro"
	CallDeepSeek    = "deepseek"
)

// SeverityCounts breaks a smell category down by reported severity.
type SeverityCounts struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

func (c *SeverityCounts) add(severity string) {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "low":
		c.Low++
	case "high":
		c.High++
	default:
		c.Medium++
	}
}

// SmellStat aggregates one smell category across all completed items.
type SmellStat struct {
	Count    int            `json:"count"`
	Severity SeverityCounts `json:"severity_breakdown"`
}

// Statistics are derived counters kept incrementally for efficiency; they
// are always recomputable from the item states in principle.
type Statistics struct {
	TotalProcessed       int                   `json:"total_files_processed"`
	Completed            int                   `json:"completed"`
	Failed               int                   `json:"failed"`
	Skipped              int                   `json:"skipped"`
	PRsCreated           int                   `json:"prs_created"`
	AdvisoryRefactorings int                   `json:"advisory_refactorings"`
	CodeRefactorings     int                   `json:"code_refactorings"`
	APICalls             map[string]int        `json:"api_calls"`
	ProcessingSeconds    int64                 `json:"total_processing_time_seconds"`
	SmellBreakdown       map[string]*SmellStat `json:"smell_breakdown"`
}

// Document is the root persisted object.
type Document struct {
	Version     string                `json:"version"`
	CreatedAt   time.Time             `json:"created_at"`
	LastUpdated time.Time             `json:"last_updated"`
	Runs        []RunRecord           `json:"runs"`
	Files       map[string]*ItemState `json:"files"`
	Statistics  Statistics            `json:"statistics"`
}

// NewDocument returns a fresh empty document.
func NewDocument(now time.Time) *Document {
	return &Document{
		Version:     DocumentVersion,
		CreatedAt:   now,
		LastUpdated: now,
		Runs:        []RunRecord{},
		Files:       map[string]*ItemState{},
		Statistics: Statistics{
			APICalls: map[string]int{
				CallGeminiFlash: 0,
				CallGeminiPro:   0,
				CallDeepSeek:    0,
			},
			SmellBreakdown: map[string]*SmellStat{},
		},
	}
}

// valid reports whether a decoded document carries the required top-level
// structure. Anything else is treated as an unreadable legacy format.
func (d *Document) valid() bool {
	return d != nil && d.Version != "" && d.Files != nil
}

func (d *Document) openRun() *RunRecord {
	if len(d.Runs) == 0 {
		return nil
	}
	last := &d.Runs[len(d.Runs)-1]
	if last.Open() {
		return last
	}
	return nil
}
