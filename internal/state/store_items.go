package state

import (
	"fmt"
	"sort"
	"time"
)

// Decision is the outcome of an eligibility check.
type Decision struct {
	Process bool
	Reason  Reason
}

// ShouldProcess reports whether the item is eligible for processing.
// A completed item whose content fingerprint drifted is reset and becomes
// eligible again; terminal failure and skip decisions stand regardless of
// content.
func (s *Store) ShouldProcess(item, fingerprint string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Files[item]
	if !ok {
		return Decision{Process: true, Reason: ReasonReady}, nil
	}

	switch st.Status {
	case StatusCompleted:
		if st.Fingerprint != "" && st.Fingerprint != fingerprint {
			st.Status = StatusPending
			st.Fingerprint = fingerprint
			st.Attempts = 0
			st.Phases = map[Phase]*PhaseRecord{}
			st.LastError = ""
			st.FailedPhase = ""
			st.SkipReason = ""
			st.CompletedAt = nil
			st.SkippedAt = nil
			s.recountLocked()
			if err := s.persistLocked(); err != nil {
				return Decision{}, err
			}
			return Decision{Process: true, Reason: ReasonContentChanged}, nil
		}
		return Decision{Reason: ReasonAlreadyCompleted}, nil
	case StatusSkipped:
		return Decision{Reason: ReasonSkipped}, nil
	case StatusFailed:
		if st.Attempts >= s.maxRetries {
			return Decision{Reason: ReasonRetriesExhausted}, nil
		}
		return Decision{Process: true, Reason: ReasonReady}, nil
	default:
		// Pending, or processing left over from an interrupted run.
		return Decision{Process: true, Reason: ReasonReady}, nil
	}
}

// StartProcessing records the beginning of an attempt. The attempt counter
// advances here so a crash mid-item still consumes an attempt.
func (s *Store) StartProcessing(item, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st, ok := s.doc.Files[item]
	if !ok {
		st = &ItemState{
			Phases:    map[Phase]*PhaseRecord{},
			CreatedAt: now,
		}
		s.doc.Files[item] = st
	}
	if st.Fingerprint != "" && st.Fingerprint != fingerprint {
		st.Phases = map[Phase]*PhaseRecord{}
		st.Attempts = 0
	}
	if st.Phases == nil {
		st.Phases = map[Phase]*PhaseRecord{}
	}

	st.Status = StatusProcessing
	st.Fingerprint = fingerprint
	st.Attempts++
	st.StartedAt = &now
	st.LastAttemptAt = &now
	st.LastError = ""
	st.FailedPhase = ""
	s.recountLocked()
	return s.persistLocked()
}

// MarkPhaseComplete records a finished phase with its payload. Completing
// an already-completed phase is a no-op so resumed attempts do not double
// count API usage.
func (s *Store) MarkPhaseComplete(item string, phase Phase, payload PhasePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Files[item]
	if !ok {
		return fmt.Errorf("mark phase %s: unknown item %s", phase, item)
	}
	if rec := st.Phases[phase]; rec != nil && rec.Completed {
		return nil
	}

	rec := &PhaseRecord{Completed: true, Timestamp: s.now()}
	if payload != nil {
		payload.apply(rec)
	}
	if st.Phases == nil {
		st.Phases = map[Phase]*PhaseRecord{}
	}
	st.Phases[phase] = rec

	s.countAPICallLocked(phase, rec)
	return s.persistLocked()
}

func (s *Store) countAPICallLocked(phase Phase, rec *PhaseRecord) {
	stats := &s.doc.Statistics
	switch phase {
	case PhaseDetection:
		if rec.Detection != nil && rec.Detection.Analyzer == "deepseek" {
			stats.APICalls[CallDeepSeek]++
		} else {
			stats.APICalls[CallGeminiFlash]++
		}
	case PhaseRefactor:
		stats.APICalls[CallGeminiPro]++
	}
}

// MarkCompleted transitions an item to completed and folds its phase
// payloads into the aggregate statistics. Detection must have completed;
// the refactor phase is required only when detection found smells (clean
// files finish after detection alone).
func (s *Store) MarkCompleted(item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Files[item]
	if !ok {
		return fmt.Errorf("mark completed: unknown item %s", item)
	}
	if !st.PhaseDone(PhaseDetection) {
		return fmt.Errorf("mark completed: item %s has not finished phase %s", item, PhaseDetection)
	}
	if det := st.Detection(); det != nil && det.HasSmells && !st.PhaseDone(PhaseRefactor) {
		return fmt.Errorf("mark completed: item %s has not finished phase %s", item, PhaseRefactor)
	}
	if st.Status == StatusCompleted {
		return nil
	}

	now := s.now()
	st.Status = StatusCompleted
	st.CompletedAt = &now
	st.LastError = ""
	st.FailedPhase = ""
	if st.StartedAt != nil {
		st.ProcessingSeconds = int64(now.Sub(*st.StartedAt) / time.Second)
	}

	s.foldStatisticsLocked(st)
	s.recountLocked()
	return s.persistLocked()
}

func (s *Store) foldStatisticsLocked(st *ItemState) {
	stats := &s.doc.Statistics
	stats.TotalProcessed++
	stats.ProcessingSeconds += st.ProcessingSeconds

	if det := st.Detection(); det != nil {
		for _, smell := range det.Smells {
			stat := stats.SmellBreakdown[smell.Type]
			if stat == nil {
				stat = &SmellStat{}
				stats.SmellBreakdown[smell.Type] = stat
			}
			stat.Count++
			stat.Severity.add(smell.Severity)
		}
	}
	if ref := st.refactor(); ref != nil {
		if ref.AdvisoryOnly {
			stats.AdvisoryRefactorings++
		} else {
			stats.CodeRefactorings++
		}
	}

	run := s.doc.openRun()
	if run != nil {
		run.FilesProcessed++
	}
	if sub := st.Submission(); sub != nil && sub.PRNumber > 0 {
		stats.PRsCreated++
		if run != nil {
			run.PRsCreated++
		}
	}
}

// MarkFailed records a failed attempt with the phase it failed in. The
// item stays retryable (status pending) until the attempt ceiling is
// reached; only then does it become terminally failed and count toward
// the failure statistics.
func (s *Store) MarkFailed(item string, phase Phase, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Files[item]
	if !ok {
		return fmt.Errorf("mark failed: unknown item %s", item)
	}

	now := s.now()
	if st.Attempts >= s.maxRetries {
		st.Status = StatusFailed
	} else {
		st.Status = StatusPending
	}
	st.FailedPhase = phase
	st.LastFailedAt = &now
	if cause != nil {
		st.LastError = cause.Error()
	}
	s.recountLocked()
	return s.persistLocked()
}

// MarkSkipped records an item that will not be processed, with the reason.
func (s *Store) MarkSkipped(item, fingerprint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st, ok := s.doc.Files[item]
	if !ok {
		st = &ItemState{
			Phases:    map[Phase]*PhaseRecord{},
			CreatedAt: now,
		}
		s.doc.Files[item] = st
	}
	st.Status = StatusSkipped
	st.Fingerprint = fingerprint
	st.SkipReason = reason
	st.SkippedAt = &now
	s.recountLocked()
	return s.persistLocked()
}

// recountLocked rebuilds the status tallies from the item map so repeated
// transitions on the same item never skew them.
func (s *Store) recountLocked() {
	stats := &s.doc.Statistics
	stats.Completed = 0
	stats.Failed = 0
	stats.Skipped = 0
	for _, st := range s.doc.Files {
		switch st.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusSkipped:
			stats.Skipped++
		}
	}
}

// ItemState returns a copy of the item's record, if tracked.
func (s *Store) ItemState(item string) (ItemState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Files[item]
	if !ok {
		return ItemState{}, false
	}
	return *st, true
}

// FailedItem is one entry of the failed-items report.
type FailedItem struct {
	Item         string
	Attempts     int
	MaxRetries   int
	FailedPhase  Phase
	LastError    string
	LastFailedAt *time.Time
}

// FailedItems lists items in the failed state, sorted by path.
func (s *Store) FailedItems() []FailedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []FailedItem
	for path, st := range s.doc.Files {
		if st.Status != StatusFailed {
			continue
		}
		items = append(items, FailedItem{
			Item:         path,
			Attempts:     st.Attempts,
			MaxRetries:   s.maxRetries,
			FailedPhase:  st.FailedPhase,
			LastError:    st.LastError,
			LastFailedAt: st.LastFailedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Item < items[j].Item })
	return items
}
