package state

import "time"

// BeginRun resumes the open run if one exists, otherwise starts a new run
// with the next identifier. The second return reports whether an
// interrupted run was resumed.
func (s *Store) BeginRun() (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run := s.doc.openRun(); run != nil {
		return *run, true, nil
	}

	next := 1
	if len(s.doc.Runs) > 0 {
		next = s.doc.Runs[len(s.doc.Runs)-1].RunID + 1
	}
	s.doc.Runs = append(s.doc.Runs, RunRecord{
		RunID:     next,
		StartedAt: s.now(),
	})
	if err := s.persistLocked(); err != nil {
		return RunRecord{}, false, err
	}
	return s.doc.Runs[len(s.doc.Runs)-1], false, nil
}

// CompleteRun stamps the open run as finished. Calling it with no open
// run is a no-op, so shutdown paths can call it unconditionally.
func (s *Store) CompleteRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.doc.openRun()
	if run == nil {
		return nil
	}
	now := s.now()
	run.CompletedAt = &now
	return s.persistLocked()
}

// HasPreviousRun reports whether any items have ever been tracked.
func (s *Store) HasPreviousRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Files) > 0 || len(s.doc.Runs) > 0
}

// Summary is a read-only view of overall progress for reporting.
type Summary struct {
	GeneratedAt time.Time
	TotalFiles  int
	TotalRuns   int
	OpenRun     bool
	// PendingRetryable counts items that are neither terminal nor past
	// the attempt ceiling, so a future run will pick them up again.
	PendingRetryable int
	LastRun          *RunRecord
	Statistics       Statistics
}

// Summary returns aggregate progress across all runs.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{
		GeneratedAt: s.now(),
		TotalFiles:  len(s.doc.Files),
		TotalRuns:   len(s.doc.Runs),
		Statistics:  s.doc.Statistics,
	}
	for _, st := range s.doc.Files {
		if (st.Status == StatusPending || st.Status == StatusProcessing) && st.Attempts < s.maxRetries {
			summary.PendingRetryable++
		}
	}
	summary.Statistics.APICalls = make(map[string]int, len(s.doc.Statistics.APICalls))
	for k, v := range s.doc.Statistics.APICalls {
		summary.Statistics.APICalls[k] = v
	}
	summary.Statistics.SmellBreakdown = make(map[string]*SmellStat, len(s.doc.Statistics.SmellBreakdown))
	for k, v := range s.doc.Statistics.SmellBreakdown {
		stat := *v
		summary.Statistics.SmellBreakdown[k] = &stat
	}
	if len(s.doc.Runs) > 0 {
		last := s.doc.Runs[len(s.doc.Runs)-1]
		summary.LastRun = &last
		summary.OpenRun = last.Open()
	}
	return summary
}
