// Package reports writes per-item and per-run JSON reports under the
// configured report directory.
package reports

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"smelter/internal/analysis"
	"smelter/internal/logging"
	"smelter/internal/state"
)

// Saver persists reports for operators to inspect after a run.
type Saver struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewSaver builds a saver rooted at dir.
func NewSaver(dir string, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Saver{
		dir:    dir,
		logger: logger.With(logging.String(logging.FieldComponent, "reports")),
		now:    time.Now,
	}
}

// ItemReport captures everything that happened to one file in a run.
type ItemReport struct {
	Path         string          `json:"path"`
	Fingerprint  string          `json:"fingerprint"`
	Analyzer     string          `json:"analyzer,omitempty"`
	Report       analysis.Report `json:"analysis"`
	AdvisoryOnly bool            `json:"advisory_only"`
	Files        []string        `json:"files_changed,omitempty"`
	PRNumber     int             `json:"pr_number,omitempty"`
	PRURL        string          `json:"pr_url,omitempty"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// SaveItem writes one item report under run-<id>/ and returns its path.
func (s *Saver) SaveItem(runID int, report ItemReport) (string, error) {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now()
	}
	path := filepath.Join(s.runDir(runID), sanitize(report.Path)+".json")
	if err := s.write(path, report); err != nil {
		return "", err
	}
	s.logger.Debug("item report written",
		logging.String(logging.FieldItem, report.Path),
		logging.String("report", path))
	return path, nil
}

// RunReport is the end-of-run summary document.
type RunReport struct {
	RunID       int           `json:"run_id"`
	Resumed     bool          `json:"resumed"`
	Summary     state.Summary `json:"summary"`
	Items       []ItemReport  `json:"items,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// SaveRun writes the run summary and returns its path.
func (s *Saver) SaveRun(report RunReport) (string, error) {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now()
	}
	path := filepath.Join(s.runDir(report.RunID), "summary.json")
	if err := s.write(path, report); err != nil {
		return "", err
	}
	s.logger.Info("run report written", logging.String("report", path))
	return path, nil
}

func (s *Saver) runDir(runID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("run-%d", runID))
}

func (s *Saver) write(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// sanitize flattens a repository path into a single file name.
func sanitize(path string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return replacer.Replace(strings.TrimSuffix(path, filepath.Ext(path)))
}
