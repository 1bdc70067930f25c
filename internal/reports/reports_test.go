package reports

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"smelter/internal/analysis"
	"smelter/internal/logging"
)

func TestSaveItem(t *testing.T) {
	dir := t.TempDir()
	saver := NewSaver(dir, logging.NewNop())

	path, err := saver.SaveItem(3, ItemReport{
		Path:        "src/main/java/App.java",
		Fingerprint: "abc123",
		Analyzer:    analysis.AnalyzerGeminiFlash,
		Report: analysis.Report{
			HasSmells: true,
			Smells:    []analysis.Smell{{Type: "long_method", Severity: "high"}},
		},
		Files:    []string{"src/main/java/App.java"},
		PRNumber: 7,
	})
	if err != nil {
		t.Fatalf("SaveItem failed: %v", err)
	}

	want := filepath.Join(dir, "run-3", "src_main_java_App.json")
	if path != want {
		t.Fatalf("report path = %q, want %q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ItemReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report not valid JSON: %v", err)
	}
	if decoded.PRNumber != 7 || !decoded.Report.HasSmells {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.GeneratedAt.IsZero() {
		t.Fatal("generated_at not stamped")
	}
}

func TestSaveRun(t *testing.T) {
	dir := t.TempDir()
	saver := NewSaver(dir, logging.NewNop())

	path, err := saver.SaveRun(RunReport{RunID: 1})
	if err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if filepath.Base(path) != "summary.json" {
		t.Fatalf("path = %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("summary not written: %v", err)
	}
}
