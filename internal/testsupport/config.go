package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"smelter/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a valid config seeded with unique temp directories
// per test and placeholder credentials.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RepoDir = filepath.Join(base, "repo")
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.ReportDir = filepath.Join(base, "reports")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Gemini.APIKeys = []string{"test-key-1", "test-key-2"}
	cfg.GitHub.Token = "test-token"
	cfg.GitHub.Repo = "acme/billing"

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure config directories: %v", err)
	}
	if err := os.MkdirAll(cfg.Paths.RepoDir, 0o755); err != nil {
		t.Fatalf("create repo dir: %v", err)
	}
	return &cfg
}

// WithScanMode sets the scan mode on the test config.
func WithScanMode(mode string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Scan.Mode = mode
	}
}

// WithMaxRetries sets the retry ceiling on the test config.
func WithMaxRetries(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.State.MaxRetries = n
	}
}
