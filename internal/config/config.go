package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	RepoDir   string `toml:"repo_dir"`
	StateDir  string `toml:"state_dir"`
	ReportDir string `toml:"report_dir"`
	LogDir    string `toml:"log_dir"`
}

// Gemini contains connection settings for the primary analysis/refactoring model.
type Gemini struct {
	APIKeys           []string `toml:"api_keys"`
	BaseURL           string   `toml:"base_url"`
	FlashModel        string   `toml:"flash_model"`
	ProModel          string   `toml:"pro_model"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	TimeoutSeconds    int      `toml:"timeout_seconds"`
}

// DeepSeek contains connection settings for the fallback analyzer.
type DeepSeek struct {
	Enabled           bool   `toml:"enabled"`
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
}

// GitHub contains settings for the pull-request target repository.
type GitHub struct {
	Token          string `toml:"token"`
	Repo           string `toml:"repo"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Scan modes supported by the file discovery pass.
const (
	ScanModeAll     = "all"
	ScanModeChanged = "changed"
	ScanModeLarge   = "large"
	ScanModePackage = "package"
	ScanModeManual  = "manual"
)

// Scan contains file discovery settings.
type Scan struct {
	Mode           string   `toml:"mode"`
	ChangedHours   int      `toml:"changed_hours"`
	MinLines       int      `toml:"min_lines"`
	Package        string   `toml:"package"`
	ManualFiles    []string `toml:"manual_files"`
	ExcludeDirs    []string `toml:"exclude_dirs"`
	Extensions     []string `toml:"extensions"`
	MaxFilesPerRun int      `toml:"max_files_per_run"`
}

// State contains settings for progress tracking.
type State struct {
	MaxRetries int `toml:"max_retries"`
}

// Feedback contains settings for the PR feedback monitor.
type Feedback struct {
	MaxIterations        int `toml:"max_iterations"`
	CheckIntervalSeconds int `toml:"check_interval_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for smelter.
//
// Sections by subsystem:
//   - Paths: target repository and working directories
//   - Gemini: primary model connection and rate ceiling
//   - DeepSeek: fallback analyzer used when Gemini quota is exhausted
//   - GitHub: pull-request target repository
//   - Scan: file discovery strategy
//   - State: retry ceiling for the progress tracker
//   - Feedback: PR review monitoring cadence
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Gemini   Gemini   `toml:"gemini"`
	DeepSeek DeepSeek `toml:"deepseek"`
	GitHub   GitHub   `toml:"github"`
	Scan     Scan     `toml:"scan"`
	State    State    `toml:"state"`
	Feedback Feedback `toml:"feedback"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/smelter/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded, environment credentials applied, and defaults
// filled in. The second return is the resolved path, the third whether it existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("smelter.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// StatePath returns the location of the persisted state document.
func (c *Config) StatePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// EnsureDirectories creates the working directories smelter needs.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.ReportDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
