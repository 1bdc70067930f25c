package config

import (
	"errors"
	"fmt"
	"strings"
)

var scanModes = map[string]struct{}{
	ScanModeAll:     {},
	ScanModeChanged: {},
	ScanModeLarge:   {},
	ScanModePackage: {},
	ScanModeManual:  {},
}

// Validate ensures the configuration is usable. Validation failures are the
// only fatal startup errors; everything later degrades per item.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateGemini(); err != nil {
		return err
	}
	if err := c.validateDeepSeek(); err != nil {
		return err
	}
	if err := c.validateGitHub(); err != nil {
		return err
	}
	if err := c.validateScan(); err != nil {
		return err
	}
	if err := c.validateState(); err != nil {
		return err
	}
	if err := c.validateFeedback(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.RepoDir == "" {
		return errors.New("paths.repo_dir is required. Set SMELTER_REPO_DIR or edit the config file (create with 'smelter config init')")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	if c.Paths.ReportDir == "" {
		return errors.New("paths.report_dir must be set")
	}
	return nil
}

func (c *Config) validateGemini() error {
	if len(c.Gemini.APIKeys) == 0 {
		return errors.New("gemini.api_keys is required. Set SMELTER_GEMINI_KEY_1 (and optionally SMELTER_GEMINI_KEY_2) or list keys in the config file")
	}
	if c.Gemini.RequestsPerMinute <= 0 {
		return errors.New("gemini.requests_per_minute must be positive")
	}
	if c.Gemini.FlashModel == "" || c.Gemini.ProModel == "" {
		return errors.New("gemini.flash_model and gemini.pro_model must be set")
	}
	return nil
}

func (c *Config) validateDeepSeek() error {
	if !c.DeepSeek.Enabled {
		return nil
	}
	if c.DeepSeek.APIKey == "" {
		// Fallback is optional; silently disabling it would hide a
		// misconfigured key, so require an explicit opt-out.
		return errors.New("deepseek.enabled is true but no API key is set. Set SMELTER_DEEPSEEK_KEY or disable the fallback")
	}
	if c.DeepSeek.RequestsPerMinute <= 0 {
		return errors.New("deepseek.requests_per_minute must be positive")
	}
	return nil
}

func (c *Config) validateGitHub() error {
	if c.GitHub.Token == "" {
		return errors.New("github.token is required. Set SMELTER_GITHUB_TOKEN or edit the config file")
	}
	if c.GitHub.Repo == "" {
		return errors.New("github.repo is required (owner/name). Set SMELTER_GITHUB_REPO or edit the config file")
	}
	if !strings.Contains(c.GitHub.Repo, "/") {
		return fmt.Errorf("github.repo must be in owner/name form, got %q", c.GitHub.Repo)
	}
	return nil
}

func (c *Config) validateScan() error {
	if _, ok := scanModes[c.Scan.Mode]; !ok {
		return fmt.Errorf("scan.mode must be one of all, changed, large, package, manual; got %q", c.Scan.Mode)
	}
	if c.Scan.Mode == ScanModeManual && len(c.Scan.ManualFiles) == 0 {
		return errors.New("scan.mode is manual but scan.manual_files is empty")
	}
	if c.Scan.Mode == ScanModePackage && strings.TrimSpace(c.Scan.Package) == "" {
		return errors.New("scan.mode is package but scan.package is empty")
	}
	if c.Scan.MinLines < 0 {
		return errors.New("scan.min_lines must not be negative")
	}
	if c.Scan.MaxFilesPerRun <= 0 {
		return errors.New("scan.max_files_per_run must be positive")
	}
	if len(c.Scan.Extensions) == 0 {
		return errors.New("scan.extensions must list at least one extension")
	}
	return nil
}

func (c *Config) validateState() error {
	if c.State.MaxRetries <= 0 {
		return errors.New("state.max_retries must be positive")
	}
	return nil
}

func (c *Config) validateFeedback() error {
	if c.Feedback.MaxIterations <= 0 {
		return errors.New("feedback.max_iterations must be positive")
	}
	if c.Feedback.CheckIntervalSeconds <= 0 {
		return errors.New("feedback.check_interval_seconds must be positive")
	}
	return nil
}
