package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override or supply credentials. A .env file in
// the working directory is loaded first, matching how operators run the
// pipeline alongside the target repository checkout.
const (
	envGeminiKey1  = "SMELTER_GEMINI_KEY_1"
	envGeminiKey2  = "SMELTER_GEMINI_KEY_2"
	envDeepSeekKey = "SMELTER_DEEPSEEK_KEY"
	envGitHubToken = "SMELTER_GITHUB_TOKEN"
	envGitHubRepo  = "SMELTER_GITHUB_REPO"
	envRepoDir     = "SMELTER_REPO_DIR"
	envScanMode    = "SMELTER_SCAN_MODE"
	envManualFiles = "SMELTER_MANUAL_FILES"
)

func (c *Config) normalize() error {
	// Best effort: absence of a .env file is the common case.
	_ = godotenv.Load()

	c.applyEnvironment()

	var err error
	if c.Paths.RepoDir, err = expandPath(strings.TrimSpace(c.Paths.RepoDir)); err != nil {
		return err
	}
	if c.Paths.StateDir, err = expandPath(strings.TrimSpace(c.Paths.StateDir)); err != nil {
		return err
	}
	if c.Paths.ReportDir, err = expandPath(strings.TrimSpace(c.Paths.ReportDir)); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return err
	}

	c.Gemini.APIKeys = trimNonEmpty(c.Gemini.APIKeys)
	c.Gemini.BaseURL = strings.TrimSpace(c.Gemini.BaseURL)
	c.DeepSeek.APIKey = strings.TrimSpace(c.DeepSeek.APIKey)
	c.GitHub.Token = strings.TrimSpace(c.GitHub.Token)
	c.GitHub.Repo = strings.TrimSpace(c.GitHub.Repo)
	c.Scan.Mode = strings.ToLower(strings.TrimSpace(c.Scan.Mode))
	c.Scan.ManualFiles = trimNonEmpty(c.Scan.ManualFiles)
	c.Scan.Extensions = trimNonEmpty(c.Scan.Extensions)
	return nil
}

func (c *Config) applyEnvironment() {
	for _, name := range []string{envGeminiKey1, envGeminiKey2} {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			c.Gemini.APIKeys = append(c.Gemini.APIKeys, key)
		}
	}
	if key := strings.TrimSpace(os.Getenv(envDeepSeekKey)); key != "" {
		c.DeepSeek.APIKey = key
	}
	if token := strings.TrimSpace(os.Getenv(envGitHubToken)); token != "" {
		c.GitHub.Token = token
	}
	if repo := strings.TrimSpace(os.Getenv(envGitHubRepo)); repo != "" {
		c.GitHub.Repo = repo
	}
	if dir := strings.TrimSpace(os.Getenv(envRepoDir)); dir != "" {
		c.Paths.RepoDir = dir
	}
	if mode := strings.TrimSpace(os.Getenv(envScanMode)); mode != "" {
		c.Scan.Mode = mode
	}
	if files := strings.TrimSpace(os.Getenv(envManualFiles)); files != "" {
		c.Scan.ManualFiles = strings.Split(files, ",")
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
