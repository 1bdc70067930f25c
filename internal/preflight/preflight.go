// Package preflight provides readiness checks for the directories and
// external services a run depends on. The pipeline runs them before
// touching any state so a doomed run fails in seconds, not mid-item.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"smelter/internal/config"
)

// Result reports the outcome of a single check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Repository", cfg.Paths.RepoDir),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Report directory", cfg.Paths.ReportDir),
		CheckGitHub(ctx, cfg.GitHub),
	}
	return results
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// CheckDirectoryAccess verifies that the directory exists and is
// readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckGitHub verifies the API is reachable and the token can see the
// configured repository.
func CheckGitHub(ctx context.Context, cfg config.GitHub) Result {
	const name = "GitHub"

	if strings.TrimSpace(cfg.Token) == "" {
		return Result{Name: name, Detail: "missing token"}
	}
	if !strings.Contains(cfg.Repo, "/") {
		return Result{Name: name, Detail: fmt.Sprintf("repository %q is not owner/name", cfg.Repo)}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, base+"/repos/"+cfg.Repo, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%v)", err)}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetworkError(err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{Name: name, Passed: true, Detail: "repository reachable"}
	case http.StatusUnauthorized, http.StatusForbidden:
		return Result{Name: name, Detail: "auth failed (invalid token or missing scope)"}
	case http.StatusNotFound:
		return Result{Name: name, Detail: fmt.Sprintf("repository %s not found", cfg.Repo)}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%d)", resp.StatusCode)}
	}
}

func summarizeNetworkError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (API unreachable)"
	}
	return err.Error()
}
