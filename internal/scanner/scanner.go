// Package scanner discovers candidate source files in the target
// repository according to the configured scan mode.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"smelter/internal/config"
	"smelter/internal/fileutil"
	"smelter/internal/logging"
)

// Candidate is one discovered file, identified by its repository-relative
// path with a content fingerprint taken at discovery time.
type Candidate struct {
	Path        string
	AbsPath     string
	Fingerprint string
	Lines       int
}

// Scanner walks the target repository for files to process.
type Scanner struct {
	repoDir string
	cfg     config.Scan
	logger  *slog.Logger
}

// New builds a scanner rooted at repoDir.
func New(repoDir string, cfg config.Scan, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scanner{
		repoDir: repoDir,
		cfg:     cfg,
		logger:  logger.With(logging.String(logging.FieldComponent, "scanner")),
	}
}

// Discover returns candidates for the configured scan mode, capped at the
// configured per-run maximum and sorted by path for stable ordering.
func (s *Scanner) Discover(ctx context.Context) ([]Candidate, error) {
	var (
		paths []string
		err   error
	)
	switch s.cfg.Mode {
	case config.ScanModeAll:
		paths, err = s.walk(func(Candidate) bool { return true })
	case config.ScanModeLarge:
		paths, err = s.walk(func(c Candidate) bool { return c.Lines >= s.cfg.MinLines })
	case config.ScanModePackage:
		prefix := filepath.ToSlash(strings.TrimPrefix(s.cfg.Package, "/"))
		paths, err = s.walk(func(c Candidate) bool {
			return strings.HasPrefix(filepath.ToSlash(c.Path), prefix)
		})
	case config.ScanModeManual:
		paths = append(paths, s.cfg.ManualFiles...)
	case config.ScanModeChanged:
		paths, err = s.changedFiles(ctx)
		if err != nil {
			s.logger.Warn("git history unavailable, falling back to large-file scan",
				logging.Error(err))
			paths, err = s.walk(func(c Candidate) bool { return c.Lines >= s.cfg.MinLines })
		}
	default:
		return nil, fmt.Errorf("unknown scan mode %q", s.cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	candidates, err := s.resolve(paths)
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
	if s.cfg.MaxFilesPerRun > 0 && len(candidates) > s.cfg.MaxFilesPerRun {
		s.logger.Info("capping discovered files",
			logging.Int("discovered", len(candidates)),
			logging.Int("limit", s.cfg.MaxFilesPerRun))
		candidates = candidates[:s.cfg.MaxFilesPerRun]
	}
	return candidates, nil
}

// walk is a filtered walk over the repository tree. The filter sees a
// candidate with path and line count already populated.
func (s *Scanner) walk(keep func(Candidate) bool) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.repoDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if s.excluded(entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.matchesExtension(entry.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.repoDir, path)
		if err != nil {
			return err
		}
		lines, err := fileutil.CountLines(path)
		if err != nil {
			return err
		}
		if keep(Candidate{Path: rel, Lines: lines}) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.repoDir, err)
	}
	return paths, nil
}

// changedFiles lists files touched by commits within the configured
// window, via git log against the working tree.
func (s *Scanner) changedFiles(ctx context.Context) ([]string, error) {
	since := fmt.Sprintf("--since=%d hours ago", s.cfg.ChangedHours)
	cmd := exec.CommandContext(ctx, "git", "log", since, "--name-only", "--pretty=format:")
	cmd.Dir = s.repoDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}

	seen := map[string]bool{}
	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] || !s.matchesExtension(line) {
			continue
		}
		seen[line] = true
		paths = append(paths, line)
	}
	return paths, nil
}

// resolve filters paths down to files that exist, match the configured
// extensions, and are not under excluded directories, and fingerprints
// each survivor.
func (s *Scanner) resolve(paths []string) ([]Candidate, error) {
	var candidates []Candidate
	for _, rel := range paths {
		rel = filepath.Clean(rel)
		if rel == "." || rel == "" {
			continue
		}
		if !s.matchesExtension(rel) || s.pathExcluded(rel) {
			continue
		}
		abs := filepath.Join(s.repoDir, rel)
		if !fileutil.Exists(abs) {
			s.logger.Debug("skipping missing file", logging.String(logging.FieldItem, rel))
			continue
		}
		fingerprint, err := fileutil.FingerprintFile(abs)
		if err != nil {
			return nil, err
		}
		lines, err := fileutil.CountLines(abs)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{
			Path:        filepath.ToSlash(rel),
			AbsPath:     abs,
			Fingerprint: fingerprint,
			Lines:       lines,
		})
	}
	return candidates, nil
}

func (s *Scanner) matchesExtension(path string) bool {
	if len(s.cfg.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range s.cfg.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func (s *Scanner) excluded(dirName string) bool {
	for _, excluded := range s.cfg.ExcludeDirs {
		if dirName == excluded {
			return true
		}
	}
	return false
}

func (s *Scanner) pathExcluded(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if s.excluded(part) {
			return true
		}
	}
	return false
}

// ReadFile returns the current content of a discovered candidate.
func (s *Scanner) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.repoDir, filepath.FromSlash(rel)))
}
