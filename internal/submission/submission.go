// Package submission publishes refactoring outcomes as pull requests.
// Direct rewrites commit the changed files; advisory outcomes commit a
// suggestions document instead, so reviewers still see the findings.
package submission

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"smelter/internal/logging"
	"smelter/internal/refactor"
	"smelter/internal/services/github"
)

const suggestionsDir = "refactoring-suggestions"

// Repository is the slice of the GitHub client the submitter needs.
type Repository interface {
	DefaultBranchHead(ctx context.Context) (github.Ref, error)
	CreateBranch(ctx context.Context, name, fromSHA string) error
	PutFile(ctx context.Context, branch, path, message string, content []byte) error
	CreatePull(ctx context.Context, title, head, base, body string) (github.Pull, error)
}

// Submitter opens pull requests for refactoring results.
type Submitter struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// New builds a submitter.
func New(repo Repository, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Submitter{
		repo:   repo,
		logger: logger.With(logging.String(logging.FieldComponent, "submission")),
		now:    time.Now,
	}
}

// Request describes one item's refactoring outcome to publish.
type Request struct {
	Path   string
	Smells []string
	Result refactor.Result
}

// Outcome reports the created pull request.
type Outcome struct {
	Branch   string
	PRNumber int
	PRURL    string
}

// Submit creates a branch off the default branch head, commits the
// result, and opens a pull request.
func (s *Submitter) Submit(ctx context.Context, req Request) (Outcome, error) {
	head, err := s.repo.DefaultBranchHead(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve default branch: %w", err)
	}

	branch := s.branchName(req.Path)
	if err := s.repo.CreateBranch(ctx, branch, head.SHA); err != nil {
		return Outcome{}, fmt.Errorf("create branch %s: %w", branch, err)
	}
	s.logger.Info("branch created",
		logging.String(logging.FieldItem, req.Path),
		logging.String("branch", branch))

	var title, body string
	if req.Result.AdvisoryOnly {
		title, body, err = s.commitSuggestions(ctx, branch, req)
	} else {
		title, body, err = s.commitRewrite(ctx, branch, req)
	}
	if err != nil {
		return Outcome{}, err
	}

	pull, err := s.repo.CreatePull(ctx, title, branch, head.Name, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("create pull request: %w", err)
	}
	return Outcome{Branch: branch, PRNumber: pull.Number, PRURL: pull.URL}, nil
}

func (s *Submitter) commitRewrite(ctx context.Context, branch string, req Request) (string, string, error) {
	paths := make([]string, 0, len(req.Result.Files))
	for p := range req.Result.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	message := fmt.Sprintf("Refactor %s", req.Path)
	for _, p := range paths {
		if err := s.repo.PutFile(ctx, branch, p, message, []byte(req.Result.Files[p])); err != nil {
			return "", "", fmt.Errorf("commit %s: %w", p, err)
		}
	}

	title := fmt.Sprintf("Refactor %s", path.Base(req.Path))
	var b strings.Builder
	fmt.Fprintf(&b, "Automated refactoring of `%s`.\n\n", req.Path)
	if len(req.Smells) > 0 {
		fmt.Fprintf(&b, "Addressed smells: %s\n\n", strings.Join(req.Smells, ", "))
	}
	b.WriteString("Files changed:\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "- `%s`\n", p)
	}
	b.WriteString("\nBehavior and the public API are preserved. Review before merging.\n")
	return title, b.String(), nil
}

func (s *Submitter) commitSuggestions(ctx context.Context, branch string, req Request) (string, string, error) {
	target := path.Join(suggestionsDir, strings.ReplaceAll(req.Path, "/", "_")+".md")
	content := refactor.FormatSuggestions(req.Path, req.Smells, req.Result.Suggestions)
	message := fmt.Sprintf("Add refactoring suggestions for %s", req.Path)
	if err := s.repo.PutFile(ctx, branch, target, message, []byte(content)); err != nil {
		return "", "", fmt.Errorf("commit suggestions: %w", err)
	}

	title := fmt.Sprintf("Refactoring suggestions for %s", path.Base(req.Path))
	body := fmt.Sprintf(
		"An automatic rewrite of `%s` was judged too risky, so this change adds advisory suggestions at `%s` instead.\n",
		req.Path, target)
	return title, body, nil
}

// branchName derives a unique branch from the submission time and item path.
func (s *Submitter) branchName(itemPath string) string {
	digest := md5.Sum([]byte(itemPath))
	return fmt.Sprintf("bot/refactor-%d-%s", s.now().Unix(), hex.EncodeToString(digest[:])[:8])
}
