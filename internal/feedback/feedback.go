// Package feedback watches open pull requests for review comments and
// pushes revised code until the pull request is merged, closed, or the
// poll budget is spent.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"smelter/internal/config"
	"smelter/internal/logging"
	"smelter/internal/refactor"
	"smelter/internal/services/gemini"
	"smelter/internal/services/github"
)

// Repository is the slice of the GitHub client the monitor needs.
type Repository interface {
	GetPull(ctx context.Context, number int) (github.Pull, error)
	ListFeedback(ctx context.Context, number int) ([]github.Comment, error)
	PullFiles(ctx context.Context, number int) ([]string, error)
	FileContent(ctx context.Context, branch, path string) ([]byte, error)
	PutFile(ctx context.Context, branch, path, message string, content []byte) error
	AddComment(ctx context.Context, number int, body string) error
}

// Reviser produces a revised file from review feedback.
type Reviser interface {
	ReviseCode(ctx context.Context, req gemini.ReviseRequest) (string, error)
}

// Monitor polls one pull request and applies reviewer feedback.
type Monitor struct {
	repo    Repository
	reviser Reviser
	cfg     config.Feedback
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// New builds a monitor.
func New(repo Repository, reviser Reviser, cfg config.Feedback, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		repo:    repo,
		reviser: reviser,
		cfg:     cfg,
		logger:  logger.With(logging.String(logging.FieldComponent, "feedback")),
		sleep:   sleepContext,
	}
}

// Watch polls the pull request until it is merged or closed, revising
// code for new review comments. The loop runs at most cfg.MaxIterations
// polls, so an idle pull request cannot pin the process; each poll pushes
// at most one revision batch.
func (m *Monitor) Watch(ctx context.Context, number int, branch string) error {
	interval := time.Duration(m.cfg.CheckIntervalSeconds) * time.Second
	var lastSeen int64

	for iteration := 0; iteration < m.cfg.MaxIterations; iteration++ {
		pull, err := m.repo.GetPull(ctx, number)
		if err != nil {
			return fmt.Errorf("poll pull %d: %w", number, err)
		}
		if pull.Merged || pull.State == "closed" {
			m.logger.Info("pull request settled",
				logging.Int("number", number),
				logging.String("state", pull.State))
			return nil
		}

		fresh, maxID, err := m.newFeedback(ctx, number, lastSeen)
		if err != nil {
			return err
		}
		lastSeen = maxID

		if len(fresh) > 0 {
			if err := m.revise(ctx, number, branch, fresh); err != nil {
				return err
			}
		}

		if err := m.sleep(ctx, interval); err != nil {
			return err
		}
	}

	m.logger.Warn("iteration budget exhausted, leaving the pull request to reviewers",
		logging.Int("number", number),
		logging.Int("iterations", m.cfg.MaxIterations))
	return nil
}

func (m *Monitor) newFeedback(ctx context.Context, number int, lastSeen int64) ([]github.Comment, int64, error) {
	comments, err := m.repo.ListFeedback(ctx, number)
	if err != nil {
		return nil, lastSeen, fmt.Errorf("list feedback on pull %d: %w", number, err)
	}
	maxID := lastSeen
	var fresh []github.Comment
	for _, comment := range comments {
		if comment.ID > maxID {
			maxID = comment.ID
		}
		if comment.ID > lastSeen && strings.TrimSpace(comment.Body) != "" {
			fresh = append(fresh, comment)
		}
	}
	return fresh, maxID, nil
}

// revise groups comments by file and pushes one revision per touched
// file. Comments without a file target apply to every file in the pull.
func (m *Monitor) revise(ctx context.Context, number int, branch string, comments []github.Comment) error {
	byPath := map[string][]string{}
	var general []string
	for _, comment := range comments {
		if comment.Path == "" {
			general = append(general, comment.Body)
			continue
		}
		byPath[comment.Path] = append(byPath[comment.Path], comment.Body)
	}
	if len(general) > 0 {
		files, err := m.repo.PullFiles(ctx, number)
		if err != nil {
			return fmt.Errorf("list pull files: %w", err)
		}
		for _, path := range files {
			if strings.HasSuffix(path, ".java") {
				byPath[path] = append(byPath[path], general...)
			}
		}
	}

	for path, bodies := range byPath {
		if err := m.reviseFile(ctx, branch, path, bodies); err != nil {
			return err
		}
	}

	summary := fmt.Sprintf("Pushed a revision addressing %d review comment(s).", len(comments))
	if err := m.repo.AddComment(ctx, number, summary); err != nil {
		m.logger.Warn("could not acknowledge feedback", logging.Error(err))
	}
	return nil
}

func (m *Monitor) reviseFile(ctx context.Context, branch, path string, feedback []string) error {
	current, err := m.repo.FileContent(ctx, branch, path)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}

	payload, err := m.reviser.ReviseCode(ctx, gemini.ReviseRequest{
		Path:     path,
		Source:   string(current),
		Feedback: feedback,
	})
	if err != nil {
		return fmt.Errorf("revise %s: %w", path, err)
	}

	result, err := refactor.Parse(path, payload)
	if err != nil {
		return fmt.Errorf("parse revision of %s: %w", path, err)
	}
	if result.AdvisoryOnly {
		m.logger.Warn("revision came back advisory only, skipping push",
			logging.String(logging.FieldItem, path))
		return nil
	}

	content, ok := result.Files[path]
	if !ok {
		return fmt.Errorf("revision of %s did not include the file", path)
	}
	message := fmt.Sprintf("Address review feedback on %s", path)
	if err := m.repo.PutFile(ctx, branch, path, message, []byte(content)); err != nil {
		return fmt.Errorf("push revision of %s: %w", path, err)
	}
	m.logger.Info("revision pushed",
		logging.String(logging.FieldItem, path),
		logging.Int("comments", len(feedback)))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
