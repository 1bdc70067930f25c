// Package gemini talks to the Gemini OpenAI-compatible chat endpoint. The
// flash model handles smell detection; the pro model handles refactoring
// and revision. Calls rotate across the configured API keys under a
// shared per-key rate limit.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"smelter/internal/config"
	"smelter/internal/logging"
	"smelter/internal/ratelimit"
	"smelter/internal/services"
)

// Client issues detection and refactoring requests.
type Client struct {
	cfg     config.Gemini
	caller  *services.ChatCaller
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New builds a client from configuration. The rate limiter admits
// cfg.RequestsPerMinute calls per key over a sliding minute.
func New(cfg config.Gemini, logger *slog.Logger, opts ...services.ChatOption) (*Client, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, services.NewError(services.KindConfiguration, "gemini client", errors.New("no API keys configured"))
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(logging.String(logging.FieldComponent, "gemini"))

	limiter, err := ratelimit.New(len(cfg.APIKeys), cfg.RequestsPerMinute, logger)
	if err != nil {
		return nil, services.NewError(services.KindConfiguration, "gemini client", err)
	}
	return &Client{
		cfg:     cfg,
		caller:  services.NewChatCaller(cfg.TimeoutSeconds, opts...),
		limiter: limiter,
		logger:  logger,
	}, nil
}

// credential blocks on rate-limit admission and returns the admitted key.
func (c *Client) credential(ctx context.Context) (string, error) {
	idx, err := c.limiter.Acquire(ctx)
	if err != nil {
		return "", err
	}
	return c.cfg.APIKeys[idx], nil
}

// DetectSmells asks the flash model to analyze one source file. The
// returned string is the raw model payload, decoded by the caller.
func (c *Client) DetectSmells(ctx context.Context, path, source string) (string, error) {
	c.logger.Debug("detecting smells",
		logging.String(logging.FieldItem, path),
		logging.String("model", c.cfg.FlashModel))
	content, err := c.caller.Complete(ctx, services.ChatRequest{
		URL:          c.cfg.BaseURL,
		Model:        c.cfg.FlashModel,
		System:       detectionSystemPrompt,
		User:         detectionUserPrompt(path, source),
		JSONResponse: true,
		Credential:   c.credential,
	})
	if err != nil {
		return "", fmt.Errorf("gemini detect %s: %w", path, err)
	}
	return content, nil
}

// RefactorRequest carries everything the pro model needs to rewrite a file.
type RefactorRequest struct {
	Path    string
	Source  string
	Smells  []string
	Related map[string]string
}

// RefactorCode asks the pro model to refactor one source file, optionally
// with related files as context. The raw payload is parsed by the caller.
func (c *Client) RefactorCode(ctx context.Context, req RefactorRequest) (string, error) {
	c.logger.Debug("requesting refactor",
		logging.String(logging.FieldItem, req.Path),
		logging.String("model", c.cfg.ProModel),
		logging.Int("related_files", len(req.Related)))
	content, err := c.caller.Complete(ctx, services.ChatRequest{
		URL:        c.cfg.BaseURL,
		Model:      c.cfg.ProModel,
		System:     refactorSystemPrompt,
		User:       refactorUserPrompt(req),
		Credential: c.credential,
	})
	if err != nil {
		return "", fmt.Errorf("gemini refactor %s: %w", req.Path, err)
	}
	return content, nil
}

// ReviseRequest carries reviewer feedback for a previously refactored file.
type ReviseRequest struct {
	Path     string
	Source   string
	Feedback []string
}

// ReviseCode asks the pro model to address review feedback on a file.
func (c *Client) ReviseCode(ctx context.Context, req ReviseRequest) (string, error) {
	c.logger.Debug("requesting revision",
		logging.String(logging.FieldItem, req.Path),
		logging.Int("comments", len(req.Feedback)))
	content, err := c.caller.Complete(ctx, services.ChatRequest{
		URL:        c.cfg.BaseURL,
		Model:      c.cfg.ProModel,
		System:     revisionSystemPrompt,
		User:       revisionUserPrompt(req),
		Credential: c.credential,
	})
	if err != nil {
		return "", fmt.Errorf("gemini revise %s: %w", req.Path, err)
	}
	return content, nil
}

func sortedRelatedPaths(related map[string]string) []string {
	paths := make([]string, 0, len(related))
	for path := range related {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func joinSmells(smells []string) string {
	if len(smells) == 0 {
		return "any code smells you find"
	}
	return strings.Join(smells, ", ")
}
