// Package deepseek provides the fallback smell analyzer used when Gemini
// quota is exhausted. It speaks the same OpenAI-compatible protocol with
// a single credential and its own rate limit.
package deepseek

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"smelter/internal/config"
	"smelter/internal/logging"
	"smelter/internal/ratelimit"
	"smelter/internal/services"
)

const detectionSystemPrompt = `You are a static analysis assistant for Java codebases.
Analyze the provided file for code smells. Respond with JSON only, no prose, in this shape:
{
  "has_smells": true,
  "smells": [
    {
      "type": "long_method",
      "severity": "high",
      "location": "ClassName.methodName",
      "description": "why this is a problem",
      "suggestion": "how to fix it"
    }
  ]
}
Use severity values "low", "medium", or "high". If the file is clean, respond with {"has_smells": false, "smells": []}.`

// Client issues detection requests against the DeepSeek API.
type Client struct {
	cfg     config.DeepSeek
	caller  *services.ChatCaller
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New builds a client from configuration.
func New(cfg config.DeepSeek, logger *slog.Logger, opts ...services.ChatOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, services.NewError(services.KindConfiguration, "deepseek client", errors.New("no API key configured"))
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(logging.String(logging.FieldComponent, "deepseek"))

	limiter, err := ratelimit.New(1, cfg.RequestsPerMinute, logger)
	if err != nil {
		return nil, services.NewError(services.KindConfiguration, "deepseek client", err)
	}
	return &Client{
		cfg:     cfg,
		caller:  services.NewChatCaller(cfg.TimeoutSeconds, opts...),
		limiter: limiter,
		logger:  logger,
	}, nil
}

func (c *Client) credential(ctx context.Context) (string, error) {
	if _, err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	return c.cfg.APIKey, nil
}

// DetectSmells asks the model to analyze one source file. The returned
// string is the raw model payload, decoded by the caller.
func (c *Client) DetectSmells(ctx context.Context, path, source string) (string, error) {
	c.logger.Debug("detecting smells",
		logging.String(logging.FieldItem, path),
		logging.String("model", c.cfg.Model))
	content, err := c.caller.Complete(ctx, services.ChatRequest{
		URL:          c.cfg.BaseURL,
		Model:        c.cfg.Model,
		System:       detectionSystemPrompt,
		User:         fmt.Sprintf("File: %s\n\n```java\n%s\n```", path, source),
		JSONResponse: true,
		Credential:   c.credential,
	})
	if err != nil {
		return "", fmt.Errorf("deepseek detect %s: %w", path, err)
	}
	return content, nil
}
