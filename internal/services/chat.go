package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	jsonResponseType      = "json_object"
	defaultHTTPTimeout    = 60 * time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryAttempts  = 4
)

// DefaultHTTPTimeout returns the default timeout for model requests.
func DefaultHTTPTimeout() time.Duration {
	return defaultHTTPTimeout
}

// ChatRequest describes one chat completion call against an
// OpenAI-compatible endpoint.
type ChatRequest struct {
	URL          string
	Model        string
	System       string
	User         string
	JSONResponse bool

	// Credential is invoked before every attempt and returns the API key
	// to use. It may block on rate-limit admission; the context cancels
	// the wait.
	Credential func(ctx context.Context) (string, error)
}

// ChatCaller issues chat completion requests with bounded retries. It is
// shared by the model service clients, which differ only in endpoint,
// credentials, and prompts.
type ChatCaller struct {
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(context.Context, time.Duration) error
}

// ChatOption customizes a ChatCaller.
type ChatOption func(*ChatCaller)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) ChatOption {
	return func(c *ChatCaller) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the retry count.
func WithRetryMaxAttempts(attempts int) ChatOption {
	return func(c *ChatCaller) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) ChatOption {
	return func(c *ChatCaller) {
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// WithSleeper overrides how retry waits are performed. Intended for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) ChatOption {
	return func(c *ChatCaller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewChatCaller builds a caller with the given request timeout.
func NewChatCaller(timeoutSeconds int, opts ...ChatOption) *ChatCaller {
	timeout := defaultHTTPTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	caller := &ChatCaller{
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: defaultRetryAttempts,
		baseDelay:   defaultRetryBaseDelay,
		maxDelay:    defaultRetryMaxDelay,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(caller)
	}
	return caller
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// ErrorKind maps the HTTP status onto the service error taxonomy.
func (e *httpStatusError) ErrorKind() ErrorKind {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		strings.Contains(e.Body, "RESOURCE_EXHAUSTED"):
		return KindQuota
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return KindConfiguration
	case e.StatusCode == http.StatusNotFound:
		return KindNotFound
	case e.StatusCode == http.StatusRequestTimeout:
		return KindTimeout
	case e.StatusCode == http.StatusUnprocessableEntity, e.StatusCode == http.StatusBadRequest:
		return KindValidation
	case e.StatusCode >= http.StatusInternalServerError:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// Complete issues the request, retrying transient failures with bounded
// exponential backoff and honoring Retry-After hints.
func (c *ChatCaller) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if strings.TrimSpace(req.System) == "" {
		return "", NewError(KindValidation, "chat complete", errors.New("system prompt required"))
	}
	if strings.TrimSpace(req.User) == "" {
		return "", NewError(KindValidation, "chat complete", errors.New("user prompt required"))
	}
	if req.Credential == nil {
		return "", NewError(KindConfiguration, "chat complete", errors.New("credential source required"))
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		apiKey, err := req.Credential(ctx)
		if err != nil {
			return "", err
		}

		content, err := c.sendOnce(ctx, req, apiKey)
		if err == nil {
			return content, nil
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt)
		if !retry {
			return "", classifyChatError(err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", classifyChatError(fmt.Errorf("failed after %d attempts: %w", c.maxAttempts, lastErr))
}

func classifyChatError(err error) error {
	var kinder ErrorKinder
	if errors.As(err, &kinder) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "chat complete", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, "chat complete", err)
	}
	return err
}

func (c *ChatCaller) sendOnce(ctx context.Context, req ChatRequest, apiKey string) (string, error) {
	payload := chatCompletionRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: 0,
	}
	if req.JSONResponse {
		payload.ResponseFormat = map[string]string{"type": jsonResponseType}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if requestID, ok := RequestIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if completion.Error != nil {
		if strings.Contains(completion.Error.Status, "RESOURCE_EXHAUSTED") {
			return "", NewError(KindQuota, "chat complete", errors.New(completion.Error.Message))
		}
		return "", fmt.Errorf("api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", fmt.Errorf("empty content (payload snippet: %s)", PayloadSnippet(string(body)))
}

func (c *ChatCaller) retryDelay(ctx context.Context, err error, attempt int) (time.Duration, bool) {
	if attempt >= c.maxAttempts {
		return 0, false
	}
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.ErrorKind() {
		case KindQuota, KindTimeout, KindUnavailable:
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoffDelay(attempt), true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

// backoffDelay doubles per attempt: base, base*2, base*4, capped.
func (c *ChatCaller) backoffDelay(attempt int) time.Duration {
	if c.baseDelay <= 0 {
		return 0
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		if delay > c.maxDelay/2 {
			delay = c.maxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *ChatCaller) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if c.maxDelay > 0 && delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
