// Package github is a minimal REST client for the pull-request workflow:
// branch creation, content updates, pull requests, and review feedback.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"smelter/internal/config"
	"smelter/internal/logging"
	"smelter/internal/services"
)

const defaultBaseURL = "https://api.github.com"

// Client talks to the GitHub REST API for one repository.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New builds a client for the configured owner/name repository.
func New(cfg config.GitHub, logger *slog.Logger, opts ...Option) (*Client, error) {
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, services.Errorf(services.KindConfiguration, "github client",
			"repository must be owner/name, got %q", cfg.Repo)
	}
	if cfg.Token == "" {
		return nil, services.NewError(services.KindConfiguration, "github client", errors.New("no token configured"))
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &Client{
		baseURL:    baseURL,
		owner:      owner,
		repo:       repo,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(logging.String(logging.FieldComponent, "github")),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Ref is a git reference with the commit it points at.
type Ref struct {
	Name string
	SHA  string
}

// DefaultBranchHead returns the repository default branch and its head commit.
func (c *Client) DefaultBranchHead(ctx context.Context) (Ref, error) {
	var repoInfo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, http.MethodGet, c.repoPath(""), nil, &repoInfo); err != nil {
		return Ref{}, err
	}

	var refInfo struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := c.repoPath("/git/ref/heads/" + repoInfo.DefaultBranch)
	if err := c.do(ctx, http.MethodGet, path, nil, &refInfo); err != nil {
		return Ref{}, err
	}
	return Ref{Name: repoInfo.DefaultBranch, SHA: refInfo.Object.SHA}, nil
}

// CreateBranch creates a branch at the given commit.
func (c *Client) CreateBranch(ctx context.Context, name, fromSHA string) error {
	body := map[string]string{
		"ref": "refs/heads/" + name,
		"sha": fromSHA,
	}
	return c.do(ctx, http.MethodPost, c.repoPath("/git/refs"), body, nil)
}

// PutFile creates or updates a file on a branch with the given commit
// message. Existing files need their current blob SHA, fetched here.
func (c *Client) PutFile(ctx context.Context, branch, path, message string, content []byte) error {
	body := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  branch,
	}
	if sha, err := c.fileSHA(ctx, branch, path); err == nil && sha != "" {
		body["sha"] = sha
	} else if err != nil && services.Classify(err) != services.KindNotFound {
		return err
	}
	return c.do(ctx, http.MethodPut, c.repoPath("/contents/"+path), body, nil)
}

func (c *Client) fileSHA(ctx context.Context, branch, path string) (string, error) {
	var info struct {
		SHA string `json:"sha"`
	}
	url := c.repoPath("/contents/"+path) + "?ref=" + branch
	if err := c.do(ctx, http.MethodGet, url, nil, &info); err != nil {
		return "", err
	}
	return info.SHA, nil
}

// FileContent fetches a file's decoded content from a branch.
func (c *Client) FileContent(ctx context.Context, branch, path string) ([]byte, error) {
	var info struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	url := c.repoPath("/contents/"+path) + "?ref=" + branch
	if err := c.do(ctx, http.MethodGet, url, nil, &info); err != nil {
		return nil, err
	}
	if info.Encoding != "base64" {
		return nil, services.Errorf(services.KindValidation, "github content",
			"unexpected encoding %q for %s", info.Encoding, path)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(info.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return decoded, nil
}

// Pull is a pull request summary.
type Pull struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	URL    string `json:"html_url"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// CreatePull opens a pull request from head into base.
func (c *Client) CreatePull(ctx context.Context, title, head, base, body string) (Pull, error) {
	req := map[string]string{
		"title": title,
		"head":  head,
		"base":  base,
		"body":  body,
	}
	var pull Pull
	if err := c.do(ctx, http.MethodPost, c.repoPath("/pulls"), req, &pull); err != nil {
		return Pull{}, err
	}
	c.logger.Info("pull request created",
		logging.Int("number", pull.Number),
		logging.String("url", pull.URL))
	return pull, nil
}

// GetPull fetches the current state of a pull request.
func (c *Client) GetPull(ctx context.Context, number int) (Pull, error) {
	var pull Pull
	err := c.do(ctx, http.MethodGet, c.repoPath(fmt.Sprintf("/pulls/%d", number)), nil, &pull)
	return pull, err
}

// PullFiles lists the file paths touched by a pull request.
func (c *Client) PullFiles(ctx context.Context, number int) ([]string, error) {
	var files []struct {
		Filename string `json:"filename"`
	}
	path := c.repoPath(fmt.Sprintf("/pulls/%d/files", number))
	if err := c.do(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Filename)
	}
	return paths, nil
}

// Comment is one piece of review feedback on a pull request.
type Comment struct {
	ID   int64     `json:"id"`
	Body string    `json:"body"`
	User string    `json:"-"`
	Path string    `json:"path"`
	At   time.Time `json:"created_at"`
}

// ListFeedback returns review comments and issue comments on a pull
// request, newest last.
func (c *Client) ListFeedback(ctx context.Context, number int) ([]Comment, error) {
	type rawComment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		Path string `json:"path"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		At time.Time `json:"created_at"`
	}

	var all []Comment
	for _, sub := range []string{
		fmt.Sprintf("/pulls/%d/comments", number),
		fmt.Sprintf("/issues/%d/comments", number),
	} {
		var raw []rawComment
		if err := c.do(ctx, http.MethodGet, c.repoPath(sub), nil, &raw); err != nil {
			return nil, err
		}
		for _, rc := range raw {
			all = append(all, Comment{
				ID:   rc.ID,
				Body: rc.Body,
				User: rc.User.Login,
				Path: rc.Path,
				At:   rc.At,
			})
		}
	}
	return all, nil
}

// AddComment posts an issue comment on a pull request.
func (c *Client) AddComment(ctx context.Context, number int, body string) error {
	req := map[string]string{"body": body}
	return c.do(ctx, http.MethodPost, c.repoPath(fmt.Sprintf("/issues/%d/comments", number)), req, nil)
}

func (c *Client) repoPath(sub string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", c.baseURL, c.owner, c.repo, sub)
}

func (c *Client) do(ctx context.Context, method, url string, body, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github request: encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("github request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(resp, data)
	}
	if target != nil {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("github request: decode response: %w", err)
		}
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.NewError(services.KindTimeout, "github request", err)
	}
	return fmt.Errorf("github request: %w", err)
}

// statusError maps GitHub HTTP failures onto the service error taxonomy.
// A 403 with exhausted rate-limit headers is quota, not authorization.
func statusError(resp *http.Response, body []byte) error {
	snippet := services.PayloadSnippet(string(body))
	kind := services.KindUnknown
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = services.KindQuota
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		kind = services.KindQuota
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = services.KindConfiguration
	case resp.StatusCode == http.StatusNotFound:
		kind = services.KindNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity:
		kind = services.KindValidation
	case resp.StatusCode >= http.StatusInternalServerError:
		kind = services.KindUnavailable
	}
	return services.Errorf(kind, "github request", "http %d: %s", resp.StatusCode, snippet)
}
