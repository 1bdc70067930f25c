// Package refactor turns model output into applicable changes. The model
// answers in one of two shapes: a full rewrite between REFACTORED CODE
// markers (possibly spanning several files), or advisory suggestions when
// an automatic rewrite would be unsafe.
package refactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"smelter/internal/logging"
	"smelter/internal/services"
	"smelter/internal/services/gemini"
)

const (
	codeMarker        = "=== REFACTORED CODE ==="
	suggestionsMarker = "=== REFACTORING SUGGESTIONS ==="
	endMarker         = "=== END ==="
)

// RelatedLimit caps how many related files accompany a refactor request.
const RelatedLimit = 3

var fileSectionRe = regexp.MustCompile(`(?m)^===\s*(\S+\.java)\s*===\s*$`)

// Result is the parsed outcome of a refactor request.
type Result struct {
	// Files maps repository-relative paths to complete new content.
	// Empty when the model answered with suggestions only.
	Files map[string]string

	// AdvisoryOnly is set when the model declined an automatic rewrite.
	AdvisoryOnly bool

	// Suggestions holds the advisory text when AdvisoryOnly is set.
	Suggestions string
}

// CodeRewriter produces a raw refactor payload.
type CodeRewriter interface {
	RefactorCode(ctx context.Context, req gemini.RefactorRequest) (string, error)
}

// Engine drives refactoring for single files.
type Engine struct {
	rewriter CodeRewriter
	logger   *slog.Logger
}

// NewEngine builds an engine around the given rewriter.
func NewEngine(rewriter CodeRewriter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		rewriter: rewriter,
		logger:   logger.With(logging.String(logging.FieldComponent, "refactor")),
	}
}

// Refactor requests a rewrite of path and parses the response.
func (e *Engine) Refactor(ctx context.Context, req gemini.RefactorRequest) (Result, error) {
	payload, err := e.rewriter.RefactorCode(ctx, req)
	if err != nil {
		return Result{}, err
	}
	result, err := Parse(req.Path, payload)
	if err != nil {
		return Result{}, err
	}
	if result.AdvisoryOnly {
		e.logger.Info("model declined automatic rewrite",
			logging.String(logging.FieldItem, req.Path))
	}
	return result, nil
}

// Parse extracts the refactor outcome from a raw model payload. The
// primary path is attributed content without an explicit file section.
func Parse(primaryPath, payload string) (Result, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Result{}, services.NewError(services.KindValidation, "parse refactor", errors.New("empty payload"))
	}

	if body, ok := extractSection(payload, suggestionsMarker); ok {
		return Result{AdvisoryOnly: true, Suggestions: body}, nil
	}

	body, ok := extractSection(payload, codeMarker)
	if !ok {
		return Result{}, services.Errorf(services.KindValidation, "parse refactor",
			"payload has no recognized markers (snippet: %s)", services.PayloadSnippet(payload))
	}

	files := splitFileSections(primaryPath, body)
	for path, content := range files {
		if strings.TrimSpace(content) == "" {
			return Result{}, services.Errorf(services.KindValidation, "parse refactor",
				"empty content for %s", path)
		}
		files[path] = strings.TrimSpace(services.StripCodeFence(content)) + "\n"
	}
	return Result{Files: files}, nil
}

func extractSection(payload, marker string) (string, bool) {
	start := strings.Index(payload, marker)
	if start < 0 {
		return "", false
	}
	body := payload[start+len(marker):]
	if end := strings.Index(body, endMarker); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

// splitFileSections splits a code body on "=== path/File.java ===" heads.
// Content before the first head belongs to the primary file.
func splitFileSections(primaryPath, body string) map[string]string {
	matches := fileSectionRe.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return map[string]string{primaryPath: body}
	}

	files := map[string]string{}
	if lead := strings.TrimSpace(body[:matches[0][0]]); lead != "" {
		files[primaryPath] = lead
	}
	for i, match := range matches {
		path := body[match[2]:match[3]]
		start := match[1]
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		files[path] = strings.TrimSpace(body[start:end])
	}
	return files
}

// FormatSuggestions renders advisory output for the suggestions file
// committed in place of a direct rewrite.
func FormatSuggestions(path string, smells []string, suggestions string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Refactoring suggestions for %s\n\n", path)
	if len(smells) > 0 {
		fmt.Fprintf(&b, "Detected smells: %s\n\n", strings.Join(smells, ", "))
	}
	b.WriteString(strings.TrimSpace(suggestions))
	b.WriteString("\n")
	return b.String()
}
