// Package explain writes the human-readable explanation stored on an issue
// once its fix pull request is open.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/gomarkdown/markdown"
	"github.com/microcosm-cc/bluemonday"

	"github.com/uesteibar/opsdeck/internal/prompts"
)

// Input is what is known about a fix.
type Input = prompts.ExplainData

// Generator produces an explanation with the given AI service key.
type Generator interface {
	Generate(ctx context.Context, apiKey string, in Input) (string, error)
}

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// Anthropic generates explanations through the Messages API.
type Anthropic struct {
	model     anthropic.Model
	baseURL   string
	maxTokens int64
	prompts   prompts.Renderer
}

// AnthropicOption configures an Anthropic generator.
type AnthropicOption func(*Anthropic)

// WithModel overrides the model.
func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) {
		if model != "" {
			a.model = anthropic.Model(model)
		}
	}
}

// WithBaseURL points the client at another API root.
func WithBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = url }
}

// WithPrompts sets the template renderer.
func WithPrompts(r prompts.Renderer) AnthropicOption {
	return func(a *Anthropic) { a.prompts = r }
}

func NewAnthropic(opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{model: anthropic.Model(DefaultModel), maxTokens: 1024}
	for _, o := range opts {
		o(a)
	}
	return a
}

var _ Generator = (*Anthropic)(nil)

func (a *Anthropic) Generate(ctx context.Context, apiKey string, in Input) (string, error) {
	prompt, err := a.prompts.ExplainFix(in)
	if err != nil {
		return "", err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	client := anthropic.NewClient(opts...)

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, strings.TrimSpace(block.Text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text content in API response")
	}
	return strings.Join(parts, "\n\n"), nil
}

// Explainer always returns an explanation: the generated one when possible,
// the template otherwise.
type Explainer struct {
	gen     Generator
	prompts prompts.Renderer
	timeout time.Duration
	logger  *slog.Logger
}

// NewExplainer wraps gen, which may be nil to always use the template.
func NewExplainer(gen Generator, r prompts.Renderer, timeout time.Duration, logger *slog.Logger) *Explainer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Explainer{gen: gen, prompts: r, timeout: timeout, logger: logger}
}

// Explain never returns an empty string.
func (e *Explainer) Explain(ctx context.Context, apiKey string, in Input) string {
	if e.gen != nil && apiKey != "" {
		genCtx, cancel := context.WithTimeout(ctx, e.timeout)
		text, err := e.gen.Generate(genCtx, apiKey, in)
		cancel()
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		e.logger.Warn("generating explanation, using template", "pr_url", in.PRURL, "error", err)
	}
	return Fallback(e.prompts, in)
}

// Fallback renders the template explanation.
func Fallback(r prompts.Renderer, in Input) string {
	text, err := r.ExplanationFallback(in)
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	return fmt.Sprintf("An automated fix for %q was proposed in %s. Review the pull request before merging.", in.Title, in.PRURL)
}

// RenderHTML converts a Markdown explanation to sanitized HTML.
func RenderHTML(md string) string {
	out := markdown.ToHTML([]byte(md), nil, nil)
	return bluemonday.UGCPolicy().Sanitize(string(out))
}
