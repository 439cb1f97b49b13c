// Package summary writes short prose summaries of a flag removal for the
// proposal body using Claude.
package summary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fentz26/flagsweep/internal/proposal"
	"github.com/fentz26/flagsweep/internal/telemetry"
)

// DefaultModel is used when ai.model is unset.
const DefaultModel = "claude-haiku-4-5"

// ErrAPIKeyRequired is returned when no API key is configured.
var ErrAPIKeyRequired = errors.New("anthropic API key required")

const promptTemplate = `A feature flag named "{{.Flag}}" was removed from a codebase by an automated agent.
The conditional logic guarded by the flag was collapsed to its default behaviour.

Files modified:
{{range .Files}}- {{.}}
{{else}}(none reported)
{{end}}
Write two or three sentences for a pull request description summarizing this change
for a reviewer. Plain prose, no headings, no code blocks.`

// Anthropic implements proposal.Summarizer with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	prompt    *template.Template
}

var _ proposal.Summarizer = (*Anthropic)(nil)

// NewAnthropic creates a summarizer. Extra request options (base URL, retry
// count) are passed through to the SDK client.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}
	if model == "" {
		model = DefaultModel
	}
	tmpl, err := template.New("summary").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Anthropic{
		client:    anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:     anthropic.Model(model),
		maxTokens: 512,
		prompt:    tmpl,
	}, nil
}

// Summarize asks the model for a reviewer-facing summary.
func (a *Anthropic) Summarize(ctx context.Context, flag string, files []string) (string, error) {
	var buf bytes.Buffer
	if err := a.prompt.Execute(&buf, struct {
		Flag  string
		Files []string
	}{flag, files}); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	ctx, span := telemetry.Tracer("github.com/fentz26/flagsweep/summary").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("flagsweep.ai.model", string(a.model)))

	start := time.Now()
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buf.String())),
		},
	})
	span.SetAttributes(attribute.Int64("flagsweep.ai.duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("summarize %s: %w", flag, err)
	}

	if len(message.Content) == 0 {
		return "", errors.New("unexpected response format: no content blocks")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
	}
	return strings.TrimSpace(content.Text), nil
}
