// Package claude backs the correlation engine's semantic scorer and
// root-cause narrator with the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/correlation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/llm/claude")

const (
	scoreMaxTokens   = 64
	explainMaxTokens = 512
	maxAnalysisLen   = 2000
)

const scoreSystem = `You compare two production alerts and estimate whether they share a root cause.
Reply with only a JSON object of the form {"score": <number between 0 and 1>}.`

const explainSystem = `You are an on-call assistant. Given a primary alert, a suspected root-cause alert
and related alerts, write a short plain-text root cause analysis of at most five sentences.
Do not use markdown.`

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("claude: empty response")

// Usage is the token usage of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Client implements correlation.Scorer and correlation.Narrator.
type Client struct {
	api     anthropic.Client
	model   anthropic.Model
	onUsage func(op string, u Usage)
}

// New creates a client for model. Extra request options are applied after
// the defaults, so tests can point it at a local server.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		option.WithMaxRetries(1),
	}
	return &Client{
		api:   anthropic.NewClient(append(base, opts...)...),
		model: anthropic.Model(model),
	}
}

// OnUsage registers a callback invoked after every successful call.
func (c *Client) OnUsage(fn func(op string, u Usage)) { c.onUsage = fn }

// Score implements correlation.Scorer.
func (c *Client) Score(ctx context.Context, a alert.ForEvaluation, g *alert.Group) (float64, error) {
	if g == nil {
		return 0, errors.New("claude: nil group")
	}
	prompt := "Alert A:\n" + describeAlert(a) + "\nAlert B:\n" + describeAlert(g.ForEvaluation())
	text, err := c.complete(ctx, "score", scoreSystem, prompt, scoreMaxTokens)
	if err != nil {
		return 0, err
	}
	return parseScore(text)
}

// Explain implements correlation.Narrator.
func (c *Client) Explain(ctx context.Context, primary alert.ForEvaluation, rootCause *alert.Group, related []correlation.Candidate) (string, error) {
	var b strings.Builder
	b.WriteString("Primary alert:\n")
	b.WriteString(describeAlert(primary))
	if rootCause != nil {
		b.WriteString("\nSuspected root cause:\n")
		b.WriteString(describeAlert(rootCause.ForEvaluation()))
	}
	for i, cand := range related {
		if cand.Group == nil {
			continue
		}
		fmt.Fprintf(&b, "\nRelated alert %d (score %.2f):\n", i+1, cand.Score)
		b.WriteString(describeAlert(cand.Group.ForEvaluation()))
		if len(cand.Reasons) > 0 {
			b.WriteString("matched on: " + strings.Join(cand.Reasons, ", ") + "\n")
		}
	}

	text, err := c.complete(ctx, "explain", explainSystem, b.String(), explainMaxTokens)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if len(text) > maxAnalysisLen {
		text = text[:maxAnalysisLen]
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, op, system, prompt string, maxTokens int64) (string, error) {
	ctx, span := tracer.Start(ctx, "claude."+op)
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", string(c.model)))

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "messages.new")
		return "", fmt.Errorf("claude %s: %w", op, err)
	}

	span.SetAttributes(
		attribute.Int64("llm.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("llm.output_tokens", msg.Usage.OutputTokens),
	)
	if c.onUsage != nil {
		c.onUsage(op, Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens})
	}

	text := textOf(msg)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// textOf concatenates the text blocks of a response.
func textOf(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseScore accepts {"score": x} optionally surrounded by prose or a
// code fence, or a bare number. The result is clamped to [0,1].
func parseScore(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		var out struct {
			Score *float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil && out.Score != nil {
			return clamp(*out.Score)
		}
	}
	var f float64
	if err := json.Unmarshal([]byte(text), &f); err == nil {
		return clamp(f)
	}
	return 0, fmt.Errorf("claude: unparseable score %q", truncate(text, 80))
}

func clamp(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("claude: invalid score %v", f)
	}
	return math.Max(0, math.Min(1, f)), nil
}

func describeAlert(a alert.ForEvaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title: %s\n", a.Title)
	if a.Message != "" {
		fmt.Fprintf(&b, "message: %s\n", truncate(a.Message, 500))
	}
	fmt.Fprintf(&b, "severity: %s\nsource: %s\n", a.Severity, a.Source)
	if a.Project != "" {
		fmt.Fprintf(&b, "project: %s\n", a.Project)
	}
	if a.Environment != "" {
		fmt.Fprintf(&b, "environment: %s\n", a.Environment)
	}
	if !a.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "occurred: %s\n", a.OccurredAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
