// Package enrichment talks to the external research service that produces
// issuer profiles. The service is any OpenAI-compatible chat completion
// endpoint; replies are free text that usually, but not always, embeds a
// JSON profile.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Research modes.
const (
	ModeInitial = "initial"
	ModeUpdate  = "update"
)

// ErrUpstream wraps every failure of the research call: transport errors,
// non-success responses and empty replies.
var ErrUpstream = errors.New("enrichment service failed")

// Result is the outcome of one research call.
type Result struct {
	// Profile is the first JSON object in the reply, or {"raw": reply} when
	// none decodes.
	Profile map[string]any
	// NoUpdates is set when the service reports nothing new (update mode).
	NoUpdates bool
	// Raw is the unmodified reply text.
	Raw string
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32
}

// Client calls the research service.
type Client struct {
	api         *openai.Client
	model       string
	timeout     time.Duration
	maxTokens   int
	temperature float32
}

// NewClient builds a Client. An empty BaseURL targets api.openai.com.
func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Client{
		api:         openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		timeout:     opts.Timeout,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}
}

// Research asks the service for ticker's profile and parses the reply.
func (c *Client) Research(ctx context.Context, ticker, mode string, existing map[string]any) (Result, error) {
	raw, err := c.ResearchRaw(ctx, ticker, mode, existing)
	if err != nil {
		return Result{}, err
	}
	return Parse(raw), nil
}

// ResearchRaw returns the unparsed reply text.
func (c *Client) ResearchRaw(ctx context.Context, ticker, mode string, existing map[string]any) (string, error) {
	tr := otel.Tracer("enrichment/Client")
	ctx, span := tr.Start(ctx, "Research",
		trace.WithAttributes(
			attribute.String("issuer.ticker", ticker),
			attribute.String("enrichment.mode", mode),
			attribute.String("llm.model", c.model),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user, err := userPrompt(ticker, mode, existing)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty reply", ErrUpstream)
	}

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	log.Debug().
		Str("ticker", ticker).
		Str("mode", mode).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("took", time.Since(start)).
		Msg("research completed")

	return resp.Choices[0].Message.Content, nil
}

// Parse turns reply text into a Result.
func Parse(raw string) Result {
	res := Result{Raw: raw}
	if obj, ok := ExtractJSON(raw); ok {
		res.Profile = obj
	} else {
		res.Profile = map[string]any{"raw": raw}
	}
	if v, ok := res.Profile["no_updates"].(bool); ok && v {
		res.NoUpdates = true
	}
	return res
}
