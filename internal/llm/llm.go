package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pavelanni/marker/internal/observability"
)

// ErrNoChoices is returned when the provider answers without a completion.
var ErrNoChoices = errors.New("LLM returned no choices")

var tracer = otel.Tracer("github.com/pavelanni/marker/internal/llm")

// Options tunes a single completion request.
type Options struct {
	Temperature float32
	MaxTokens   int
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends a single-message prompt and returns the raw completion text.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.prompt_chars", len(prompt)),
		attribute.Int("llm.max_tokens", opts.MaxTokens),
	)

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	observability.LLMLatency().WithLabelValues(c.model).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.LLMRequests().WithLabelValues(c.model, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		observability.LLMRequests().WithLabelValues(c.model, "empty").Inc()
		span.SetStatus(codes.Error, "no choices")
		return "", ErrNoChoices
	}
	observability.LLMRequests().WithLabelValues(c.model, "ok").Inc()
	span.SetAttributes(attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens))

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", c.model, "chars", len(raw))
	return raw, nil
}

// Ping checks that the provider is reachable by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM ping: %w", err)
	}
	return nil
}
