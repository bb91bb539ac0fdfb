// Package llm dispatches completion calls to the model provider with bounded
// concurrency, dispatch spacing, and retry with exponential backoff.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/recapd/recapd/pkg/models"
)

// Request is a single completion call after model-alias resolution.
type Request struct {
	Model           string
	System          string
	User            string
	Temperature     float64
	MaxOutputTokens int
}

// Usage is the provider's token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the raw provider result before parsing.
type Response struct {
	Content string
	Usage   Usage
}

// Provider performs one completion attempt. Implementations must honor ctx
// cancellation; retries and concurrency control live in the Dispatcher.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// OpenAIProvider talks to an OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds a provider for the given key. An empty baseURL
// uses the upstream default, so any OpenAI-compatible server works.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxOutputTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	})
	if err != nil {
		return Response{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: provider returned no choices", models.ErrLLMInvalid)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return Response{}, fmt.Errorf("%w: content filtered", models.ErrLLMRefused)
	}
	if choice.Message.Content == "" {
		return Response{}, fmt.Errorf("%w: empty completion", models.ErrLLMInvalid)
	}
	return Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// classifyError maps provider failures onto the service error model. Only
// rate limits and server-side failures are retryable.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &models.RateLimitedError{}
		case apiErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s", models.ErrLLMUnavailable, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", models.ErrLLMInvalid, apiErr.Message)
		default:
			return fmt.Errorf("%w: %s", models.ErrLLMRefused, apiErr.Message)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Transport-level failure: connection refused, DNS, timeout.
	return fmt.Errorf("%w: %v", models.ErrLLMUnavailable, err)
}
