package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIService generates structured trailer scripts through the chat
// completions API in JSON mode.
type OpenAIService struct {
	client *openai.Client
	model  string
}

func NewOpenAIService(apiKey, model string) *OpenAIService {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// NewOpenAIServiceWithBaseURL points the client at a compatible endpoint.
func NewOpenAIServiceWithBaseURL(apiKey, model, baseURL string) *OpenAIService {
	s := NewOpenAIService(apiKey, model)
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	s.client = openai.NewClientWithConfig(cfg)
	return s
}

// Generate sends one system+user exchange and returns the raw JSON content
// of the first choice. Parsing and validation belong to the caller.
func (s *OpenAIService) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: system,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: user,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.9,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &errs.ExternalServiceError{Service: "openai", Body: "no choices in response"}
	}

	content := resp.Choices[0].Message.Content
	log.Debug().
		Str("model", s.model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Int("content_len", len(content)).
		Msg("[OpenAI] Completion received")

	return content, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &errs.ExternalServiceError{
			Service:    "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Body:       apiErr.Message,
			Retryable:  errs.IsRetryableStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &errs.ExternalServiceError{
			Service:    "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Retryable:  errs.IsRetryableStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}
	return errs.FromTransport("openai", fmt.Errorf("openai request failed: %w", err))
}
