package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/northstar-ai/northstar/internal/config"
	"github.com/northstar-ai/northstar/pkg/models"
)

// OpenAI calls an OpenAI-compatible chat-completions endpoint. With a
// custom BaseURL this also serves Ollama and other compatible local
// backends.
//
// Per the model-provider contract, transport failures produce a degraded
// result, not an error, so gates decide their own fail-open/fail-closed
// response.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates the client from provider config.
func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (p *OpenAI) Name() string { return "openai" }

// retryable reports whether the API error is worth a second attempt.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	// Hard transport failures go straight to the degraded path; the
	// circuit breaker accounts for them.
	return false
}

func (p *OpenAI) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	// Rate limits and transient 5xx get a short retry budget; everything
	// else surfaces immediately as a degraded result.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 3 * time.Second

	var resp openai.ChatCompletionResponse
	err := backoff.Retry(func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: messages,
		})
		if callErr != nil && !retryable(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		log.Warn().Err(err).Str("model", p.model).Msg("Chat completion failed, returning degraded result")
		return &models.GenerateResult{
			Text:            "",
			ModelIdentifier: p.model,
			Degraded:        true,
		}, nil
	}
	if len(resp.Choices) == 0 {
		return &models.GenerateResult{
			ModelIdentifier: resp.Model,
			TokensUsed:      resp.Usage.TotalTokens,
			Degraded:        true,
		}, nil
	}

	return &models.GenerateResult{
		Text:            resp.Choices[0].Message.Content,
		ModelIdentifier: resp.Model,
		TokensUsed:      resp.Usage.TotalTokens,
	}, nil
}
