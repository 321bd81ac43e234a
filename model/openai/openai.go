// Package openai adapts the OpenAI Chat Completions API to
// model.ChatModel.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/agentflow-go/model"
)

// ChatModel implements model.ChatModel for OpenAI chat completions.
//
// Transient failures (network errors, 5xx, rate limits) are retried up
// to maxRetries times, with the delay stretched for rate limits. The
// adapter covers text conversations; it does not encode tool specs, and
// rejects calls that pass any.
type ChatModel struct {
	modelName  string
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// openaiClient is the boundary mocked in tests.
type openaiClient interface {
	createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel creates an OpenAI-backed ChatModel. An empty modelName
// selects gpt-4o-mini.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	return &ChatModel{
		modelName:  modelName,
		client:     newAPIClient(apiKey, modelName),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Chat implements model.ChatModel with retry on transient failures.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.client.createChatCompletion(ctx, messages, tools)
		if err == nil {
			return out, nil
		}

		lastErr = err
		if !isTransientError(err) {
			return model.ChatOut{}, err
		}
		if attempt >= m.maxRetries {
			break
		}

		delay := m.retryDelay
		if isRateLimitError(err) {
			delay = m.retryDelay * time.Duration(attempt+1)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}

	return model.ChatOut{}, fmt.Errorf("openai API failed after %d retries: %w", m.maxRetries, lastErr)
}

// isTransientError reports whether an error is worth retrying.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"network",
		"connection",
		"temporary",
		"rate limit",
		"429",
		"503",
		"502",
		"500",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}

// apiClient wraps the official openai-go client.
type apiClient struct {
	apiKey    string
	client    *sdk.Client
	modelName string
}

func newAPIClient(apiKey, modelName string) *apiClient {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &apiClient{
		apiKey:    apiKey,
		client:    &c,
		modelName: modelName,
	}
}

func (c *apiClient) createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("openai API key is required")
	}
	if len(tools) > 0 {
		return model.ChatOut{}, errors.New("openai adapter does not support tool specs; use the anthropic or google adapter for tool calling")
	}

	completion, err := c.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	})
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai returned no choices")
	}

	return model.ChatOut{Text: completion.Choices[0].Message.Content}, nil
}

func convertMessages(messages []model.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfSystem: &sdk.ChatCompletionSystemMessageParam{
					Content: sdk.ChatCompletionSystemMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		case model.RoleAssistant:
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfAssistant: &sdk.ChatCompletionAssistantMessageParam{
					Content: sdk.ChatCompletionAssistantMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		default:
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfUser: &sdk.ChatCompletionUserMessageParam{
					Content: sdk.ChatCompletionUserMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		}
	}
	return out
}
