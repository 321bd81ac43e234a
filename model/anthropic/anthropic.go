// Package anthropic adapts the Claude Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/agentflow-go/model"
)

const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// System messages are lifted out of the conversation and sent through
// the API's dedicated system parameter. Tool schemas pass through as
// plain JSON Schema.
type ChatModel struct {
	modelName string
	client    anthropicClient
}

// anthropicClient is the boundary mocked in tests.
type anthropicClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel creates a Claude-backed ChatModel. An empty modelName
// selects claude-sonnet-4-5.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5"
	}

	return &ChatModel{
		modelName: modelName,
		client:    newAPIClient(apiKey, modelName),
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	systemPrompt, conversation := extractSystemPrompt(messages)
	return m.client.createMessage(ctx, systemPrompt, conversation, tools)
}

// extractSystemPrompt separates system messages from the conversation.
// Anthropic expects them as a top-level parameter, not in the messages
// array. Multiple system messages are joined with blank lines.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var system string
	var conversation []model.Message

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}

	return system, conversation
}

// apiClient wraps the official anthropic-sdk-go Messages service.
type apiClient struct {
	apiKey    string
	messages  *sdk.MessageService
	modelName string
	maxTokens int64
}

func newAPIClient(apiKey, modelName string) *apiClient {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &apiClient{
		apiKey:    apiKey,
		messages:  &c.Messages,
		modelName: modelName,
		maxTokens: defaultMaxTokens,
	}
}

func (c *apiClient) createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("anthropic API key is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.modelName),
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	return convertResponse(msg), nil
}

func convertMessages(messages []model.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := sdk.ToolInputSchemaParam{}
		if len(tool.Schema) > 0 {
			schema.ExtraFields = tool.Schema
		}
		u := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		out = append(out, u)
	}
	return out
}

// convertResponse flattens Claude content blocks into a ChatOut. Text
// blocks are joined with newlines; tool_use blocks become ToolCalls.
func convertResponse(msg *sdk.Message) model.ChatOut {
	var out model.ChatOut

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += block.Text
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:  block.Name,
				Input: input,
			})
		}
	}

	return out
}
