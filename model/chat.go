// Package model defines the provider-neutral chat types shared by every
// LLM adapter. The workflow engine, router, and planner all speak this
// interface; concrete adapters for Anthropic, OpenAI, and Google live in
// subpackages, and MockChatModel covers tests.
package model

import "context"

// ChatModel is the interface implemented by every LLM provider adapter.
//
// Implementations convert the neutral Message and ToolSpec types to the
// provider's wire format, call the API, and map the response back to a
// ChatOut. They respect context cancellation and surface provider errors
// unchanged so callers can inspect them with errors.As.
//
//	m := anthropic.NewChatModel(apiKey, "claude-sonnet-4-5")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "Summarize this ticket."},
//	}, nil)
type ChatModel interface {
	// Chat sends the conversation to the provider and returns its reply.
	// tools may be nil when the caller offers none.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single turn in a conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Conversation roles understood by all providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the model may call. Schema follows JSON
// Schema and describes the tool's input parameters; it may be nil for
// tools that take none.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a provider response. Text and ToolCalls may both be set
// when the model explains itself before requesting a tool.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	// Name matches a ToolSpec.Name from the request.
	Name string

	// Input holds the call arguments, shaped by the tool's schema.
	// Nil for tools without parameters.
	Input map[string]interface{}
}
