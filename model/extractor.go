package model

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Extractor pulls structured data out of free-form text. Workflow
// extract steps call it with the source text, an instruction describing
// what to pull out, and an optional JSON Schema for the desired shape.
type Extractor interface {
	Extract(ctx context.Context, source, prompt string, schema map[string]interface{}) (interface{}, error)
}

// ChatExtractor implements Extractor on top of any ChatModel. It asks
// the model for JSON, strips markdown fences from the reply, and decodes
// it. Replies that are not valid JSON come back as plain strings rather
// than errors, so prompts asking for prose still work.
type ChatExtractor struct {
	Model ChatModel
}

// NewChatExtractor returns an Extractor backed by chat.
func NewChatExtractor(chat ChatModel) *ChatExtractor {
	return &ChatExtractor{Model: chat}
}

// Extract implements Extractor.
func (e *ChatExtractor) Extract(ctx context.Context, source, prompt string, schema map[string]interface{}) (interface{}, error) {
	if e.Model == nil {
		return nil, errors.New("extractor requires a chat model")
	}

	sys := "You extract structured data from text. Respond with JSON only, no prose and no markdown fences."
	if len(schema) > 0 {
		if data, err := json.Marshal(schema); err == nil {
			sys += " The response must conform to this JSON Schema: " + string(data)
		}
	}

	messages := []Message{
		{Role: RoleSystem, Content: sys},
		{Role: RoleUser, Content: prompt + "\n\nText:\n" + source},
	}

	out, err := e.Model.Chat(ctx, messages, nil)
	if err != nil {
		return nil, err
	}

	var v interface{}
	if err := json.Unmarshal([]byte(StripJSONFences(out.Text)), &v); err != nil {
		return strings.TrimSpace(out.Text), nil
	}
	return v, nil
}

// StripJSONFences removes a surrounding markdown code fence from s.
// Models often wrap JSON output in fenced blocks even when asked not to.
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
