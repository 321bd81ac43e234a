package model

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestChatExtractorJSON(t *testing.T) {
	mock := &MockChatModel{
		Responses: []ChatOut{
			{Text: "```json\n{\"company\": \"Acme Corp\", \"seats\": 50}\n```"},
		},
	}
	extractor := NewChatExtractor(mock)

	got, err := extractor.Extract(context.Background(),
		"Acme Corp wants to renew for 50 seats next quarter.",
		"Extract the company name and seat count.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"company": map[string]interface{}{"type": "string"},
				"seats":   map[string]interface{}{"type": "integer"},
			},
		})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	obj, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("expected decoded object, got %T", got)
	}
	if obj["company"] != "Acme Corp" {
		t.Errorf("expected company Acme Corp, got %v", obj["company"])
	}
	if obj["seats"] != float64(50) {
		t.Errorf("expected 50 seats, got %v", obj["seats"])
	}

	call, ok := mock.LastCall()
	if !ok {
		t.Fatal("expected a chat call")
	}
	if call.Messages[0].Role != RoleSystem {
		t.Fatalf("expected system message first, got %q", call.Messages[0].Role)
	}
	if !strings.Contains(call.Messages[0].Content, "JSON Schema") {
		t.Errorf("expected schema embedded in system prompt, got %q", call.Messages[0].Content)
	}
	if !strings.Contains(call.Messages[1].Content, "Acme Corp wants to renew") {
		t.Errorf("expected source text in user prompt, got %q", call.Messages[1].Content)
	}
}

func TestChatExtractorProseFallback(t *testing.T) {
	mock := &MockChatModel{
		Responses: []ChatOut{{Text: "  The customer sounded frustrated.  "}},
	}
	extractor := NewChatExtractor(mock)

	got, err := extractor.Extract(context.Background(), "transcript", "Summarize the tone.", nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "The customer sounded frustrated." {
		t.Errorf("expected trimmed prose fallback, got %v", got)
	}
}

func TestChatExtractorModelError(t *testing.T) {
	mock := &MockChatModel{Err: errors.New("provider down")}
	extractor := NewChatExtractor(mock)

	if _, err := extractor.Extract(context.Background(), "text", "prompt", nil); err == nil {
		t.Fatal("expected model error to propagate")
	}
}

func TestChatExtractorNilModel(t *testing.T) {
	extractor := &ChatExtractor{}
	if _, err := extractor.Extract(context.Background(), "text", "prompt", nil); err == nil {
		t.Fatal("expected error for missing chat model")
	}
}

func TestStripJSONFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n[1, 2]\n```", `[1, 2]`},
		{"no fence", `{"a": 1}`, `{"a": 1}`},
		{"surrounding whitespace", "  \n{\"a\": 1}\n  ", `{"a": 1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripJSONFences(tc.in); got != tc.want {
				t.Errorf("StripJSONFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
