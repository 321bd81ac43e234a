package openai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/agentflow-go/model"
)

type mockOpenAIClient struct {
	outs      []model.ChatOut
	errs      []error
	callCount int
}

func (m *mockOpenAIClient) createChatCompletion(_ context.Context, _ []model.Message, _ []model.ToolSpec) (model.ChatOut, error) {
	idx := m.callCount
	m.callCount++

	if idx < len(m.errs) && m.errs[idx] != nil {
		return model.ChatOut{}, m.errs[idx]
	}
	if idx < len(m.outs) {
		return m.outs[idx], nil
	}
	if len(m.outs) > 0 {
		return m.outs[len(m.outs)-1], nil
	}
	return model.ChatOut{}, nil
}

func testChatModel(client openaiClient) *ChatModel {
	return &ChatModel{
		modelName:  "gpt-4o-mini",
		client:     client,
		maxRetries: 3,
		retryDelay: time.Millisecond,
	}
}

func TestChatModelDefaults(t *testing.T) {
	m := NewChatModel("test-key", "")
	if m == nil {
		t.Fatal("expected non-nil model")
	}
	if m.modelName != "gpt-4o-mini" {
		t.Errorf("expected default model name, got %q", m.modelName)
	}
	if m.maxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", m.maxRetries)
	}
}

func TestChatRetriesTransientErrors(t *testing.T) {
	mock := &mockOpenAIClient{
		errs: []error{
			errors.New("connection reset by peer"),
			errors.New("timeout waiting for response"),
			nil,
		},
		outs: []model.ChatOut{{}, {}, {Text: "recovered"}},
	}
	m := testChatModel(mock)

	out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Text != "recovered" {
		t.Errorf("expected recovered response, got %q", out.Text)
	}
	if mock.callCount != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.callCount)
	}
}

func TestChatPermanentErrorNotRetried(t *testing.T) {
	mock := &mockOpenAIClient{
		errs: []error{errors.New("invalid api key provided")},
	}
	m := testChatModel(mock)

	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount != 1 {
		t.Errorf("permanent error should not retry, got %d attempts", mock.callCount)
	}
}

func TestChatRetriesExhausted(t *testing.T) {
	mock := &mockOpenAIClient{
		errs: []error{
			errors.New("503 service unavailable"),
			errors.New("503 service unavailable"),
			errors.New("503 service unavailable"),
			errors.New("503 service unavailable"),
		},
	}
	m := testChatModel(mock)

	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("expected retry count in error, got %v", err)
	}
	if mock.callCount != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", mock.callCount)
	}
}

func TestChatRateLimitRetried(t *testing.T) {
	mock := &mockOpenAIClient{
		errs: []error{errors.New("429 too many requests"), nil},
		outs: []model.ChatOut{{}, {Text: "ok"}},
	}
	m := testChatModel(mock)

	out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Text != "ok" {
		t.Errorf("expected success after rate limit retry, got %q", out.Text)
	}
	if mock.callCount != 2 {
		t.Errorf("expected 2 attempts, got %d", mock.callCount)
	}
}

func TestChatContextCanceled(t *testing.T) {
	mock := &mockOpenAIClient{outs: []model.ChatOut{{Text: "never"}}}
	m := testChatModel(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mock.callCount != 0 {
		t.Errorf("expected no attempts after cancellation, got %d", mock.callCount)
	}
}

func TestTransientErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		rateLimit bool
	}{
		{"nil", nil, false, false},
		{"timeout", errors.New("request timeout"), true, false},
		{"rate limit", errors.New("rate limit exceeded"), true, true},
		{"429", errors.New("HTTP 429"), true, true},
		{"server error", errors.New("500 internal error"), true, false},
		{"auth", errors.New("invalid api key"), false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransientError(tc.err); got != tc.transient {
				t.Errorf("isTransientError = %v, want %v", got, tc.transient)
			}
			if got := isRateLimitError(tc.err); got != tc.rateLimit {
				t.Errorf("isRateLimitError = %v, want %v", got, tc.rateLimit)
			}
		})
	}
}

func TestAPIClientRequiresKey(t *testing.T) {
	c := &apiClient{modelName: "gpt-4o-mini"}
	_, err := c.createChatCompletion(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestAPIClientRejectsTools(t *testing.T) {
	c := &apiClient{apiKey: "test-key", modelName: "gpt-4o-mini"}
	_, err := c.createChatCompletion(context.Background(),
		[]model.Message{{Role: model.RoleUser, Content: "hi"}},
		[]model.ToolSpec{{Name: "search"}})
	if err == nil {
		t.Fatal("expected error when tools are passed")
	}
	if !strings.Contains(err.Error(), "tool") {
		t.Errorf("expected tool rejection message, got %v", err)
	}
}

func TestConvertMessages(t *testing.T) {
	params := convertMessages([]model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "question"},
		{Role: model.RoleAssistant, Content: "answer"},
	})

	if len(params) != 3 {
		t.Fatalf("expected 3 message params, got %d", len(params))
	}
	if params[0].OfSystem == nil {
		t.Error("expected system variant first")
	}
	if params[1].OfUser == nil {
		t.Error("expected user variant second")
	}
	if params[2].OfAssistant == nil {
		t.Error("expected assistant variant third")
	}
}
