package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Each call to Chat returns the next entry in Responses; once the
// sequence is exhausted the last entry repeats. Set Err to make every
// call fail instead. All invocations are recorded in Calls so tests can
// assert on the prompts that were sent.
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: "billing_dispute"}},
//	}
type MockChatModel struct {
	// Responses is the sequence of replies to hand out, in order.
	Responses []ChatOut

	// Err, when set, is returned by every Chat call.
	Err error

	// Calls records each invocation, oldest first.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall captures the arguments of one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel. The call is recorded even when Err is set.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and restarts the response sequence.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount reports how many times Chat has been called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent invocation, or false when none exist.
func (m *MockChatModel) LastCall() (MockChatCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockChatCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}
