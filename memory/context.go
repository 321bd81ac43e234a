package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// defaultContextBudget caps the prompt context section length so
// memory never crowds out the instruction itself.
const defaultContextBudget = 2000

// PromptContext retrieves relevant memories and formats them into a
// prompt section. Returns an empty string when nothing relevant is
// found.
func (m *Manager) PromptContext(ctx context.Context, threadID, userID, query string, opts ...RetrieveOption) (string, error) {
	nodes, err := m.Retrieve(ctx, threadID, userID, query, opts...)
	if err != nil {
		return "", err
	}
	return FormatContext(nodes, defaultContextBudget), nil
}

// FormatContext renders memories as a bulleted prompt section, best
// first, truncated to the character budget at a line boundary. A
// budget of zero or less uses the default.
func FormatContext(nodes []*Node, budget int) string {
	if len(nodes) == 0 {
		return ""
	}
	if budget <= 0 {
		budget = defaultContextBudget
	}

	var b strings.Builder
	b.WriteString("Relevant context from memory:\n")
	for _, n := range nodes {
		line := "- [" + string(n.Context) + "] " + displayText(n) + "\n"
		if b.Len()+len(line) > budget {
			break
		}
		b.WriteString(line)
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "Relevant context from memory:" {
		return ""
	}
	return out
}

// displayText picks the most readable rendering of a node: its
// summary, its text content, or its content fields in key order.
func displayText(n *Node) string {
	if n.Summary != "" {
		return n.Summary
	}
	if s, ok := n.Content["text"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}

	keys := make([]string, 0, len(n.Content))
	for k := range n.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := n.Content[k]
		if v == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	if len(parts) == 0 {
		return n.ID
	}
	return strings.Join(parts, ", ")
}
