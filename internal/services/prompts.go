package services

import (
	"fmt"
	"strings"

	"github.com/Lllllllleong/reportflow/internal/models"
)

const contextualQATemplate = `You are a focused, precise financial analyst. Answer the user's question strictly from the report content provided below.

**Chat history:**
%s

---
**Report content:**
` + "```" + `
%s
` + "```" + `
---

**Latest user question:**
%s

Answer the latest question using the chat history and the report content above.
`

// BuildContextualQAPrompt formats a stored report, the running conversation
// and the latest question into a single grounded prompt. Messages with a
// missing role are labelled "Unknown" rather than dropped.
func BuildContextualQAPrompt(reportContent string, history []models.ChatMessage, question string) string {
	lines := make([]string, 0, len(history))
	for _, msg := range history {
		role := msg.Role
		if role == "" {
			role = "unknown"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", capitalize(role), msg.Content))
	}
	return fmt.Sprintf(contextualQATemplate, strings.Join(lines, "\n"), reportContent, question)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
