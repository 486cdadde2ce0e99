// Package tokencount provides a best-effort token estimate. The count is an
// approximation (four characters per token) and is documented as such; it
// substitutes for upstream usage only when the upstream reports none.
package tokencount

import "ccpool/internal/models"

const charsPerToken = 4

// EstimateText approximates the token count of a plain string.
func EstimateText(text string) int {
	return EstimateChars(len(text))
}

// EstimateChars approximates the token count of n characters of text.
func EstimateChars(n int) int {
	if n <= 0 {
		return 0
	}
	tokens := n / charsPerToken
	if tokens < 1 {
		return 1
	}
	return tokens
}

// EstimateRequest approximates the input token count of a caller request:
// system prompt plus the textual content of every message.
func EstimateRequest(system []string, messages []models.Message) int {
	total := 0
	for _, s := range system {
		total += len(s)
	}
	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				total += len(block.Text)
			case models.BlockToolResult:
				total += len(block.Result)
			case models.BlockToolUse:
				total += len(block.Name) + len(block.Input)
			}
		}
	}
	return EstimateChars(total)
}
