// Package translator converts between the caller's Messages wire format and
// the upstream Chat-Completions wire format, in both directions and for both
// the synchronous and streaming paths.
package translator

import (
	"encoding/json"
	"strings"

	"ccpool/internal/models"
)

// Limits bounds the max_tokens value forwarded upstream. Caller values
// outside the bounds are clamped, never rejected.
type Limits struct {
	MaxTokens int
	MinTokens int
}

// Clamp applies the bounds to a caller-specified max_tokens.
func (l Limits) Clamp(requested int) int {
	if l.MinTokens > 0 && requested < l.MinTokens {
		return l.MinTokens
	}
	if l.MaxTokens > 0 && requested > l.MaxTokens {
		return l.MaxTokens
	}
	return requested
}

// BuildChatRequest translates a caller request into the upstream format for
// the selected target model. Total: unsupported constructs are dropped or
// best-effort mapped, never fatal.
func BuildChatRequest(req models.MessagesRequest, targetModel string, limits Limits) models.ChatRequest {
	out := models.ChatRequest{
		Model:  targetModel,
		Stream: req.Stream,
	}

	if len(req.System) > 0 {
		out.Messages = append(out.Messages, models.ChatMessage{
			Role:    models.RoleSystem,
			Content: strings.Join(req.System, "\n\n"),
		})
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, splitMessage(msg)...)
	}

	maxTokens := limits.Clamp(req.MaxTokens)
	if maxTokens > 0 {
		out.MaxTokens = &maxTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	out.Stop = req.StopSequences

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, models.ChatTool{
			Type: "function",
			Function: models.ChatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	out.ToolChoice = translateToolChoice(req.ToolChoice)

	if req.Stream {
		out.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}
	return out
}

// splitMessage maps one canonical message to one or more upstream messages:
// every tool_result block becomes its own role "tool" message carrying the
// matching call id, and the remaining blocks form a message preserving the
// original role.
func splitMessage(msg models.Message) []models.ChatMessage {
	var out []models.ChatMessage
	var textParts []string
	var toolCalls []models.ToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			textParts = append(textParts, block.Text)
		case models.BlockToolResult:
			out = append(out, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    block.Result,
				ToolCallID: block.ToolUseID,
			})
		case models.BlockToolUse:
			toolCalls = append(toolCalls, models.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: models.FunctionCall{
					Name:      block.Name,
					Arguments: argumentsString(block.Input),
				},
			})
		default:
			// Image and unknown blocks have no upstream counterpart.
		}
	}

	if len(textParts) > 0 || len(toolCalls) > 0 || len(out) == 0 {
		out = append(out, models.ChatMessage{
			Role:      msg.Role,
			Content:   strings.Join(textParts, "\n"),
			ToolCalls: toolCalls,
		})
	}
	return out
}

// translateToolChoice maps the caller's tool_choice object onto the
// upstream equivalent. Unrecognized shapes are dropped.
func translateToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil
	}
	switch choice.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		if choice.Name == "" {
			return nil
		}
		encoded, err := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		})
		if err != nil {
			return nil
		}
		return encoded
	default:
		return nil
	}
}

func argumentsString(input json.RawMessage) string {
	if len(input) == 0 || string(input) == "null" {
		return "{}"
	}
	return string(input)
}
