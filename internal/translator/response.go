package translator

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"ccpool/internal/models"
	"ccpool/internal/tokencount"
)

// NewMessageID generates a caller-facing message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newToolCallID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MapStopReason maps an upstream finish reason onto the caller taxonomy.
func MapStopReason(finish string, hasToolCalls bool) string {
	switch strings.TrimSpace(finish) {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	case "stop":
		if hasToolCalls {
			return "tool_use"
		}
		return "end_turn"
	default:
		if hasToolCalls {
			return "tool_use"
		}
		return "end_turn"
	}
}

// TranslateResponse reconstructs a caller-format response from a complete
// upstream reply: each upstream part becomes one content block in order,
// stop reason is mapped, and usage is copied or estimated when absent.
func TranslateResponse(resp models.ChatResponse, requestedModel string, inputEstimate int) models.MessagesResponse {
	out := models.MessagesResponse{
		ID:    NewMessageID(),
		Type:  "message",
		Role:  models.RoleAssistant,
		Model: requestedModel,
	}

	var choice models.ChatChoice
	if len(resp.Choices) > 0 {
		choice = resp.Choices[0]
	}

	if choice.Message.Content != "" || len(choice.Message.ToolCalls) == 0 {
		out.Content = append(out.Content, models.ResponseBlock{
			Type: models.BlockText,
			Text: choice.Message.Content,
		})
	}
	for _, call := range choice.Message.ToolCalls {
		out.Content = append(out.Content, models.ResponseBlock{
			Type:  models.BlockToolUse,
			ID:    orGeneratedID(call.ID),
			Name:  call.Function.Name,
			Input: toolInput(call.Function.Arguments),
		})
	}

	out.StopReason = MapStopReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0)
	out.Usage = resolveUsage(resp.Usage, inputEstimate, tokencount.EstimateText(choice.Message.Content))
	return out
}

// toolInput carries fully-formed JSON arguments through verbatim; anything
// that is not valid JSON is wrapped so the response still marshals.
func toolInput(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": arguments})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

func orGeneratedID(id string) string {
	if strings.TrimSpace(id) == "" {
		return newToolCallID()
	}
	return id
}

// resolveUsage prefers upstream-reported counters and falls back to the
// best-effort estimates when the upstream reports none.
func resolveUsage(usage *models.ChatUsage, inputEstimate, outputEstimate int) models.Usage {
	out := models.Usage{}
	if usage != nil {
		out.InputTokens = usage.PromptTokens
		out.OutputTokens = usage.CompletionTokens
	}
	if out.InputTokens <= 0 {
		out.InputTokens = inputEstimate
	}
	if out.OutputTokens <= 0 {
		out.OutputTokens = outputEstimate
	}
	return out
}
