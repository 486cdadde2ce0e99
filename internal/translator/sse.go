package translator

import (
	"encoding/json"

	"ccpool/internal/models"
)

// EventPayload renders one stream event as the JSON object written after the
// SSE "data:" line. The shape mirrors the caller wire protocol exactly; keys
// that the event kind does not use are absent, not null.
func EventPayload(ev models.StreamEvent) map[string]any {
	switch ev.Type {
	case models.EventMessageStart:
		return map[string]any{
			"type": models.EventMessageStart,
			"message": map[string]any{
				"id":            ev.MessageID,
				"type":          "message",
				"role":          models.RoleAssistant,
				"model":         ev.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  0,
					"output_tokens": 0,
				},
			},
		}

	case models.EventContentBlockStart:
		block := map[string]any{"type": models.BlockText, "text": ""}
		if ev.Block != nil && ev.Block.Type == models.BlockToolUse {
			block = map[string]any{
				"type":  models.BlockToolUse,
				"id":    ev.Block.ID,
				"name":  ev.Block.Name,
				"input": map[string]any{},
			}
		}
		return map[string]any{
			"type":          models.EventContentBlockStart,
			"index":         ev.Index,
			"content_block": block,
		}

	case models.EventContentBlockDelta:
		delta := map[string]any{"type": "text_delta", "text": ev.DeltaText}
		if ev.DeltaJSON != "" {
			delta = map[string]any{"type": "input_json_delta", "partial_json": ev.DeltaJSON}
		}
		return map[string]any{
			"type":  models.EventContentBlockDelta,
			"index": ev.Index,
			"delta": delta,
		}

	case models.EventContentBlockStop:
		return map[string]any{
			"type":  models.EventContentBlockStop,
			"index": ev.Index,
		}

	case models.EventMessageDelta:
		usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
		if ev.Usage != nil {
			usage["input_tokens"] = ev.Usage.InputTokens
			usage["output_tokens"] = ev.Usage.OutputTokens
		}
		return map[string]any{
			"type": models.EventMessageDelta,
			"delta": map[string]any{
				"stop_reason":   ev.StopReason,
				"stop_sequence": nil,
			},
			"usage": usage,
		}

	case models.EventMessageStop:
		return map[string]any{"type": models.EventMessageStop}

	case models.EventPing:
		return map[string]any{"type": models.EventPing}

	case models.EventError:
		return map[string]any{
			"type": models.EventError,
			"error": map[string]any{
				"type":    ev.ErrType,
				"message": ev.ErrMessage,
			},
		}

	default:
		return map[string]any{"type": ev.Type}
	}
}

// MarshalEventPayload is EventPayload followed by JSON encoding. Encoding a
// map of JSON-safe values cannot fail, so the error is dropped.
func MarshalEventPayload(ev models.StreamEvent) []byte {
	data, _ := json.Marshal(EventPayload(ev))
	return data
}
