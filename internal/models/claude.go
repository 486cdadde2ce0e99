package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyModel     = errors.New("model must be provided")
	ErrEmptyMessages  = errors.New("at least one message is required")
	ErrInvalidRole    = errors.New("invalid role")
	ErrInvalidContent = errors.New("invalid message content")
	ErrInvalidSystem  = errors.New("invalid system prompt")
	ErrInvalidTool    = errors.New("invalid tool definition")
)

// Content block kinds accepted on the caller side.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// MessagesRequest models the Anthropic /v1/messages payload.
type MessagesRequest struct {
	Model         string
	MaxTokens     int
	Messages      []Message
	System        []string
	Stream        bool
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Tools         []Tool
	ToolChoice    json.RawMessage
	Metadata      map[string]any
}

// UnmarshalJSON enforces validation and normalises the flexible fields.
func (r *MessagesRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string          `json:"model"`
		MaxTokens     int             `json:"max_tokens"`
		Messages      []Message       `json:"messages"`
		System        json.RawMessage `json:"system"`
		Stream        bool            `json:"stream"`
		Temperature   *float64        `json:"temperature"`
		TopP          *float64        `json:"top_p"`
		StopSequences []string        `json:"stop_sequences"`
		Tools         []Tool          `json:"tools"`
		ToolChoice    json.RawMessage `json:"tool_choice"`
		Metadata      map[string]any  `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode messages request: %w", err)
	}

	system, err := parseSystem(raw.System)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = system
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.StopSequences = raw.StopSequences
	r.Tools = raw.Tools
	r.ToolChoice = raw.ToolChoice
	r.Metadata = raw.Metadata

	return r.validate()
}

func (r *MessagesRequest) validate() error {
	if r.Model == "" {
		return ErrEmptyModel
	}
	if len(r.Messages) == 0 {
		return ErrEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	for i, tool := range r.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("tools[%d]: %w: name is required", i, ErrInvalidTool)
		}
	}
	return nil
}

// Message is one conversational turn composed of ordered content blocks.
type Message struct {
	Role    string
	Content []ContentBlock
}

// UnmarshalJSON accepts both the plain-string and block-array content forms.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	blocks, err := parseContentBlocks(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = blocks
	return m.validate()
}

func (m *Message) validate() error {
	switch m.Role {
	case "user", "assistant":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRole, m.Role)
	}
	if len(m.Content) == 0 {
		return ErrInvalidContent
	}
	return nil
}

// ContentBlock is a closed tagged variant over the caller content kinds.
// Unknown kinds are preserved with their raw type so translation can drop
// them without failing the parse.
type ContentBlock struct {
	Type string

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Result    string
	IsError   bool

	// image
	MediaType string
	ImageData string
}

// UnmarshalJSON dispatches on the block type.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
		Source    *struct {
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		} `json:"source"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode content block: %w", err)
	}

	b.Type = strings.TrimSpace(raw.Type)
	switch b.Type {
	case BlockText:
		b.Text = raw.Text
	case BlockToolUse:
		b.ID = strings.TrimSpace(raw.ID)
		b.Name = strings.TrimSpace(raw.Name)
		b.Input = raw.Input
	case BlockToolResult:
		b.ToolUseID = strings.TrimSpace(raw.ToolUseID)
		b.Result = flattenResultContent(raw.Content)
		b.IsError = raw.IsError
	case BlockImage:
		if raw.Source != nil {
			b.MediaType = raw.Source.MediaType
			b.ImageData = raw.Source.Data
		}
	default:
		// Unknown kinds survive the parse; the translator drops them.
	}
	return nil
}

// Tool declares a caller-side tool with its JSON-schema parameters.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MessagesResponse is the caller-format synchronous reply.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ResponseBlock `json:"content"`
	StopReason   string          `json:"stop_reason,omitempty"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// ResponseBlock is an assistant content block in the caller format.
type ResponseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage carries the token accounting reported to the caller. Values are
// best-effort estimates whenever the upstream omits its own counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stream event names in the order the caller protocol requires them.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// StreamEvent is a tagged variant over the caller streaming protocol. The
// Type field selects which of the remaining fields are meaningful.
type StreamEvent struct {
	Type string

	// message_start
	MessageID string
	Model     string

	// content_block_start / delta / stop
	Index     int
	Block     *ResponseBlock
	DeltaText string
	DeltaJSON string

	// message_delta
	StopReason string
	Usage      *Usage

	// error
	ErrType    string
	ErrMessage string
}

// CountTokensRequest models the /v1/messages/count_tokens payload.
type CountTokensRequest struct {
	Model    string    `json:"model"`
	System   []string  `json:"-"`
	Messages []Message `json:"messages"`
}

// UnmarshalJSON shares the system-prompt normalisation with MessagesRequest.
func (r *CountTokensRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model    string          `json:"model"`
		System   json.RawMessage `json:"system"`
		Messages []Message       `json:"messages"`
	}
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode count_tokens request: %w", err)
	}
	system, err := parseSystem(raw.System)
	if err != nil {
		return err
	}
	r.Model = strings.TrimSpace(raw.Model)
	r.System = system
	r.Messages = raw.Messages
	return nil
}

// CountTokensResponse reports the estimated input token count.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

func parseSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "" && block.Type != BlockText {
				continue
			}
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			out = append(out, block.Text)
		}
		return out, nil
	}

	return nil, ErrInvalidSystem
}

func parseContentBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ContentBlock{{Type: BlockText, Text: text}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks, nil
	}

	return nil, fmt.Errorf("%w: unsupported content structure", ErrInvalidContent)
}

// flattenResultContent renders a tool result's content, which arrives as a
// plain string or a list of text blocks, into one string.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "" && block.Type != BlockText {
				continue
			}
			parts = append(parts, block.Text)
		}
		return strings.Join(parts, "\n")
	}

	// Arbitrary JSON payloads pass through verbatim.
	return string(raw)
}
