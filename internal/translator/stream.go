package translator

import (
	"ccpool/internal/models"
	"ccpool/internal/tokencount"
)

// Stream turns the upstream's transport-ordered chunk sequence into the
// caller protocol's strictly-ordered event sequence, one content block at a
// time. Feed is called per chunk; Finish closes the message.
//
// Event ordering invariant: exactly one message_start first, one
// content_block_start per block before its deltas, one content_block_stop
// per opened block, one message_delta, and message_stop last.
type Stream struct {
	messageID     string
	model         string
	inputEstimate int

	started    bool
	finished   bool
	stopReason string

	blockOpen   bool
	blockIsTool bool
	blockIndex  int
	nextIndex   int

	// Upstream index of the tool call holding the open block, -1 when none.
	liveTool int
	sawTool  bool

	// Tool calls keyed by upstream index, in first-seen order. Each call
	// gets exactly one caller block: fragments that arrive while another
	// call holds the open block wait here and flush at stream end.
	tools     map[int]*toolCall
	toolOrder []int

	usage       *models.ChatUsage
	outputChars int
}

type toolCall struct {
	id      string
	name    string
	pending []string
	opened  bool
}

// NewStream creates the state machine for one streamed call. The model is
// the caller-requested model name echoed back in message_start.
func NewStream(model string, inputEstimate int) *Stream {
	return &Stream{
		messageID:     NewMessageID(),
		model:         model,
		inputEstimate: inputEstimate,
		liveTool:      -1,
		tools:         make(map[int]*toolCall),
	}
}

// MessageID returns the generated caller-facing message id.
func (s *Stream) MessageID() string {
	return s.messageID
}

// Feed consumes one upstream chunk and returns the events it produces, in
// emission order. Chunks with no role and no recognizable delta produce no
// events and do not disturb the state. A trailing usage-only chunk, which
// arrives after the finish reason when include_usage is on, is absorbed and
// reflected in the message_delta that Finish emits.
func (s *Stream) Feed(chunk models.ChatChunk) []models.StreamEvent {
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	if s.finished {
		return nil
	}

	var events []models.StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Delta.Role != "" {
			events = s.ensureStarted(events)
		}

		if choice.Delta.Content != "" {
			events = s.ensureStarted(events)
			events = s.ensureTextBlock(events)
			events = append(events, models.StreamEvent{
				Type:      models.EventContentBlockDelta,
				Index:     s.blockIndex,
				DeltaText: choice.Delta.Content,
			})
			s.outputChars += len(choice.Delta.Content)
		}

		for _, call := range choice.Delta.ToolCalls {
			events = s.ensureStarted(events)
			events = s.feedToolCall(events, call)
		}

		if choice.FinishReason != "" {
			events = s.ensureStarted(events)
			events = s.closeBlock(events)
			s.stopReason = MapStopReason(choice.FinishReason, s.sawTool)
			s.finished = true
		}
	}
	return events
}

// Finish ends the stream, emitting the message_delta that carries the stop
// reason and final usage, then message_stop. If the upstream exhausted
// without an explicit finish reason, an end-of-turn stop is synthesized.
func (s *Stream) Finish() []models.StreamEvent {
	if !s.started {
		return nil
	}

	events := s.closeBlock(nil)
	events = s.flushPendingTools(events)
	if s.stopReason == "" {
		s.stopReason = MapStopReason("stop", s.sawTool)
	}
	s.finished = true

	usage := s.resolveUsage()
	return append(events,
		models.StreamEvent{
			Type:       models.EventMessageDelta,
			StopReason: s.stopReason,
			Usage:      &usage,
		},
		models.StreamEvent{Type: models.EventMessageStop},
	)
}

func (s *Stream) ensureStarted(events []models.StreamEvent) []models.StreamEvent {
	if s.started {
		return events
	}
	s.started = true
	return append(events, models.StreamEvent{
		Type:      models.EventMessageStart,
		MessageID: s.messageID,
		Model:     s.model,
	})
}

func (s *Stream) ensureTextBlock(events []models.StreamEvent) []models.StreamEvent {
	if s.blockOpen && !s.blockIsTool {
		return events
	}
	events = s.closeBlock(events)
	s.blockOpen = true
	s.blockIsTool = false
	s.blockIndex = s.nextIndex
	s.nextIndex++
	return append(events, models.StreamEvent{
		Type:  models.EventContentBlockStart,
		Index: s.blockIndex,
		Block: &models.ResponseBlock{Type: models.BlockText},
	})
}

// feedToolCall routes one tool-call fragment. The call holding the open
// block streams live; anything else accumulates so an interleaved upstream
// index never splits one call across two caller blocks.
func (s *Stream) feedToolCall(events []models.StreamEvent, call models.ToolCallDelta) []models.StreamEvent {
	s.sawTool = true

	tc := s.tools[call.Index]
	if tc == nil {
		tc = &toolCall{}
		s.tools[call.Index] = tc
		s.toolOrder = append(s.toolOrder, call.Index)
	}
	if call.ID != "" {
		tc.id = call.ID
	}
	if call.Function.Name != "" {
		tc.name = call.Function.Name
	}

	args := call.Function.Arguments
	if args != "" {
		s.outputChars += len(args)
	}

	toolLive := s.blockOpen && s.blockIsTool
	switch {
	case toolLive && s.liveTool == call.Index:
		if args != "" {
			events = append(events, models.StreamEvent{
				Type:      models.EventContentBlockDelta,
				Index:     s.blockIndex,
				DeltaJSON: args,
			})
		}
	case !toolLive && !tc.opened:
		events = s.openToolBlock(events, call.Index, tc)
		if args != "" {
			events = append(events, models.StreamEvent{
				Type:      models.EventContentBlockDelta,
				Index:     s.blockIndex,
				DeltaJSON: args,
			})
		}
	default:
		if args != "" {
			tc.pending = append(tc.pending, args)
		}
	}
	return events
}

func (s *Stream) openToolBlock(events []models.StreamEvent, index int, tc *toolCall) []models.StreamEvent {
	events = s.closeBlock(events)
	s.blockOpen = true
	s.blockIsTool = true
	s.liveTool = index
	tc.opened = true
	s.blockIndex = s.nextIndex
	s.nextIndex++
	return append(events, models.StreamEvent{
		Type:  models.EventContentBlockStart,
		Index: s.blockIndex,
		Block: &models.ResponseBlock{
			Type: models.BlockToolUse,
			ID:   orGeneratedID(tc.id),
			Name: tc.name,
		},
	})
}

// flushPendingTools emits a full block for every call whose fragments were
// held back, in first-seen order, each fragment as its own partial-JSON
// delta so concatenation order is preserved.
func (s *Stream) flushPendingTools(events []models.StreamEvent) []models.StreamEvent {
	for _, index := range s.toolOrder {
		tc := s.tools[index]
		if tc.opened && len(tc.pending) == 0 {
			continue
		}
		events = append(events, models.StreamEvent{
			Type:  models.EventContentBlockStart,
			Index: s.nextIndex,
			Block: &models.ResponseBlock{
				Type: models.BlockToolUse,
				ID:   orGeneratedID(tc.id),
				Name: tc.name,
			},
		})
		for _, fragment := range tc.pending {
			events = append(events, models.StreamEvent{
				Type:      models.EventContentBlockDelta,
				Index:     s.nextIndex,
				DeltaJSON: fragment,
			})
		}
		events = append(events, models.StreamEvent{
			Type:  models.EventContentBlockStop,
			Index: s.nextIndex,
		})
		s.nextIndex++
		tc.pending = nil
		tc.opened = true
	}
	return events
}

func (s *Stream) closeBlock(events []models.StreamEvent) []models.StreamEvent {
	if !s.blockOpen {
		return events
	}
	s.blockOpen = false
	s.liveTool = -1
	return append(events, models.StreamEvent{
		Type:  models.EventContentBlockStop,
		Index: s.blockIndex,
	})
}

func (s *Stream) resolveUsage() models.Usage {
	return resolveUsage(s.usage, s.inputEstimate, tokencount.EstimateChars(s.outputChars))
}
