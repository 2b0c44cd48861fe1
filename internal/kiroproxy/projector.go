package kiroproxy

import (
	"strings"

	"github.com/google/uuid"
)

// ThinkingFormat selects how a reasoning span from the upstream is rendered
// in the Anthropic-shaped SSE output.
type ThinkingFormat string

const (
	ThinkingFormatBlock            ThinkingFormat = "thinking"          // separate {type:thinking} content block
	ThinkingFormatTag              ThinkingFormat = "think"             // <think>...</think> inline in a text block
	ThinkingFormatReasoningContent ThinkingFormat = "reasoning_content" // out-of-band delta field, block stays text
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

type projectorState int

const (
	stateInitial projectorState = iota
	stateStarted
	stateInBlock
	stateBetweenBlocks
	stateStopped
)

// Projector drives the small state machine (spec §4.6) that turns decoded
// upstream events into the Anthropic SSE event family: Initial → Started →
// InBlock(kind,index) → BetweenBlocks → Stopped.
type Projector struct {
	emit           func(SSEEvent) error
	model          string
	thinkingFormat ThinkingFormat

	state        projectorState
	currentKind  blockKind
	currentIndex int
	nextIndex    int
	contentSent  bool

	toolIndex   map[string]int
	toolJSON    map[string]*strings.Builder
	hasToolUse  bool

	inThinkingSpan bool // for ThinkingFormatTag: are we mid <think> wrap?
	tagBuf         string // unconsumed tail, may hold a partial "<thinking>"/"</thinking>" tag

	usage AnthropicUsage
}

// NewProjector builds a Projector that writes through emit. model is the
// client-facing model name (thinking suffix stripped, not the upstream
// id) reported to the client.
func NewProjector(model string, thinkingFormat ThinkingFormat, emit func(SSEEvent) error) *Projector {
	if thinkingFormat == "" {
		thinkingFormat = ThinkingFormatBlock
	}
	return &Projector{
		emit:           emit,
		model:          model,
		thinkingFormat: thinkingFormat,
		toolIndex:      make(map[string]int),
		toolJSON:       make(map[string]*strings.Builder),
	}
}

// Start emits message_start. estimatedInputTokens is a heuristic estimate;
// the buffered variant rewrites it once contextUsageEvent arrives.
func (p *Projector) Start(estimatedInputTokens int) error {
	if p.state != stateInitial {
		return nil
	}
	p.state = stateStarted
	msgID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	return p.emit(SSEEvent{Event: "message_start", Data: sseMessageStart{
		Type: "message_start",
		Message: AnthropicResponse{
			ID:      msgID,
			Type:    "message",
			Role:    "assistant",
			Model:   p.model,
			Content: []AnthropicContentBlock{},
			Usage:   AnthropicUsage{InputTokens: estimatedInputTokens},
		},
	}})
}

// HandleEvent feeds one decoded upstream event through the state machine.
func (p *Projector) HandleEvent(ev DecodedEvent) error {
	switch ev.Kind {
	case EventAssistantResponse:
		return p.handleAssistantText(ev)
	case EventToolUse:
		return p.handleToolUse(ev)
	case EventContextUsage:
		p.usage.InputTokens = ev.InputTokens
		p.usage.OutputTokens = ev.OutputTokens
		p.usage.CacheReadInputTokens = ev.CacheReadTokens
		p.usage.CacheCreationInputTokens = ev.CacheWriteTokens
		return nil
	case EventMessageMetadata, EventCodeReference:
		return nil
	case EventError:
		return p.handleError(ev)
	default:
		return nil
	}
}

func (p *Projector) handleAssistantText(ev DecodedEvent) error {
	if ev.Text == "" {
		return nil
	}
	switch p.thinkingFormat {
	case ThinkingFormatReasoningContent:
		if ev.IsReasoning {
			if err := p.ensureBlock(blockText, ""); err != nil {
				return err
			}
			p.contentSent = true
			return p.emit(SSEEvent{Event: "content_block_delta", Data: sseContentBlockDelta{
				Type: "content_block_delta", Index: p.currentIndex,
				Delta: sseDeltaBlock{Type: "text_delta", ReasoningContent: ev.Text},
			}})
		}
		return p.emitTextDelta(ev.Text)

	case ThinkingFormatTag:
		if ev.IsReasoning {
			text := ev.Text
			if !p.inThinkingSpan {
				text = "<think>" + text
				p.inThinkingSpan = true
			}
			return p.emitTextDelta(text)
		}
		if p.inThinkingSpan {
			p.inThinkingSpan = false
			if err := p.emitTextDelta("</think>"); err != nil {
				return err
			}
		}
		return p.emitTextDelta(ev.Text)

	default: // ThinkingFormatBlock
		if ev.IsReasoning {
			if err := p.ensureBlock(blockThinking, ""); err != nil {
				return err
			}
			p.contentSent = true
			return p.emit(SSEEvent{Event: "content_block_delta", Data: sseContentBlockDelta{
				Type: "content_block_delta", Index: p.currentIndex,
				Delta: sseDeltaBlock{Type: "thinking_delta", Thinking: ev.Text},
			}})
		}
		return p.emitTaggedText(ev.Text)
	}
}

// emitTaggedText scans text for literal <thinking>...</thinking> spans
// (the alternative signal named in spec §4.6 rule 3), splitting emission
// between thinking and text blocks as spans open and close. Partial tags
// split across chunk boundaries are buffered in tagBuf until resolved.
func (p *Projector) emitTaggedText(text string) error {
	buf := p.tagBuf + text
	p.tagBuf = ""

	for buf != "" {
		if p.inThinkingSpan {
			if idx := strings.Index(buf, "</thinking>"); idx >= 0 {
				if idx > 0 {
					if err := p.emitThinkingDelta(buf[:idx]); err != nil {
						return err
					}
				}
				p.inThinkingSpan = false
				buf = buf[idx+len("</thinking>"):]
				continue
			}
			if tail := partialSuffixMatch(buf, "</thinking>"); tail > 0 {
				if err := p.emitThinkingDelta(buf[:len(buf)-tail]); err != nil {
					return err
				}
				p.tagBuf = buf[len(buf)-tail:]
				return nil
			}
			return p.emitThinkingDelta(buf)
		}

		if idx := strings.Index(buf, "<thinking>"); idx >= 0 {
			if idx > 0 {
				if err := p.emitTextDelta(buf[:idx]); err != nil {
					return err
				}
			}
			p.inThinkingSpan = true
			buf = buf[idx+len("<thinking>"):]
			continue
		}
		if tail := partialSuffixMatch(buf, "<thinking>"); tail > 0 {
			if err := p.emitTextDelta(buf[:len(buf)-tail]); err != nil {
				return err
			}
			p.tagBuf = buf[len(buf)-tail:]
			return nil
		}
		return p.emitTextDelta(buf)
	}
	return nil
}

// partialSuffixMatch returns the length of the longest suffix of s that is
// also a proper prefix of tag, i.e. how much of tag might still be coming.
func partialSuffixMatch(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

func (p *Projector) emitThinkingDelta(text string) error {
	if text == "" {
		return nil
	}
	if err := p.ensureBlock(blockThinking, ""); err != nil {
		return err
	}
	p.contentSent = true
	return p.emit(SSEEvent{Event: "content_block_delta", Data: sseContentBlockDelta{
		Type: "content_block_delta", Index: p.currentIndex,
		Delta: sseDeltaBlock{Type: "thinking_delta", Thinking: text},
	}})
}

func (p *Projector) emitTextDelta(text string) error {
	if text == "" {
		return nil
	}
	if err := p.ensureBlock(blockText, ""); err != nil {
		return err
	}
	p.contentSent = true
	return p.emit(SSEEvent{Event: "content_block_delta", Data: sseContentBlockDelta{
		Type: "content_block_delta", Index: p.currentIndex,
		Delta: sseDeltaBlock{Type: "text_delta", Text: text},
	}})
}

func (p *Projector) handleToolUse(ev DecodedEvent) error {
	idx, known := p.toolIndex[ev.ToolUseID]
	if !known {
		if err := p.closeCurrentBlock(); err != nil {
			return err
		}
		idx = p.nextIndex
		p.nextIndex++
		p.toolIndex[ev.ToolUseID] = idx
		p.toolJSON[ev.ToolUseID] = &strings.Builder{}
		p.state = stateInBlock
		p.currentKind = blockToolUse
		p.currentIndex = idx
		p.hasToolUse = true
		p.contentSent = true
		if err := p.emit(SSEEvent{Event: "content_block_start", Data: sseContentBlockStart{
			Type: "content_block_start", Index: idx,
			ContentBlock: AnthropicContentBlock{Type: "tool_use", ID: ev.ToolUseID, Name: ev.ToolName, Input: map[string]any{}},
		}}); err != nil {
			return err
		}
	}

	if ev.ToolInputDelta != "" {
		p.toolJSON[ev.ToolUseID].WriteString(ev.ToolInputDelta)
		if err := p.emit(SSEEvent{Event: "content_block_delta", Data: sseContentBlockDelta{
			Type: "content_block_delta", Index: idx,
			Delta: sseDeltaBlock{Type: "input_json_delta", PartialJSON: ev.ToolInputDelta},
		}}); err != nil {
			return err
		}
	}

	if ev.ToolUseStop {
		var parsed map[string]any
		accumulated := p.toolJSON[ev.ToolUseID].String()
		if accumulated != "" {
			if err := fastUnmarshal([]byte(accumulated), &parsed); err != nil {
				// truncated: incomplete JSON, still surfaced as tool_use per
				// spec §4.6 rule 4 so the client's retry logic kicks in.
				_ = err
			}
		}
		if err := p.emit(SSEEvent{Event: "content_block_stop", Data: sseContentBlockStop{Type: "content_block_stop", Index: idx}}); err != nil {
			return err
		}
		p.state = stateBetweenBlocks
		p.currentKind = blockNone
	}
	return nil
}

// ensureBlock makes sure a block of kind is open at p.currentIndex, closing
// whatever else is open first.
func (p *Projector) ensureBlock(kind blockKind, toolUseID string) error {
	if p.currentKind == kind && p.state == stateInBlock {
		return nil
	}
	if err := p.closeCurrentBlock(); err != nil {
		return err
	}
	idx := p.nextIndex
	p.nextIndex++
	p.state = stateInBlock
	p.currentKind = kind
	p.currentIndex = idx

	block := AnthropicContentBlock{}
	switch kind {
	case blockText:
		block.Type = "text"
	case blockThinking:
		block.Type = "thinking"
	}
	return p.emit(SSEEvent{Event: "content_block_start", Data: sseContentBlockStart{
		Type: "content_block_start", Index: idx, ContentBlock: block,
	}})
}

func (p *Projector) closeCurrentBlock() error {
	if p.state != stateInBlock {
		return nil
	}
	idx := p.currentIndex
	p.state = stateBetweenBlocks
	p.currentKind = blockNone
	return p.emit(SSEEvent{Event: "content_block_stop", Data: sseContentBlockStop{Type: "content_block_stop", Index: idx}})
}

// stopReason derives the Anthropic stop_reason: any tool_use content block
// (streaming or completed) forces "tool_use", matching the upstream's own
// stop-reason precedence, else the turn ended naturally.
func (p *Projector) stopReason() string {
	if p.hasToolUse {
		return "tool_use"
	}
	return "end_turn"
}

// Finish closes any still-open block and emits message_delta + message_stop.
func (p *Projector) Finish() error {
	if p.state == stateStopped {
		return nil
	}
	if p.inThinkingSpan {
		if err := p.emitTextDelta("</think>"); err != nil {
			return err
		}
		p.inThinkingSpan = false
	}
	if err := p.closeCurrentBlock(); err != nil {
		return err
	}
	if err := p.emit(SSEEvent{Event: "message_delta", Data: sseMessageDelta{
		Type:  "message_delta",
		Delta: sseMessageDeltaBody{StopReason: p.stopReason()},
		Usage: p.usage,
	}}); err != nil {
		return err
	}
	p.state = stateStopped
	return p.emit(SSEEvent{Event: "message_stop", Data: sseMessageStop{Type: "message_stop"}})
}

// handleError translates an upstream error frame (spec §7). If content has
// already been sent, the error becomes in-band (message_delta + message_stop)
// and HandleEvent returns nil since the stream terminates cleanly from the
// transport's point of view. Otherwise the enhanced error is returned so the
// caller can surface it as a clean HTTP JSON error before any bytes go out.
func (p *Projector) handleError(ev DecodedEvent) error {
	enhanced := enhanceUpstreamError(ev.ErrorReason, ev.ErrorMessage)
	if !p.contentSent {
		return enhanced
	}
	if err := p.closeCurrentBlock(); err != nil {
		return err
	}
	if err := p.emit(SSEEvent{Event: "message_delta", Data: sseMessageDelta{
		Type:  "message_delta",
		Delta: sseMessageDeltaBody{StopReason: "error"},
		Usage: p.usage,
	}}); err != nil {
		return err
	}
	p.state = stateStopped
	if err := p.emit(SSEEvent{Event: "message_stop", Data: sseMessageStop{Type: "message_stop"}}); err != nil {
		return err
	}
	return nil
}

// EstimateInputTokens is a deliberately over-estimating heuristic (spec §9
// leaves the exact formula unspecified; the buffered path corrects it from
// contextUsageEvent regardless): roughly 4 characters per token plus a
// small per-message and per-tool overhead.
func EstimateInputTokens(req *AnthropicRequest) int {
	total := 0
	if req.System != nil {
		total += len(extractSystemContent(req.System))/4 + 2
	}
	for _, msg := range req.Messages {
		total += 3
		text, _, _, err := processMessageContent(msg.Content)
		if err == nil {
			total += len(text) / 4
		}
	}
	for _, tool := range req.Tools {
		total += 20 + len(tool.Description)/4
	}
	return total
}
