package kiroproxy

import "io"

// BufferedProjector drives a Projector into an in-memory event log instead
// of flushing straight to the client, so the eventual `message_start` can
// be rewritten with the true input token count once contextUsageEvent
// arrives — used by the /cc/v1/messages path (spec §4.8).
type BufferedProjector struct {
	*Projector
	log              []SSEEvent
	messageStartAt   int
	messageStartSeen bool
}

// NewBufferedProjector builds a Projector whose output accumulates in an
// in-memory log rather than being written immediately.
func NewBufferedProjector(model string, thinkingFormat ThinkingFormat) *BufferedProjector {
	bp := &BufferedProjector{messageStartAt: -1}
	bp.Projector = NewProjector(model, thinkingFormat, bp.append)
	return bp
}

func (bp *BufferedProjector) append(ev SSEEvent) error {
	if ev.Event == "message_start" && !bp.messageStartSeen {
		bp.messageStartAt = len(bp.log)
		bp.messageStartSeen = true
	}
	bp.log = append(bp.log, ev)
	return nil
}

// RewriteInputTokens overwrites the buffered message_start's input_tokens
// with the true count once it is known, discarding the estimate Start()
// was seeded with.
func (bp *BufferedProjector) RewriteInputTokens(inputTokens int) {
	if bp.messageStartAt < 0 {
		return
	}
	start := bp.log[bp.messageStartAt].Data.(sseMessageStart)
	start.Message.Usage.InputTokens = inputTokens
	bp.log[bp.messageStartAt].Data = start
}

// Log returns the buffered event sequence collected so far.
func (bp *BufferedProjector) Log() []SSEEvent {
	return bp.log
}

// Flush writes the entire buffered log to w, back to back, in order. The
// caller discards the log instead of calling Flush on client cancellation
// (spec §4.8: "cancellation ... discards the log").
func (bp *BufferedProjector) Flush(w io.Writer) error {
	for _, ev := range bp.log {
		if err := WriteSSE(w, ev); err != nil {
			return err
		}
	}
	return nil
}
