package kiroproxy

import (
	"context"
	"fmt"
	"io"
	"time"
)

// WriteSSE formats one event as a text/event-stream record and writes it.
func WriteSSE(w io.Writer, ev SSEEvent) error {
	data, err := fastMarshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
	return err
}

// RunKeepAlive writes an SSE comment line every interval until ctx is
// cancelled, satisfying the buffered-mode 25s ping requirement (spec §4.8,
// §5) without any dependency on the projector's own event log.
func RunKeepAlive(ctx context.Context, w io.Writer, interval time.Duration, flush func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			if flush != nil {
				flush()
			}
		}
	}
}
