package kiroproxy

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedProjectorBuffersUntilFlush(t *testing.T) {
	bp := NewBufferedProjector("claude-sonnet-4-20250514", ThinkingFormatBlock)
	require.NoError(t, bp.Start(5))
	require.NoError(t, bp.HandleEvent(DecodedEvent{Kind: EventAssistantResponse, Text: "hi"}))
	require.NoError(t, bp.Finish())

	require.NotEmpty(t, bp.Log())

	var buf bytes.Buffer
	require.NoError(t, bp.Flush(&buf))
	out := buf.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "event: message_stop")
}

func TestBufferedProjectorRewritesInputTokens(t *testing.T) {
	bp := NewBufferedProjector("claude-sonnet-4-20250514", ThinkingFormatBlock)
	require.NoError(t, bp.Start(999))
	require.NoError(t, bp.HandleEvent(DecodedEvent{Kind: EventAssistantResponse, Text: "hi"}))
	require.NoError(t, bp.Finish())

	bp.RewriteInputTokens(7)

	var buf bytes.Buffer
	require.NoError(t, bp.Flush(&buf))
	assert.Contains(t, buf.String(), `"input_tokens":7`)
	assert.NotContains(t, buf.String(), `"input_tokens":999`)
}

func TestWriteSSEFormat(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSSE(&buf, SSEEvent{Event: "message_stop", Data: sseMessageStop{Type: "message_stop"}})
	require.NoError(t, err)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: message_stop\ndata: "))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestRunKeepAliveWritesPingsUntilCancelled(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunKeepAlive(ctx, &buf, 5*time.Millisecond, nil)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done
	assert.Contains(t, buf.String(), ": ping\n\n")
}
