package kiroproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, credCount int, upstream *httptest.Server) *Orchestrator {
	t.Helper()
	store, err := LoadCredentialStore(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, err)
	for i := 0; i < credCount; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.Add(&Credential{
			ID:          id,
			AccessToken: "tok-" + id,
			AuthMethod:  AuthMethodSocial,
			Enabled:     true,
			Priority:    i, // "a" gets the lowest (best) priority number, tried first
			ExpiresAt:   futureExpiry(),
		}))
	}
	tm := NewTokenManager(store, nil)
	pool := NewPool(store, tm, SelectionPriority)
	o := NewOrchestrator(pool, tm, NewModelMapper(nil))
	if upstream != nil {
		o.urlOverride(upstream.URL, upstream.URL)
	}
	return o
}

func simpleRequest() *AnthropicRequest {
	return &AnthropicRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []AnthropicMessage{
			{Role: "user", Content: "hello there"},
		},
	}
}

// S4: the first credential's upstream call 401s, the second succeeds; the
// pool must fail over without surfacing an error to the caller.
func TestOrchestratorScenarioS4CredentialFailover(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen[auth]++
		mu.Unlock()

		if auth == "Bearer tok-a" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid token"}`))
			return
		}

		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		w.WriteHeader(http.StatusOK)
		frame := encodeFrame(t, ":event-type", "assistantResponseEvent", []byte(`{"content":"hi"}`))
		_, _ = w.Write(frame)
	}))
	defer upstream.Close()

	o := newTestOrchestrator(t, 2, upstream)

	var events []SSEEvent
	err := o.Handle(context.Background(), simpleRequest(), func(ev SSEEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["Bearer tok-a"])
	assert.Equal(t, 1, seen["Bearer tok-b"])

	credA, ok := credentialFromStore(t, o, "a")
	require.True(t, ok)
	assert.False(t, credA.Enabled, "the 401'd credential should be disabled as a fatal failure")

	credB, ok := credentialFromStore(t, o, "b")
	require.True(t, ok)
	assert.EqualValues(t, 1, credB.SuccessCount)

	require.NotEmpty(t, events)
	assert.Equal(t, "message_start", events[0].Event)
	assert.Equal(t, "message_stop", events[len(events)-1].Event)
}

// S6: a monthly-quota exhaustion arriving before any content is sent must
// surface as a clean HTTP-mappable error (429) rather than an in-band SSE
// error, and the credential must be disabled outright (it is dead for the
// rest of the billing period), not merely cooled down.
func TestOrchestratorScenarioS6QuotaErrorSurfacesCleanly(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		body, _ := json.Marshal(map[string]string{
			"message": "quota exceeded",
			"reason":  "MONTHLY_REQUEST_LIMIT_REACHED",
		})
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	o := newTestOrchestrator(t, 1, upstream)

	var events []SSEEvent
	err := o.Handle(context.Background(), simpleRequest(), func(ev SSEEvent) error {
		events = append(events, ev)
		return nil
	})

	require.Error(t, err)
	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, 429, HTTPStatus(err))
	assert.Contains(t, quotaErr.Message, "Monthly request limit exceeded")

	// proj.Start is deferred until a response actually opens, so a quota
	// failure on the only attempt must produce no SSE output at all.
	assert.Empty(t, events)

	credA, ok := credentialFromStore(t, o, "a")
	require.True(t, ok)
	assert.False(t, credA.Enabled, "a monthly-quota exhaustion should disable the credential")
}

// A ConvertRequest validation failure must surface as a clean pre-stream
// error with no SSE output at all, not as content following an
// already-sent message_start.
func TestOrchestratorConvertRequestFailureEmitsNoSSE(t *testing.T) {
	o := newTestOrchestrator(t, 1, nil)

	req := &AnthropicRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: nil, // no user message: ConvertRequest must reject this
	}

	var events []SSEEvent
	err := o.Handle(context.Background(), req, func(ev SSEEvent) error {
		events = append(events, ev)
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUserMessage)
	assert.Equal(t, 400, HTTPStatus(err))
	assert.Empty(t, events, "no SSE output should be emitted before the request is validated")
}

// A basic full-pipeline smoke test: convert -> dispatch -> decode -> project
// for a single-chunk text response (S1-equivalent).
func TestOrchestratorFullPipelineSingleTextChunk(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		frame := encodeFrame(t, ":event-type", "assistantResponseEvent", []byte(`{"content":"hello world"}`))
		_, _ = w.Write(frame)
	}))
	defer upstream.Close()

	o := newTestOrchestrator(t, 1, upstream)

	var events []SSEEvent
	err := o.Handle(context.Background(), simpleRequest(), func(ev SSEEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, "message_start", events[0].Event)
	assert.Equal(t, "content_block_start", events[1].Event)
	assert.Equal(t, "message_stop", events[len(events)-1].Event)
}

func TestResolveInjectsThinkingModePrefix(t *testing.T) {
	o := newTestOrchestrator(t, 1, nil)

	req := &AnthropicRequest{
		Model:  "claude-sonnet-4-20250514",
		System: "be terse",
		Thinking: &ThinkingConfig{
			Type:         "enabled",
			BudgetTokens: 4096,
		},
	}

	_, err := o.resolve(req)
	require.NoError(t, err)

	sys, ok := req.System.(string)
	require.True(t, ok)
	assert.Contains(t, sys, "<thinking_mode>enabled</thinking_mode><max_thinking_length>4096</max_thinking_length>")
	assert.Contains(t, sys, "be terse")
}

func TestResolveThinkingModeDefaultsBudgetAndCaps(t *testing.T) {
	o := newTestOrchestrator(t, 1, nil)

	req := &AnthropicRequest{
		Model:    "claude-sonnet-4-20250514",
		Thinking: &ThinkingConfig{Type: "enabled"},
	}
	_, err := o.resolve(req)
	require.NoError(t, err)
	assert.Contains(t, req.System.(string), "<max_thinking_length>20000</max_thinking_length>")

	req2 := &AnthropicRequest{
		Model:    "claude-sonnet-4-20250514",
		Thinking: &ThinkingConfig{Type: "enabled", BudgetTokens: 999999},
	}
	_, err = o.resolve(req2)
	require.NoError(t, err)
	assert.Contains(t, req2.System.(string), "<max_thinking_length>128000</max_thinking_length>")
}

// HandleBuffered must rewrite message_start's estimated input_tokens with
// the true count from contextUsageEvent before flushing (spec §4.6 rule 5,
// §4.8), not ship the pre-stream estimate.
func TestHandleBufferedRewritesInputTokensBeforeFlush(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		frames := append(
			encodeFrame(t, ":event-type", "assistantResponseEvent", []byte(`{"content":"hi"}`)),
			encodeFrame(t, ":event-type", "contextUsageEvent", []byte(`{"inputTokens":4242,"outputTokens":3}`))...,
		)
		_, _ = w.Write(frames)
	}))
	defer upstream.Close()

	o := newTestOrchestrator(t, 1, upstream)

	var buf bytes.Buffer
	err := o.HandleBuffered(context.Background(), simpleRequest(), &buf, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"input_tokens":4242`)

	estimate := EstimateInputTokens(simpleRequest())
	assert.NotContains(t, out, fmt.Sprintf(`"input_tokens":%d`, estimate),
		"the pre-stream estimate must not survive into the flushed log")
}

func credentialFromStore(t *testing.T, o *Orchestrator, id string) (*Credential, bool) {
	t.Helper()
	return o.Pool.store.Get(id)
}
