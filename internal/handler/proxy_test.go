package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiro-project/kiroproxy/internal/kiroproxy"
	"github.com/kiro-project/kiroproxy/internal/telemetry"
)

func newTestHandler(t *testing.T) *ProxyHandler {
	t.Helper()
	store, err := kiroproxy.LoadCredentialStore(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, err)

	tokens := kiroproxy.NewTokenManager(store, nil)
	pool := kiroproxy.NewPool(store, tokens, kiroproxy.SelectionPriority)
	models := kiroproxy.NewModelMapper(nil)
	orchestrator := kiroproxy.NewOrchestrator(pool, tokens, models)

	db, err := telemetry.Open(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	recorder := telemetry.NewRecorder(db)
	orchestrator.Recorder = recorder

	return NewProxyHandler(orchestrator, recorder, 0, "-thinking")
}

func TestServeModelsListsCatalog(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeModels(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Object string                          `json:"object"`
		Data   []kiroproxy.ModelCatalogEntry    `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	assert.NotEmpty(t, body.Data)
}

func TestServeCountTokensReturnsEstimate(t *testing.T) {
	h := newTestHandler(t)

	payload := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello there"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	h.ServeCountTokens(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Greater(t, body["input_tokens"], 0)
}

func TestServeMessagesMalformedBodyIsBadRequest(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeMessages(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeMessagesNoCredentialsFails(t *testing.T) {
	h := newTestHandler(t)

	payload := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	h.ServeMessages(rec, req)

	// No credentials are loaded, so the orchestrator must fail before any
	// upstream call; the handler surfaces this as a JSON error body since
	// no SSE status line was written yet.
	assert.NotEqual(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestServeClaudeCodeMessagesNoCredentialsFailsCleanly(t *testing.T) {
	h := newTestHandler(t)

	payload := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/cc/v1/messages", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	h.ServeClaudeCodeMessages(rec, req)

	// The buffered path must not commit HTTP 200 before HandleBuffered's
	// first successful write; a pre-stream failure (no credentials here)
	// must surface as a clean non-200 JSON error, not an SSE error event
	// wrapped in an already-committed 200.
	assert.NotEqual(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}
