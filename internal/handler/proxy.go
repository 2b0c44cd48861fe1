package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	ctxutil "github.com/kiro-project/kiroproxy/internal/context"
	"github.com/kiro-project/kiroproxy/internal/kiroproxy"
	"github.com/kiro-project/kiroproxy/internal/telemetry"

	"github.com/google/uuid"
)

// ProxyHandler serves the Anthropic-compatible surface of spec §6:
// /v1/messages, /cc/v1/messages, their count_tokens counterparts, and the
// static /v1/models catalog.
type ProxyHandler struct {
	orchestrator        *kiroproxy.Orchestrator
	recorder            *telemetry.Recorder
	maxRequestBodyBytes int64
	thinkingSuffix      string
}

func NewProxyHandler(o *kiroproxy.Orchestrator, recorder *telemetry.Recorder, maxRequestBodyBytes int64, thinkingSuffix string) *ProxyHandler {
	return &ProxyHandler{
		orchestrator:        o,
		recorder:            recorder,
		maxRequestBodyBytes: maxRequestBodyBytes,
		thinkingSuffix:      thinkingSuffix,
	}
}

func (h *ProxyHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body := r.Body
	if h.maxRequestBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
	defer r.Body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit")
		return nil, false
	}
	return data, true
}

func (h *ProxyHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (*kiroproxy.AnthropicRequest, bool) {
	body, ok := h.readBody(w, r)
	if !ok {
		return nil, false
	}
	var req kiroproxy.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return nil, false
	}
	return &req, true
}

// ServeMessages handles POST /v1/messages: the direct-emit streaming path.
func (h *ProxyHandler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	h.streamDirect(w, r, req, "anthropic")
}

// ServeClaudeCodeMessages handles POST /cc/v1/messages: the Buffered
// Projector path, per spec §4.8.
func (h *ProxyHandler) ServeClaudeCodeMessages(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	h.streamBuffered(w, r, req)
}

func (h *ProxyHandler) streamDirect(w http.ResponseWriter, r *http.Request, req *kiroproxy.AnthropicRequest, clientType string) {
	requestID := uuid.NewString()
	ctx := ctxutil.WithRequestID(r.Context(), requestID)
	ctx = ctxutil.WithClientType(ctx, clientType)
	ctx = ctxutil.WithRequestModel(ctx, req.Model)
	ctx = ctxutil.WithIsStream(ctx, true)

	span := h.recorder.BeginRequest(requestID, clientType, req.Model, true)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	statusWritten := false
	writeStatus := func() {
		if !statusWritten {
			w.WriteHeader(http.StatusOK)
			statusWritten = true
		}
	}

	err := h.orchestrator.Handle(ctx, req, func(ev kiroproxy.SSEEvent) error {
		writeStatus()
		if werr := kiroproxy.WriteSSE(w, ev); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	statusCode := http.StatusOK
	if err != nil {
		statusCode = kiroproxy.HTTPStatus(err)
		if !statusWritten {
			writeError(w, statusCode, err.Error())
		} else {
			writeStreamErrorEvent(w, flusher, err)
		}
	}
	span.Finish(statusCode, 0, err)
}

// deferredStatusWriter delays committing the response status line until the
// first byte actually needs to go out, so a failure that HandleBuffered
// reports before writing anything (pool exhaustion, auth failure, quota
// error, a validation error) can still be surfaced as a clean JSON error
// instead of an already-committed 200.
type deferredStatusWriter struct {
	w           http.ResponseWriter
	writeStatus func()
}

func (d *deferredStatusWriter) Write(p []byte) (int, error) {
	d.writeStatus()
	return d.w.Write(p)
}

func (h *ProxyHandler) streamBuffered(w http.ResponseWriter, r *http.Request, req *kiroproxy.AnthropicRequest) {
	requestID := uuid.NewString()
	ctx := ctxutil.WithRequestID(r.Context(), requestID)
	ctx = ctxutil.WithClientType(ctx, "claude-code")
	ctx = ctxutil.WithRequestModel(ctx, req.Model)
	ctx = ctxutil.WithIsStream(ctx, true)

	span := h.recorder.BeginRequest(requestID, "claude-code", req.Model, true)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	statusWritten := false
	writeStatus := func() {
		if !statusWritten {
			w.WriteHeader(http.StatusOK)
			statusWritten = true
		}
	}
	sw := &deferredStatusWriter{w: w, writeStatus: writeStatus}
	flush := func() {
		writeStatus()
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := h.orchestrator.HandleBuffered(ctx, req, sw, flush)

	statusCode := http.StatusOK
	if err != nil {
		statusCode = kiroproxy.HTTPStatus(err)
		if !errors.Is(err, context.Canceled) {
			if !statusWritten {
				writeError(w, statusCode, err.Error())
			} else {
				writeStreamErrorEvent(w, flusher, err)
			}
		}
	}
	span.Finish(statusCode, 0, err)
}

// ServeCountTokens handles POST /v1/messages/count_tokens and its
// /cc/v1/... counterpart: an estimate-only response, no upstream call.
func (h *ProxyHandler) ServeCountTokens(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	estimate := kiroproxy.EstimateInputTokens(req)
	writeJSON(w, http.StatusOK, map[string]any{"input_tokens": estimate})
}

// ServeModels handles GET /v1/models: the static catalog of spec §6.
func (h *ProxyHandler) ServeModels(w http.ResponseWriter, r *http.Request) {
	catalog := kiroproxy.BuildModelCatalog(h.thinkingSuffix)
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   catalog,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    "error",
			"message": message,
		},
	})
}

func writeStreamErrorEvent(w http.ResponseWriter, flusher http.Flusher, err error) {
	ev := kiroproxy.SSEEvent{
		Event: "error",
		Data: map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "api_error",
				"message": err.Error(),
			},
		},
	}
	_ = kiroproxy.WriteSSE(w, ev)
	if flusher != nil {
		flusher.Flush()
	}
}
