package kiroproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	conversationURLTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"
	mcpURLTemplate          = "https://codewhisperer.%s.amazonaws.com/mcp"
	defaultAPIRegion        = "us-east-1"

	// Matches the upstream SDK's own client fingerprint; Kiro's edge
	// rejects requests whose x-amz-user-agent doesn't resemble the
	// desktop client's.
	kiroAgentMode = "spec"
	kiroUserAgent = "aws-sdk-js/1.0.18 ua/2.1 os/darwin#25.0.0 lang/js md/nodejs#20.16.0 api/codewhispererstreaming#1.0.18 m/E KiroIDE-0.2.13-66c23a8c5d15afabec89ef9954ef52a119f10d369df04d548fc6c1eac694b0d1"
	kiroAmzUserAgent = "aws-sdk-js/1.0.18 KiroIDE-0.2.13-66c23a8c5d15afabec89ef9954ef52a119f10d369df04d548fc6c1eac694b0d1"

	upstreamConnectTimeout = 10 * time.Second
	upstreamHeaderTimeout  = 30 * time.Second
	upstreamIdleTimeout    = 120 * time.Second
	tokenRefreshTimeout    = 15 * time.Second
	bufferedPingInterval   = 25 * time.Second
)

// AttemptRecorder observes orchestrator outcomes for telemetry; nil is a
// valid no-op recorder.
type AttemptRecorder interface {
	OnAttempt(credentialID, upstreamModelID string, outcome Outcome, err error)
}

// Orchestrator wires the Converter, Pool, Token Manager, and Projector
// together into the per-request retry loop (spec §4.7).
type Orchestrator struct {
	Pool           *Pool
	Tokens         *TokenManager
	Models         *ModelMapper
	HTTPClient     *http.Client
	ThinkingSuffix string
	Recorder       AttemptRecorder

	// conversationURL and mcpURL override the Kiro endpoint templates;
	// tests point these at an httptest.Server instead of AWS.
	conversationURL string
	mcpURL          string
}

// urlOverride points both endpoint templates at a test server; the %s verb
// is unused when the override doesn't contain one.
func (o *Orchestrator) urlOverride(conversation, mcp string) {
	o.conversationURL = conversation
	o.mcpURL = mcp
}

func (o *Orchestrator) conversationTemplate() string {
	if o.conversationURL != "" {
		return o.conversationURL
	}
	return conversationURLTemplate
}

func (o *Orchestrator) mcpTemplate() string {
	if o.mcpURL != "" {
		return o.mcpURL
	}
	return mcpURLTemplate
}

// NewOrchestrator wires the given components with sensible defaults.
func NewOrchestrator(pool *Pool, tokens *TokenManager, models *ModelMapper) *Orchestrator {
	return &Orchestrator{
		Pool:   pool,
		Tokens: tokens,
		Models: models,
		HTTPClient: &http.Client{
			Timeout: 0, // per-phase timeouts are enforced explicitly below
		},
		ThinkingSuffix: "-thinking",
	}
}

func (o *Orchestrator) record(credID, model string, outcome Outcome, err error) {
	if o.Recorder != nil {
		o.Recorder.OnAttempt(credID, model, outcome, err)
	}
}

// resolvedRequest bundles the upstream model id together with the
// display model name the client should see in its response.
type resolvedRequest struct {
	upstreamModelID string
	displayModel    string
}

// resolve applies model mapping, thinking-suffix stripping, and
// request-level thinking config (spec §4.5). Kiro's upstream envelope has
// no explicit reasoning-budget field, so both paths work by injecting a
// tagged prefix into the system prompt rather than a request parameter;
// the suffix path also adds a plain step-by-step nudge and, unless the
// request already enables thinking, enables it with the default budget.
func (o *Orchestrator) resolve(req *AnthropicRequest) (*resolvedRequest, error) {
	name := req.Model
	rr := &resolvedRequest{displayModel: name}

	if base, stripped := stripThinkingSuffix(name, o.ThinkingSuffix); stripped {
		rr.displayModel = base
		name = base
		injectSystemPrefix(req, "Think step by step before responding.")
		if req.Thinking == nil || req.Thinking.Type != "enabled" {
			req.Thinking = &ThinkingConfig{Type: "enabled", BudgetTokens: defaultThinkingBudgetTokens}
		}
	}

	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = defaultThinkingBudgetTokens
		}
		if budget > maxThinkingBudgetTokens {
			budget = maxThinkingBudgetTokens
		}
		prefix := fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
		injectSystemPrefixOnce(req, prefix, "<thinking_mode>")
	}

	id, ok := o.Models.Resolve(name)
	if !ok {
		return nil, NewClientError("model", "unknown or unmappable model: "+name, ErrUnmappableModel)
	}
	rr.upstreamModelID = id
	return rr, nil
}

// injectSystemPrefix appends text to req.System, creating it if absent.
// Only string-shaped System is rewritten; a content-block array is left
// alone since the client built it explicitly.
func injectSystemPrefix(req *AnthropicRequest, text string) {
	switch sys := req.System.(type) {
	case nil:
		req.System = text
	case string:
		req.System = sys + "\n" + text
	}
}

// injectSystemPrefixOnce prepends prefix to req.System unless the system
// prompt already contains marker, mirroring the upstream's
// has_thinking_tags guard against double-injection on a retried request.
func injectSystemPrefixOnce(req *AnthropicRequest, prefix, marker string) {
	switch sys := req.System.(type) {
	case nil:
		req.System = prefix
	case string:
		if !strings.Contains(sys, marker) {
			req.System = prefix + "\n" + sys
		}
	}
}

// Handle serves the streaming /v1/messages path, writing SSE events
// through emit as they are produced.
func (o *Orchestrator) Handle(ctx context.Context, req *AnthropicRequest, emit func(SSEEvent) error) error {
	if IsWebSearchOnlyRequest(req) {
		return o.handleWebSearch(ctx, req, emit)
	}

	rr, err := o.resolve(req)
	if err != nil {
		return err
	}

	projector := NewProjector(rr.displayModel, ThinkingFormatBlock, emit)
	return o.run(ctx, req, rr, projector)
}

// HandleBuffered serves /cc/v1/messages: it drives the Projector into an
// in-memory log, pings the client every 25s while waiting, then flushes
// the whole log back-to-back once the upstream completes (spec §4.8).
func (o *Orchestrator) HandleBuffered(ctx context.Context, req *AnthropicRequest, w io.Writer, flush func()) error {
	if IsWebSearchOnlyRequest(req) {
		return o.handleWebSearch(ctx, req, func(ev SSEEvent) error { return WriteSSE(w, ev) })
	}

	rr, err := o.resolve(req)
	if err != nil {
		return err
	}

	bp := NewBufferedProjector(rr.displayModel, ThinkingFormatBlock)

	pingCtx, cancelPing := context.WithCancel(ctx)
	go RunKeepAlive(pingCtx, w, bufferedPingInterval, flush)

	runErr := o.run(ctx, req, rr, bp.Projector)
	cancelPing()

	if runErr != nil {
		if ctx.Err() != nil {
			return ctx.Err() // client cancelled: discard the log entirely
		}
		return runErr
	}

	// contextUsageEvent may have arrived after message_start was already
	// buffered with only the pre-stream estimate; rewrite it with the true
	// count before anything is flushed to the client (spec §4.6 rule 5,
	// §4.8).
	bp.RewriteInputTokens(bp.usage.InputTokens)

	if err := bp.Flush(w); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// run executes the lease/dispatch/re-lease retry loop and streams decoder
// output through proj once a response opens.
func (o *Orchestrator) run(ctx context.Context, req *AnthropicRequest, rr *resolvedRequest, proj *Projector) error {
	// Validate and convert the request before emitting anything: a
	// ConvertRequest failure must surface as a clean pre-stream error
	// (spec §7), not as content following an already-sent message_start.
	env, convErr := ConvertRequest(req, rr.upstreamModelID)
	if convErr != nil {
		return convErr
	}

	state := o.Pool.NewAttempt()
	var lastErr error

	// Lease/dispatch against the pool until a response opens or the
	// retry budget/eligible-credential set is exhausted. proj.Start is
	// deliberately not called yet: every error in this loop (auth
	// failure, quota exhaustion, transient 5xx, pool exhaustion) must
	// still surface as a clean pre-stream error, not as content
	// following an already-sent message_start.
	for {
		lease, err := o.Pool.Lease(ctx, state)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		resp, dispatchErr := o.dispatch(ctx, lease, env, true)
		if dispatchErr != nil {
			outcome := OutcomeTransientFailure
			var af *AuthFailure
			var qe *QuotaError
			switch {
			case isAuthFailure(dispatchErr, &af):
				outcome = OutcomeFatalFailure
			case errors.As(dispatchErr, &qe) && isQuotaExhausted(qe.Reason):
				// A monthly-quota exhaustion means this credential is
				// dead for the rest of the billing period, not merely
				// overloaded: disable it and fail over immediately
				// instead of waiting out a cooldown.
				outcome = OutcomeFatalFailure
			}
			o.Pool.Report(lease, outcome)
			o.record(lease.CredentialID, rr.upstreamModelID, outcome, dispatchErr)
			lastErr = dispatchErr
			continue
		}

		// The response opened: only now does the projector commit
		// message_start to the wire. From here on, errors become
		// in-band SSE content (spec §4.7 — "after projector starts
		// emitting, errors become in-band").
		estimate := EstimateInputTokens(req)
		if err := proj.Start(estimate); err != nil {
			resp.Body.Close()
			return err
		}

		streamErr := o.streamResponse(ctx, resp.Body, proj)
		resp.Body.Close()

		if streamErr != nil {
			o.Pool.Report(lease, OutcomeTransientFailure)
			o.record(lease.CredentialID, rr.upstreamModelID, OutcomeTransientFailure, streamErr)
			if proj.contentSent {
				// Content already reached the client: terminate in-band
				// with message_delta{stop_reason:"error"} and message_stop.
				return proj.HandleEvent(DecodedEvent{Kind: EventError, ErrorMessage: streamErr.Error()})
			}
			return streamErr
		}

		o.Pool.Report(lease, OutcomeSuccess)
		o.record(lease.CredentialID, rr.upstreamModelID, OutcomeSuccess, nil)
		return proj.Finish()
	}
}

func isAuthFailure(err error, target **AuthFailure) bool {
	for err != nil {
		if af, ok := err.(*AuthFailure); ok {
			*target = af
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// dispatch sends one upstream attempt and returns the opened response, or
// an error classified per spec §7 (AuthFailure/UpstreamTransient/
// UpstreamPermanent).
func (o *Orchestrator) dispatch(ctx context.Context, lease *Lease, env *UpstreamEnvelope, stream bool) (*http.Response, error) {
	body, err := fastMarshal(env)
	if err != nil {
		return nil, NewClientError("body", "failed to encode upstream request", err)
	}

	region := lease.APIRegion
	if region == "" {
		region = defaultAPIRegion
	}

	connectCtx, cancel := context.WithTimeout(ctx, upstreamConnectTimeout+upstreamHeaderTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(connectCtx, http.MethodPost, formatEndpoint(o.conversationTemplate(), region), bytes.NewReader(body))
	if err != nil {
		return nil, NewUpstreamTransient(err)
	}
	setKiroHeaders(httpReq, lease.AccessToken, stream)

	resp, err := o.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, NewUpstreamTransient(err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewAuthFailure(fmt.Errorf("upstream auth failure (%d): %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewUpstreamTransient(fmt.Errorf("upstream %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 400 {
		var errBody struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		_ = fastUnmarshal(raw, &errBody)
		if errBody.Reason != "" {
			return nil, enhanceUpstreamError(errBody.Reason, errBody.Message)
		}
		return nil, NewUpstreamPermanent(fmt.Errorf("upstream %d", resp.StatusCode), string(raw))
	}

	return resp, nil
}

// formatEndpoint substitutes region into template if it contains a %s
// verb, or returns template unchanged (used to point tests at a fixed
// httptest.Server URL without a region placeholder).
func formatEndpoint(template, region string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, region)
	}
	return template
}

func setKiroHeaders(req *http.Request, accessToken string, stream bool) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	req.Header.Set("x-amzn-kiro-agent-mode", kiroAgentMode)
	req.Header.Set("x-amz-user-agent", kiroAmzUserAgent)
	req.Header.Set("user-agent", kiroUserAgent)
}

// streamResponse reads body in chunks, feeding each through decoder and
// then proj, resetting the idle-between-frames watchdog on every read.
func (o *Orchestrator) streamResponse(ctx context.Context, body io.ReadCloser, proj *Projector) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reset := make(chan struct{}, 1)
	go func() {
		timer := time.NewTimer(upstreamIdleTimeout)
		defer timer.Stop()
		for {
			select {
			case <-readCtx.Done():
				return
			case <-reset:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(upstreamIdleTimeout)
			case <-timer.C:
				cancel()
				return
			}
		}
	}()

	decoder := NewFrameDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case reset <- struct{}{}:
			default:
			}
			events, decErr := decoder.Decode(buf[:n])
			if decErr != nil {
				return NewDecodeError("frame", decErr)
			}
			for _, ev := range events {
				if err := proj.HandleEvent(ev); err != nil {
					return err
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if readCtx.Err() != nil {
				return NewUpstreamTransient(fmt.Errorf("idle timeout waiting for upstream frame"))
			}
			return NewUpstreamTransient(err)
		}
	}
}

// handleWebSearch routes a web_search-only request through the
// compatibility path (spec §4.5) instead of a normal upstream dispatch.
func (o *Orchestrator) handleWebSearch(ctx context.Context, req *AnthropicRequest, emit func(SSEEvent) error) error {
	query, ok := ExtractWebSearchQuery(req)
	if !ok {
		return NewClientError("messages", "unable to extract search query from message", nil)
	}

	state := o.Pool.NewAttempt()
	lease, err := o.Pool.Lease(ctx, state)
	if err != nil {
		return err
	}

	toolUseID, mcpReq := NewMcpRequest(query, nil, time.Now())
	results := o.callMcp(ctx, lease, mcpReq)
	o.Pool.Report(lease, OutcomeSuccess)

	events := BuildWebSearchStream(req.Model, query, toolUseID, results, EstimateInputTokens(req))
	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) callMcp(ctx context.Context, lease *Lease, mcpReq McpRequest) *WebSearchResults {
	body, err := fastMarshal(mcpReq)
	if err != nil {
		return nil
	}
	region := lease.APIRegion
	if region == "" {
		region = defaultAPIRegion
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, formatEndpoint(o.mcpTemplate(), region), bytes.NewReader(body))
	if err != nil {
		return nil
	}
	setKiroHeaders(httpReq, lease.AccessToken, false)

	resp, err := o.HTTPClient.Do(httpReq)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	var mcpResp McpResponse
	if err := fastUnmarshal(raw, &mcpResp); err != nil {
		return nil
	}
	return ParseWebSearchResults(&mcpResp)
}
