package kiroproxy

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the proxy core.
var (
	ErrNoUserMessage    = errors.New("no user message in request")
	ErrUnknownRole      = errors.New("unknown message role")
	ErrUnmappableModel  = errors.New("model name does not map to an upstream id")
	ErrBodyTooLarge     = errors.New("request body exceeds configured limit")
	ErrNoCredentials    = errors.New("no enabled credentials available")
	ErrRetryBudgetSpent = errors.New("retry budget exhausted")
	ErrDecoderPoisoned  = errors.New("event-stream decoder is poisoned")
)

// ClientError is a malformed or unacceptable request; it is always
// surfaced to the client as 4xx and never retried against the pool.
type ClientError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ClientError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("bad request: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("bad request: %s", e.Reason)
}

func (e *ClientError) Unwrap() error { return e.Err }

func NewClientError(field, reason string, err error) *ClientError {
	return &ClientError{Field: field, Reason: reason, Err: err}
}

// AuthFailure means the credential used for an attempt was rejected by
// Kiro (refresh invalid_grant, or 401/403 on the conversation call). It
// bubbles into the Pool as a fatal-failure outcome.
type AuthFailure struct {
	Err error
}

func (e *AuthFailure) Error() string { return fmt.Sprintf("auth failure: %v", e.Err) }
func (e *AuthFailure) Unwrap() error { return e.Err }

func NewAuthFailure(err error) *AuthFailure { return &AuthFailure{Err: err} }

// UpstreamTransient covers 5xx, connect/idle timeouts, and resets. The
// Orchestrator retries these against a different lease.
type UpstreamTransient struct {
	Err error
}

func (e *UpstreamTransient) Error() string { return fmt.Sprintf("upstream transient: %v", e.Err) }
func (e *UpstreamTransient) Unwrap() error { return e.Err }

func NewUpstreamTransient(err error) *UpstreamTransient { return &UpstreamTransient{Err: err} }

// UpstreamPermanent covers 4xx responses that are not auth failures
// (validation errors, content-length-exceeds-threshold). Surfaced, not
// retried.
type UpstreamPermanent struct {
	Err     error
	Message string
}

func (e *UpstreamPermanent) Error() string {
	return fmt.Sprintf("upstream permanent: %s", e.Message)
}
func (e *UpstreamPermanent) Unwrap() error { return e.Err }

func NewUpstreamPermanent(err error, message string) *UpstreamPermanent {
	return &UpstreamPermanent{Err: err, Message: message}
}

// DecodeError wraps any Frame Decoder failure. Surfaced as 502 to the
// client, or as a mid-stream error event once SSE output has begun.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode error (%s): %v", e.Kind, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

func NewDecodeError(kind string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Err: err}
}

// QuotaError is a MONTHLY_REQUEST_* or rate-limit upstream error,
// surfaced with a friendly message via the error-enhancement table below.
type QuotaError struct {
	Reason  string
	Message string
}

func (e *QuotaError) Error() string { return e.Message }

// isQuotaExhausted reports whether reason means the account's quota for
// the billing period is used up (fails over immediately, disables the
// credential), as opposed to an ordinary rate-limit/throttle (reported as
// a transient failure that counts toward cooldown, after which the retry
// loop re-leases, preferring a credential not yet tried this request).
func isQuotaExhausted(reason string) bool {
	switch reason {
	case "MONTHLY_REQUEST_LIMIT_REACHED", "MONTHLY_REQUEST_COUNT":
		return true
	default:
		return false
	}
}

// HTTPStatus maps each error category to the status code the client sees,
// per spec §7's propagation rules.
func HTTPStatus(err error) int {
	var (
		clientErr  *ClientError
		authErr    *AuthFailure
		transErr   *UpstreamTransient
		permErr    *UpstreamPermanent
		decodeErr  *DecodeError
		quotaErr   *QuotaError
	)
	switch {
	case errors.As(err, &clientErr):
		return 400
	case errors.As(err, &authErr):
		return 401
	case errors.As(err, &quotaErr):
		return quotaHTTPStatus(quotaErr.Reason)
	case errors.As(err, &permErr):
		return 422
	case errors.As(err, &transErr):
		return 502
	case errors.As(err, &decodeErr):
		return 502
	default:
		return 500
	}
}

func quotaHTTPStatus(reason string) int {
	switch reason {
	case "RATE_LIMIT_EXCEEDED", "MONTHLY_REQUEST_LIMIT_REACHED", "MONTHLY_REQUEST_COUNT", "THROTTLING_EXCEPTION":
		return 429
	case "SERVICE_UNAVAILABLE":
		return 503
	case "CONTENT_LENGTH_EXCEEDS_THRESHOLD", "VALIDATION_EXCEPTION":
		return 400
	default:
		return 502
	}
}

// enhanceUpstreamError translates a raw {"message","reason"} upstream error
// payload into a friendly QuotaError-shaped message. Ported from the
// reference implementation's error-enhancement table so the exact
// user-facing strings match.
func enhanceUpstreamError(reason, originalMessage string) *QuotaError {
	if reason == "" {
		reason = "UNKNOWN"
	}
	if originalMessage == "" {
		originalMessage = "Unknown error"
	}

	var userMessage string
	switch reason {
	case "CONTENT_LENGTH_EXCEEDS_THRESHOLD":
		userMessage = "Model context limit reached. Conversation size exceeds model capacity."
	case "MONTHLY_REQUEST_LIMIT_REACHED", "MONTHLY_REQUEST_COUNT":
		userMessage = "Monthly request limit exceeded. Account has reached its monthly quota."
	case "RATE_LIMIT_EXCEEDED":
		userMessage = "Rate limit exceeded. Please wait a moment before retrying."
	case "SERVICE_UNAVAILABLE":
		userMessage = "Kiro service temporarily unavailable. Please try again later."
	case "THROTTLING_EXCEPTION":
		userMessage = "Too many requests. Please slow down and try again."
	case "VALIDATION_EXCEPTION":
		userMessage = fmt.Sprintf("Invalid request: %s", originalMessage)
	case "UNKNOWN":
		userMessage = originalMessage
	default:
		userMessage = fmt.Sprintf("%s (reason: %s)", originalMessage, reason)
	}

	return &QuotaError{Reason: reason, Message: userMessage}
}
