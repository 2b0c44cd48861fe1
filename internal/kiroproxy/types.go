// Package kiroproxy implements the Anthropic-compatible proxy core: the
// credential pool and token lifecycle, the binary event-stream decoder for
// the Kiro (CodeWhisperer) upstream, and the protocol converter and SSE
// projector that bridge the two.
package kiroproxy

import "time"

// AuthMethod identifies how a Credential authenticates against Kiro.
type AuthMethod string

const (
	AuthMethodSocial AuthMethod = "social"
	AuthMethodIDC    AuthMethod = "idc"
)

// normalizeAuthMethod maps the on-disk spellings "builder-id" and "iam" to
// idc. Kiro treats them as aliases of idc at load time but never
// distinguishes them again afterwards, so the alias is resolved once, here,
// and never re-examined.
func normalizeAuthMethod(raw string) AuthMethod {
	switch raw {
	case "idc", "builder-id", "iam":
		return AuthMethodIDC
	default:
		return AuthMethodSocial
	}
}

// Credential is one OAuth principal in the pool.
type Credential struct {
	ID           string     `json:"id"`
	RefreshToken string     `json:"refreshToken"`
	AccessToken  string     `json:"accessToken,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt,omitempty"`
	ProfileArn   string     `json:"profileArn,omitempty"`
	AuthMethod   AuthMethod `json:"authMethod"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	Priority     int        `json:"priority"`
	AuthRegion   string     `json:"authRegion,omitempty"`
	APIRegion    string     `json:"apiRegion,omitempty"`
	MachineID    string     `json:"machineId,omitempty"`
	Email        string     `json:"email,omitempty"`
	Enabled      bool       `json:"enabled"`
	SuccessCount int64      `json:"successCount"`
	FailureCount int64      `json:"failureCount"`
	LastUsed     time.Time  `json:"lastUsed,omitempty"`

	// RefreshTokenHash is a derived digest of RefreshToken used by the
	// admin layer to detect duplicate imports; it is recomputed on load
	// and never trusted from the file.
	RefreshTokenHash string `json:"refreshTokenHash,omitempty"`
}

// IsIDC reports whether this credential authenticates via the OIDC client
// flow rather than the social refresh-token flow.
func (c *Credential) IsIDC() bool { return c.AuthMethod == AuthMethodIDC }

// AccessTokenValid reports whether the cached access token is usable,
// honoring the fixed skew so tokens are refreshed slightly before expiry.
func (c *Credential) AccessTokenValid(now time.Time, skew time.Duration) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt.Add(-skew))
}

// Lease is issued by the Pool for a single upstream attempt.
type Lease struct {
	CredentialID string
	AccessToken  string
	ProfileArn   string
	AuthRegion   string
	APIRegion    string
}

// Outcome is reported back to the Pool after an attempt using a Lease.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientFailure
	OutcomeFatalFailure
)

// --- Upstream request envelope (spec §3, §4.5) ---

// UpstreamImage is an inlined base64 image attached to a user message.
type UpstreamImage struct {
	Format string `json:"format"`
	Source struct {
		Bytes string `json:"bytes"`
	} `json:"source"`
}

// UpstreamToolResult carries the result of a client-executed tool call back
// upstream.
type UpstreamToolResult struct {
	ToolUseID string           `json:"toolUseId"`
	Content   []map[string]any `json:"content"`
	Status    string           `json:"status"`
	IsError   bool             `json:"isError,omitempty"`
}

// UpstreamToolSpec is one tool definition as understood by Kiro.
type UpstreamToolSpec struct {
	ToolSpecification struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema struct {
			JSON map[string]any `json:"json"`
		} `json:"inputSchema"`
	} `json:"toolSpecification"`
}

// UpstreamToolUse is a tool invocation the assistant made in a prior turn.
type UpstreamToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// UpstreamUserMessage is one user turn in the upstream envelope, either as
// history or as the current message.
type UpstreamUserMessage struct {
	UserInputMessage struct {
		Content                 string          `json:"content"`
		ModelID                 string          `json:"modelId"`
		Origin                  string          `json:"origin"`
		Images                  []UpstreamImage `json:"images,omitempty"`
		UserInputMessageContext struct {
			ToolResults []UpstreamToolResult `json:"toolResults,omitempty"`
			Tools       []UpstreamToolSpec   `json:"tools,omitempty"`
		} `json:"userInputMessageContext"`
	} `json:"userInputMessage"`
}

// UpstreamAssistantMessage is one assistant turn in history.
type UpstreamAssistantMessage struct {
	AssistantResponseMessage struct {
		Content  string             `json:"content"`
		ToolUses []UpstreamToolUse `json:"toolUses,omitempty"`
	} `json:"assistantResponseMessage"`
}

// UpstreamEnvelope is the full request body Kiro expects.
type UpstreamEnvelope struct {
	ConversationState struct {
		AgentContinuationID string `json:"agentContinuationId"`
		AgentTaskType        string `json:"agentTaskType"`
		ChatTriggerType      string `json:"chatTriggerType"`
		ConversationID       string `json:"conversationId"`
		CurrentMessage       struct {
			UserInputMessage struct {
				Content                 string          `json:"content"`
				ModelID                 string          `json:"modelId"`
				Origin                  string          `json:"origin"`
				Images                  []UpstreamImage `json:"images"`
				UserInputMessageContext struct {
					ToolResults []UpstreamToolResult `json:"toolResults,omitempty"`
					Tools       []UpstreamToolSpec   `json:"tools,omitempty"`
				} `json:"userInputMessageContext"`
			} `json:"userInputMessage"`
		} `json:"currentMessage"`
		History []any `json:"history"`
	} `json:"conversationState"`
}

// --- Decoded upstream event (spec §3, §4.1) ---

// EventKind tags the variant of a DecodedEvent.
type EventKind int

const (
	EventAssistantResponse EventKind = iota
	EventToolUse
	EventContextUsage
	EventMessageMetadata
	EventCodeReference
	EventError
)

// DecodedEvent is the tagged union the Frame Decoder produces.
type DecodedEvent struct {
	Kind EventKind

	// EventAssistantResponse
	Text        string
	IsReasoning bool

	// EventToolUse
	ToolUseID       string
	ToolName        string
	ToolInput       map[string]any
	ToolInputDelta  string
	ToolUseStop     bool

	// EventContextUsage
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int

	// EventMessageMetadata
	ConversationID string

	// EventError
	ErrorReason  string
	ErrorMessage string
}

// --- Anthropic SSE event family (spec §3) ---

// SSEEvent is one server-sent event: a name and its JSON-serializable data.
type SSEEvent struct {
	Event string
	Data  any
}
