package kiroproxy

// AnthropicRequest is the client-facing /v1/messages (and /cc/v1/messages)
// request body.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        any                `json:"system,omitempty"` // string or []AnthropicContentBlock
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig    `json:"thinking,omitempty"`
}

// ThinkingConfig is the extended-thinking request block.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// AnthropicMessage is one turn in the conversation.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []AnthropicContentBlock
}

// AnthropicContentBlock is one block within a message's content array;
// which fields are populated depends on Type.
type AnthropicContentBlock struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     any                   `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   any                   `json:"content,omitempty"`
	IsError   bool                  `json:"is_error,omitempty"`
	Source    *AnthropicImageSource `json:"source,omitempty"`
}

// AnthropicImageSource is the base64-inlined image payload of an "image"
// content block.
type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnthropicTool is a client-declared tool definition.
type AnthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// IsWebSearch reports whether tool is Anthropic's built-in web_search tool.
func (t AnthropicTool) IsWebSearch() bool {
	return t.Name == "web_search" || t.Name == "websearch"
}

// AnthropicUsage mirrors the API's usage block.
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// AnthropicResponse is the non-streaming (or buffered-and-collected)
// response shape.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Content      []AnthropicContentBlock `json:"content"`
	Model        string                  `json:"model"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence string                  `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage          `json:"usage"`
}

// --- SSE payload shapes (spec §3, §4.6) ---

type sseMessageStart struct {
	Type    string            `json:"type"`
	Message AnthropicResponse `json:"message"`
}

type sseContentBlockStart struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	ContentBlock AnthropicContentBlock `json:"content_block"`
}

type sseContentBlockDelta struct {
	Type  string        `json:"type"`
	Index int           `json:"index"`
	Delta sseDeltaBlock `json:"delta"`
}

type sseDeltaBlock struct {
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	PartialJSON      string `json:"partial_json,omitempty"`
	Thinking         string `json:"thinking,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type sseContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type sseMessageDelta struct {
	Type  string              `json:"type"`
	Delta sseMessageDeltaBody `json:"delta"`
	Usage AnthropicUsage      `json:"usage"`
}

type sseMessageDeltaBody struct {
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

type sseMessageStop struct {
	Type string `json:"type"`
}

type ssePing struct {
	Type string `json:"type"`
}

type sseErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type sseError struct {
	Type  string       `json:"type"`
	Error sseErrorBody `json:"error"`
}
