package kiroproxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	originHeader           = "AI_EDITOR"
	agentTaskTypeVibe      = "vibe"
	toolOnlyPlaceholder    = "Run the requested tool."
	webSearchQueryPrefix   = "Perform a web search for the query: "
)

// ConvertRequest turns a client-facing AnthropicRequest into the wire
// envelope Kiro expects. upstreamModelID is the already-resolved id from
// ModelMapper.Resolve.
func ConvertRequest(req *AnthropicRequest, upstreamModelID string) (*UpstreamEnvelope, error) {
	if len(req.Messages) == 0 {
		return nil, NewClientError("messages", "at least one message is required", ErrNoUserMessage)
	}

	env := &UpstreamEnvelope{}
	cs := &env.ConversationState
	cs.AgentContinuationID = uuid.NewString()
	cs.AgentTaskType = agentTaskTypeVibe
	cs.ChatTriggerType = determineChatTriggerType(req)
	cs.ConversationID = uuid.NewString()

	last := req.Messages[len(req.Messages)-1]
	text, images, toolResults, err := processMessageContent(last.Content)
	if err != nil {
		return nil, err
	}

	cur := &cs.CurrentMessage.UserInputMessage
	cur.Content = text
	cur.ModelID = upstreamModelID
	cur.Origin = originHeader
	cur.Images = images
	if len(cur.Images) == 0 {
		cur.Images = []UpstreamImage{}
	}
	cur.UserInputMessageContext.ToolResults = toolResults
	cur.UserInputMessageContext.Tools = compressToolsIfNeeded(convertTools(req.Tools))

	if req.System != nil || len(req.Messages) > 1 || len(req.Tools) > 0 {
		history, err := buildHistory(req, upstreamModelID)
		if err != nil {
			return nil, err
		}
		cs.History = history
	}
	if cs.History == nil {
		cs.History = []any{}
	}

	if err := validateUpstreamEnvelope(env, len(toolResults) > 0, len(images) > 0, len(req.Tools) > 0); err != nil {
		return nil, err
	}
	return env, nil
}

// determineChatTriggerType mirrors the upstream heuristic: a forced tool
// choice runs the conversation in AUTO mode, everything else is MANUAL.
func determineChatTriggerType(req *AnthropicRequest) string {
	if m, ok := req.ToolChoice.(map[string]any); ok {
		if t, _ := m["type"].(string); t == "any" || t == "tool" {
			return "AUTO"
		}
	}
	return "MANUAL"
}

// validateUpstreamEnvelope rejects requests that would otherwise reach Kiro
// with no usable content, injecting a placeholder only for the narrow
// tool-only case the client legitimately sends with empty text.
func validateUpstreamEnvelope(env *UpstreamEnvelope, hasToolResults, hasImages, hasTools bool) error {
	cur := &env.ConversationState.CurrentMessage.UserInputMessage
	if cur.ModelID == "" {
		return NewClientError("model", "unknown or unmappable model", ErrUnmappableModel)
	}
	if env.ConversationState.ConversationID == "" {
		return NewClientError("conversation", "conversation id was not generated", nil)
	}
	if hasToolResults {
		return nil
	}
	if cur.Content == "" && !hasImages {
		if hasTools {
			cur.Content = toolOnlyPlaceholder
			return nil
		}
		return NewClientError("messages", "message has no text, image, or tool content", ErrNoUserMessage)
	}
	return nil
}

// processMessageContent normalizes an Anthropic message's Content field
// (string or []AnthropicContentBlock-shaped values) into upstream text,
// images, and tool results.
func processMessageContent(content any) (string, []UpstreamImage, []UpstreamToolResult, error) {
	switch v := content.(type) {
	case string:
		return v, nil, nil, nil
	case []any:
		var text strings.Builder
		var images []UpstreamImage
		var toolResults []UpstreamToolResult
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				if s, ok := block["text"].(string); ok {
					text.WriteString(s)
				}
			case "image":
				if src, ok := block["source"].(map[string]any); ok {
					if img := convertImage(src); img != nil {
						images = append(images, *img)
					}
				}
			case "tool_result":
				toolResults = append(toolResults, extractToolResult(block))
			}
		}
		return text.String(), images, toolResults, nil
	case nil:
		return "", nil, nil, nil
	default:
		return "", nil, nil, NewClientError("content", "unsupported message content shape", nil)
	}
}

// convertImage maps an Anthropic image source block to the upstream image
// shape, defaulting to png for unrecognized media types.
func convertImage(source map[string]any) *UpstreamImage {
	data, _ := source["data"].(string)
	if data == "" {
		return nil
	}
	mediaType, _ := source["media_type"].(string)
	var format string
	switch {
	case strings.Contains(mediaType, "jpeg"), strings.Contains(mediaType, "jpg"):
		format = "jpeg"
	case strings.Contains(mediaType, "gif"):
		format = "gif"
	case strings.Contains(mediaType, "webp"):
		format = "webp"
	default:
		format = "png"
	}
	img := &UpstreamImage{Format: format}
	img.Source.Bytes = data
	return img
}

// extractToolResult converts a tool_result content block.
func extractToolResult(block map[string]any) UpstreamToolResult {
	id, _ := block["tool_use_id"].(string)
	isError, _ := block["is_error"].(bool)
	status := "success"
	if isError {
		status = "error"
	}
	return UpstreamToolResult{
		ToolUseID: id,
		Content:   compressToolResultIfNeeded(convertToolResultContent(block["content"])),
		Status:    status,
		IsError:   isError,
	}
}

// compressToolResultIfNeeded rewrites an oversized tool_result body as a
// content-addressed pointer once its serialized size exceeds
// toolResultPointerThreshold, stashing the original in
// defaultToolResultCache (spec §4.6's "tool-payload compression").
func compressToolResultIfNeeded(content []map[string]any) []map[string]any {
	if len(content) == 0 {
		return content
	}
	raw, err := json.Marshal(content)
	if err != nil || len(raw) <= toolResultPointerThreshold {
		return content
	}
	hash := defaultToolResultCache.put(raw)
	pointer := fmt.Sprintf("[tool result compressed: %d bytes, content-addressed as sha256:%s]", len(raw), hash)
	return []map[string]any{{"text": pointer}}
}

// convertToolResultContent normalizes a tool_result's content field, which
// may arrive as a bare string, a content-block array, or a single object.
func convertToolResultContent(content any) []map[string]any {
	switch v := content.(type) {
	case string:
		return []map[string]any{{"text": v}}
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, map[string]any{"text": fmt.Sprint(item)})
			}
		}
		return out
	case map[string]any:
		return []map[string]any{v}
	case nil:
		return nil
	default:
		return []map[string]any{{"text": fmt.Sprint(v)}}
	}
}

// convertTools drops the WebSearch pseudo-tool (handled by the compatibility
// path, never forwarded upstream) and truncates oversized descriptions.
func convertTools(tools []AnthropicTool) []UpstreamToolSpec {
	var out []UpstreamToolSpec
	for _, t := range tools {
		if t.IsWebSearch() || t.Name == "" {
			continue
		}
		desc := t.Description
		if len(desc) > MaxToolDescriptionLength {
			desc = desc[:MaxToolDescriptionLength]
		}
		var spec UpstreamToolSpec
		spec.ToolSpecification.Name = t.Name
		spec.ToolSpecification.Description = desc
		if schema, ok := t.InputSchema.(map[string]any); ok {
			spec.ToolSpecification.InputSchema.JSON = schema
		}
		out = append(out, spec)
	}
	return out
}

// buildHistory assembles the upstream history array: a system prompt
// becomes a synthetic user/assistant "OK" pair, and every subsequent
// user/assistant pair is converted and appended. The final message is
// always excluded, whatever its role: ConvertRequest makes it the
// CurrentMessage.
func buildHistory(req *AnthropicRequest, modelID string) ([]any, error) {
	var history []any

	if req.System != nil {
		sys := extractSystemContent(req.System)
		if sys != "" {
			userMsg := HistoryUserMessage{}
			userMsg.UserInputMessage.Content = sys
			userMsg.UserInputMessage.ModelID = modelID
			userMsg.UserInputMessage.Origin = originHeader
			history = append(history, userMsg)
			history = append(history, syntheticOKMessage())
		}
	}

	historyEndIndex := len(req.Messages) - 1
	if historyEndIndex > 0 && req.Messages[historyEndIndex].Role == "assistant" {
		historyEndIndex = len(req.Messages)
	}

	var userBuf []AnthropicMessage
	flush := func() {
		if len(userBuf) == 0 {
			return
		}
		history = append(history, mergeUserMessages(userBuf, modelID))
		userBuf = nil
	}

	for i := 0; i < historyEndIndex; i++ {
		msg := req.Messages[i]
		switch msg.Role {
		case "user":
			userBuf = append(userBuf, msg)
		case "assistant":
			flush()
			asst, err := convertAssistantMessage(msg)
			if err != nil {
				return nil, err
			}
			history = append(history, asst)
		}
	}
	if len(userBuf) > 0 {
		flush()
		history = append(history, syntheticOKMessage())
	}

	return history, nil
}

func syntheticOKMessage() HistoryAssistantMessage {
	var asst HistoryAssistantMessage
	asst.AssistantResponseMessage.Content = "OK"
	return asst
}

// extractSystemContent flattens the system field, which may be a bare
// string or an array of text content blocks.
func extractSystemContent(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, raw := range v {
			if block, ok := raw.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// HistoryUserMessage is one buffered-and-merged user turn in history.
type HistoryUserMessage struct {
	UserInputMessage struct {
		Content                 string          `json:"content"`
		ModelID                 string          `json:"modelId"`
		Origin                  string          `json:"origin"`
		Images                  []UpstreamImage `json:"images,omitempty"`
		UserInputMessageContext struct {
			ToolResults []UpstreamToolResult `json:"toolResults,omitempty"`
		} `json:"userInputMessageContext,omitempty"`
	} `json:"userInputMessage"`
}

// HistoryAssistantMessage is one assistant turn in history.
type HistoryAssistantMessage struct {
	AssistantResponseMessage struct {
		Content  string            `json:"content"`
		ToolUses []UpstreamToolUse `json:"toolUses,omitempty"`
	} `json:"assistantResponseMessage"`
}

// mergeUserMessages joins consecutive user turns (Kiro's history has no
// concept of adjacent same-role turns) into a single upstream entry,
// aggregating their images and tool results.
func mergeUserMessages(messages []AnthropicMessage, modelID string) HistoryUserMessage {
	var out HistoryUserMessage
	var textParts []string
	var images []UpstreamImage
	var toolResults []UpstreamToolResult

	for _, msg := range messages {
		text, imgs, results, err := processMessageContent(msg.Content)
		if err != nil {
			continue
		}
		if text != "" {
			textParts = append(textParts, text)
		}
		images = append(images, imgs...)
		toolResults = append(toolResults, results...)
	}

	out.UserInputMessage.Content = strings.Join(textParts, "\n")
	out.UserInputMessage.ModelID = modelID
	out.UserInputMessage.Origin = originHeader
	out.UserInputMessage.Images = images
	out.UserInputMessage.UserInputMessageContext.ToolResults = toolResults
	if len(toolResults) > 0 {
		out.UserInputMessage.Content = ""
	}
	return out
}

// convertAssistantMessage extracts an assistant turn's text and tool uses.
func convertAssistantMessage(msg AnthropicMessage) (HistoryAssistantMessage, error) {
	var out HistoryAssistantMessage
	text, _, _, err := processMessageContent(msg.Content)
	if err != nil {
		return out, err
	}
	out.AssistantResponseMessage.Content = text
	out.AssistantResponseMessage.ToolUses = extractToolUses(msg.Content)
	return out, nil
}

// extractToolUses pulls tool_use blocks out of an assistant message,
// skipping the synthetic WebSearch tool (its use lives entirely in the
// compatibility path and is never replayed as a real tool call).
func extractToolUses(content any) []UpstreamToolUse {
	blocks, ok := content.([]any)
	if !ok {
		return nil
	}
	var out []UpstreamToolUse
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok || block["type"] != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		if name == "web_search" || name == "websearch" {
			continue
		}
		id, _ := block["id"].(string)
		input, ok := block["input"].(map[string]any)
		if !ok {
			input = map[string]any{}
		}
		out = append(out, UpstreamToolUse{ToolUseID: id, Name: name, Input: input})
	}
	return out
}

// --- WebSearch compatibility path (spec §4.5) ---

// IsWebSearchOnlyRequest reports whether req's tool list is exactly the
// built-in web_search tool, the trigger condition for routing through the
// WebSearch compatibility path instead of the normal upstream call.
func IsWebSearchOnlyRequest(req *AnthropicRequest) bool {
	return len(req.Tools) == 1 && req.Tools[0].IsWebSearch()
}

// ExtractWebSearchQuery reads the query out of the first message's text
// (all of its text blocks, newline-joined), stripping the client's fixed
// instruction prefix if present.
func ExtractWebSearchQuery(req *AnthropicRequest) (string, bool) {
	if len(req.Messages) == 0 {
		return "", false
	}
	text, _, _, err := processMessageContent(req.Messages[0].Content)
	if err != nil || text == "" {
		return "", false
	}
	query := strings.TrimPrefix(text, webSearchQueryPrefix)
	if query == "" {
		return "", false
	}
	return query, true
}
