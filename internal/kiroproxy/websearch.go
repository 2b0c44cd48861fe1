package kiroproxy

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// McpRequest is the JSON-RPC envelope Kiro expects for its web_search MCP
// tool, used only by the WebSearch compatibility path (spec §4.5): the
// client's built-in web_search tool has no native Kiro equivalent, so a
// single-tool request is diverted here instead of going through the normal
// conversion and upstream event-stream round trip.
type McpRequest struct {
	ID      string    `json:"id"`
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  McpParams `json:"params"`
}

type McpParams struct {
	Name      string       `json:"name"`
	Arguments McpArguments `json:"arguments"`
}

type McpArguments struct {
	Query string `json:"query"`
}

type McpResponse struct {
	Error   *McpError  `json:"error,omitempty"`
	ID      string     `json:"id"`
	JSONRPC string     `json:"jsonrpc"`
	Result  *McpResult `json:"result,omitempty"`
}

type McpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type McpResult struct {
	Content []McpContent `json:"content"`
	IsError bool         `json:"isError"`
}

type McpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WebSearchResults is the JSON payload Kiro's web_search tool returns,
// embedded as text inside the MCP response's first content block.
type WebSearchResults struct {
	Results      []WebSearchResult `json:"results"`
	TotalResults *int              `json:"totalResults,omitempty"`
	Query        string            `json:"query,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type WebSearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet,omitempty"`
	PublishedAt *int64 `json:"publishedDate,omitempty"`
	Domain      string `json:"domain,omitempty"`
}

const idCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomID(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idCharset[rng.Intn(len(idCharset))]
	}
	return string(b)
}

// NewMcpRequest builds the outbound MCP tool-call and the tool_use_id the
// client-facing response will echo back, following the id formats the
// upstream MCP bridge expects.
func NewMcpRequest(query string, rng *rand.Rand, now time.Time) (toolUseID string, req McpRequest) {
	if rng == nil {
		rng = rand.New(rand.NewSource(now.UnixNano()))
	}
	requestID := "web_search_tooluse_" + randomID(rng, 22) + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + randomID(rng, 8)
	toolUseID = "srvtoolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:32]
	req = McpRequest{
		ID:      requestID,
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params: McpParams{
			Name:      "web_search",
			Arguments: McpArguments{Query: query},
		},
	}
	return toolUseID, req
}

// ParseWebSearchResults extracts the search results embedded in an MCP
// response's first text content block. Returns nil (not an error) if the
// response carries no result content, its first block is not text, or
// that text does not parse; an empty results list parses to a non-nil
// value with no entries. Callers treat nil as an empty result set, matching the
// best-effort "still respond, just with an empty result set" behavior of
// the compatibility path.
func ParseWebSearchResults(resp *McpResponse) *WebSearchResults {
	if resp == nil || resp.Result == nil || len(resp.Result.Content) == 0 {
		return nil
	}
	first := resp.Result.Content[0]
	if first.Type != "text" {
		return nil
	}
	var results WebSearchResults
	if err := fastUnmarshal([]byte(first.Text), &results); err != nil {
		return nil
	}
	return &results
}

// BuildWebSearchStream generates the fixed SSE event sequence that stands
// in for a real upstream turn: a server_tool_use block carrying the query,
// a web_search_tool_result block carrying the results, then a text block
// summarizing them. This never touches the frame decoder or projector —
// the entire "response" is synthesized locally from the MCP result.
func BuildWebSearchStream(model, query, toolUseID string, results *WebSearchResults, inputTokens int) []SSEEvent {
	messageID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]

	events := []SSEEvent{
		{Event: "message_start", Data: sseMessageStart{
			Type: "message_start",
			Message: AnthropicResponse{
				ID:      messageID,
				Type:    "message",
				Role:    "assistant",
				Model:   model,
				Content: []AnthropicContentBlock{},
				Usage:   AnthropicUsage{InputTokens: inputTokens},
			},
		}},
		{Event: "content_block_start", Data: map[string]any{
			"type":  "content_block_start",
			"index": 0,
			"content_block": map[string]any{
				"id":    toolUseID,
				"type":  "server_tool_use",
				"name":  "web_search",
				"input": map[string]any{},
			},
		}},
		{Event: "content_block_delta", Data: map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{
				"type":         "input_json_delta",
				"partial_json": mustMarshalString(map[string]string{"query": query}),
			},
		}},
		{Event: "content_block_stop", Data: sseContentBlockStop{Type: "content_block_stop", Index: 0}},
		{Event: "content_block_start", Data: map[string]any{
			"type":  "content_block_start",
			"index": 1,
			"content_block": map[string]any{
				"type":        "web_search_tool_result",
				"tool_use_id": toolUseID,
				"content":     webSearchResultBlocks(results),
			},
		}},
		{Event: "content_block_stop", Data: sseContentBlockStop{Type: "content_block_stop", Index: 1}},
		{Event: "content_block_start", Data: sseContentBlockStart{
			Type:  "content_block_start",
			Index: 2,
			ContentBlock: AnthropicContentBlock{Type: "text", Text: ""},
		}},
	}

	summary := webSearchSummary(query, results)
	const chunkSize = 100
	runes := []rune(summary)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		events = append(events, SSEEvent{Event: "content_block_delta", Data: sseContentBlockDelta{
			Type:  "content_block_delta",
			Index: 2,
			Delta: sseDeltaBlock{Type: "text_delta", Text: string(runes[i:end])},
		}})
	}

	events = append(events,
		SSEEvent{Event: "content_block_stop", Data: sseContentBlockStop{Type: "content_block_stop", Index: 2}},
		SSEEvent{Event: "message_delta", Data: sseMessageDelta{
			Type:  "message_delta",
			Delta: sseMessageDeltaBody{StopReason: "end_turn"},
			Usage: AnthropicUsage{OutputTokens: (len(summary) + 3) / 4},
		}},
		SSEEvent{Event: "message_stop", Data: sseMessageStop{Type: "message_stop"}},
	)

	return events
}

func webSearchResultBlocks(results *WebSearchResults) []map[string]any {
	if results == nil {
		return []map[string]any{}
	}
	out := make([]map[string]any, 0, len(results.Results))
	for _, r := range results.Results {
		out = append(out, map[string]any{
			"type":              "web_search_result",
			"title":             r.Title,
			"url":               r.URL,
			"encrypted_content": r.Snippet,
			"page_age":          nil,
		})
	}
	return out
}

func webSearchSummary(query string, results *WebSearchResults) string {
	var b strings.Builder
	b.WriteString("Here are the search results for \"")
	b.WriteString(query)
	b.WriteString("\":\n\n")

	if results == nil || len(results.Results) == 0 {
		b.WriteString("No results found.\n")
	} else {
		for i, r := range results.Results {
			b.WriteString(strconv.Itoa(i + 1))
			b.WriteString(". **")
			b.WriteString(r.Title)
			b.WriteString("**\n")
			if r.Snippet != "" {
				snippet := r.Snippet
				runes := []rune(snippet)
				if len(runes) > 200 {
					snippet = string(runes[:200]) + "..."
				}
				b.WriteString("   ")
				b.WriteString(snippet)
				b.WriteString("\n")
			}
			b.WriteString("   Source: ")
			b.WriteString(r.URL)
			b.WriteString("\n\n")
		}
	}

	b.WriteString("\nPlease note that these are web search results and may not be fully accurate or up-to-date.")
	return b.String()
}

func mustMarshalString(v any) string {
	b, err := fastMarshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
