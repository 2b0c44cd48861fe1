package kiroproxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"unicode/utf8"
)

const (
	// toolCompressionTargetSize mirrors the upstream client's own budget:
	// once the serialized tool spec list exceeds this, schemas are
	// simplified before descriptions are ever touched.
	toolCompressionTargetSize = 20 * 1024
	minToolDescriptionLength  = 50

	// toolResultPointerThreshold is the per-result serialized size above
	// which a tool_result body is rewritten as a content-addressed
	// pointer instead of being inlined into the envelope (spec §4.6).
	toolResultPointerThreshold = 8 * 1024

	toolResultCacheCap = 512
)

// compressToolsIfNeeded shrinks a tool spec list once its serialized size
// exceeds toolCompressionTargetSize: first by stripping every
// input_schema down to type/enum/required/properties/items/
// additionalProperties/anyOf/oneOf/allOf, then, if that alone isn't
// enough, by proportionally truncating descriptions.
func compressToolsIfNeeded(tools []UpstreamToolSpec) []UpstreamToolSpec {
	if len(tools) == 0 || toolsSize(tools) <= toolCompressionTargetSize {
		return tools
	}

	compressed := make([]UpstreamToolSpec, len(tools))
	for i, t := range tools {
		compressed[i] = t
		compressed[i].ToolSpecification.InputSchema.JSON = simplifySchema(t.ToolSpecification.InputSchema.JSON)
	}

	sizeAfterSchema := toolsSize(compressed)
	if sizeAfterSchema <= toolCompressionTargetSize {
		return compressed
	}

	toReduce := sizeAfterSchema - toolCompressionTargetSize
	totalDescLen := 0
	for _, t := range compressed {
		totalDescLen += len(t.ToolSpecification.Description)
	}
	if totalDescLen == 0 {
		return compressed
	}

	keepRatio := 1 - float64(toReduce)/float64(totalDescLen)
	if keepRatio < 0 {
		keepRatio = 0
	} else if keepRatio > 1 {
		keepRatio = 1
	}
	for i, t := range compressed {
		target := int(float64(len(t.ToolSpecification.Description)) * keepRatio)
		compressed[i].ToolSpecification.Description = compressDescription(t.ToolSpecification.Description, target)
	}
	return compressed
}

func toolsSize(tools []UpstreamToolSpec) int {
	b, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return len(b)
}

// simplifySchema keeps only the fields a tool caller actually needs to
// build valid input, discarding descriptions and other narrative fields
// that bloat the envelope without changing what's callable.
func simplifySchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := map[string]any{}
	for _, key := range [...]string{"type", "enum", "required"} {
		if v, ok := schema[key]; ok {
			out[key] = v
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		simplified := map[string]any{}
		for k, v := range props {
			simplified[k] = simplifySchemaValue(v)
		}
		out["properties"] = simplified
	}
	if items, ok := schema["items"]; ok {
		out["items"] = simplifySchemaValue(items)
	}
	if ap, ok := schema["additionalProperties"]; ok {
		out["additionalProperties"] = simplifySchemaValue(ap)
	}
	for _, key := range [...]string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := schema[key].([]any); ok {
			simplified := make([]any, len(arr))
			for i, v := range arr {
				simplified[i] = simplifySchemaValue(v)
			}
			out[key] = simplified
		}
	}
	return out
}

func simplifySchemaValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		return simplifySchema(m)
	}
	return v
}

// compressDescription truncates desc to at most targetLength bytes
// (floored at minToolDescriptionLength), breaking on a rune boundary and
// appending "...".
func compressDescription(desc string, targetLength int) string {
	target := targetLength
	if target < minToolDescriptionLength {
		target = minToolDescriptionLength
	}
	if len(desc) <= target {
		return desc
	}

	truncLen := target - 3
	if truncLen <= 0 {
		return firstRunes(desc, minToolDescriptionLength)
	}

	safeLen := 0
	for i, r := range desc {
		end := i + utf8.RuneLen(r)
		if end > truncLen {
			break
		}
		safeLen = end
	}
	if safeLen == 0 {
		return firstRunes(desc, minToolDescriptionLength)
	}
	return desc[:safeLen] + "..."
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

// toolResultCache is the process-local side channel a compressed
// tool_result's content-addressed pointer resolves against. Kiro's
// envelope has no upstream blob store to hand oversized tool output to,
// so this bounded, best-effort cache stands in for one; the Projector
// never sees it, and entries are never read back once the request that
// produced them completes (spec §4.6 doesn't define a retrieval path,
// only the compression itself).
type toolResultCache struct {
	mu     sync.Mutex
	byHash map[string][]byte
	order  []string
}

func newToolResultCache() *toolResultCache {
	return &toolResultCache{byHash: make(map[string][]byte)}
}

func (c *toolResultCache) put(content []byte) string {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byHash[hash]; exists {
		return hash
	}
	if len(c.order) >= toolResultCacheCap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byHash, oldest)
	}
	c.byHash[hash] = content
	c.order = append(c.order, hash)
	return hash
}

func (c *toolResultCache) get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byHash[hash]
	return b, ok
}

var defaultToolResultCache = newToolResultCache()
