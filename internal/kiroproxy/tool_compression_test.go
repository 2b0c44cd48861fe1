package kiroproxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressToolsIfNeededLeavesSmallListsAlone(t *testing.T) {
	tools := []UpstreamToolSpec{{}}
	tools[0].ToolSpecification.Name = "get_weather"
	tools[0].ToolSpecification.Description = "fetches the weather"
	tools[0].ToolSpecification.InputSchema.JSON = map[string]any{
		"type":        "object",
		"description": "keep this small schema untouched",
	}

	out := compressToolsIfNeeded(tools)
	assert.Equal(t, tools, out)
}

func TestCompressToolsIfNeededSimplifiesSchemaFirst(t *testing.T) {
	bigDesc := strings.Repeat("x", 800)
	tools := make([]UpstreamToolSpec, 30)
	for i := range tools {
		tools[i].ToolSpecification.Name = "tool"
		tools[i].ToolSpecification.Description = "short"
		tools[i].ToolSpecification.InputSchema.JSON = map[string]any{
			"type":        "object",
			"description": bigDesc, // bloats the schema, not the description field
			"properties": map[string]any{
				"arg": map[string]any{"type": "string", "description": bigDesc},
			},
			"required": []any{"arg"},
		}
	}

	out := compressToolsIfNeeded(tools)
	require.Len(t, out, 30)
	for _, spec := range out {
		schema := spec.ToolSpecification.InputSchema.JSON
		_, hasDesc := schema["description"]
		assert.False(t, hasDesc, "simplifySchema should drop narrative fields")
		props, ok := schema["properties"].(map[string]any)
		require.True(t, ok)
		arg, ok := props["arg"].(map[string]any)
		require.True(t, ok)
		_, argHasDesc := arg["description"]
		assert.False(t, argHasDesc)
	}
	assert.LessOrEqual(t, toolsSize(out), toolsSize(tools))
}

func TestCompressToolsIfNeededCompressesDescriptionsWhenSchemaAloneIsNotEnough(t *testing.T) {
	longDesc := strings.Repeat("word ", 2000)
	tools := make([]UpstreamToolSpec, 50)
	for i := range tools {
		tools[i].ToolSpecification.Name = "tool"
		tools[i].ToolSpecification.Description = longDesc
		tools[i].ToolSpecification.InputSchema.JSON = map[string]any{"type": "object"}
	}

	out := compressToolsIfNeeded(tools)
	require.Len(t, out, 50)
	assert.LessOrEqual(t, toolsSize(out), toolsSize(tools))
	for _, spec := range out {
		assert.GreaterOrEqual(t, len(spec.ToolSpecification.Description), minToolDescriptionLength)
	}
}

func TestCompressDescriptionRespectsMinimumAndUTF8Boundary(t *testing.T) {
	desc := strings.Repeat("好", 200) // multi-byte runes throughout
	out := compressDescription(desc, 30)
	assert.True(t, strings.HasSuffix(out, "...") || len([]rune(out)) <= minToolDescriptionLength)

	short := "tiny"
	assert.Equal(t, short, compressDescription(short, 100))
}

func TestCompressToolResultIfNeededLeavesSmallResultsAlone(t *testing.T) {
	content := []map[string]any{{"text": "small result"}}
	out := compressToolResultIfNeeded(content)
	assert.Equal(t, content, out)
}

func TestCompressToolResultIfNeededRewritesOversizedResultAsPointer(t *testing.T) {
	big := strings.Repeat("a", toolResultPointerThreshold*2)
	content := []map[string]any{{"text": big}}

	out := compressToolResultIfNeeded(content)
	require.Len(t, out, 1)
	pointer, ok := out[0]["text"].(string)
	require.True(t, ok)
	assert.Contains(t, pointer, "content-addressed as sha256:")
	assert.Less(t, len(pointer), len(big))
}

func TestToolResultCachePutGetRoundTrips(t *testing.T) {
	c := newToolResultCache()
	hash := c.put([]byte("hello world"))

	got, ok := c.get(hash)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(got))

	_, ok = c.get("not-a-real-hash")
	assert.False(t, ok)
}

func TestToolResultCacheEvictsOldestPastCap(t *testing.T) {
	c := newToolResultCache()
	var firstHash string
	for i := 0; i < toolResultCacheCap+1; i++ {
		h := c.put([]byte(strings.Repeat("x", i+1)))
		if i == 0 {
			firstHash = h
		}
	}
	_, ok := c.get(firstHash)
	assert.False(t, ok, "oldest entry should be evicted once the cache is over capacity")
}
