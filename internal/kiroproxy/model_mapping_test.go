package kiroproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelMapperDefaultRules(t *testing.T) {
	m := NewModelMapper(nil)

	cases := []struct {
		name string
		want string
	}{
		{"claude-sonnet-4-5-20250929", "CLAUDE_SONNET_4_5_20250929_V1_0"},
		{"Claude-Sonnet-4-5", "CLAUDE_SONNET_4_5_20250929_V1_0"},
		{"claude-sonnet-4-20250514", "CLAUDE_SONNET_4_20250514_V1_0"},
		{"claude-3-7-sonnet-20250219", "CLAUDE_3_7_SONNET_20250219_V1_0"},
		{"sonnet-experimental", "CLAUDE_SONNET_4_5_20250929_V1_0"},
		{"claude-opus-4-5", "claude-opus-4.5"},
		{"claude-opus-4-6", "claude-opus-4.6"},
		{"claude-haiku-4-5", "claude-haiku-4.5"},
	}
	for _, tc := range cases {
		got, ok := m.Resolve(tc.name)
		assert.True(t, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestModelMapperUnknownName(t *testing.T) {
	m := NewModelMapper(nil)
	_, ok := m.Resolve("gpt-4o")
	assert.False(t, ok)
}

func TestModelMapperCustomOverrideWins(t *testing.T) {
	m := NewModelMapper(map[string]string{"my-alias": "CUSTOM_ID"})
	got, ok := m.Resolve("my-alias")
	assert.True(t, ok)
	assert.Equal(t, "CUSTOM_ID", got)
}

func TestBuildModelCatalogCounts(t *testing.T) {
	entries := BuildModelCatalog("-thinking")
	// 4 families x 3 variants + 3 extra -1m variants for the flagged family.
	assert.Len(t, entries, 15)

	var oneMillion int
	for _, e := range entries {
		if e.ContextWindow == 1000000 {
			oneMillion++
		}
	}
	assert.Equal(t, 3, oneMillion)
}

func TestStripThinkingSuffix(t *testing.T) {
	base, ok := stripThinkingSuffix("claude-sonnet-4-5-thinking", "-thinking")
	assert.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-5", base)

	_, ok = stripThinkingSuffix("claude-sonnet-4-5", "-thinking")
	assert.False(t, ok)
}
