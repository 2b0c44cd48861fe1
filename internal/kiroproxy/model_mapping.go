package kiroproxy

import "strings"

// modelMappingRule is one row of the ordered, first-match-wins mapping
// table from Anthropic-shaped model names to Kiro's internal model ids.
type modelMappingRule struct {
	match      func(name string) bool
	upstreamID string
}

// defaultModelMappingRules is the built-in table (spec §6). Order matters:
// the more specific sonnet/opus rules must run before their "(other)"
// fallback.
var defaultModelMappingRules = []modelMappingRule{
	{
		match: func(n string) bool {
			return strings.Contains(n, "sonnet") && (strings.Contains(n, "4.5") || strings.Contains(n, "4-5"))
		},
		upstreamID: "CLAUDE_SONNET_4_5_20250929_V1_0",
	},
	{
		match: func(n string) bool {
			return strings.Contains(n, "sonnet") && strings.Contains(n, "4") &&
				!strings.Contains(n, "4.5") && !strings.Contains(n, "4-5")
		},
		upstreamID: "CLAUDE_SONNET_4_20250514_V1_0",
	},
	{
		match: func(n string) bool {
			return strings.Contains(n, "sonnet") && (strings.Contains(n, "3.7") || strings.Contains(n, "3-7"))
		},
		upstreamID: "CLAUDE_3_7_SONNET_20250219_V1_0",
	},
	{
		match:      func(n string) bool { return strings.Contains(n, "sonnet") },
		upstreamID: "CLAUDE_SONNET_4_5_20250929_V1_0",
	},
	{
		match: func(n string) bool {
			return strings.Contains(n, "opus") && (strings.Contains(n, "4.5") || strings.Contains(n, "4-5"))
		},
		upstreamID: "claude-opus-4.5",
	},
	{
		match:      func(n string) bool { return strings.Contains(n, "opus") },
		upstreamID: "claude-opus-4.6",
	},
	{
		match:      func(n string) bool { return strings.Contains(n, "haiku") },
		upstreamID: "claude-haiku-4.5",
	},
}

// ModelMapper resolves a client-facing model name to Kiro's internal
// model id, checking an admin-configured exact-match override table
// before falling through to the default glob rules. This preserves the
// teacher's customMapping → globalSettings → defaultRules precedence
// shape, minus the globalSettings tier: a single-upstream proxy has
// nothing per-provider left to configure there.
type ModelMapper struct {
	custom map[string]string
	rules  []modelMappingRule
}

// NewModelMapper builds a mapper with the given exact-match overrides
// (may be nil) layered over the default rule table.
func NewModelMapper(custom map[string]string) *ModelMapper {
	return &ModelMapper{custom: custom, rules: defaultModelMappingRules}
}

// Resolve maps name to an upstream model id, or reports false if nothing
// matched.
func (m *ModelMapper) Resolve(name string) (string, bool) {
	lower := strings.ToLower(name)
	if id, ok := m.custom[lower]; ok {
		return id, true
	}
	for _, rule := range m.rules {
		if rule.match(lower) {
			return rule.upstreamID, true
		}
	}
	return "", false
}

// ModelCatalogEntry is one row returned by GET /v1/models.
type ModelCatalogEntry struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"display_name"`
	ContextWindow      int    `json:"context_window"`
	ThinkingEnabled    bool   `json:"-"`
	AgenticSystemNudge bool   `json:"-"`
}

type modelFamily struct {
	base        string
	displayName string
	oneMillion  bool
}

var modelFamilies = []modelFamily{
	{base: "claude-sonnet-4-5", displayName: "Claude Sonnet 4.5"},
	{base: "claude-opus-4-5", displayName: "Claude Opus 4.5"},
	{base: "claude-opus-4-6", displayName: "Claude Opus 4.6", oneMillion: true},
	{base: "claude-haiku-4-5", displayName: "Claude Haiku 4.5"},
}

// BuildModelCatalog enumerates the static catalog: every family in plain,
// thinkingSuffix, and "-agentic" form, plus the "-1m"/"-1m"+thinkingSuffix/
// "-1m-agentic" forms for the family flagged oneMillion.
func BuildModelCatalog(thinkingSuffix string) []ModelCatalogEntry {
	if thinkingSuffix == "" {
		thinkingSuffix = "-thinking"
	}

	var entries []ModelCatalogEntry
	for _, fam := range modelFamilies {
		entries = append(entries,
			ModelCatalogEntry{ID: fam.base, DisplayName: fam.displayName, ContextWindow: 200000},
			ModelCatalogEntry{ID: fam.base + thinkingSuffix, DisplayName: fam.displayName + " (thinking)", ContextWindow: 200000, ThinkingEnabled: true},
			ModelCatalogEntry{ID: fam.base + "-agentic", DisplayName: fam.displayName + " (agentic)", ContextWindow: 200000, AgenticSystemNudge: true},
		)
		if fam.oneMillion {
			entries = append(entries,
				ModelCatalogEntry{ID: fam.base + "-1m", DisplayName: fam.displayName + " (1M context)", ContextWindow: 1000000},
				ModelCatalogEntry{ID: fam.base + "-1m" + thinkingSuffix, DisplayName: fam.displayName + " (1M context, thinking)", ContextWindow: 1000000, ThinkingEnabled: true},
				ModelCatalogEntry{ID: fam.base + "-1m-agentic", DisplayName: fam.displayName + " (1M context, agentic)", ContextWindow: 1000000, AgenticSystemNudge: true},
			)
		}
	}
	return entries
}

const (
	defaultThinkingBudgetTokens = 20000
	maxThinkingBudgetTokens     = 128000

	// MaxToolDescriptionLength is the character cap Kiro enforces on a
	// tool's description; anything longer is truncated before it is sent
	// upstream.
	MaxToolDescriptionLength = 10000
)

// stripThinkingSuffix removes suffix from name if present, reporting
// whether it did. Matching is case-insensitive but the returned base name
// preserves the original casing of the unsuffixed portion.
func stripThinkingSuffix(name, suffix string) (string, bool) {
	if suffix == "" {
		suffix = "-thinking"
	}
	lower := strings.ToLower(name)
	lowerSuffix := strings.ToLower(suffix)
	if !strings.HasSuffix(lower, lowerSuffix) {
		return name, false
	}
	return name[:len(name)-len(suffix)], true
}
