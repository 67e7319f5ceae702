// Package models holds the static catalog of chat models the relay accepts.
package models

// Model describes a single upstream completion model.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	IsPaid   bool   `json:"isPaid"`
	Enabled  bool   `json:"enabled"`
}

var catalog = []Model{
	{
		ID:       "openai/gpt-5",
		Name:     "OpenAI: GPT-5",
		Provider: "openrouter",
		IsPaid:   true,
		Enabled:  true,
	},
	{
		ID:       "anthropic/claude-opus-4.5",
		Name:     "Anthropic: Claude Opus 4.5",
		Provider: "openrouter",
		IsPaid:   true,
		Enabled:  true,
	},
	{
		ID:       "anthropic/claude-sonnet-4.5",
		Name:     "Anthropic: Claude Sonnet 4.5",
		Provider: "openrouter",
		IsPaid:   true,
		Enabled:  true,
	},
	{
		ID:       "x-ai/grok-4.1-fast:free",
		Name:     "xAI: Grok 4.1 Fast",
		Provider: "openrouter",
		IsPaid:   false,
		Enabled:  true,
	},
	{
		ID:       "xiaomi/mimo-v2-flash:free",
		Name:     "Xiaomi: MiMo V2 Flash",
		Provider: "openrouter",
		IsPaid:   false,
		Enabled:  false,
	},
	{
		ID:       "liquid/lfm-2.5-1.2b-thinking:free",
		Name:     "LiquidAI: LFM2.5-1.2B-Thinking (free)",
		Provider: "openrouter",
		IsPaid:   false,
		Enabled:  true,
	},
}

// All returns every catalog entry, including disabled ones.
func All() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

// Enabled returns the models clients are allowed to request.
func Enabled() []Model {
	out := make([]Model, 0, len(catalog))
	for _, m := range catalog {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Find looks up an enabled model by id. It returns false for unknown ids
// and for catalog entries that are currently disabled.
func Find(id string) (Model, bool) {
	for _, m := range catalog {
		if m.ID == id && m.Enabled {
			return m, true
		}
	}
	return Model{}, false
}
