package meta

import (
	"sort"

	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/relaymode"
)

// ModelConfig describes one public model id and how it maps onto the upstream.
type ModelConfig struct {
	Id string
	// UpstreamModel and UpstreamMode are sent to app-chat as modelName/modeId.
	UpstreamModel string
	UpstreamMode  string
	Capability    relaymode.Capability
	// Kinds lists the token pools that may serve the model, in preference order.
	Kinds       []model.TokenKind
	DisplayName string
	Description string
}

var (
	anyKind   = []model.TokenKind{model.TokenKindBasic, model.TokenKindSuper}
	superOnly = []model.TokenKind{model.TokenKindSuper}
)

var modelRegistry = map[string]*ModelConfig{}

func register(cfgs ...*ModelConfig) {
	for _, cfg := range cfgs {
		modelRegistry[cfg.Id] = cfg
	}
}

func init() {
	register(
		&ModelConfig{Id: "grok-3", UpstreamModel: "grok-3", UpstreamMode: "MODEL_MODE_GROK_3",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 3"},
		&ModelConfig{Id: "grok-3-mini", UpstreamModel: "grok-3", UpstreamMode: "MODEL_MODE_GROK_3_MINI_THINKING",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 3 Mini"},
		&ModelConfig{Id: "grok-3-thinking", UpstreamModel: "grok-3", UpstreamMode: "MODEL_MODE_GROK_3_THINKING",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 3 Thinking"},
		&ModelConfig{Id: "grok-4", UpstreamModel: "grok-4", UpstreamMode: "MODEL_MODE_GROK_4",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 4"},
		&ModelConfig{Id: "grok-4-mini", UpstreamModel: "grok-4-mini-thinking-tahoe", UpstreamMode: "MODEL_MODE_GROK_4_MINI_THINKING",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 4 Mini"},
		&ModelConfig{Id: "grok-4-thinking", UpstreamModel: "grok-4", UpstreamMode: "MODEL_MODE_GROK_4_THINKING",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 4 Thinking"},
		&ModelConfig{Id: "grok-4-heavy", UpstreamModel: "grok-4", UpstreamMode: "MODEL_MODE_HEAVY",
			Capability: relaymode.Chat, Kinds: superOnly, DisplayName: "Grok 4 Heavy",
			Description: "super tokens only"},
		&ModelConfig{Id: "grok-4.1-fast", UpstreamModel: "grok-4-1-thinking-1129", UpstreamMode: "MODEL_MODE_FAST",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 4.1 Fast"},
		&ModelConfig{Id: "grok-4.1-expert", UpstreamModel: "grok-4-1-thinking-1129", UpstreamMode: "MODEL_MODE_EXPERT",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 4.1 Expert"},
		&ModelConfig{Id: "grok-4.1-thinking", UpstreamModel: "grok-4-1-thinking-1129", UpstreamMode: "MODEL_MODE_GROK_4_1_THINKING",
			Capability: relaymode.Chat, Kinds: anyKind, DisplayName: "Grok 4.1 Thinking"},
		&ModelConfig{Id: "grok-imagine-1.0", UpstreamModel: "grok-3", UpstreamMode: "MODEL_MODE_FAST",
			Capability: relaymode.ImageGenerate, Kinds: anyKind, DisplayName: "Grok Imagine"},
		&ModelConfig{Id: "grok-imagine-1.0-edit", UpstreamModel: "imagine-image-edit", UpstreamMode: "MODEL_MODE_FAST",
			Capability: relaymode.ImageEdit, Kinds: anyKind, DisplayName: "Grok Imagine Edit"},
		&ModelConfig{Id: "grok-imagine-1.0-video", UpstreamModel: "grok-3", UpstreamMode: "MODEL_MODE_FAST",
			Capability: relaymode.VideoGenerate, Kinds: anyKind, DisplayName: "Grok Imagine Video"},
	)
}

// GetModel looks up a public model id.
func GetModel(id string) (*ModelConfig, bool) {
	cfg, ok := modelRegistry[id]
	return cfg, ok
}

// ListModels returns every registered model sorted by id.
func ListModels() []*ModelConfig {
	out := make([]*ModelConfig, 0, len(modelRegistry))
	for _, cfg := range modelRegistry {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// KindsFor returns the pools that may serve cfg, falling back to every pool.
func KindsFor(cfg *ModelConfig) []model.TokenKind {
	if cfg == nil || len(cfg.Kinds) == 0 {
		return anyKind
	}
	return cfg.Kinds
}
