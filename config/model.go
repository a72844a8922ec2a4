package config

import (
	"fmt"
	"sort"
)

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
)

// Planning modes for the natural-language route.
const (
	PlanningStep   = "step"
	PlanningAction = "action"
)

// SupportedModels maps provider to their supported model names
// The keys are the variable names used in HCL references (e.g., models.openai.gpt_4o)
// and double as engine ids.
var SupportedModels = map[Provider]map[string]string{
	ProviderOpenAI: {
		"gpt_4o":      "gpt-4o",
		"gpt_4o_mini": "gpt-4o-mini",
		"gpt_4_1":     "gpt-4.1",
		"o3_mini":     "o3-mini",
	},
	ProviderGemini: {
		"gemini_2_0_flash": "gemini-2.0-flash",
		"gemini_1_5_pro":   "gemini-1.5-pro",
		"gemini_1_5_flash": "gemini-1.5-flash",
	},
	ProviderAnthropic: {
		"claude_sonnet_4":   "claude-sonnet-4-20250514",
		"claude_opus_4":     "claude-opus-4-20250514",
		"claude_3_5_haiku":  "claude-3-5-haiku-20241022",
		"claude_3_5_sonnet": "claude-3-5-sonnet-20241022",
	},
}

// Model represents a model provider configuration
type Model struct {
	Name          string   `hcl:"name,label"`
	Provider      Provider `hcl:"provider"`
	AllowedModels []string `hcl:"allowed_models"`
	APIKey        string   `hcl:"api_key,optional"`  // system key; users may bring their own
	Planning      string   `hcl:"planning,optional"` // step | action
}

func (m *Model) Validate() error {
	supportedForProvider, ok := SupportedModels[m.Provider]
	if !ok {
		return fmt.Errorf("Unsupported provider; Provider '%s' is not supported", m.Provider)
	}

	for _, modelName := range m.AllowedModels {
		if _, found := supportedForProvider[modelName]; !found {
			return fmt.Errorf("Unsupported model; Model '%s' is not supported for provider '%s'. Supported models: %v", modelName, m.Provider, getKeys(supportedForProvider))
		}
	}

	switch m.Planning {
	case "", PlanningStep, PlanningAction:
	default:
		return fmt.Errorf("Unsupported planning mode '%s' (expected '%s' or '%s')", m.Planning, PlanningStep, PlanningAction)
	}
	return nil
}

// PlanningMode returns the block's planning mode, defaulting to step.
func (m *Model) PlanningMode() string {
	if m.Planning == "" {
		return PlanningStep
	}
	return m.Planning
}

// Engine is one allowed model resolved against its model block.
type Engine struct {
	ID       string // HCL key, e.g. gpt_4o
	Block    string // model block name
	Provider Provider
	APIModel string // provider model id, e.g. gpt-4o
	APIKey   string // system key, may be empty
	Planning string
}

// FindEngine looks up an engine id across model blocks. The first block
// allowing the id wins.
func FindEngine(models []Model, id string) (Engine, bool) {
	for _, m := range models {
		for _, key := range m.AllowedModels {
			if key == id {
				return Engine{
					ID:       id,
					Block:    m.Name,
					Provider: m.Provider,
					APIModel: SupportedModels[m.Provider][id],
					APIKey:   m.APIKey,
					Planning: m.PlanningMode(),
				}, true
			}
		}
	}
	return Engine{}, false
}

// AllEngines lists every engine allowed by the model blocks in declaration order.
func AllEngines(models []Model) []Engine {
	seen := make(map[string]bool)
	var out []Engine
	for _, m := range models {
		for _, key := range m.AllowedModels {
			if seen[key] {
				continue
			}
			seen[key] = true
			e, _ := FindEngine(models, key)
			out = append(out, e)
		}
	}
	return out
}

func getKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
