package config

import "fmt"

// SummarizerConfig selects the engine used for end-of-run summaries.
type SummarizerConfig struct {
	Model       string  `hcl:"model"` // engine id, e.g. models.openai.gpt_4o
	Temperature float64 `hcl:"temperature,optional"`
	MaxTokens   int     `hcl:"max_tokens,optional"`
}

// Defaults fills in default values for unset fields
func (s *SummarizerConfig) Defaults() {
	if s.Temperature == 0 {
		s.Temperature = 0.3
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 1000
	}
}

func (s *SummarizerConfig) Validate(models []Model) error {
	if s.Model == "" {
		return fmt.Errorf("model is required")
	}
	if _, ok := FindEngine(models, s.Model); !ok {
		return fmt.Errorf("model '%s' is not allowed by any model block", s.Model)
	}
	return nil
}
