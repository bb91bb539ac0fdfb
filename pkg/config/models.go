package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelRate is the cost of one model in USD per 1000 tokens.
type ModelRate struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// ModelTable maps model identifiers to cost rates and resolves configured
// aliases. Aliases are explicit: an alias pointing at an unknown model is a
// startup error, never a silent rewrite.
type ModelTable struct {
	Rates   map[string]ModelRate `yaml:"rates"`
	Aliases map[string]string    `yaml:"aliases"`
}

// builtinModelTable covers common OpenAI-compatible models so the service
// runs without a models file. Rates drift; override with MODELS_FILE.
func builtinModelTable() *ModelTable {
	return &ModelTable{
		Rates: map[string]ModelRate{
			"gpt-4o":      {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
			"gpt-4o-mini": {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
			"gpt-4.1":     {PromptPer1K: 0.002, CompletionPer1K: 0.008},
		},
		Aliases: map[string]string{
			"default": "gpt-4o-mini",
		},
	}
}

// LoadModelTable reads the model table from a YAML file, or returns the
// built-in table when path is empty. Alias targets are validated eagerly.
func LoadModelTable(path string) (*ModelTable, error) {
	table := builtinModelTable()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		loaded := &ModelTable{}
		if err := yaml.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		// File entries override built-ins; built-ins remain as fallback.
		for model, rate := range loaded.Rates {
			table.Rates[model] = rate
		}
		for alias, target := range loaded.Aliases {
			table.Aliases[alias] = target
		}
	}

	for alias, target := range table.Aliases {
		if _, ok := table.Rates[target]; !ok {
			return nil, fmt.Errorf("alias %q points at unknown model %q", alias, target)
		}
	}
	return table, nil
}

// Resolve maps a model identifier through the alias table and reports an
// error for names that are neither aliases nor rated models.
func (t *ModelTable) Resolve(model string) (string, error) {
	if target, ok := t.Aliases[model]; ok {
		return target, nil
	}
	if _, ok := t.Rates[model]; ok {
		return model, nil
	}
	return "", fmt.Errorf("unknown model %q (not in rate table or alias table)", model)
}

// Cost estimates the USD cost of a completed call.
func (t *ModelTable) Cost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := t.Rates[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*rate.PromptPer1K +
		float64(completionTokens)/1000*rate.CompletionPer1K
}
