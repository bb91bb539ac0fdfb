package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Principal identifies an authenticated API caller.
type Principal struct {
	Name   string   `yaml:"name"`
	Guilds []string `yaml:"guilds,omitempty"` // empty = access to all guilds
}

// AllowsGuild reports whether the principal may act on the guild.
func (p Principal) AllowsGuild(guildID string) bool {
	if len(p.Guilds) == 0 {
		return true
	}
	for _, g := range p.Guilds {
		if g == guildID {
			return true
		}
	}
	return false
}

// APIKeyTable maps opaque API keys to principals.
type APIKeyTable struct {
	keys map[string]Principal
}

type apiKeysFile struct {
	Keys map[string]Principal `yaml:"keys"`
}

// LoadAPIKeyTable reads the key table from a YAML file. An empty path yields
// an empty table (bearer-token auth only).
func LoadAPIKeyTable(path string) (*APIKeyTable, error) {
	table := &APIKeyTable{keys: map[string]Principal{}}
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var file apiKeysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for key, principal := range file.Keys {
		if principal.Name == "" {
			return nil, fmt.Errorf("API key entry without a principal name in %s", path)
		}
		table.keys[key] = principal
	}
	return table, nil
}

// Lookup resolves an API key to its principal.
func (t *APIKeyTable) Lookup(key string) (Principal, bool) {
	p, ok := t.keys[key]
	return p, ok
}
