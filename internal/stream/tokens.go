package stream

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Registry is the on-disk form of a token registration file. JSON documents
// are accepted as well since they are valid YAML.
type Registry struct {
	Tokens []FunctionalToken `yaml:"tokens" json:"tokens"`
}

// DefaultTokens is used when no registry file is configured.
func DefaultTokens() []FunctionalToken {
	return []FunctionalToken{
		{Name: "tool", Start: "<tool>", End: "</tool>"},
		{Name: "think", Start: "<think>", End: "</think>"},
	}
}

// ParseTokens decodes a registry given either as a `tokens:` document or as a
// bare list.
func ParseTokens(data []byte) ([]FunctionalToken, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "-") {
		var list []FunctionalToken
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse token registry: %w", err)
		}
		return list, nil
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse token registry: %w", err)
	}
	return reg.Tokens, nil
}

// LoadTokens reads a registry file and compiles it.
func LoadTokens(path string) (*Automaton, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token registry: %w", err)
	}
	tokens, err := ParseTokens(data)
	if err != nil {
		return nil, err
	}
	a, err := NewAutomaton(tokens...)
	if err != nil {
		return nil, fmt.Errorf("compile token registry %s: %w", path, err)
	}
	return a, nil
}
