// Package prompts holds the generator personas. The defaults are embedded in
// the binary; a YAML file with the same shape can replace them at startup.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var defaultRaw []byte

// Persona is one system prompt with its sampling temperature.
type Persona struct {
	System      string  `yaml:"system"`
	Temperature float64 `yaml:"temperature"`
}

// Set is the full collection of personas used by the bot.
type Set struct {
	Intake      Persona `yaml:"intake"`
	Negotiation Persona `yaml:"negotiation"`
}

// Default returns the embedded personas. It panics only if the embedded file
// is malformed, which tests guard against.
func Default() Set {
	s, err := Parse(defaultRaw)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse decodes and validates a personas document.
func Parse(data []byte) (Set, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Set{}, fmt.Errorf("prompts: payload is empty")
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Set{}, fmt.Errorf("prompts: decode: %w", err)
	}
	s.Intake.System = strings.TrimSpace(s.Intake.System)
	s.Negotiation.System = strings.TrimSpace(s.Negotiation.System)
	if s.Intake.System == "" {
		return Set{}, fmt.Errorf("prompts: intake persona is empty")
	}
	if s.Negotiation.System == "" {
		return Set{}, fmt.Errorf("prompts: negotiation persona is empty")
	}
	return s, nil
}

// Load reads personas from path, or returns Default when path is empty.
func Load(path string) (Set, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	return Parse(data)
}
