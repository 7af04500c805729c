package diagnosis

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultKnowledgeYAML []byte

// KnowledgeBase holds provider error and parameter documentation fed into prompts.
type KnowledgeBase struct {
	Providers []ProviderKnowledge `yaml:"providers"`
	General   []string            `yaml:"general"`
}

// ProviderKnowledge documents one provider.
type ProviderKnowledge struct {
	Name       string           `yaml:"name"`
	Errors     []KnownError     `yaml:"errors"`
	Parameters []KnownParameter `yaml:"parameters"`
}

// KnownError is a documented provider error.
type KnownError struct {
	Code    string `yaml:"code"`
	Meaning string `yaml:"meaning"`
	Fix     string `yaml:"fix"`
}

// KnownParameter is a documented provider parameter.
type KnownParameter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ParseKnowledge decodes a YAML knowledge base.
func ParseKnowledge(data []byte) (KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return KnowledgeBase{}, fmt.Errorf("parse knowledge base: %w", err)
	}
	for i, p := range kb.Providers {
		if p.Name == "" {
			return KnowledgeBase{}, fmt.Errorf("provider %d: name is required", i)
		}
	}
	return kb, nil
}

// DefaultKnowledge returns the embedded knowledge base.
func DefaultKnowledge() KnowledgeBase {
	kb, err := ParseKnowledge(defaultKnowledgeYAML)
	if err != nil {
		panic(err)
	}
	return kb
}

// Render formats the knowledge block for a prompt. When provider is set only
// that provider's section is included.
func (kb KnowledgeBase) Render(provider string) string {
	var b strings.Builder
	provider = strings.ToLower(strings.TrimSpace(provider))
	for _, p := range kb.Providers {
		if provider != "" && !strings.EqualFold(p.Name, provider) {
			continue
		}
		fmt.Fprintf(&b, "Provider %s:\n", p.Name)
		for _, e := range p.Errors {
			fmt.Fprintf(&b, "- error %q: %s Fix: %s\n", e.Code, e.Meaning, e.Fix)
		}
		for _, param := range p.Parameters {
			fmt.Fprintf(&b, "- parameter %s: %s\n", param.Name, param.Description)
		}
	}
	if len(kb.General) > 0 {
		b.WriteString("General notes:\n")
		for _, note := range kb.General {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	return b.String()
}
