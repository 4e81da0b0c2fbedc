package config

import (
	"fmt"
	"os"

	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"gopkg.in/yaml.v3"
)

// RuleEntry is one intercept rule as written in the rules file.
type RuleEntry struct {
	URLContains string `yaml:"url_contains"`
	Action      string `yaml:"action"`
	Status      int    `yaml:"status,omitempty"`
	Body        string `yaml:"body,omitempty"`
	ContentType string `yaml:"content_type,omitempty"`
}

// RulesFile is the top-level YAML configuration for startup intercept rules.
type RulesFile struct {
	Rules []RuleEntry `yaml:"rules"`
}

// LoadRules reads and validates an intercept rules file. An empty path means
// no rules.
func LoadRules(path string) ([]cdpsession.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules config: %w", err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("rules config: %w", err)
	}

	rules := make([]cdpsession.Rule, 0, len(file.Rules))
	for i, entry := range file.Rules {
		rule := entry.Rule()
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rules config: rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (e RuleEntry) Rule() cdpsession.Rule {
	return cdpsession.Rule{
		URLSubstring: e.URLContains,
		Action: cdpsession.Action{
			Kind:        cdpsession.ActionKind(e.Action),
			Status:      e.Status,
			Body:        e.Body,
			ContentType: e.ContentType,
		},
	}
}
