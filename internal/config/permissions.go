package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agent-gate/agentgate/internal/domain/policy"
)

type permissionsFile struct {
	Rules    []permissionRule `yaml:"rules"`
	Defaults []permissionRule `yaml:"defaults"`
}

type permissionRule struct {
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// LoadPermissions reads the permissions document. Pattern compilation and
// action validation happen in policy.NewEngine; this only checks shape.
func LoadPermissions(path string) (policy.Ruleset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy.Ruleset{}, fmt.Errorf("read permissions: %w", err)
	}

	var doc permissionsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return policy.Ruleset{}, fmt.Errorf("parse permissions: %w", err)
	}

	rs := policy.Ruleset{
		Rules:    make([]policy.Rule, 0, len(doc.Rules)),
		Defaults: make([]policy.Rule, 0, len(doc.Defaults)),
	}
	for i, r := range doc.Rules {
		if r.Pattern == "" {
			return policy.Ruleset{}, fmt.Errorf("rules[%d]: pattern is required", i)
		}
		rs.Rules = append(rs.Rules, policy.Rule{Pattern: r.Pattern, Action: policy.Action(r.Action), Description: r.Description})
	}
	for i, r := range doc.Defaults {
		if r.Pattern == "" {
			return policy.Ruleset{}, fmt.Errorf("defaults[%d]: pattern is required", i)
		}
		rs.Defaults = append(rs.Defaults, policy.Rule{Pattern: r.Pattern, Action: policy.Action(r.Action), Description: r.Description})
	}
	return rs, nil
}
