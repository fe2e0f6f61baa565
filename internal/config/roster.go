package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// Roster models configs/agents.yaml: the skills available to the game, the
// behaviour of every agent and the order agents depend on each other.
type Roster struct {
	Skills       []SkillDefinition    `yaml:"skills"`
	Agents       map[string]AgentRule `yaml:"agents"`
	Dependencies map[string][]string  `yaml:"dependencies"`
}

// SkillDefinition binds a skill name to a registered kind and its params.
type SkillDefinition struct {
	Name   string         `yaml:"name"`
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

// AgentRule is the behaviour chain of one agent plus its scripted decision.
type AgentRule struct {
	Behavior []string       `yaml:"behavior"`
	Decision DecisionConfig `yaml:"decision"`
}

// DecisionConfig is the canned decision returned for an agent.
type DecisionConfig struct {
	Action string         `yaml:"action"`
	Params map[string]any `yaml:"params"`
}

// LoadRoster reads and validates the YAML roster at path.
func LoadRoster(path string) (*Roster, error) {
	if strings.TrimSpace(path) == "" {
		return nil, invalid("roster path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(content)
}

// ParseRoster decodes and validates roster YAML.
func ParseRoster(content []byte) (*Roster, error) {
	var roster Roster
	if err := yaml.Unmarshal(content, &roster); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfiguration, err, "parse roster")
	}
	if roster.Agents == nil {
		roster.Agents = map[string]AgentRule{}
	}
	if roster.Dependencies == nil {
		roster.Dependencies = map[string][]string{}
	}
	if err := roster.Validate(); err != nil {
		return nil, err
	}
	return &roster, nil
}

// Validate checks skill names and kinds and that every behaviour chain and
// decision refers to a declared skill. Dependency targets are checked by the
// orchestrator when it is built.
func (r *Roster) Validate() error {
	seen := make(map[string]struct{}, len(r.Skills))
	for i, skill := range r.Skills {
		name := strings.TrimSpace(skill.Name)
		if name == "" {
			return invalid(fmt.Sprintf("skill #%d has no name", i))
		}
		if strings.TrimSpace(skill.Kind) == "" {
			return invalid(fmt.Sprintf("skill %q has no kind", name))
		}
		if _, dup := seen[name]; dup {
			return invalid(fmt.Sprintf("skill %q declared twice", name))
		}
		seen[name] = struct{}{}
	}

	for _, agent := range r.AgentNames() {
		if strings.TrimSpace(agent) == "" {
			return invalid("agent with empty name")
		}
		rule := r.Agents[agent]
		for _, skill := range rule.Behavior {
			if _, ok := seen[skill]; !ok {
				return invalid(fmt.Sprintf("agent %q uses undeclared skill %q", agent, skill))
			}
		}
		if action := rule.Decision.Action; action != "" && action != "noop" {
			if _, ok := seen[action]; !ok {
				return invalid(fmt.Sprintf("agent %q decides undeclared skill %q", agent, action))
			}
		}
	}
	return nil
}

// AgentNames returns the declared agents in lexical order.
func (r *Roster) AgentNames() []string {
	names := make([]string, 0, len(r.Agents))
	for name := range r.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func invalid(message string) error {
	return xerrors.New(xerrors.CodeInvalidConfiguration, message)
}
