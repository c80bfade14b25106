package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models studioline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Orchestration struct {
		Stages          []string            `yaml:"stages"`
		EnabledSkills   map[string][]string `yaml:"enabled_skills"`
		RouterKey       string              `yaml:"router_key"`
		SuggestionsKey  string              `yaml:"suggestions_key"`
		ContextMessages int                 `yaml:"context_messages"`
		BrainRetryLimit int                 `yaml:"brain_retry_limit"`
		MaxRunEvents    int                 `yaml:"max_run_events"`
	} `yaml:"orchestration"`
	Templates map[string]ItemTemplate `yaml:"templates"`
	Webhooks  []WebhookConfig         `yaml:"webhooks"`
}

// ItemTemplate describes an item type and the companion rules attached to it.
type ItemTemplate struct {
	Name  string          `yaml:"name"`
	Rules []CompanionRule `yaml:"rules"`
}

// CompanionRule proposes an additional item type when its condition holds.
// Conditions: "always" or "projectFlag:<name>".
type CompanionRule struct {
	Type      string `yaml:"type"`
	Condition string `yaml:"condition"`
	Target    string `yaml:"target"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "studio-project" {
		return fmt.Errorf("config.project.kind must be 'studio-project'")
	}
	if len(c.Orchestration.Stages) == 0 {
		return fmt.Errorf("config.orchestration.stages is required")
	}
	known := map[string]bool{}
	for _, s := range c.Orchestration.Stages {
		if s == "" {
			return fmt.Errorf("config.orchestration.stages contains an empty stage")
		}
		if s == "cross" {
			return fmt.Errorf("stage name 'cross' is reserved for router output")
		}
		known[s] = true
	}
	for stage, keys := range c.Orchestration.EnabledSkills {
		if !known[stage] {
			return fmt.Errorf("enabled_skills references unknown stage %s", stage)
		}
		for _, k := range keys {
			if k == "" {
				return fmt.Errorf("enabled_skills for stage %s has an empty skill key", stage)
			}
		}
	}
	if c.Orchestration.RouterKey == "" {
		return fmt.Errorf("config.orchestration.router_key is required")
	}
	if c.Orchestration.SuggestionsKey == "" {
		return fmt.Errorf("config.orchestration.suggestions_key is required")
	}
	for typeKey, tmpl := range c.Templates {
		if typeKey == "" {
			return fmt.Errorf("config.templates contains an empty type key")
		}
		for _, rule := range tmpl.Rules {
			if rule.Target == "" {
				return fmt.Errorf("template %s has a rule with no target type", typeKey)
			}
			if rule.Condition != "always" && !strings.HasPrefix(rule.Condition, "projectFlag:") {
				return fmt.Errorf("template %s rule for %s has unknown condition %q", typeKey, rule.Target, rule.Condition)
			}
		}
	}
	return nil
}

// ContextMessages returns the conversation window size with its default.
func (c *Config) ContextMessages() int {
	if c.Orchestration.ContextMessages > 0 {
		return c.Orchestration.ContextMessages
	}
	return 12
}

// BrainRetryLimit returns the bounded automatic retry count for brain
// event conflicts.
func (c *Config) BrainRetryLimit() int {
	if c.Orchestration.BrainRetryLimit > 0 {
		return c.Orchestration.BrainRetryLimit
	}
	return 3
}

// MaxRunEvents returns the append-only run log cap.
func (c *Config) MaxRunEvents() int {
	if c.Orchestration.MaxRunEvents > 0 {
		return c.Orchestration.MaxRunEvents
	}
	return 60
}

// EnabledSkillsFor returns the skill keys enabled for a stage.
func (c *Config) EnabledSkillsFor(stage string) []string {
	return c.Orchestration.EnabledSkills[stage]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "studioline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "studio-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: studio-project

orchestration:
  stages: [discovery, concept, planning, production]
  router_key: router
  suggestions_key: suggestions_panel
  context_messages: 12
  brain_retry_limit: 3
  max_run_events: 60
  enabled_skills:
    discovery:
      - discovery_questions
      - suggestions_panel
    concept:
      - concept_questions
      - element_planner
      - suggestions_panel
    planning:
      - element_planner
      - task_builder
      - material_planner
      - suggestions_panel
    production:
      - task_builder
      - suggestions_panel

templates:
  stage_set:
    name: Stage set
    rules:
      - type: suggestItem
        condition: always
        target: lighting_plan
      - type: suggestItem
        condition: projectFlag:outdoor
        target: weather_cover
  lighting_plan:
    name: Lighting plan
    rules: []
  weather_cover:
    name: Weather cover
    rules: []
  catering:
    name: Catering
    rules:
      - type: suggestItem
        condition: projectFlag:full_day
        target: crew_meals
  crew_meals:
    name: Crew meals
    rules: []
`
