package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/guardrail"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/tools"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog format
type File struct {
	Entry    string       `json:"entry" yaml:"entry"`
	Defaults llm.Params   `json:"defaults" yaml:"defaults"`
	Agents   []Definition `json:"agents" yaml:"agents"`
}

// Definition describes one agent in a catalog file
type Definition struct {
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description" yaml:"description"`
	Instructions string          `json:"instructions" yaml:"instructions"`
	Model        llm.Params      `json:"model" yaml:"model"`
	Tools        []string        `json:"tools" yaml:"tools"`
	Handoffs     []Route         `json:"handoffs" yaml:"handoffs"`
	Guardrails   GuardrailConfig `json:"guardrails" yaml:"guardrails"`
}

// GuardrailConfig lists an agent's rules by kind
type GuardrailConfig struct {
	Input  []RuleConfig `json:"input" yaml:"input"`
	Output []RuleConfig `json:"output" yaml:"output"`
}

// RuleConfig is one guardrail rule. Type is one of forbid, pattern or
// max_length for input rules and replace or redact for output rules.
type RuleConfig struct {
	Type        string   `json:"type" yaml:"type"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Topics      []string `json:"topics,omitempty" yaml:"topics,omitempty"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Patterns    []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Max         int      `json:"max,omitempty" yaml:"max,omitempty"`
	Needle      string   `json:"needle,omitempty" yaml:"needle,omitempty"`
	Replacement string   `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

// LoadOptions binds a catalog file to the running process
type LoadOptions struct {
	// Tools is the set agent definitions pick tools from by name
	Tools tools.Set
	// Moderation rules run before every agent's own input rules
	Moderation config.ModerationConfig
	// Defaults fill model parameters missing from the file
	Defaults llm.Params
	// Entry overrides the file's entry agent when set
	Entry string
}

// LoadCatalog reads a JSON or YAML catalog file
func LoadCatalog(path string, opts LoadOptions) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var format string
	switch ext := filepath.Ext(path); ext {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return nil, fmt.Errorf("unsupported catalog file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	catalog, err := ParseCatalog(data, format, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Int("count", catalog.Len()).
		Str("entry", catalog.Entry().Name()).
		Msg("Loaded agent catalog")

	return catalog, nil
}

// ParseCatalog decodes a catalog in format "json" or "yaml" and builds it
func ParseCatalog(data []byte, format string, opts LoadOptions) (*Catalog, error) {
	var file File
	switch format {
	case "json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON catalog: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format: %s", format)
	}
	return BuildCatalog(file, opts)
}

// BuildCatalog turns decoded definitions into a validated catalog
func BuildCatalog(file File, opts LoadOptions) (*Catalog, error) {
	moderation, err := guardrail.FromModeration(opts.Moderation)
	if err != nil {
		return nil, fmt.Errorf("invalid moderation config: %w", err)
	}

	defaults := file.Defaults.Merge(opts.Defaults)

	agents := make([]*Agent, 0, len(file.Agents))
	for i, def := range file.Agents {
		a, err := def.build(opts.Tools, moderation, defaults)
		if err != nil {
			return nil, fmt.Errorf("agent definition at index %d is invalid: %w", i, err)
		}
		agents = append(agents, a)
	}

	entry := file.Entry
	if opts.Entry != "" {
		entry = opts.Entry
	}
	return NewCatalog(entry, agents...)
}

func (d Definition) build(set tools.Set, moderation []guardrail.InputRule, defaults llm.Params) (*Agent, error) {
	specs, err := set.Pick(d.Tools...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", d.Name, err)
	}
	registry, err := tools.NewRegistry(specs...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", d.Name, err)
	}

	input := append([]guardrail.InputRule(nil), moderation...)
	for _, rc := range d.Guardrails.Input {
		rule, err := rc.inputRule()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", d.Name, err)
		}
		input = append(input, rule)
	}

	output := make([]guardrail.OutputRule, 0, len(d.Guardrails.Output))
	for _, rc := range d.Guardrails.Output {
		rule, err := rc.outputRule()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", d.Name, err)
		}
		output = append(output, rule)
	}

	return New(Config{
		Name:         d.Name,
		Description:  d.Description,
		Instructions: d.Instructions,
		Tools:        registry,
		Input:        input,
		Output:       output,
		Params:       d.Model.Merge(defaults),
		Handoffs:     d.Handoffs,
	})
}

func (rc RuleConfig) inputRule() (guardrail.InputRule, error) {
	switch rc.Type {
	case "forbid":
		topics := rc.Topics
		if len(topics) == 0 {
			topics = guardrail.DefaultForbiddenTopics
		}
		return guardrail.Forbid(topics...), nil
	case "pattern":
		name := rc.Name
		if name == "" {
			name = "pattern"
		}
		return guardrail.Pattern(name, rc.Pattern)
	case "max_length":
		if rc.Max <= 0 {
			return nil, fmt.Errorf("max_length rule needs a positive max")
		}
		return guardrail.MaxLength(rc.Max), nil
	default:
		return nil, fmt.Errorf("unknown input guardrail type: %q", rc.Type)
	}
}

func (rc RuleConfig) outputRule() (guardrail.OutputRule, error) {
	switch rc.Type {
	case "replace":
		if rc.Needle == "" {
			return nil, fmt.Errorf("replace rule needs a needle")
		}
		return guardrail.Replace(rc.Needle, rc.Replacement), nil
	case "redact":
		patterns := make([]*regexp.Regexp, 0, len(rc.Patterns))
		for _, expr := range rc.Patterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid redact pattern %s: %w", expr, err)
			}
			patterns = append(patterns, re)
		}
		return guardrail.Redact(patterns...), nil
	default:
		return nil, fmt.Errorf("unknown output guardrail type: %q", rc.Type)
	}
}
