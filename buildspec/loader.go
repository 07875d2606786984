package buildspec

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied during load when the spec leaves fields unset.
const (
	DefaultWeight     = 1.0
	DefaultMaxRetries = 3
	DefaultComplexity = 1
)

// Load reads and validates a project specification from a YAML file.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a project specification from YAML bytes, fills defaults and
// validates the result.
func Parse(data []byte) (*Project, error) {
	var project Project
	if err := yaml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}

	applyDefaults(&project)

	if err := project.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	return &project, nil
}

// UnmarshalYAML decodes a task, accepting durations either as Go duration
// strings ("90s", "2m") or as plain second counts.
func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID                string         `yaml:"id"`
		Name              string         `yaml:"name"`
		Description       string         `yaml:"description"`
		Kind              TaskKind       `yaml:"kind"`
		Params            map[string]any `yaml:"params"`
		DependsOn         []string       `yaml:"depends_on"`
		Weight            float64        `yaml:"weight"`
		Priority          int            `yaml:"priority"`
		EstimatedDuration string         `yaml:"estimated_duration"`
		Timeout           string         `yaml:"timeout"`
		MaxRetries        int            `yaml:"max_retries"`
		Critical          bool           `yaml:"critical"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	t.ID = raw.ID
	t.Name = raw.Name
	t.Description = raw.Description
	t.Kind = raw.Kind
	t.Params = raw.Params
	t.DependsOn = raw.DependsOn
	t.Weight = raw.Weight
	t.Priority = raw.Priority
	t.MaxRetries = raw.MaxRetries
	t.Critical = raw.Critical

	var err error
	if t.EstimatedDuration, err = parseDuration(raw.EstimatedDuration); err != nil {
		return fmt.Errorf("task %q estimated_duration: %w", raw.ID, err)
	}
	if t.Timeout, err = parseDuration(raw.Timeout); err != nil {
		return fmt.Errorf("task %q timeout: %w", raw.ID, err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func applyDefaults(p *Project) {
	for _, ph := range p.Phases {
		if ph.Complexity == 0 {
			ph.Complexity = DefaultComplexity
		}
		if ph.Name == "" {
			ph.Name = ph.ID
		}
		for _, t := range ph.Tasks {
			if t.Weight == 0 {
				t.Weight = DefaultWeight
			}
			if t.MaxRetries == 0 {
				t.MaxRetries = DefaultMaxRetries
			}
			if t.Kind == "" {
				t.Kind = KindCustom
			}
			if t.Name == "" {
				t.Name = t.ID
			}
		}
	}
}
