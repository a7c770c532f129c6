// Package agent holds declarative agent definitions and the registry that
// owns each agent's mutable state. The registry never executes actions and
// never touches the event bus.
package agent

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"time"

	"github.com/andywolf/autopilot/internal/topic"
	"gopkg.in/yaml.v3"
)

// Type is the kind of agent.
type Type string

const (
	TypeCleanup     Type = "cleanup"
	TypeSecurity    Type = "security"
	TypePerformance Type = "performance"
	TypeCustom      Type = "custom"
)

// Valid reports whether t is a known agent type.
func (t Type) Valid() bool {
	switch t {
	case TypeCleanup, TypeSecurity, TypePerformance, TypeCustom:
		return true
	}
	return false
}

// Severity orders actions from informational to critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordinal of s, or -1 if unknown.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// RequiresPrivilege reports whether actions of this severity run elevated
// (medium and above).
func (s Severity) RequiresPrivilege() bool {
	return s.Rank() >= severityRank[SeverityMedium]
}

// Duration decodes "30s"-style strings or bare integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ActionDefinition is one step of an agent run. Exactly one of Command or
// Operation is set.
type ActionDefinition struct {
	ID        string         `yaml:"action_id"`
	Name      string         `yaml:"name"`
	Severity  Severity       `yaml:"severity"`
	Command   string         `yaml:"command"`
	Args      []string       `yaml:"args"`
	Operation string         `yaml:"operation"`
	Params    map[string]any `yaml:"params"`
	Timeout   Duration       `yaml:"timeout"`
}

// Privileged reports whether the action runs through the elevation helper.
func (a ActionDefinition) Privileged() bool {
	return a.Severity.RequiresPrivilege()
}

// DisplayName returns Name, or ID when no name is given.
func (a ActionDefinition) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Config is an immutable agent definition.
type Config struct {
	ID                  string             `yaml:"agent_id"`
	Name                string             `yaml:"name"`
	Description         string             `yaml:"description"`
	Type                Type               `yaml:"agent_type"`
	Subscriptions       []string           `yaml:"subscriptions"`
	Actions             []ActionDefinition `yaml:"actions"`
	MaxActionsPerHour   int                `yaml:"max_actions_per_hour"`
	Enabled             bool               `yaml:"enabled"`
	RequireConfirmation bool               `yaml:"require_confirmation"`
	DryRun              bool               `yaml:"dry_run"`
}

var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Validate checks the definition for structural errors. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error

	if c.ID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	} else if !agentIDPattern.MatchString(c.ID) {
		errs = append(errs, fmt.Errorf("agent_id %q must match %s", c.ID, agentIDPattern))
	}
	if !c.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown agent_type %q", c.Type))
	}
	if len(c.Subscriptions) == 0 {
		errs = append(errs, errors.New("at least one subscription is required"))
	}
	for _, t := range c.Subscriptions {
		if err := topic.Validate(t); err != nil {
			errs = append(errs, fmt.Errorf("subscription: %w", err))
		}
	}
	if c.MaxActionsPerHour <= 0 {
		errs = append(errs, fmt.Errorf("max_actions_per_hour must be positive, got %d", c.MaxActionsPerHour))
	}
	if len(c.Actions) == 0 {
		errs = append(errs, errors.New("at least one action is required"))
	}

	seen := make(map[string]bool, len(c.Actions))
	for i, a := range c.Actions {
		label := a.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("action %s: action_id is required", label))
		} else if seen[a.ID] {
			errs = append(errs, fmt.Errorf("action %s: duplicate action_id", label))
		}
		seen[a.ID] = true

		if (a.Command == "") == (a.Operation == "") {
			errs = append(errs, fmt.Errorf("action %s: exactly one of command or operation is required", label))
		}
		if !a.Severity.Valid() {
			errs = append(errs, fmt.Errorf("action %s: unknown severity %q", label, a.Severity))
		}
		if a.Timeout < 0 {
			errs = append(errs, fmt.Errorf("action %s: timeout must not be negative", label))
		}
	}

	return errors.Join(errs...)
}

// Topics returns the agent's subscriptions without duplicates, in order.
func (c Config) Topics() []string {
	seen := make(map[string]bool, len(c.Subscriptions))
	topics := make([]string, 0, len(c.Subscriptions))
	for _, t := range c.Subscriptions {
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	return topics
}

// clone returns a deep copy so callers cannot mutate registry-owned data.
func (c Config) clone() Config {
	out := c
	out.Subscriptions = append([]string(nil), c.Subscriptions...)
	out.Actions = make([]ActionDefinition, len(c.Actions))
	for i, a := range c.Actions {
		a.Args = append([]string(nil), a.Args...)
		a.Params = maps.Clone(a.Params)
		out.Actions[i] = a
	}
	return out
}

// ParseConfig decodes a definition in YAML or JSON. Unknown fields are
// ignored. Enabled defaults to true when absent.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{Enabled: true}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse agent definition: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
