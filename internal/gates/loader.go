package gates

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// gateFile is the on-disk shape of a custom gate configuration.
type gateFile struct {
	QualityGates map[string]gateSpec `yaml:"quality_gates"`
}

type gateSpec struct {
	Name                    string          `yaml:"name"`
	Description             string          `yaml:"description"`
	Priority                string          `yaml:"priority"`
	Conditions              []conditionSpec `yaml:"conditions"`
	Actions                 []actionSpec    `yaml:"actions"`
	MinConfidenceThreshold  *float64        `yaml:"min_confidence_threshold"`
	CooldownMinutes         *int            `yaml:"cooldown_minutes"`
	MaxTriggersPerSession   *int            `yaml:"max_triggers_per_session"`
	UserEnabled             *bool           `yaml:"user_enabled"`
	UserThresholdAdjustment float64         `yaml:"user_threshold_adjustment"`
}

type conditionSpec struct {
	ConditionType string  `yaml:"condition_type"`
	FieldPath     string  `yaml:"field_path"`
	Operator      string  `yaml:"operator"`
	Threshold     any     `yaml:"threshold"`
	Weight        float64 `yaml:"weight"`
}

type actionSpec struct {
	ActionType      string         `yaml:"action_type"`
	Title           string         `yaml:"title"`
	Description     string         `yaml:"description"`
	ConfidenceBoost float64        `yaml:"confidence_boost"`
	Metadata        map[string]any `yaml:"metadata"`
}

// LoadCustomGates reads a YAML gate file and merges its definitions over
// the evaluator's current set. A gate ID that already exists is replaced.
func (e *Evaluator) LoadCustomGates(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read gate file: %w", err)
	}

	var file gateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse gate file %s: %w", path, err)
	}

	for id, spec := range file.QualityGates {
		gate, err := spec.toDefinition(id)
		if err != nil {
			return fmt.Errorf("invalid gate %s in %s: %w", id, path, err)
		}
		if err := e.AddCustomGate(gate); err != nil {
			return err
		}
	}

	return nil
}

func (s gateSpec) toDefinition(id string) (*Definition, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	priority := Priority(s.Priority)
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	case "":
		priority = PriorityMedium
	default:
		return nil, fmt.Errorf("unknown priority %q", s.Priority)
	}

	gate := &Definition{
		ID:                      id,
		Name:                    s.Name,
		Description:             s.Description,
		Priority:                priority,
		MinConfidenceThreshold:  DefaultMinConfidenceThreshold,
		Cooldown:                DefaultCooldown,
		MaxTriggersPerSession:   DefaultMaxTriggersPerSession,
		UserEnabled:             true,
		UserThresholdAdjustment: s.UserThresholdAdjustment,
	}

	if s.MinConfidenceThreshold != nil {
		if *s.MinConfidenceThreshold < 0 || *s.MinConfidenceThreshold > 1 {
			return nil, fmt.Errorf("min_confidence_threshold must be in [0,1]")
		}
		gate.MinConfidenceThreshold = *s.MinConfidenceThreshold
	}
	if s.CooldownMinutes != nil {
		gate.Cooldown = time.Duration(*s.CooldownMinutes) * time.Minute
	}
	if s.MaxTriggersPerSession != nil {
		gate.MaxTriggersPerSession = *s.MaxTriggersPerSession
	}
	if s.UserEnabled != nil {
		gate.UserEnabled = *s.UserEnabled
	}

	for _, c := range s.Conditions {
		if c.FieldPath == "" || c.Operator == "" {
			return nil, fmt.Errorf("conditions require field_path and operator")
		}
		gate.Conditions = append(gate.Conditions, Condition{
			Type:      c.ConditionType,
			FieldPath: c.FieldPath,
			Operator:  Operator(c.Operator),
			Threshold: c.Threshold,
			Weight:    c.Weight,
		})
	}

	for _, a := range s.Actions {
		gate.Actions = append(gate.Actions, Action{
			Type:            InterventionType(a.ActionType),
			Title:           a.Title,
			Description:     a.Description,
			ConfidenceBoost: a.ConfidenceBoost,
			Metadata:        a.Metadata,
		})
	}

	return gate, nil
}
