package gates

import (
	"errors"
	"time"
)

// ErrGateNotFound is returned by gate management calls for unknown IDs.
var ErrGateNotFound = errors.New("quality gate not found")

// Priority orders gate results by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// InterventionType categorizes suggested interventions.
type InterventionType string

const (
	InterventionClarification        InterventionType = "clarification_suggestion"
	InterventionToolRecommendation   InterventionType = "tool_recommendation"
	InterventionWorkflowOptimization InterventionType = "workflow_optimization"
	InterventionGoalRefocus          InterventionType = "goal_refocus"
	InterventionLearningOpportunity  InterventionType = "learning_opportunity"
	InterventionErrorResolution      InterventionType = "error_resolution"
	InterventionPrivacyProtection    InterventionType = "privacy_protection"
)

// Operator selects how a condition compares its resolved field value
// against the threshold.
type Operator string

const (
	OpLessThan             Operator = "lt"
	OpGreaterThan          Operator = "gt"
	OpEquals               Operator = "eq"
	OpContains             Operator = "contains"
	OpNotEmpty             Operator = "not_empty"
	OpDimensionScoreBelow  Operator = "dimension_score_lt"
	OpPatternTypeExists    Operator = "pattern_type_exists"
)

// DimensionThreshold is the threshold shape for OpDimensionScoreBelow.
type DimensionThreshold struct {
	Dimension string  `yaml:"dimension" json:"dimension"`
	Score     float64 `yaml:"score" json:"score"`
}

// Condition is one trigger condition of a gate. All of a gate's
// conditions must hold for the gate to fire.
type Condition struct {
	// Type is a free-form label used in diagnostics.
	Type string `yaml:"condition_type" json:"condition_type"`

	// FieldPath is a dot path into the analysis result or session record,
	// e.g. "analysis.quality_score" or "session_state.sensitive_data_flags".
	FieldPath string `yaml:"field_path" json:"field_path"`

	// Operator selects the comparison.
	Operator Operator `yaml:"operator" json:"operator"`

	// Threshold is operator-dependent: a number, string, or a
	// DimensionThreshold for dimension comparisons.
	Threshold any `yaml:"threshold" json:"threshold"`

	// Weight scales this condition's contribution to the gate confidence.
	// Zero means the default weight of 1.
	Weight float64 `yaml:"weight" json:"weight"`
}

// Action describes an intervention suggested when the gate fires.
type Action struct {
	Type        InterventionType `yaml:"action_type" json:"action_type"`
	Title       string           `yaml:"title" json:"title"`
	Description string           `yaml:"description" json:"description"`

	// ConfidenceBoost is added to the gate confidence when materializing
	// the suggestion, clamped to 1.
	ConfidenceBoost float64 `yaml:"confidence_boost" json:"confidence_boost"`

	Metadata map[string]any `yaml:"metadata" json:"metadata,omitempty"`
}

// Definition is one quality gate.
type Definition struct {
	ID          string   `yaml:"-" json:"gate_id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Priority    Priority `yaml:"priority" json:"priority"`

	// Conditions must all hold (logical AND) for the gate to fire.
	Conditions []Condition `yaml:"conditions" json:"conditions"`

	// Actions are materialized, in order, into the result's suggestions.
	Actions []Action `yaml:"actions" json:"actions"`

	// MinConfidenceThreshold is the gate-specific confidence floor in [0,1].
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold" json:"min_confidence_threshold"`

	// Cooldown is the minimum time between triggers of this gate for the
	// same session.
	Cooldown time.Duration `yaml:"-" json:"cooldown"`

	// MaxTriggersPerSession caps triggers per session; 0 means unlimited.
	MaxTriggersPerSession int `yaml:"max_triggers_per_session" json:"max_triggers_per_session"`

	// UserEnabled toggles the gate without removing it.
	UserEnabled bool `yaml:"user_enabled" json:"user_enabled"`

	// UserThresholdAdjustment is an additive bias on the confidence floor,
	// letting a caller make the gate stricter or looser without
	// redefining it.
	UserThresholdAdjustment float64 `yaml:"user_threshold_adjustment" json:"user_threshold_adjustment"`
}

// Suggestion is a materialized intervention suggestion.
type Suggestion struct {
	Type        InterventionType `json:"type"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Confidence  float64          `json:"confidence"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// Result is the outcome of evaluating one gate.
type Result struct {
	GateID      string    `json:"gate_id"`
	GateName    string    `json:"gate_name"`
	Triggered   bool      `json:"triggered"`
	Confidence  float64   `json:"confidence"`
	Priority    Priority  `json:"priority"`
	TriggerTime time.Time `json:"trigger_time"`

	// MetConditions describes the conditions that held, for diagnostics.
	MetConditions []string `json:"met_conditions,omitempty"`

	// SuggestedActions are the gate's actions materialized with
	// confidence.
	SuggestedActions []Suggestion `json:"suggested_actions,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	CycleID   string `json:"cycle_id,omitempty"`
}

// Statistics summarizes the evaluator's registry and trigger history.
type Statistics struct {
	TotalGates     int            `json:"total_gates"`
	EnabledGates   int            `json:"enabled_gates"`
	TriggersByGate map[string]int `json:"triggers_by_gate"`
}

// EvalConfig carries the caller-supplied evaluation settings.
type EvalConfig struct {
	// InterventionConfidenceThreshold is the global confidence floor; a
	// triggered gate below it is discarded regardless of its own floor.
	InterventionConfidenceThreshold float64
}
