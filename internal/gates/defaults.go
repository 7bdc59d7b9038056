package gates

import (
	"time"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
)

// Defaults applied to gates that leave the knob unset.
const (
	DefaultMinConfidenceThreshold = 0.5
	DefaultCooldown               = 30 * time.Minute
	DefaultFrustrationCooldown    = 60 * time.Minute
	DefaultMaxTriggersPerSession  = 3
	DefaultQualityThreshold       = 0.7
)

// defaultGates returns the seed gate set, in evaluation order.
func defaultGates() []*Definition {
	return []*Definition{
		{
			ID:          "quality_drop",
			Name:        "Conversation Quality Drop",
			Description: "Triggered when conversation quality falls below threshold",
			Priority:    PriorityHigh,
			Conditions: []Condition{
				{
					Type:      "threshold",
					FieldPath: "analysis.quality_score",
					Operator:  OpLessThan,
					Threshold: 0.6,
				},
				{
					Type:      "signal_present",
					FieldPath: "analysis.detected_signals",
					Operator:  OpContains,
					Threshold: string(analysis.SignalConfusionIndicator),
				},
			},
			Actions: []Action{
				{
					Type:            InterventionClarification,
					Title:           "Suggest Clarification",
					Description:     "Ask clarifying questions to improve understanding",
					ConfidenceBoost: 0.2,
				},
			},
			MinConfidenceThreshold: DefaultMinConfidenceThreshold,
			Cooldown:               DefaultCooldown,
			MaxTriggersPerSession:  DefaultMaxTriggersPerSession,
			UserEnabled:            true,
		},
		{
			ID:          "goal_stagnation",
			Name:        "Goal Achievement Stagnation",
			Description: "Triggered when goals are not being achieved efficiently",
			Priority:    PriorityMedium,
			Conditions: []Condition{
				{
					Type:      "quality_dimension",
					FieldPath: "analysis.quality_dimensions",
					Operator:  OpDimensionScoreBelow,
					Threshold: DimensionThreshold{Dimension: "effectiveness", Score: DefaultQualityThreshold},
				},
				{
					Type:      "pattern_present",
					FieldPath: "analysis.identified_patterns",
					Operator:  OpPatternTypeExists,
					Threshold: "low_goal_completion",
				},
			},
			Actions: []Action{
				{
					Type:            InterventionGoalRefocus,
					Title:           "Refocus on Goals",
					Description:     "Suggest prioritizing and focusing on specific goals",
					ConfidenceBoost: 0.1,
				},
				{
					Type:            InterventionWorkflowOptimization,
					Title:           "Optimize Workflow",
					Description:     "Suggest more efficient approach to current tasks",
					ConfidenceBoost: 0.15,
				},
			},
			MinConfidenceThreshold: DefaultMinConfidenceThreshold,
			Cooldown:               DefaultCooldown,
			MaxTriggersPerSession:  DefaultMaxTriggersPerSession,
			UserEnabled:            true,
		},
		{
			ID:          "tool_optimization",
			Name:        "Tool Usage Optimization",
			Description: "Triggered when tool usage could be optimized",
			Priority:    PriorityMedium,
			Conditions: []Condition{
				{
					Type:      "pattern_present",
					FieldPath: "analysis.identified_patterns",
					Operator:  OpPatternTypeExists,
					Threshold: "tool_overuse",
				},
				{
					Type:      "quality_dimension",
					FieldPath: "analysis.quality_dimensions",
					Operator:  OpDimensionScoreBelow,
					Threshold: DimensionThreshold{Dimension: "efficiency", Score: 0.6},
				},
			},
			Actions: []Action{
				{
					Type:            InterventionToolRecommendation,
					Title:           "Recommend Alternative Tools",
					Description:     "Suggest more appropriate tools for current tasks",
					ConfidenceBoost: 0.1,
				},
			},
			MinConfidenceThreshold: DefaultMinConfidenceThreshold,
			Cooldown:               DefaultCooldown,
			MaxTriggersPerSession:  DefaultMaxTriggersPerSession,
			UserEnabled:            true,
		},
		{
			ID:          "learning_opportunity",
			Name:        "Learning Opportunity Detection",
			Description: "Triggered when user could benefit from learning suggestions",
			Priority:    PriorityLow,
			Conditions: []Condition{
				{
					Type:      "pattern_present",
					FieldPath: "analysis.identified_patterns",
					Operator:  OpPatternTypeExists,
					Threshold: "learning_focused",
				},
				{
					Type:      "expertise_level",
					FieldPath: "analysis.user_expertise_assessment",
					Operator:  OpEquals,
					Threshold: string(analysis.ExpertiseBeginner),
				},
			},
			Actions: []Action{
				{
					Type:            InterventionLearningOpportunity,
					Title:           "Suggest Learning Resources",
					Description:     "Provide educational content or deeper explanations",
					ConfidenceBoost: 0.05,
				},
			},
			MinConfidenceThreshold: DefaultMinConfidenceThreshold,
			Cooldown:               DefaultCooldown,
			MaxTriggersPerSession:  DefaultMaxTriggersPerSession,
			UserEnabled:            true,
		},
		{
			ID:          "frustration_detection",
			Name:        "User Frustration Detection",
			Description: "Triggered when user shows signs of frustration",
			Priority:    PriorityHigh,
			Conditions: []Condition{
				{
					Type:      "signal_present",
					FieldPath: "analysis.detected_signals",
					Operator:  OpContains,
					Threshold: string(analysis.SignalFrustration),
				},
			},
			Actions: []Action{
				{
					Type:            InterventionErrorResolution,
					Title:           "Address Frustration",
					Description:     "Acknowledge frustration and provide alternative approaches",
					ConfidenceBoost: DefaultMinConfidenceThreshold * 0.6,
				},
			},
			MinConfidenceThreshold: DefaultMinConfidenceThreshold,
			// Longer cooldown: repeated frustration nudges are themselves
			// frustrating.
			Cooldown:              DefaultFrustrationCooldown,
			MaxTriggersPerSession: DefaultMaxTriggersPerSession,
			UserEnabled:           true,
		},
		{
			ID:          "privacy_protection",
			Name:        "Privacy Protection",
			Description: "Triggered when sensitive data is detected",
			Priority:    PriorityCritical,
			Conditions: []Condition{
				{
					Type:      "sensitive_data",
					FieldPath: "session_state.sensitive_data_flags",
					Operator:  OpNotEmpty,
				},
			},
			Actions: []Action{
				{
					Type:            InterventionPrivacyProtection,
					Title:           "Protect Sensitive Data",
					Description:     "Suggest privacy protection measures",
					ConfidenceBoost: DefaultMinConfidenceThreshold,
				},
			},
			// High floor: privacy interventions must not fire on weak
			// evidence.
			MinConfidenceThreshold: 0.9,
			Cooldown:               DefaultCooldown,
			MaxTriggersPerSession:  DefaultMaxTriggersPerSession,
			UserEnabled:            true,
		},
	}
}
