package analysis

import (
	"context"
	"time"
)

// Signal is a categorical signal detected in conversation content.
type Signal string

const (
	SignalPositiveEngagement   Signal = "positive_engagement"
	SignalConfusionIndicator   Signal = "confusion_indicator"
	SignalFrustration          Signal = "frustration_signal"
	SignalSuccessConfirmation  Signal = "success_confirmation"
	SignalClarificationRequest Signal = "clarification_request"
	SignalGoalAchievement      Signal = "goal_achievement"
	SignalWorkflowEfficiency   Signal = "workflow_efficiency"
	SignalLearningMoment       Signal = "learning_moment"
)

// ExpertiseLevel is the assessed user expertise for the conversation.
type ExpertiseLevel string

const (
	ExpertiseUnknown      ExpertiseLevel = "unknown"
	ExpertiseBeginner     ExpertiseLevel = "beginner"
	ExpertiseIntermediate ExpertiseLevel = "intermediate"
	ExpertiseAdvanced     ExpertiseLevel = "advanced"
)

// Pattern is a recurring behavior identified in the conversation.
type Pattern struct {
	// Type tags the pattern (e.g. "tool_overuse", "low_goal_completion").
	Type string `json:"type"`

	// Description is a human-readable summary of the pattern.
	Description string `json:"description"`

	// Frequency counts how often the pattern occurred.
	Frequency int `json:"frequency"`

	// Confidence is the detector's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// ImpactLevel is "low", "medium", or "high".
	ImpactLevel string `json:"impact_level"`

	// Examples holds short excerpts demonstrating the pattern.
	Examples []string `json:"examples,omitempty"`

	// Metadata carries detector-specific extras.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Dimension is a quality assessment along a single axis.
type Dimension struct {
	// Name identifies the axis (e.g. "clarity", "effectiveness").
	Name string `json:"name"`

	// Score is the dimension score in [0,1].
	Score float64 `json:"score"`

	// Evidence lists observations supporting the score.
	Evidence []string `json:"evidence,omitempty"`

	// Suggestions lists improvements for a low score.
	Suggestions []string `json:"suggestions,omitempty"`
}

// Analysis is the result of analyzing one conversation snapshot.
type Analysis struct {
	Timestamp             time.Time `json:"timestamp"`
	ConversationLength    int       `json:"conversation_length"`
	UserMessageCount      int       `json:"user_message_count"`
	AssistantMessageCount int       `json:"assistant_message_count"`

	// QualityScore is the overall conversation quality in [0,1].
	QualityScore float64 `json:"quality_score"`

	// Dimensions are per-axis quality assessments.
	Dimensions []Dimension `json:"dimensions,omitempty"`

	// Patterns are recurring behaviors identified this cycle.
	Patterns []Pattern `json:"patterns,omitempty"`

	// Signals are the categorical signals detected this cycle.
	Signals []Signal `json:"signals,omitempty"`

	// ActivityLevel scales analysis frequency; 1.0 is baseline, higher
	// values shorten the delay to the next cycle.
	ActivityLevel float64 `json:"activity_level"`

	// Expertise is the assessed user expertise level.
	Expertise ExpertiseLevel `json:"expertise"`

	// DomainContext is a free-form domain tag.
	DomainContext string `json:"domain_context,omitempty"`
}

// HasSignal reports whether the analysis detected the given signal.
func (a *Analysis) HasSignal(s Signal) bool {
	for _, got := range a.Signals {
		if got == s {
			return true
		}
	}
	return false
}

// DimensionScore returns the score for a named dimension.
func (a *Analysis) DimensionScore(name string) (float64, bool) {
	for _, d := range a.Dimensions {
		if d.Name == name {
			return d.Score, true
		}
	}
	return 0, false
}

// Analyzer turns a conversation context into an Analysis. Implementations
// may be slow; they must honor ctx cancellation so shutdown stays bounded.
type Analyzer interface {
	// Initialize prepares the analyzer for use.
	Initialize(ctx context.Context) error

	// Analyze assesses the current conversation context.
	Analyze(ctx context.Context, conversationContext map[string]any) (*Analysis, error)

	// Close releases analyzer resources.
	Close() error
}
