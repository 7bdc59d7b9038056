package gates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
	"github.com/fyrsmithlabs/qualityd/internal/session"
)

var testEvalCfg = EvalConfig{InterventionConfidenceThreshold: 0.5}

func testState(id string) *session.State {
	return &session.State{SessionID: id, OwnerID: "owner-1"}
}

// lowQualityAnalysis satisfies the quality_drop gate: score below 0.6
// with a confusion signal.
func lowQualityAnalysis() *analysis.Analysis {
	return &analysis.Analysis{
		QualityScore: 0.3,
		Signals:      []analysis.Signal{analysis.SignalConfusionIndicator},
	}
}

func resultByGate(results []Result, gateID string) (Result, bool) {
	for _, r := range results {
		if r.GateID == gateID {
			return r, true
		}
	}
	return Result{}, false
}

func TestEvaluateQualityDrop(t *testing.T) {
	e := NewEvaluator(zap.NewNop())

	results := e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	r, ok := resultByGate(results, "quality_drop")
	require.True(t, ok)

	assert.True(t, r.Triggered)
	assert.Equal(t, PriorityHigh, r.Priority)
	assert.Equal(t, "s1", r.SessionID)
	assert.False(t, r.TriggerTime.IsZero())
	// Weighted mean of lt confidence (0.6-0.3)/0.6 = 0.5 and contains
	// confidence 0.8.
	assert.InDelta(t, 0.65, r.Confidence, 1e-9)
	assert.Len(t, r.MetConditions, 2)
	require.Len(t, r.SuggestedActions, 1)
	assert.Equal(t, InterventionClarification, r.SuggestedActions[0].Type)
	assert.InDelta(t, 0.85, r.SuggestedActions[0].Confidence, 1e-9)
}

func TestEvaluateConfidenceFloors(t *testing.T) {
	e := NewEvaluator(zap.NewNop())

	// Global threshold above the gate confidence discards the trigger.
	results := e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"),
		EvalConfig{InterventionConfidenceThreshold: 0.9})
	_, ok := resultByGate(results, "quality_drop")
	assert.False(t, ok)

	// A user adjustment raising the gate floor has the same effect.
	require.NoError(t, e.AdjustThreshold("quality_drop", 0.3))
	results = e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s2"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.False(t, ok)
}

func TestEvaluateCooldown(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	current := time.Now()
	e.now = func() time.Time { return current }

	results := e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok := resultByGate(results, "quality_drop")
	require.True(t, ok)

	// Within the cooldown window nothing fires.
	current = current.Add(10 * time.Minute)
	results = e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.False(t, ok)

	// Past the cooldown it fires again.
	current = current.Add(25 * time.Minute)
	results = e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.True(t, ok)

	// A different session is throttled independently.
	results = e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s2"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.True(t, ok)
}

func TestEvaluateTriggerCap(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	current := time.Now()
	e.now = func() time.Time { return current }

	require.NoError(t, e.AddCustomGate(&Definition{
		ID:       "once_only",
		Name:     "Once Only",
		Priority: PriorityLow,
		Conditions: []Condition{
			{FieldPath: "analysis.quality_score", Operator: OpLessThan, Threshold: 0.6},
		},
		MinConfidenceThreshold: 0.1,
		MaxTriggersPerSession:  1,
		UserEnabled:            true,
	}))

	a := &analysis.Analysis{QualityScore: 0.2}
	cfg := EvalConfig{InterventionConfidenceThreshold: 0.1}

	results := e.Evaluate(context.Background(), a, testState("s1"), cfg)
	_, ok := resultByGate(results, "once_only")
	require.True(t, ok)

	// No cooldown, but the per-session cap holds even much later.
	current = current.Add(12 * time.Hour)
	results = e.Evaluate(context.Background(), a, testState("s1"), cfg)
	_, ok = resultByGate(results, "once_only")
	assert.False(t, ok)
}

func TestEvaluateDisabledGate(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	require.NoError(t, e.EnableGate("quality_drop", false))

	results := e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok := resultByGate(results, "quality_drop")
	assert.False(t, ok)

	require.NoError(t, e.EnableGate("quality_drop", true))
	results = e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s2"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.True(t, ok)
}

func TestEvaluateSeedGates(t *testing.T) {
	tests := []struct {
		name     string
		gateID   string
		analysis *analysis.Analysis
		state    *session.State
	}{
		{
			name:   "goal stagnation",
			gateID: "goal_stagnation",
			analysis: &analysis.Analysis{
				QualityScore: 0.7,
				Dimensions:   []analysis.Dimension{{Name: "effectiveness", Score: 0.2}},
				Patterns:     []analysis.Pattern{{Type: "low_goal_completion"}},
			},
			state: testState("s1"),
		},
		{
			name:   "tool optimization",
			gateID: "tool_optimization",
			analysis: &analysis.Analysis{
				QualityScore: 0.7,
				Dimensions:   []analysis.Dimension{{Name: "efficiency", Score: 0.1}},
				Patterns:     []analysis.Pattern{{Type: "tool_overuse"}},
			},
			state: testState("s1"),
		},
		{
			name:   "learning opportunity",
			gateID: "learning_opportunity",
			analysis: &analysis.Analysis{
				QualityScore: 0.7,
				Patterns:     []analysis.Pattern{{Type: "learning_focused"}},
				Expertise:    analysis.ExpertiseBeginner,
			},
			state: testState("s1"),
		},
		{
			name:   "frustration detection",
			gateID: "frustration_detection",
			analysis: &analysis.Analysis{
				QualityScore: 0.7,
				Signals:      []analysis.Signal{analysis.SignalFrustration},
			},
			state: testState("s1"),
		},
		{
			name:     "privacy protection",
			gateID:   "privacy_protection",
			analysis: &analysis.Analysis{QualityScore: 0.9},
			state: &session.State{
				SessionID:          "s1",
				SensitiveDataFlags: []string{"pii_detected"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(zap.NewNop())
			results := e.Evaluate(context.Background(), tt.analysis, tt.state, testEvalCfg)
			r, ok := resultByGate(results, tt.gateID)
			require.True(t, ok, "expected %s to trigger", tt.gateID)
			assert.True(t, r.Triggered)
			assert.NotEmpty(t, r.SuggestedActions)
		})
	}
}

func TestEvaluateMissingFieldNeverTriggers(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	require.NoError(t, e.AddCustomGate(&Definition{
		ID:       "bad_path",
		Name:     "Bad Path",
		Priority: PriorityLow,
		Conditions: []Condition{
			{FieldPath: "analysis.no_such_field", Operator: OpGreaterThan, Threshold: 0.0},
		},
		UserEnabled: true,
	}))

	results := e.Evaluate(context.Background(), &analysis.Analysis{QualityScore: 0.9},
		testState("s1"), EvalConfig{})
	_, ok := resultByGate(results, "bad_path")
	assert.False(t, ok)
}

func TestGateManagementUnknownID(t *testing.T) {
	e := NewEvaluator(zap.NewNop())

	assert.ErrorIs(t, e.EnableGate("nope", true), ErrGateNotFound)
	assert.ErrorIs(t, e.AdjustThreshold("nope", 0.1), ErrGateNotFound)
	assert.ErrorIs(t, e.RemoveGate("nope"), ErrGateNotFound)
}

func TestRemoveGate(t *testing.T) {
	e := NewEvaluator(zap.NewNop())

	require.NoError(t, e.RemoveGate("quality_drop"))
	_, ok := e.Gate("quality_drop")
	assert.False(t, ok)

	results := e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.False(t, ok)
}

func TestResetClearsThrottleState(t *testing.T) {
	e := NewEvaluator(zap.NewNop())

	results := e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok := resultByGate(results, "quality_drop")
	require.True(t, ok)

	// Still in cooldown.
	results = e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	require.False(t, ok)

	e.Reset("s1")
	results = e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.True(t, ok)
}

// Session IDs are caller-assigned and may contain any characters, so
// throttle state for "tenant" and "tenant:42" must stay separate.
func TestThrottleStateWithDelimiterSessionIDs(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	ctx := context.Background()

	results := e.Evaluate(ctx, lowQualityAnalysis(), testState("tenant:42"), testEvalCfg)
	_, ok := resultByGate(results, "quality_drop")
	require.True(t, ok)

	results = e.Evaluate(ctx, lowQualityAnalysis(), testState("tenant"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	require.True(t, ok)

	stats := e.Statistics()
	assert.Equal(t, 2, stats.TriggersByGate["quality_drop"])

	// Resetting "tenant" must not touch "tenant:42", which stays in
	// cooldown while "tenant" fires again.
	e.Reset("tenant")

	results = e.Evaluate(ctx, lowQualityAnalysis(), testState("tenant:42"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.False(t, ok)

	results = e.Evaluate(ctx, lowQualityAnalysis(), testState("tenant"), testEvalCfg)
	_, ok = resultByGate(results, "quality_drop")
	assert.True(t, ok)
}

func TestStatistics(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	require.NoError(t, e.EnableGate("privacy_protection", false))

	e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s1"), testEvalCfg)
	e.Evaluate(context.Background(), lowQualityAnalysis(), testState("s2"), testEvalCfg)

	stats := e.Statistics()
	assert.Equal(t, 6, stats.TotalGates)
	assert.Equal(t, 5, stats.EnabledGates)
	assert.Equal(t, 2, stats.TriggersByGate["quality_drop"])
}

func TestAddCustomGateRequiresID(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	assert.Error(t, e.AddCustomGate(nil))
	assert.Error(t, e.AddCustomGate(&Definition{Name: "anonymous"}))
}
