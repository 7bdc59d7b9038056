package gates

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
)

func writeGateFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCustomGates(t *testing.T) {
	path := writeGateFile(t, `
quality_gates:
  slow_progress:
    name: Slow Progress
    description: Fires when cycles pile up without quality improving
    priority: medium
    min_confidence_threshold: 0.4
    cooldown_minutes: 5
    max_triggers_per_session: 2
    conditions:
      - condition_type: threshold
        field_path: session_state.analysis_cycles
        operator: gt
        threshold: 10
        weight: 2.0
    actions:
      - action_type: workflow_optimization
        title: Rework the approach
        description: Suggest restructuring the current task
        confidence_boost: 0.1
`)

	e := NewEvaluator(zap.NewNop())
	require.NoError(t, e.LoadCustomGates(path))

	gate, ok := e.Gate("slow_progress")
	require.True(t, ok)
	assert.Equal(t, "Slow Progress", gate.Name)
	assert.Equal(t, PriorityMedium, gate.Priority)
	assert.Equal(t, 0.4, gate.MinConfidenceThreshold)
	assert.Equal(t, 5*time.Minute, gate.Cooldown)
	assert.Equal(t, 2, gate.MaxTriggersPerSession)
	assert.True(t, gate.UserEnabled)
	require.Len(t, gate.Conditions, 1)
	assert.Equal(t, OpGreaterThan, gate.Conditions[0].Operator)
	assert.Equal(t, 2.0, gate.Conditions[0].Weight)
	require.Len(t, gate.Actions, 1)
	assert.Equal(t, InterventionWorkflowOptimization, gate.Actions[0].Type)
}

func TestLoadCustomGatesAppliesDefaults(t *testing.T) {
	path := writeGateFile(t, `
quality_gates:
  minimal:
    name: Minimal Gate
    conditions:
      - field_path: analysis.quality_score
        operator: lt
        threshold: 0.5
`)

	e := NewEvaluator(zap.NewNop())
	require.NoError(t, e.LoadCustomGates(path))

	gate, ok := e.Gate("minimal")
	require.True(t, ok)
	assert.Equal(t, PriorityMedium, gate.Priority)
	assert.Equal(t, DefaultMinConfidenceThreshold, gate.MinConfidenceThreshold)
	assert.Equal(t, DefaultCooldown, gate.Cooldown)
	assert.Equal(t, DefaultMaxTriggersPerSession, gate.MaxTriggersPerSession)
	assert.True(t, gate.UserEnabled)
}

func TestLoadCustomGatesReplacesSeed(t *testing.T) {
	path := writeGateFile(t, `
quality_gates:
  quality_drop:
    name: Custom Quality Drop
    priority: critical
    min_confidence_threshold: 0.2
    conditions:
      - field_path: analysis.quality_score
        operator: lt
        threshold: 0.9
`)

	e := NewEvaluator(zap.NewNop())
	require.NoError(t, e.LoadCustomGates(path))

	gate, ok := e.Gate("quality_drop")
	require.True(t, ok)
	assert.Equal(t, "Custom Quality Drop", gate.Name)
	assert.Equal(t, PriorityCritical, gate.Priority)

	// The replaced gate no longer requires a confusion signal.
	results := e.Evaluate(context.Background(), &analysis.Analysis{QualityScore: 0.3},
		testState("s1"), EvalConfig{InterventionConfidenceThreshold: 0.2})
	r, ok := resultByGate(results, "quality_drop")
	require.True(t, ok)
	assert.Equal(t, PriorityCritical, r.Priority)
}

func TestLoadCustomGatesValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing name",
			content: `
quality_gates:
  nameless:
    conditions:
      - field_path: analysis.quality_score
        operator: lt
        threshold: 0.5
`,
		},
		{
			name: "unknown priority",
			content: `
quality_gates:
  bad_priority:
    name: Bad Priority
    priority: urgent
    conditions:
      - field_path: analysis.quality_score
        operator: lt
        threshold: 0.5
`,
		},
		{
			name: "condition missing operator",
			content: `
quality_gates:
  bad_condition:
    name: Bad Condition
    conditions:
      - field_path: analysis.quality_score
`,
		},
		{
			name: "threshold out of range",
			content: `
quality_gates:
  bad_threshold:
    name: Bad Threshold
    min_confidence_threshold: 1.5
    conditions:
      - field_path: analysis.quality_score
        operator: lt
        threshold: 0.5
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(zap.NewNop())
			assert.Error(t, e.LoadCustomGates(writeGateFile(t, tt.content)))
		})
	}
}

func TestLoadCustomGatesMissingFile(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	assert.Error(t, e.LoadCustomGates(filepath.Join(t.TempDir(), "nope.yaml")))
}
