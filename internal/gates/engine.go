package gates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
	"github.com/fyrsmithlabs/qualityd/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/qualityd/internal/gates"

// historyRetention bounds how far back trigger history is kept; entries
// older than this are pruned lazily on each recording.
const historyRetention = 24 * time.Hour

// Evaluator evaluates quality gates and owns the throttle state that
// enforces cooldowns and per-session trigger caps.
type Evaluator struct {
	logger *zap.Logger

	triggerCounter metric.Int64Counter

	// now is the clock; injectable for throttle tests.
	now func() time.Time

	mu    sync.Mutex
	gates map[string]*Definition
	order []string
	// history holds trigger times within the retention window.
	history map[throttleKey][]time.Time
}

// throttleKey identifies one (session, gate) throttle bucket. A struct
// key keeps caller-assigned session IDs containing separators from
// colliding with each other or bleeding across gates.
type throttleKey struct {
	sessionID string
	gateID    string
}

// NewEvaluator creates an evaluator seeded with the default gate set.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Evaluator{
		logger:  logger,
		now:     time.Now,
		gates:   make(map[string]*Definition),
		history: make(map[throttleKey][]time.Time),
	}

	for _, g := range defaultGates() {
		e.gates[g.ID] = g
		e.order = append(e.order, g.ID)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.triggerCounter, err = meter.Int64Counter(
		"qualityd.gates.triggers_total",
		metric.WithDescription("Total number of quality gate triggers"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		logger.Warn("failed to create trigger counter", zap.Error(err))
	}

	return e
}

// Evaluate runs every enabled gate against the analysis and session
// record, returning the gates that triggered.
//
// A gate is skipped while in cooldown for this session or once it has hit
// its per-session trigger cap. All of a gate's conditions must hold; the
// gate confidence is the weighted mean of the per-condition confidences,
// and a candidate below max(gate floor + user adjustment, the global
// intervention threshold) is discarded. Accepted triggers are recorded
// for future throttling.
func (e *Evaluator) Evaluate(ctx context.Context, a *analysis.Analysis, state *session.State, cfg EvalConfig) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var results []Result

	for _, id := range e.order {
		gate := e.gates[id]
		if !gate.UserEnabled {
			continue
		}
		if e.inCooldownLocked(id, state.SessionID, now, gate.Cooldown) {
			continue
		}
		if e.atTriggerCapLocked(id, state.SessionID, gate.MaxTriggersPerSession) {
			continue
		}

		result, ok := e.evaluateGate(gate, a, state, cfg)
		if !ok {
			continue
		}
		result.TriggerTime = now
		results = append(results, result)

		e.recordTriggerLocked(id, state.SessionID, now)
		if e.triggerCounter != nil {
			e.triggerCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("gate_id", id),
				attribute.String("priority", string(gate.Priority)),
			))
		}
		e.logger.Debug("quality gate triggered",
			zap.String("gate_id", id),
			zap.String("session_id", state.SessionID),
			zap.Float64("confidence", result.Confidence),
		)
	}

	return results
}

// evaluateGate checks a single gate's conditions and builds its result.
//
// Confidence combining rule: the weighted mean of the per-condition
// confidences (weight defaults to 1). Deterministic for identical inputs.
func (e *Evaluator) evaluateGate(gate *Definition, a *analysis.Analysis, state *session.State, cfg EvalConfig) (Result, bool) {
	var (
		met         []string
		weightedSum float64
		totalWeight float64
	)

	for _, cond := range gate.Conditions {
		ok, confidence := evaluateCondition(cond, a, state)
		if !ok {
			return Result{}, false
		}
		weight := cond.Weight
		if weight == 0 {
			weight = 1
		}
		met = append(met, fmt.Sprintf("%s %s %v", cond.FieldPath, cond.Operator, cond.Threshold))
		weightedSum += confidence * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return Result{}, false
	}
	confidence := weightedSum / totalWeight

	floor := gate.MinConfidenceThreshold + gate.UserThresholdAdjustment
	if confidence < floor || confidence < cfg.InterventionConfidenceThreshold {
		return Result{}, false
	}

	result := Result{
		GateID:        gate.ID,
		GateName:      gate.Name,
		Triggered:     true,
		Confidence:    confidence,
		Priority:      gate.Priority,
		MetConditions: met,
		SessionID:     state.SessionID,
	}
	for _, action := range gate.Actions {
		boosted := confidence + action.ConfidenceBoost
		if boosted > 1 {
			boosted = 1
		}
		result.SuggestedActions = append(result.SuggestedActions, Suggestion{
			Type:        action.Type,
			Title:       action.Title,
			Description: action.Description,
			Confidence:  boosted,
			Metadata:    action.Metadata,
		})
	}

	return result, true
}

// evaluateCondition resolves the condition's field and applies its
// operator, returning whether it held and the condition confidence.
// Missing paths and type mismatches resolve to not met, never an error.
func evaluateCondition(cond Condition, a *analysis.Analysis, state *session.State) (bool, float64) {
	value := resolveFieldPath(cond.FieldPath, a, state)
	if value.kind == kindAbsent {
		return false, 0
	}

	switch cond.Operator {
	case OpLessThan:
		threshold, ok := asFloat(cond.Threshold)
		if !ok || value.kind != kindNumber || value.num >= threshold {
			return false, 0
		}
		if threshold <= 0 {
			return true, 1
		}
		return true, clampConfidence((threshold - value.num) / threshold)

	case OpGreaterThan:
		threshold, ok := asFloat(cond.Threshold)
		if !ok || value.kind != kindNumber || value.num <= threshold {
			return false, 0
		}
		if threshold >= 1 {
			return true, 1
		}
		return true, clampConfidence((value.num - threshold) / (1 - threshold))

	case OpEquals:
		switch value.kind {
		case kindNumber:
			threshold, ok := asFloat(cond.Threshold)
			if ok && value.num == threshold {
				return true, 1
			}
		case kindString:
			if threshold, ok := cond.Threshold.(string); ok && value.str == threshold {
				return true, 1
			}
		}
		return false, 0

	case OpContains:
		threshold, ok := cond.Threshold.(string)
		if !ok || value.kind != kindStringSet {
			return false, 0
		}
		for _, member := range value.set {
			if member == threshold {
				return true, 0.8
			}
		}
		return false, 0

	case OpNotEmpty:
		switch value.kind {
		case kindStringSet:
			if len(value.set) > 0 {
				return true, 0.9
			}
		case kindDimensions:
			if len(value.dims) > 0 {
				return true, 0.9
			}
		case kindPatterns:
			if len(value.pats) > 0 {
				return true, 0.9
			}
		}
		return false, 0

	case OpDimensionScoreBelow:
		threshold, ok := asDimensionThreshold(cond.Threshold)
		if !ok || value.kind != kindDimensions || threshold.Score <= 0 {
			return false, 0
		}
		for _, dim := range value.dims {
			if dim.Name != threshold.Dimension {
				continue
			}
			if dim.Score < threshold.Score {
				return true, clampConfidence((threshold.Score - dim.Score) / threshold.Score)
			}
			return false, 0
		}
		return false, 0

	case OpPatternTypeExists:
		threshold, ok := cond.Threshold.(string)
		if !ok || value.kind != kindPatterns {
			return false, 0
		}
		for _, p := range value.pats {
			if p.Type == threshold {
				return true, 0.8
			}
		}
		return false, 0

	default:
		return false, 0
	}
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *Evaluator) inCooldownLocked(gateID, sessionID string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}
	triggers := e.history[throttleKey{sessionID: sessionID, gateID: gateID}]
	if len(triggers) == 0 {
		return false
	}
	last := triggers[len(triggers)-1]
	return now.Sub(last) < cooldown
}

func (e *Evaluator) atTriggerCapLocked(gateID, sessionID string, maxTriggers int) bool {
	if maxTriggers <= 0 {
		return false
	}
	return len(e.history[throttleKey{sessionID: sessionID, gateID: gateID}]) >= maxTriggers
}

func (e *Evaluator) recordTriggerLocked(gateID, sessionID string, now time.Time) {
	key := throttleKey{sessionID: sessionID, gateID: gateID}
	triggers := append(e.history[key], now)

	// Prune entries outside the retention window.
	cutoff := now.Add(-historyRetention)
	kept := triggers[:0]
	for _, t := range triggers {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	e.history[key] = kept
}

// AddCustomGate registers (or replaces) a gate definition. A zero
// Cooldown disables cooldown and a zero MaxTriggersPerSession means
// unlimited; the YAML loader applies package defaults for knobs a gate
// file leaves unset.
func (e *Evaluator) AddCustomGate(gate *Definition) error {
	if gate == nil || gate.ID == "" {
		return fmt.Errorf("gate definition requires an id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.gates[gate.ID]; !exists {
		e.order = append(e.order, gate.ID)
	}
	e.gates[gate.ID] = gate

	e.logger.Info("registered quality gate", zap.String("gate_id", gate.ID))
	return nil
}

// RemoveGate deletes a gate definition.
func (e *Evaluator) RemoveGate(gateID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.gates[gateID]; !ok {
		return fmt.Errorf("gate %s: %w", gateID, ErrGateNotFound)
	}
	delete(e.gates, gateID)
	for i, id := range e.order {
		if id == gateID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// EnableGate toggles a gate without removing it.
func (e *Evaluator) EnableGate(gateID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gate, ok := e.gates[gateID]
	if !ok {
		return fmt.Errorf("gate %s: %w", gateID, ErrGateNotFound)
	}
	gate.UserEnabled = enabled
	return nil
}

// AdjustThreshold sets a gate's additive confidence-floor bias.
func (e *Evaluator) AdjustThreshold(gateID string, adjustment float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gate, ok := e.gates[gateID]
	if !ok {
		return fmt.Errorf("gate %s: %w", gateID, ErrGateNotFound)
	}
	gate.UserThresholdAdjustment = adjustment
	return nil
}

// Gate returns a copy of the named definition.
func (e *Evaluator) Gate(gateID string) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gate, ok := e.gates[gateID]
	if !ok {
		return Definition{}, false
	}
	return *gate, true
}

// Reset clears throttle state for a session, typically after the session
// is closed.
func (e *Evaluator) Reset(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.history {
		if key.sessionID == sessionID {
			delete(e.history, key)
		}
	}
}

// Statistics summarizes the registry and trigger history.
func (e *Evaluator) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Statistics{
		TotalGates:     len(e.gates),
		TriggersByGate: make(map[string]int),
	}
	for _, gate := range e.gates {
		if gate.UserEnabled {
			stats.EnabledGates++
		}
	}
	for key, triggers := range e.history {
		stats.TriggersByGate[key.gateID] += len(triggers)
	}
	return stats
}
