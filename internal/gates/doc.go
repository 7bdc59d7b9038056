// Package gates implements the quality-gate rule engine.
//
// A gate is a declarative rule: a set of AND-ed conditions over the
// current analysis result and session record, plus the intervention
// actions to suggest when it fires. The Evaluator owns a registry of
// gate definitions and the per-(session,gate) throttle state that
// enforces cooldowns and per-session trigger caps.
//
// Evaluation is pure with respect to its inputs; the only state written
// is the trigger history used for throttling, which is instance-owned and
// mutex-guarded so concurrently running session loops can share one
// Evaluator.
package gates
