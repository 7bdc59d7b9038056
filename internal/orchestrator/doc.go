// Package orchestrator coordinates conversation-quality monitoring: it
// owns one analysis loop per session, feeds each analysis result through
// the quality-gate evaluator, and surfaces triggered interventions to
// registered callbacks.
package orchestrator
