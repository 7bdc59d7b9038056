// Package analysis defines the conversation analysis contract consumed by
// the orchestrator and gate engine, plus a heuristic reference analyzer.
//
// The engine treats analysis as an injected collaborator: hosts supply any
// Analyzer implementation, and the shapes here (quality score, dimensions,
// signals, patterns) are what gate conditions resolve against.
package analysis
