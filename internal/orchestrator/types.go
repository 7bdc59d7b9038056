package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
	"github.com/fyrsmithlabs/qualityd/internal/gates"
)

var (
	// ErrComponentInit wraps a component failure during Initialize.
	ErrComponentInit = errors.New("component initialization failed")

	// ErrNotActive is returned by operations that require an active
	// orchestrator.
	ErrNotActive = errors.New("orchestrator is not active")
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"

	// StateError is terminal; it is entered when initialization or
	// shutdown fails.
	StateError State = "error"
)

// CycleResult is the runtime outcome of one analysis cycle, delivered to
// cycle-complete callbacks. It is not persisted; the session record keeps
// only a CycleSummary.
type CycleResult struct {
	CycleID   string    `json:"cycle_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Analysis    *analysis.Analysis `json:"analysis"`
	GateResults []gates.Result     `json:"gate_results,omitempty"`

	// Interventions counts the gate results dispatched this cycle.
	Interventions int `json:"interventions"`

	// NextCycleDelay is the activity-adjusted delay before the next
	// cycle, never negative.
	NextCycleDelay time.Duration `json:"next_cycle_delay"`
}

// Status is a read-only snapshot of one monitored session.
type Status struct {
	SessionID           string    `json:"session_id"`
	OwnerID             string    `json:"owner_id"`
	CreatedAt           time.Time `json:"created_at"`
	LastUpdated         time.Time `json:"last_updated"`
	AnalysisCycles      int       `json:"analysis_cycles"`
	CurrentQualityScore float64   `json:"current_quality_score"`
	TotalInterventions  int       `json:"total_interventions"`

	// LoopActive reports whether the session's analysis loop is still
	// running.
	LoopActive bool `json:"loop_active"`
}

// Metrics aggregates orchestrator-wide counters.
type Metrics struct {
	TotalSessions       int64   `json:"total_sessions"`
	TotalAnalysisCycles int64   `json:"total_analysis_cycles"`
	TotalInterventions  int64   `json:"total_interventions"`
	ActiveSessions      int     `json:"active_sessions"`
	AverageQualityScore float64 `json:"average_quality_score"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
}

// InterventionCallback receives one triggered gate result. An error is
// logged and does not affect other callbacks or the cycle.
type InterventionCallback func(ctx context.Context, result gates.Result) error

// CycleCallback receives the full result of a completed analysis cycle.
type CycleCallback func(ctx context.Context, result CycleResult) error

// SessionCallback is notified when a session starts or ends.
type SessionCallback func(sessionID, ownerID string)
