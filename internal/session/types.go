package session

import (
	"time"
)

// HistoryEntry is one timestamped conversation update.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Update    map[string]any `json:"update"`
}

// LearnedPattern is an opaque pattern record stamped at learn time.
type LearnedPattern struct {
	LearnedAt time.Time      `json:"learned_at"`
	Data      map[string]any `json:"data"`
}

// CycleSummary is the persisted residue of one analysis cycle. Full cycle
// results are runtime-only; summaries are what survive a restart so cycle
// counts and score history can be resumed.
type CycleSummary struct {
	CycleID            string    `json:"cycle_id"`
	Timestamp          time.Time `json:"timestamp"`
	QualityScore       float64   `json:"quality_score"`
	InterventionsCount int       `json:"interventions_count"`
}

// maxCycleSummaries bounds the per-session analysis history window.
const maxCycleSummaries = 50

// State is the full record of one monitored session.
type State struct {
	// SessionID uniquely identifies the session among active records.
	SessionID string `json:"session_id"`

	// OwnerID identifies the session owner for capacity accounting.
	OwnerID string `json:"owner_id"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	// ConversationContext is the host-supplied opaque context map.
	ConversationContext map[string]any `json:"conversation_context"`

	// ConversationHistory is the append-only log of context deltas.
	ConversationHistory []HistoryEntry `json:"conversation_history"`

	// AnalysisCycles counts completed analysis cycles.
	AnalysisCycles int `json:"analysis_cycles"`

	// AnalysisHistory holds bounded recent cycle summaries.
	AnalysisHistory []CycleSummary `json:"analysis_history"`

	// CurrentQualityScore is the most recent quality score in [0,1].
	CurrentQualityScore float64 `json:"current_quality_score"`

	// TotalInterventions counts interventions surfaced for this session.
	TotalInterventions int `json:"total_interventions"`

	// UserPreferences holds host-managed preference overrides.
	UserPreferences map[string]any `json:"user_preferences"`

	// LearnedPatterns accumulates patterns learned over the session.
	LearnedPatterns []LearnedPattern `json:"learned_patterns"`

	// SensitiveDataFlags tags sensitive data detected in the session.
	SensitiveDataFlags []string `json:"sensitive_data_flags"`

	// PermissionGrants records per-capability user grants.
	PermissionGrants map[string]bool `json:"permission_grants"`
}

// newState creates a session record with initialized collections.
func newState(sessionID, ownerID string, initialContext map[string]any) *State {
	now := time.Now()

	ctx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		ctx[k] = v
	}

	return &State{
		SessionID:           sessionID,
		OwnerID:             ownerID,
		CreatedAt:           now,
		LastUpdated:         now,
		ConversationContext: ctx,
		ConversationHistory: []HistoryEntry{},
		AnalysisHistory:     []CycleSummary{},
		UserPreferences:     map[string]any{},
		LearnedPatterns:     []LearnedPattern{},
		SensitiveDataFlags:  []string{},
		PermissionGrants:    map[string]bool{},
	}
}

// Summary is the listing projection of a stored session.
type Summary struct {
	SessionID           string    `json:"session_id"`
	OwnerID             string    `json:"owner_id"`
	CreatedAt           time.Time `json:"created_at"`
	LastUpdated         time.Time `json:"last_updated"`
	AnalysisCycles      int       `json:"analysis_cycles"`
	CurrentQualityScore float64   `json:"current_quality_score"`
}
