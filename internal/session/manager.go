package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/qualityd/internal/session"

// ManagerConfig configures session lifecycle policy.
type ManagerConfig struct {
	// SessionTimeout is the idle duration after which a session is swept.
	SessionTimeout time.Duration

	// CleanupInterval is how often the background sweep runs.
	CleanupInterval time.Duration

	// MaxSessionsPerOwner caps concurrently active sessions per owner.
	MaxSessionsPerOwner int

	// EvictOnOwnerLimit closes the owner's oldest session when the cap is
	// reached. When false, Create fails with ErrCapacityExceeded instead.
	EvictOnOwnerLimit bool
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		SessionTimeout:      60 * time.Minute,
		CleanupInterval:     10 * time.Minute,
		MaxSessionsPerOwner: 5,
		EvictOnOwnerLimit:   true,
	}
}

// Manager owns the authoritative map of active sessions.
//
// One mutex guards the map and all record mutation, so owner counts and
// record presence are always observed consistently during eviction, and
// per-cycle mutations are atomic with respect to concurrent readers.
type Manager struct {
	config *ManagerConfig
	store  Store
	logger *zap.Logger

	createdCounter metric.Int64Counter
	evictedCounter metric.Int64Counter
	sweptCounter   metric.Int64Counter

	mu     sync.Mutex
	active map[string]*State

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a session manager backed by the given store.
func NewManager(cfg *ManagerConfig, store Store, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config: cfg,
		store:  store,
		logger: logger,
		active: make(map[string]*State),
	}
	m.initMetrics()

	return m, nil
}

func (m *Manager) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	m.createdCounter, err = meter.Int64Counter(
		"qualityd.sessions.created_total",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create session counter", zap.Error(err))
	}

	m.evictedCounter, err = meter.Int64Counter(
		"qualityd.sessions.evicted_total",
		metric.WithDescription("Total number of sessions evicted at the owner capacity limit"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create eviction counter", zap.Error(err))
	}

	m.sweptCounter, err = meter.Int64Counter(
		"qualityd.sessions.swept_total",
		metric.WithDescription("Total number of expired sessions closed by the sweep"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create sweep counter", zap.Error(err))
	}
}

// Initialize starts the background expiry sweep. Idempotent start is an
// error, matching scheduler semantics elsewhere in the codebase.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("session manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.sweepLoop(m.stopCh, m.doneCh)

	m.logger.Info("session manager started",
		zap.Duration("session_timeout", m.config.SessionTimeout),
		zap.Duration("cleanup_interval", m.config.CleanupInterval),
	)
	return nil
}

func (m *Manager) sweepLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			swept := m.SweepExpired(context.Background(), m.config.SessionTimeout)
			if swept > 0 {
				m.logger.Info("swept expired sessions", zap.Int("count", swept))
			}
		}
	}
}

// Create registers a new session and persists its initial record.
//
// Returns ErrDuplicateSession if the ID is already active. When the owner
// is at MaxSessionsPerOwner, the owner's oldest session (by LastUpdated,
// ties by CreatedAt) is closed first — or ErrCapacityExceeded is returned
// if eviction is disabled. Eviction happens synchronously inside this
// call so it is deterministic from the caller's point of view.
func (m *Manager) Create(ctx context.Context, sessionID, ownerID string, initialContext map[string]any) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[sessionID]; exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrDuplicateSession)
	}

	if m.config.MaxSessionsPerOwner > 0 {
		owned := m.ownedLocked(ownerID)
		if len(owned) >= m.config.MaxSessionsPerOwner {
			if !m.config.EvictOnOwnerLimit {
				return nil, fmt.Errorf("owner %s at limit %d: %w",
					ownerID, m.config.MaxSessionsPerOwner, ErrCapacityExceeded)
			}
			oldest := oldestSession(owned)
			if err := m.closeLocked(ctx, oldest); err != nil {
				m.logger.Warn("failed to persist evicted session",
					zap.String("session_id", oldest.SessionID), zap.Error(err))
			}
			if m.evictedCounter != nil {
				m.evictedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("owner_id", ownerID)))
			}
			m.logger.Info("evicted oldest session at owner limit",
				zap.String("owner_id", ownerID),
				zap.String("evicted_session_id", oldest.SessionID),
			)
		}
	}

	state := newState(sessionID, ownerID, initialContext)
	m.active[sessionID] = state

	if err := m.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}

	if m.createdCounter != nil {
		m.createdCounter.Add(ctx, 1)
	}
	m.logger.Info("created session",
		zap.String("session_id", sessionID),
		zap.String("owner_id", ownerID),
	)
	return state, nil
}

// ownedLocked returns the owner's active sessions. Caller holds m.mu.
func (m *Manager) ownedLocked(ownerID string) []*State {
	var owned []*State
	for _, s := range m.active {
		if s.OwnerID == ownerID {
			owned = append(owned, s)
		}
	}
	return owned
}

func oldestSession(sessions []*State) *State {
	oldest := sessions[0]
	for _, s := range sessions[1:] {
		if s.LastUpdated.Before(oldest.LastUpdated) ||
			(s.LastUpdated.Equal(oldest.LastUpdated) && s.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = s
		}
	}
	return oldest
}

// Get returns the active session, falling back to the store on a miss.
// A stored record is promoted back into the active map, so a session can
// be resumed transparently after a restart.
func (m *Manager) Get(ctx context.Context, sessionID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.active[sessionID]; ok {
		return state, true
	}

	state, err := m.store.Load(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("failed to load session from store",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}

	m.active[sessionID] = state
	m.logger.Info("resumed session from store", zap.String("session_id", sessionID))
	return state, true
}

// Active returns the in-memory record for an active session. Unlike Get
// it never falls back to the store, so a closed or evicted session stays
// closed.
func (m *Manager) Active(sessionID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.active[sessionID]
	return state, ok
}

// UpdateConversation merges a context delta, appends it to the history,
// and persists the record.
func (m *Manager) UpdateConversation(ctx context.Context, state *State, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range delta {
		state.ConversationContext[k] = v
	}

	update := make(map[string]any, len(delta))
	for k, v := range delta {
		update[k] = v
	}
	state.ConversationHistory = append(state.ConversationHistory, HistoryEntry{
		Timestamp: time.Now(),
		Update:    update,
	})
	state.LastUpdated = time.Now()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to persist conversation update: %w", err)
	}
	return nil
}

// UpdatePreferences merges preference overrides into the record.
func (m *Manager) UpdatePreferences(ctx context.Context, state *State, prefs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range prefs {
		state.UserPreferences[k] = v
	}
	state.LastUpdated = time.Now()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to persist preference update: %w", err)
	}
	return nil
}

// AddLearnedPattern appends a pattern record stamped at learn time.
func (m *Manager) AddLearnedPattern(ctx context.Context, state *State, pattern map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.LearnedPatterns = append(state.LearnedPatterns, LearnedPattern{
		LearnedAt: time.Now(),
		Data:      pattern,
	})
	state.LastUpdated = time.Now()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to persist learned pattern: %w", err)
	}
	return nil
}

// FlagSensitiveData tags the session with a sensitive-data flag. Adding a
// flag the session already carries is a no-op.
func (m *Manager) FlagSensitiveData(ctx context.Context, state *State, flag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range state.SensitiveDataFlags {
		if existing == flag {
			return nil
		}
	}
	state.SensitiveDataFlags = append(state.SensitiveDataFlags, flag)
	state.LastUpdated = time.Now()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to persist sensitive data flag: %w", err)
	}
	return nil
}

// RecordCycle applies one analysis cycle's mutations as a single atomic
// step: cycle count, clamped quality score, bounded history append, and
// intervention total. This is the loop's only mutation point, so a
// cancellation mid-cycle never leaves a partial update.
//
// A cycle for a session that has since been closed, evicted, or swept is
// dropped without persisting, so a finished record cannot be overwritten
// by a straggling loop.
func (m *Manager) RecordCycle(ctx context.Context, state *State, summary CycleSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[state.SessionID]; !ok || current != state {
		return nil
	}

	state.AnalysisCycles++
	score := summary.QualityScore
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	state.CurrentQualityScore = score
	state.TotalInterventions += summary.InterventionsCount

	state.AnalysisHistory = append(state.AnalysisHistory, summary)
	if len(state.AnalysisHistory) > maxCycleSummaries {
		state.AnalysisHistory = state.AnalysisHistory[len(state.AnalysisHistory)-maxCycleSummaries:]
	}
	state.LastUpdated = time.Now()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to persist analysis cycle: %w", err)
	}
	return nil
}

// Close persists the final record and removes it from the active map.
// Closing a session that is already absent is a no-op success: recoverable
// absence is not fatal.
func (m *Manager) Close(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[state.SessionID]; !ok {
		return nil
	}
	return m.closeLocked(ctx, state)
}

// closeLocked saves and removes a session. Caller holds m.mu. The record
// leaves the map even when the final save fails, so a broken store cannot
// pin sessions in memory; the error is surfaced to the caller.
func (m *Manager) closeLocked(ctx context.Context, state *State) error {
	delete(m.active, state.SessionID)

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to persist closing session %s: %w", state.SessionID, err)
	}

	m.logger.Info("closed session", zap.String("session_id", state.SessionID))
	return nil
}

// SweepExpired closes every active session idle longer than timeout and
// returns the number closed.
func (m *Manager) SweepExpired(ctx context.Context, timeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var expired []*State
	for _, s := range m.active {
		if s.LastUpdated.Before(cutoff) {
			expired = append(expired, s)
		}
	}

	closed := 0
	for _, s := range expired {
		if err := m.closeLocked(ctx, s); err != nil {
			m.logger.Warn("failed to persist expired session",
				zap.String("session_id", s.SessionID), zap.Error(err))
		}
		closed++
	}
	if m.sweptCounter != nil && closed > 0 {
		m.sweptCounter.Add(ctx, int64(closed))
	}
	return closed
}

// View runs fn with the registry lock held, giving callers a consistent
// read of a record without racing the mutating calls. fn must not call
// back into the manager.
func (m *Manager) View(state *State, fn func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(state)
}

// ActiveCount returns the number of active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CountForOwner returns the owner's active session count.
func (m *Manager) CountForOwner(ownerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ownedLocked(ownerID))
}

// ActiveSessions returns a snapshot of the active records.
func (m *Manager) ActiveSessions() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*State, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}

// QualityScores returns sessionID → current quality score for all active
// sessions, read consistently under the registry lock.
func (m *Manager) QualityScores() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.active))
	for id, s := range m.active {
		out[id] = s.CurrentQualityScore
	}
	return out
}

// Shutdown stops the sweep and persists every active session best-effort:
// one failed save does not prevent attempting the rest. The first error
// encountered is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.running = false
		close(m.stopCh)
	}
	doneCh := m.doneCh
	m.mu.Unlock()

	if doneCh != nil {
		<-doneCh
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, s := range m.active {
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Error("failed to persist session during shutdown",
				zap.String("session_id", s.SessionID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.active = make(map[string]*State)

	m.logger.Info("session manager stopped")
	return firstErr
}
