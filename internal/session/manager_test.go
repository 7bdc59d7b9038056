package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, cfg *ManagerConfig) (*Manager, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	m, err := NewManager(cfg, store, zap.NewNop())
	require.NoError(t, err)
	return m, store
}

func TestManagerCreateDuplicate(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)

	_, err = m.Create(ctx, "sess-1", "owner-1", nil)
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestManagerCreateCopiesInitialContext(t *testing.T) {
	m, _ := newTestManager(t, nil)

	initial := map[string]any{"domain": "support"}
	state, err := m.Create(context.Background(), "sess-1", "owner-1", initial)
	require.NoError(t, err)

	initial["domain"] = "mutated"
	assert.Equal(t, "support", state.ConversationContext["domain"])
}

func TestManagerOwnerLimitEvictsOldest(t *testing.T) {
	m, store := newTestManager(t, &ManagerConfig{
		SessionTimeout:      time.Hour,
		CleanupInterval:     time.Hour,
		MaxSessionsPerOwner: 2,
		EvictOnOwnerLimit:   true,
	})
	ctx := context.Background()

	s1, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "sess-2", "owner-1", nil)
	require.NoError(t, err)

	// Make sess-1 clearly the oldest.
	m.View(s1, func(s *State) {
		s.LastUpdated = time.Now().Add(-time.Minute)
	})

	_, err = m.Create(ctx, "sess-3", "owner-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, m.CountForOwner("owner-1"))
	ids := map[string]bool{}
	for _, s := range m.ActiveSessions() {
		ids[s.SessionID] = true
	}
	assert.False(t, ids["sess-1"], "oldest session should have been evicted")
	assert.True(t, ids["sess-2"])
	assert.True(t, ids["sess-3"])

	// The evicted record was persisted on close.
	_, err = store.Load(ctx, "sess-1")
	assert.NoError(t, err)
}

func TestManagerOwnerLimitWithoutEviction(t *testing.T) {
	m, _ := newTestManager(t, &ManagerConfig{
		SessionTimeout:      time.Hour,
		CleanupInterval:     time.Hour,
		MaxSessionsPerOwner: 1,
		EvictOnOwnerLimit:   false,
	})
	ctx := context.Background()

	_, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)

	_, err = m.Create(ctx, "sess-2", "owner-1", nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// A different owner is unaffected.
	_, err = m.Create(ctx, "sess-3", "owner-2", nil)
	assert.NoError(t, err)
}

func TestManagerGetPromotesFromStore(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	state, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, state))
	assert.Equal(t, 0, m.ActiveCount())

	got, ok := m.Get(ctx, "sess-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManagerActiveDoesNotPromote(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	state, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)

	got, ok := m.Active("sess-1")
	require.True(t, ok)
	assert.Same(t, state, got)

	require.NoError(t, m.Close(ctx, state))

	// The record is persisted, but Active must not pull it back in.
	_, ok = m.Active("sess-1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.ActiveCount())

	// Get still promotes; Active is the registry-only view.
	_, ok = m.Get(ctx, "sess-1")
	assert.True(t, ok)
}

func TestManagerGetUnknown(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, ok := m.Get(context.Background(), "nope")
	assert.False(t, ok)
}

func TestManagerUpdateConversation(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	state, err := m.Create(ctx, "sess-1", "owner-1", map[string]any{"domain": "support"})
	require.NoError(t, err)
	before := state.LastUpdated

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.UpdateConversation(ctx, state, map[string]any{"topic": "refunds"}))

	m.View(state, func(s *State) {
		assert.Equal(t, "support", s.ConversationContext["domain"])
		assert.Equal(t, "refunds", s.ConversationContext["topic"])
		require.Len(t, s.ConversationHistory, 1)
		assert.Equal(t, "refunds", s.ConversationHistory[0].Update["topic"])
		assert.True(t, s.LastUpdated.After(before))
	})
}

func TestManagerRecordCycleClampsAndBounds(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	state, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.RecordCycle(ctx, state, CycleSummary{
		CycleID: "c1", Timestamp: time.Now(), QualityScore: 1.5, InterventionsCount: 2,
	}))
	m.View(state, func(s *State) {
		assert.Equal(t, 1, s.AnalysisCycles)
		assert.Equal(t, 1.0, s.CurrentQualityScore)
		assert.Equal(t, 2, s.TotalInterventions)
	})

	require.NoError(t, m.RecordCycle(ctx, state, CycleSummary{
		CycleID: "c2", Timestamp: time.Now(), QualityScore: -0.2,
	}))
	m.View(state, func(s *State) {
		assert.Equal(t, 0.0, s.CurrentQualityScore)
	})

	for i := 0; i < maxCycleSummaries+10; i++ {
		require.NoError(t, m.RecordCycle(ctx, state, CycleSummary{QualityScore: 0.5}))
	}
	m.View(state, func(s *State) {
		assert.Len(t, s.AnalysisHistory, maxCycleSummaries)
		assert.Equal(t, maxCycleSummaries+12, s.AnalysisCycles)
	})
}

func TestManagerRecordCycleAfterCloseIsDropped(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()

	state, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.RecordCycle(ctx, state, CycleSummary{QualityScore: 0.5}))
	require.NoError(t, m.Close(ctx, state))

	// A straggling cycle against the closed record neither mutates it nor
	// overwrites the persisted row.
	require.NoError(t, m.RecordCycle(ctx, state, CycleSummary{QualityScore: 0.1}))
	assert.Equal(t, 1, state.AnalysisCycles)

	persisted, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.AnalysisCycles)
	assert.Equal(t, 0.5, persisted.CurrentQualityScore)
}

func TestManagerFlagSensitiveDataDeduplicates(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	state, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.FlagSensitiveData(ctx, state, "pii_detected"))
	require.NoError(t, m.FlagSensitiveData(ctx, state, "pii_detected"))
	require.NoError(t, m.FlagSensitiveData(ctx, state, "credentials"))

	m.View(state, func(s *State) {
		assert.Equal(t, []string{"pii_detected", "credentials"}, s.SensitiveDataFlags)
	})
}

func TestManagerCloseIdempotent(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	state, err := m.Create(ctx, "sess-1", "owner-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, state))
	require.NoError(t, m.Close(ctx, state))

	// The ID can be reused after close.
	_, err = m.Create(ctx, "sess-1", "owner-1", nil)
	assert.NoError(t, err)
}

func TestManagerSweepExpired(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	stale, err := m.Create(ctx, "sess-stale", "owner-1", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "sess-fresh", "owner-1", nil)
	require.NoError(t, err)

	m.View(stale, func(s *State) {
		s.LastUpdated = time.Now().Add(-2 * time.Hour)
	})

	swept := m.SweepExpired(ctx, time.Hour)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManagerInitializeTwice(t *testing.T) {
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.Initialize())
	assert.Error(t, m.Initialize())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerShutdownPersistsActiveSessions(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Initialize())
	for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
		_, err := m.Create(ctx, id, "owner-1", nil)
		require.NoError(t, err)
	}

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.ActiveCount())

	sums, err := store.List(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, sums, 3)
}
