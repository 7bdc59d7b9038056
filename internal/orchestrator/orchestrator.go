package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
	"github.com/fyrsmithlabs/qualityd/internal/config"
	"github.com/fyrsmithlabs/qualityd/internal/gates"
	"github.com/fyrsmithlabs/qualityd/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/qualityd/internal/orchestrator"

// loopHandle tracks one session's analysis goroutine.
type loopHandle struct {
	ownerID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Orchestrator runs one cooperative analysis loop per monitored session:
// analyze the conversation, evaluate quality gates, dispatch triggered
// results to callbacks, record the cycle, and sleep an activity-adjusted
// delay.
type Orchestrator struct {
	config    *config.OrchestratorConfig
	manager   *session.Manager
	evaluator *gates.Evaluator
	analyzer  analysis.Analyzer
	logger    *zap.Logger

	tracer              trace.Tracer
	cycleCounter        metric.Int64Counter
	interventionCounter metric.Int64Counter

	totalSessions      atomic.Int64
	totalCycles        atomic.Int64
	totalInterventions atomic.Int64

	mu        sync.Mutex
	state     State
	startedAt time.Time
	loops     map[string]*loopHandle

	interventionCallbacks []InterventionCallback
	cycleCallbacks        []CycleCallback
	startedCallbacks      []SessionCallback
	endedCallbacks        []SessionCallback
}

// New creates an orchestrator over the given components. Call Initialize
// before starting sessions.
func New(cfg *config.OrchestratorConfig, manager *session.Manager, evaluator *gates.Evaluator, analyzer analysis.Analyzer, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:    cfg,
		manager:   manager,
		evaluator: evaluator,
		analyzer:  analyzer,
		logger:    logger,
		state:     StateInactive,
		loops:     make(map[string]*loopHandle),
	}

	o.tracer = otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)
	var err error
	o.cycleCounter, err = meter.Int64Counter(
		"qualityd.orchestrator.cycles_total",
		metric.WithDescription("Total number of completed analysis cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		logger.Warn("failed to create cycle counter", zap.Error(err))
	}
	o.interventionCounter, err = meter.Int64Counter(
		"qualityd.orchestrator.interventions_total",
		metric.WithDescription("Total number of dispatched intervention suggestions"),
		metric.WithUnit("{intervention}"),
	)
	if err != nil {
		logger.Warn("failed to create intervention counter", zap.Error(err))
	}

	return o
}

// Initialize brings up the analyzer and session manager and transitions
// to Active. Any component failure wraps ErrComponentInit and leaves the
// orchestrator in the terminal Error state.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateInactive {
		return fmt.Errorf("cannot initialize from state %s", o.state)
	}

	if err := o.analyzer.Initialize(ctx); err != nil {
		o.state = StateError
		return fmt.Errorf("analyzer: %w: %w", ErrComponentInit, err)
	}
	if err := o.manager.Initialize(); err != nil {
		o.state = StateError
		return fmt.Errorf("session manager: %w: %w", ErrComponentInit, err)
	}

	o.state = StateActive
	o.startedAt = time.Now()

	o.logger.Info("orchestrator started",
		zap.Duration("analysis_interval", o.config.AnalysisInterval()),
		zap.Int("max_concurrent_sessions", o.config.MaxConcurrentSessions),
	)
	return nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OnIntervention registers a callback invoked, in registration order, for
// every triggered gate result.
func (o *Orchestrator) OnIntervention(fn InterventionCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interventionCallbacks = append(o.interventionCallbacks, fn)
}

// OnCycleComplete registers a callback invoked after every analysis cycle.
func (o *Orchestrator) OnCycleComplete(fn CycleCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycleCallbacks = append(o.cycleCallbacks, fn)
}

// OnSessionStarted registers a callback invoked when monitoring begins.
func (o *Orchestrator) OnSessionStarted(fn SessionCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startedCallbacks = append(o.startedCallbacks, fn)
}

// OnSessionEnded registers a callback invoked when monitoring stops.
func (o *Orchestrator) OnSessionEnded(fn SessionCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endedCallbacks = append(o.endedCallbacks, fn)
}

// StartSession creates a session and spawns its analysis loop, returning
// the generated session ID.
//
// Returns ErrNotActive before Initialize or after Shutdown, and
// session.ErrCapacityExceeded when MaxConcurrentSessions loops are already
// running. The per-owner limit is enforced inside the manager.
func (o *Orchestrator) StartSession(ctx context.Context, ownerID string, initialContext map[string]any) (string, error) {
	sessionID := uuid.NewString()

	// The loop outlives the caller's context; StopSession and Shutdown
	// cancel it.
	loopCtx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{ownerID: ownerID, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.state != StateActive {
		o.mu.Unlock()
		cancel()
		return "", ErrNotActive
	}
	if len(o.loops) >= o.config.MaxConcurrentSessions {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("at limit %d: %w", o.config.MaxConcurrentSessions, session.ErrCapacityExceeded)
	}
	// Reserve the slot before releasing the lock so concurrent starts
	// cannot overshoot the global cap.
	o.loops[sessionID] = handle
	started := make([]SessionCallback, len(o.startedCallbacks))
	copy(started, o.startedCallbacks)
	o.mu.Unlock()

	state, err := o.manager.Create(ctx, sessionID, ownerID, initialContext)
	if err != nil {
		cancel()
		close(handle.done)
		o.releaseLoop(sessionID, handle)
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	o.totalSessions.Add(1)
	go o.runLoop(loopCtx, state, handle)

	for _, fn := range started {
		o.invokeSessionCallback("session_started", fn, sessionID, ownerID)
	}

	o.logger.Info("started session monitoring",
		zap.String("session_id", sessionID),
		zap.String("owner_id", ownerID),
	)
	return sessionID, nil
}

// UpdateConversation feeds a context delta into the session. Returns
// false if the session is unknown or the update could not be persisted.
func (o *Orchestrator) UpdateConversation(ctx context.Context, sessionID string, delta map[string]any) bool {
	state, ok := o.manager.Get(ctx, sessionID)
	if !ok {
		return false
	}
	if err := o.manager.UpdateConversation(ctx, state, delta); err != nil {
		o.logger.Warn("failed to apply conversation update",
			zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// SessionStatus returns a snapshot of the session, or false if unknown.
func (o *Orchestrator) SessionStatus(sessionID string) (*Status, bool) {
	state, ok := o.manager.Get(context.Background(), sessionID)
	if !ok {
		return nil, false
	}

	status := &Status{}
	o.manager.View(state, func(s *session.State) {
		status.SessionID = s.SessionID
		status.OwnerID = s.OwnerID
		status.CreatedAt = s.CreatedAt
		status.LastUpdated = s.LastUpdated
		status.AnalysisCycles = s.AnalysisCycles
		status.CurrentQualityScore = s.CurrentQualityScore
		status.TotalInterventions = s.TotalInterventions
	})

	o.mu.Lock()
	handle := o.loops[sessionID]
	o.mu.Unlock()
	if handle != nil {
		select {
		case <-handle.done:
		default:
			status.LoopActive = true
		}
	}
	return status, true
}

// StopSession cancels the session's analysis loop, waits for it to exit
// (bounded by the shutdown grace), and closes the session. Returns false
// for an unknown session.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string) bool {
	o.mu.Lock()
	handle, hadLoop := o.loops[sessionID]
	if hadLoop {
		delete(o.loops, sessionID)
	}
	ended := make([]SessionCallback, len(o.endedCallbacks))
	copy(ended, o.endedCallbacks)
	o.mu.Unlock()

	// Only consult the registry, never the store: a session that was
	// closed or evicted must not come back just to be stopped again.
	state, active := o.manager.Active(sessionID)
	if !hadLoop && !active {
		return false
	}

	ownerID := ""
	if hadLoop {
		ownerID = handle.ownerID
		handle.cancel()
		o.awaitLoop(sessionID, handle)
	}

	if active {
		if ownerID == "" {
			ownerID = state.OwnerID
		}
		if err := o.manager.Close(ctx, state); err != nil {
			o.logger.Warn("failed to close session",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	o.evaluator.Reset(sessionID)

	for _, fn := range ended {
		o.invokeSessionCallback("session_ended", fn, sessionID, ownerID)
	}

	o.logger.Info("stopped session monitoring", zap.String("session_id", sessionID))
	return true
}

// awaitLoop waits for a loop goroutine to finish, bounded by the
// configured grace so a blocked analyzer cannot hang the caller.
func (o *Orchestrator) awaitLoop(sessionID string, handle *loopHandle) {
	grace := o.config.ShutdownGrace()
	if grace <= 0 {
		<-handle.done
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-handle.done:
	case <-timer.C:
		o.logger.Warn("session loop did not stop within grace period",
			zap.String("session_id", sessionID),
			zap.Duration("grace", grace),
		)
	}
}

// Shutdown stops every session loop, drains the manager, and closes the
// analyzer. Every component is attempted even after a failure; any
// failure leaves the orchestrator in the Error state and the first error
// is returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateActive {
		o.mu.Unlock()
		return ErrNotActive
	}
	loops := o.loops
	o.loops = make(map[string]*loopHandle)
	o.mu.Unlock()

	for _, handle := range loops {
		handle.cancel()
	}
	for sessionID, handle := range loops {
		o.awaitLoop(sessionID, handle)
		o.evaluator.Reset(sessionID)
	}

	var firstErr error
	if err := o.manager.Shutdown(ctx); err != nil {
		o.logger.Error("session manager shutdown failed", zap.Error(err))
		firstErr = err
	}
	if err := o.analyzer.Close(); err != nil {
		o.logger.Error("analyzer close failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	o.mu.Lock()
	if firstErr != nil {
		o.state = StateError
	} else {
		o.state = StateInactive
	}
	o.mu.Unlock()

	o.logger.Info("orchestrator stopped", zap.Int("sessions_drained", len(loops)))
	return firstErr
}

// Metrics returns orchestrator-wide aggregates.
func (o *Orchestrator) Metrics() Metrics {
	scores := o.manager.QualityScores()
	var sum float64
	for _, score := range scores {
		sum += score
	}
	var avg float64
	if len(scores) > 0 {
		avg = sum / float64(len(scores))
	}

	o.mu.Lock()
	startedAt := o.startedAt
	o.mu.Unlock()

	var uptime float64
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}

	return Metrics{
		TotalSessions:       o.totalSessions.Load(),
		TotalAnalysisCycles: o.totalCycles.Load(),
		TotalInterventions:  o.totalInterventions.Load(),
		ActiveSessions:      len(scores),
		AverageQualityScore: avg,
		UptimeSeconds:       uptime,
	}
}

// releaseLoop frees the session's concurrency slot. The handle guard
// keeps an exiting loop from removing a slot already reassigned to a
// newer session with the same ID.
func (o *Orchestrator) releaseLoop(sessionID string, handle *loopHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loops[sessionID] == handle {
		delete(o.loops, sessionID)
	}
}

// runLoop is the per-session analysis loop. It exits on cancellation,
// once MaxAnalysisCycles is reached, or when the session leaves the
// registry (closed, evicted, or swept), and frees its concurrency slot
// on the way out.
func (o *Orchestrator) runLoop(ctx context.Context, state *session.State, handle *loopHandle) {
	defer o.releaseLoop(state.SessionID, handle)
	defer close(handle.done)

	var cycles int
	o.manager.View(state, func(s *session.State) {
		cycles = s.AnalysisCycles
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if _, active := o.manager.Active(state.SessionID); !active {
			o.logger.Info("session no longer active, stopping loop",
				zap.String("session_id", state.SessionID),
			)
			return
		}
		if limit := o.config.MaxAnalysisCycles; limit > 0 && cycles >= limit {
			o.logger.Info("session reached analysis cycle limit",
				zap.String("session_id", state.SessionID),
				zap.Int("cycles", cycles),
			)
			return
		}

		delay, ok := o.runCycle(ctx, state)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			// Analyzer failure; wait out the retry delay, or stop when
			// failures are configured fatal.
			if o.config.FatalAnalyzerErrors {
				return
			}
			if !sleepCtx(ctx, o.config.AnalyzerRetryDelay()) {
				return
			}
			continue
		}

		cycles++
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// runCycle performs one analyze/evaluate/dispatch/record pass and returns
// the delay before the next cycle. ok is false when the analyzer failed.
func (o *Orchestrator) runCycle(ctx context.Context, state *session.State) (time.Duration, bool) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.analysis_cycle",
		trace.WithAttributes(attribute.String("session_id", state.SessionID)))
	defer span.End()

	cycleStart := time.Now()

	// Snapshot the record under the registry lock so the analyzer and
	// gate evaluation never race host-driven mutation.
	var (
		recordCopy session.State
		snapshot   map[string]any
	)
	o.manager.View(state, func(s *session.State) {
		recordCopy = *s
		snapshot = make(map[string]any, len(s.ConversationContext))
		for k, v := range s.ConversationContext {
			snapshot[k] = v
		}
	})

	result, err := o.analyzer.Analyze(ctx, snapshot)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("conversation analysis failed",
				zap.String("session_id", state.SessionID), zap.Error(err))
			span.RecordError(err)
		}
		return 0, false
	}

	gateResults := o.evaluator.Evaluate(ctx, result, &recordCopy, gates.EvalConfig{
		InterventionConfidenceThreshold: o.config.InterventionConfidenceThreshold,
	})

	cycleID := uuid.NewString()
	for i := range gateResults {
		gateResults[i].CycleID = cycleID
	}

	o.dispatchInterventions(ctx, gateResults)

	summary := session.CycleSummary{
		CycleID:            cycleID,
		Timestamp:          time.Now(),
		QualityScore:       result.QualityScore,
		InterventionsCount: len(gateResults),
	}
	if err := o.manager.RecordCycle(ctx, state, summary); err != nil {
		o.logger.Warn("failed to record analysis cycle",
			zap.String("session_id", state.SessionID), zap.Error(err))
	}

	o.totalCycles.Add(1)
	o.totalInterventions.Add(int64(len(gateResults)))
	if o.cycleCounter != nil {
		o.cycleCounter.Add(ctx, 1)
	}
	if o.interventionCounter != nil && len(gateResults) > 0 {
		o.interventionCounter.Add(ctx, int64(len(gateResults)))
	}

	delay := adaptiveDelay(o.config.AnalysisInterval(), result.ActivityLevel) - time.Since(cycleStart)
	if delay < 0 {
		delay = 0
	}

	o.dispatchCycleComplete(ctx, CycleResult{
		CycleID:        cycleID,
		SessionID:      state.SessionID,
		Timestamp:      summary.Timestamp,
		Analysis:       result,
		GateResults:    gateResults,
		Interventions:  len(gateResults),
		NextCycleDelay: delay,
	})

	return delay, true
}

func (o *Orchestrator) dispatchInterventions(ctx context.Context, results []gates.Result) {
	o.mu.Lock()
	callbacks := make([]InterventionCallback, len(o.interventionCallbacks))
	copy(callbacks, o.interventionCallbacks)
	o.mu.Unlock()

	for _, result := range results {
		for _, fn := range callbacks {
			o.invoke("intervention", result.SessionID, func() error {
				return fn(ctx, result)
			})
		}
	}
}

func (o *Orchestrator) dispatchCycleComplete(ctx context.Context, result CycleResult) {
	o.mu.Lock()
	callbacks := make([]CycleCallback, len(o.cycleCallbacks))
	copy(callbacks, o.cycleCallbacks)
	o.mu.Unlock()

	for _, fn := range callbacks {
		o.invoke("cycle_complete", result.SessionID, func() error {
			return fn(ctx, result)
		})
	}
}

// invoke runs one callback, isolating errors and panics from the loop.
func (o *Orchestrator) invoke(kind, sessionID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("callback panicked",
				zap.String("callback", kind),
				zap.String("session_id", sessionID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(); err != nil {
		o.logger.Warn("callback returned error",
			zap.String("callback", kind),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) invokeSessionCallback(kind string, fn SessionCallback, sessionID, ownerID string) {
	o.invoke(kind, sessionID, func() error {
		fn(sessionID, ownerID)
		return nil
	})
}

// adaptiveDelay shortens the baseline interval for busy sessions.
// Activity is clamped to [1, 2], so the delay is between base/2 and base.
func adaptiveDelay(base time.Duration, activity float64) time.Duration {
	if activity < 1 {
		activity = 1
	} else if activity > 2 {
		activity = 2
	}
	return time.Duration(float64(base) / activity)
}

// sleepCtx sleeps for d, returning false if the context was cancelled
// first. A non-positive d only checks for cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
