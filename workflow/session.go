package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/internal/metrics"
	"github.com/BaSui01/queryflow/types"
)

// Session is one live query execution. Its state is owned by exactly one
// engine loop at a time; the manager's lock guards only the session's
// bookkeeping (status, checkpoint, cancel func), never the state while a
// loop is running.
type Session struct {
	ID         string
	Mode       types.InteractionMode
	mu         sync.Mutex
	state      *types.State
	status     Status
	checkpoint *Checkpoint
	cancel     context.CancelFunc
}

// Status returns the session's current execution status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a clone of the session state for read-only use.
func (s *Session) Snapshot() *types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	return s.state.Clone()
}

// PendingCheckpoint returns the checkpoint the session is suspended at,
// or nil when it is not suspended.
func (s *Session) PendingCheckpoint() *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// SessionManager tracks concurrent query sessions. Sessions are fully
// isolated: each has its own state and budgets; the only thing they share
// is the engine and its read-only collaborators.
type SessionManager struct {
	engine  *Engine
	logger  *zap.Logger
	metrics *metrics.Collector

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager around an engine.
func NewSessionManager(engine *Engine, collector *metrics.Collector, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		engine:   engine,
		logger:   logger.With(zap.String("component", "session_manager")),
		metrics:  collector,
		sessions: make(map[string]*Session),
	}
}

// Start creates a session for a query and begins streaming execution.
// The returned channel closes when the execution stops (terminal,
// suspended, or cancelled); consult the session status afterwards.
func (m *SessionManager) Start(ctx context.Context, query string, mode types.InteractionMode) (*Session, <-chan Event, error) {
	if query == "" {
		return nil, nil, types.NewError(types.ErrInvalidRequest, "query must not be empty")
	}
	sess := &Session{
		ID:     uuid.New().String(),
		Mode:   mode,
		state:  m.engine.NewState(query, mode),
		status: StatusInitialized,
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.metrics.SessionStarted()
	m.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("mode", string(mode)),
	)
	return sess, m.launch(ctx, sess, false), nil
}

// launch runs the engine in a goroutine, forwarding events and recording
// the terminal status on the session.
func (m *SessionManager) launch(ctx context.Context, sess *Session, resume bool) <-chan Event {
	runCtx, cancel := context.WithCancel(ctx)

	sess.mu.Lock()
	sess.status = StatusRunning
	sess.checkpoint = nil
	sess.cancel = cancel
	state := sess.state
	sess.mu.Unlock()

	var inner <-chan Event
	if resume {
		inner = m.engine.Resume(runCtx, sess.ID, state)
	} else {
		inner = m.engine.Stream(runCtx, sess.ID, state)
	}

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		defer cancel()
		last := StatusFailed
		for ev := range inner {
			switch ev.Type {
			case EventHITLRequest:
				sess.mu.Lock()
				sess.status = StatusSuspended
				sess.checkpoint = ev.Checkpoint
				sess.mu.Unlock()
				last = StatusSuspended
			case EventFinal:
				last = ev.Status
			case EventCancelled:
				last = StatusCancelled
			}
			select {
			case out <- ev:
			case <-runCtx.Done():
				// The consumer stopped reading. Keep draining inner so
				// the terminal status still lands on the session.
			}
		}
		sess.mu.Lock()
		sess.status = last
		sess.mu.Unlock()
		m.logger.Info("session run finished",
			zap.String("session_id", sess.ID),
			zap.String("status", string(last)),
		)
	}()
	return out
}

// Feedback applies a review feedback payload to a suspended session and,
// when the feedback changed the state, resumes execution. The returned
// channel is nil when nothing was applied (duplicate delivery).
func (m *SessionManager) Feedback(ctx context.Context, sessionID string, payload types.FeedbackPayload) (<-chan Event, *FeedbackOutcome, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}

	sess.mu.Lock()
	if sess.status != StatusSuspended {
		sess.mu.Unlock()
		return nil, nil, types.NewError(types.ErrNoPendingReview, "session is not awaiting feedback").WithHTTPStatus(409)
	}
	cp := sess.checkpoint
	state := sess.state
	sess.mu.Unlock()

	if cp != nil && payload.CheckpointID != "" && payload.CheckpointID != cp.ID {
		return nil, nil, types.NewError(types.ErrInvalidFeedback, "feedback references a stale checkpoint")
	}

	outcome, err := m.engine.Checkpoints().ApplyFeedback(ctx, state, payload)
	if err != nil {
		return nil, nil, err
	}
	if !outcome.Applied {
		return nil, outcome, nil
	}
	m.metrics.RecordFeedback(string(payload.Action))
	if cp != nil {
		m.engine.Checkpoints().Discard(ctx, cp.ID)
	}
	return m.launch(ctx, sess, true), outcome, nil
}

// ResumeCheckpoint rebuilds a session from a persisted checkpoint, used
// for cross-process resume after the original process is gone.
func (m *SessionManager) ResumeCheckpoint(ctx context.Context, checkpointID string) (*Session, error) {
	cp, err := m.engine.Checkpoints().Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:         cp.SessionID,
		Mode:       cp.State.InteractionMode,
		state:      cp.State.Clone(),
		status:     StatusSuspended,
		checkpoint: cp,
	}
	m.mu.Lock()
	if _, exists := m.sessions[sess.ID]; exists {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrSessionActive, "session is already live in this process")
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.metrics.SessionStarted()
	m.logger.Info("session rebuilt from checkpoint",
		zap.String("session_id", sess.ID),
		zap.String("checkpoint_id", cp.ID),
	)
	return sess, nil
}

// Cancel signals a running session to stop at its next yield point.
func (m *SessionManager) Cancel(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.logger.Info("session cancellation requested", zap.String("session_id", sessionID))
	return nil
}

// Get returns a live session by ID.
func (m *SessionManager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.ErrSessionNotFound, "unknown session: "+sessionID).WithHTTPStatus(404)
	}
	return sess, nil
}

// Remove drops a finished session from the manager.
func (m *SessionManager) Remove(sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		m.metrics.SessionEnded()
	}
}

// Count returns the number of tracked sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
