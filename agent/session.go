package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"restaurant-recommender/metrics"
	"restaurant-recommender/utils"
)

// ErrUnknownSession is returned by HandleExisting for ids that were never opened or are closed
var ErrUnknownSession = errors.New("agent: unknown session")

// Session is one conversation. Turns on the same session never overlap.
type Session struct {
	ID string

	turn  sync.Mutex // held for the whole of a turn
	state State

	// guarded by Manager.mu
	ctx      context.Context
	cancel   context.CancelFunc
	lastSeen time.Time
}

// Snapshot returns a copy of the session state. It waits for a running turn to finish.
func (s *Session) Snapshot() State {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.state
}

// Manager keeps sessions keyed by an opaque ID owned by the transport
type Manager struct {
	agent  *Agent
	ttl    time.Duration
	now    func() time.Time
	logger *utils.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a new Manager. Sessions idle for longer than ttl are
// closed by Sweep; a ttl of zero keeps them until Close.
func NewManager(agent *Agent, ttl time.Duration, logger *utils.Logger) *Manager {
	return &Manager{
		agent:    agent,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for id, creating it if needed. An empty id gets a fresh one.
func (m *Manager) Open(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if sess, ok := m.sessions[id]; ok {
		return sess
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{ID: id, ctx: ctx, cancel: cancel, lastSeen: m.now()}
	m.sessions[id] = sess
	metrics.ActiveSessions.Inc()
	m.logger.Debug("Session %s opened", id)
	return sess
}

// Get returns an existing session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Handle runs one turn on session id, opening it if needed. The turn is
// cancelled when ctx is done or the session is reset or closed.
func (m *Manager) Handle(ctx context.Context, id, text string, emit func(Event)) error {
	return m.handle(ctx, m.Open(id), text, emit)
}

// HandleExisting is Handle for transports that own the session lifetime:
// a closed session stays closed.
func (m *Manager) HandleExisting(ctx context.Context, id, text string, emit func(Event)) error {
	sess, ok := m.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return m.handle(ctx, sess, text, emit)
}

func (m *Manager) handle(ctx context.Context, sess *Session, text string, emit func(Event)) error {
	m.mu.Lock()
	base := sess.ctx
	sess.lastSeen = m.now()
	m.mu.Unlock()

	turnCtx, cancel := context.WithCancel(base)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	sess.turn.Lock()
	defer sess.turn.Unlock()
	if err := turnCtx.Err(); err != nil {
		return err
	}
	return m.agent.HandleTurn(turnCtx, &sess.state, text, emit)
}

// Reset cancels any running turn of id and clears its state
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		sess.cancel()
		sess.ctx, sess.cancel = context.WithCancel(context.Background())
		sess.lastSeen = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.turn.Lock()
	sess.state = State{}
	sess.turn.Unlock()
	m.logger.Debug("Session %s reset", id)
}

// Close cancels in-flight work of id and forgets it
func (m *Manager) Close(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	metrics.ActiveSessions.Dec()
	m.logger.Debug("Session %s closed", id)
}

// Sweep closes sessions idle for longer than the ttl and returns how many it closed
func (m *Manager) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var idle []string
	for id, sess := range m.sessions {
		if sess.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.Close(id)
	}
	if len(idle) > 0 {
		m.logger.Info("Closed %d idle sessions", len(idle))
	}
	return len(idle)
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll cancels every session
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}
