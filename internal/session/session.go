// Package session owns per-user conversation history.
//
// Each session is an ordered list of turns that starts with exactly one
// system turn. Sessions are created on first contact and evicted least
// recently used once the registry is full. At most one exchange per user
// may be in flight: Begin blocks until the previous exchange of the same
// user has been closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nous-labs/questbuddy/internal/llm"
)

const (
	// DefaultMaxTurns is how many non-system turns survive windowing.
	DefaultMaxTurns = 10
	// DefaultMaxSessions bounds the registry.
	DefaultMaxSessions = 1000
)

// ErrNoSession is returned when an assistant turn targets an unknown user.
var ErrNoSession = errors.New("session not found")

// Config configures a Manager.
type Config struct {
	SystemPrompt string
	MaxTurns     int
	MaxSessions  int
}

// Manager is the process-wide session registry.
type Manager struct {
	system   string
	maxTurns int

	mu       sync.Mutex // guards the turn slices
	sessions *lru.Cache[string, *session]

	lockMu sync.Mutex
	locks  map[string]*userLock
}

type session struct {
	turns []llm.Message
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// NewManager creates a session registry.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	cache, err := lru.NewWithEvict(cfg.MaxSessions, func(user string, _ *session) {
		slog.Debug("session evicted", "user", user)
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Manager{
		system:   cfg.SystemPrompt,
		maxTurns: cfg.MaxTurns,
		sessions: cache,
		locks:    make(map[string]*userLock),
	}, nil
}

// MaxTurns returns the configured window size.
func (m *Manager) MaxTurns() int { return m.maxTurns }

// Len returns the number of live sessions.
func (m *Manager) Len() int { return m.sessions.Len() }

// AppendUser pushes a user turn, creating the session if needed.
func (m *Manager) AppendUser(userID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(userID)
	s.turns = append(s.turns, llm.Message{Role: llm.RoleUser, Content: text})
}

// AppendAssistant pushes an assistant turn onto an existing session.
func (m *Manager) AppendAssistant(userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(userID)
	if !ok {
		return fmt.Errorf("append assistant for %s: %w", userID, ErrNoSession)
	}
	s.turns = append(s.turns, llm.Message{Role: llm.RoleAssistant, Content: text})
	return nil
}

// Payload returns the system instruction and a copy of the remaining turns
// in order, ready for the gateway.
func (m *Manager) Payload(userID string) (string, []llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(userID)
	if !ok {
		return m.system, nil
	}
	return payload(s)
}

// Turns returns a copy of the full session including the system turn.
func (m *Manager) Turns(userID string) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Peek(userID)
	if !ok {
		return nil
	}
	out := make([]llm.Message, len(s.turns))
	copy(out, s.turns)
	return out
}

// Window trims the session to the system turn plus the most recent
// maxTurns turns.
func (m *Manager) Window(userID string, maxTurns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions.Peek(userID); ok {
		window(s, maxTurns)
	}
}

// Begin starts an exchange for userID: it waits for any in-flight exchange
// of the same user, then appends the user turn. The caller must Close the
// exchange.
func (m *Manager) Begin(ctx context.Context, userID, text string) (*Exchange, error) {
	l, err := m.acquire(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wait for session %s: %w", userID, err)
	}

	m.mu.Lock()
	s := m.getOrCreate(userID)
	s.turns = append(s.turns, llm.Message{Role: llm.RoleUser, Content: text})
	m.mu.Unlock()

	return &Exchange{m: m, user: userID, s: s, lock: l}, nil
}

// Exchange is one in-flight user/assistant turn pair.
type Exchange struct {
	m    *Manager
	user string
	s    *session
	lock *userLock
	once sync.Once
	done bool
}

// Payload is Manager.Payload for the exchange's session.
func (e *Exchange) Payload() (string, []llm.Message) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return payload(e.s)
}

// Complete appends the assistant reply and re-windows the session. A
// session evicted while the exchange was running is put back.
func (e *Exchange) Complete(reply string) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.s.turns = append(e.s.turns, llm.Message{Role: llm.RoleAssistant, Content: reply})
	window(e.s, e.m.maxTurns)
	e.done = true
	if _, ok := e.m.sessions.Peek(e.user); !ok {
		e.m.sessions.Add(e.user, e.s)
	}
}

// Close releases the user's exchange slot. Closing without Complete keeps
// the user turn in history with no assistant reply, still windowed so
// repeated failures cannot grow the session. Safe to call twice.
func (e *Exchange) Close() {
	e.once.Do(func() {
		e.m.mu.Lock()
		if !e.done {
			window(e.s, e.m.maxTurns)
		}
		e.m.mu.Unlock()
		e.m.release(e.user, e.lock)
	})
}

// getOrCreate must be called with m.mu held.
func (m *Manager) getOrCreate(userID string) *session {
	if s, ok := m.sessions.Get(userID); ok {
		return s
	}
	s := &session{turns: []llm.Message{{Role: llm.RoleSystem, Content: m.system}}}
	m.sessions.Add(userID, s)
	slog.Debug("session created", "user", userID, "sessions", m.sessions.Len())
	return s
}

func payload(s *session) (string, []llm.Message) {
	turns := make([]llm.Message, len(s.turns)-1)
	copy(turns, s.turns[1:])
	return s.turns[0].Content, turns
}

func window(s *session, maxTurns int) {
	if maxTurns < 0 {
		maxTurns = 0
	}
	if len(s.turns) <= 1+maxTurns {
		return
	}
	kept := make([]llm.Message, 0, 1+maxTurns)
	kept = append(kept, s.turns[0])
	kept = append(kept, s.turns[len(s.turns)-maxTurns:]...)
	s.turns = kept
}

func (m *Manager) acquire(ctx context.Context, userID string) (*userLock, error) {
	m.lockMu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		m.locks[userID] = l
	}
	l.refs++
	m.lockMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return l, nil
	case <-ctx.Done():
		m.unref(userID, l)
		return nil, ctx.Err()
	}
}

func (m *Manager) release(userID string, l *userLock) {
	<-l.ch
	m.unref(userID, l)
}

func (m *Manager) unref(userID string, l *userLock) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, userID)
	}
}
