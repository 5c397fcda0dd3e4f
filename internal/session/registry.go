package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/bridge"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/metrics"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/protocol"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/transcript"
)

// Config contains configuration for the session manager.
type Config struct {
	// EngineFormat is the format every session's audio is normalized to
	// before it reaches the recognition engine.
	EngineFormat audio.Format

	// DefaultFormat fills INIT fields the client leaves unset.
	DefaultFormat audio.Format

	MaxPromptTokens int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	InboxSize       int
}

func (c Config) withDefaults() Config {
	if c.EngineFormat == (audio.Format{}) {
		c.EngineFormat = audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16}
	}
	if c.DefaultFormat == (audio.Format{}) {
		c.DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16}
	}
	if c.MaxPromptTokens <= 0 {
		c.MaxPromptTokens = transcript.DefaultMaxPromptTokens
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	return c
}

// tombstoneTTL is how long a terminated session's ID stays reserved so a
// late envelope racing the transport close cannot resurrect it.
const tombstoneTTL = 30 * time.Second

// Manager owns the registry of live sessions. Transports hand it decoded
// envelopes and connection-close notifications; everything else happens
// inside the per-session goroutines.
type Manager struct {
	sessions   map[string]*Session
	tombstones map[string]time.Time
	mu         sync.RWMutex

	logger  *slog.Logger
	metrics *metrics.Metrics
	bridge  *bridge.Bridge
	cfg     Config

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its idle-session sweeper.
func NewManager(logger *slog.Logger, b *bridge.Bridge, m *metrics.Metrics, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]time.Time),
		logger:     logger,
		metrics:    m,
		bridge:     b,
		cfg:        cfg.withDefaults(),
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// NewSessionID returns a fresh session identifier for transports that do
// not carry one of their own.
func (m *Manager) NewSessionID() string {
	return uuid.NewString()
}

// HandleEnvelope routes one decoded envelope to its session, creating the
// session on first contact. It is the transport-facing entry point; it never
// blocks longer than the session's inbox admits. The session is returned so
// transports can watch for terminal state; it is nil when the ID belongs to
// a session that already ended.
func (m *Manager) HandleEnvelope(sessionID string, env *protocol.Envelope, sink Sink) *Session {
	s := m.getOrCreate(sessionID, sink)
	if s == nil {
		m.logger.Debug("Envelope for ended session dropped",
			slog.String("session_id", sessionID),
			slog.String("kind", env.Kind),
		)
		return nil
	}
	if !s.post(event{env: env}) {
		m.logger.Debug("Envelope after terminal state ignored",
			slog.String("session_id", sessionID),
			slog.String("kind", env.Kind),
		)
	}
	return s
}

// HandleMalformed reports a message the codec rejected. An established
// session fails with a malformed_envelope fault; without a session the
// error is pushed straight to the transport.
func (m *Manager) HandleMalformed(sessionID string, derr *protocol.DecodeError, sink Sink) {
	m.metrics.RecordDecodeError()

	m.mu.RLock()
	s, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if exists {
		s.post(event{faultCode: derr.Code, faultMsg: derr.Message})
		return
	}

	m.logger.Warn("Malformed message on unknown session",
		slog.String("session_id", sessionID),
		slog.String("error", derr.Message),
	)
	env := protocol.NewErrorEnvelope(sessionID, derr.Code, derr.Message)
	if err := sink.Push(env); err == nil {
		m.metrics.RecordEnvelopeSent(env.Kind)
	}
}

// SessionClosed notifies the session that its transport connection dropped.
// A session that has not reached DONE terminates as failed, without an
// ERROR envelope since nobody is left to read it.
func (m *Manager) SessionClosed(sessionID string) {
	m.mu.RLock()
	s, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if !exists {
		return
	}
	s.post(event{closed: true})
}

// GetSession retrieves an existing session.
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	return s, exists
}

// ActiveSessionCount returns the number of live sessions.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshots returns inspection views of all live sessions, ordered by ID.
func (m *Manager) Snapshots() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stop terminates all sessions and stops the sweeper. It blocks until the
// sweeper has exited.
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager",
		slog.Int("active_sessions", m.ActiveSessionCount()),
	)

	m.cancel()
	<-m.cleanup

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		<-s.Done()
	}

	m.logger.Info("Session manager stopped")
}

func (m *Manager) getOrCreate(sessionID string, sink Sink) *Session {
	m.mu.RLock()
	s, exists := m.sessions[sessionID]
	m.mu.RUnlock()
	if exists {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, exists := m.sessions[sessionID]; exists {
		return s
	}
	if expiry, dead := m.tombstones[sessionID]; dead {
		if time.Now().Before(expiry) {
			return nil
		}
		delete(m.tombstones, sessionID)
	}

	s = newSession(m, sessionID, sink)
	m.sessions[sessionID] = s

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(len(m.sessions))

	m.logger.Info("Created new session",
		slog.String("session_id", sessionID),
	)

	return s
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	if current, exists := m.sessions[s.ID]; !exists || current != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	m.tombstones[s.ID] = time.Now().Add(tombstoneTTL)
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(count)
}

// startCleanupRoutine periodically expires idle sessions.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpiredSessions()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()

	m.mu.Lock()
	for id, expiry := range m.tombstones {
		if now.After(expiry) {
			delete(m.tombstones, id)
		}
	}
	m.mu.Unlock()

	m.mu.RLock()
	var expired []*Session
	for _, s := range m.sessions {
		if time.Since(s.lastActive()) > m.cfg.IdleTimeout {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		m.logger.Info("Expiring idle session",
			slog.String("session_id", s.ID),
			slog.Duration("idle", time.Since(s.lastActive())),
		)
		s.post(event{closed: true})
	}
}
