// Package session issues and validates the opaque tokens that authenticate
// agents on the unified MCP surface.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
)

// tokenBytes is the entropy of a session token before encoding.
const tokenBytes = 32

// Common errors
var (
	ErrExpired = errors.New("session expired")
	ErrUnknown = errors.New("unknown session")
)

// Session binds a token to an agent identity with an expiry.
type Session struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager owns the session table. All access goes through it; tokens are
// compared in constant time.
type Manager struct {
	sessions map[string]*Session // keyed by agent id: one live session per agent
	ttl      time.Duration
	logger   *logger.Logger
	now      func() time.Time

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager with the given token TTL.
func NewManager(ttl time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		now:      time.Now,
	}
}

// Start launches the periodic sweeper that evicts expired sessions.
func (m *Manager) Start() {
	cadence := sweepCadence(m.ttl)

	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopCh == nil {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.stopCh = nil
	m.mu.Unlock()
	m.wg.Wait()
}

// Create issues a fresh token for the agent, replacing any previous session.
func (m *Manager) Create(agentID string) (*Session, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	s := &Session{
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		AgentID:   agentID,
		ExpiresAt: m.now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[agentID] = s
	m.mu.Unlock()

	m.logger.Debug("session created",
		zap.String("agent_id", agentID),
		zap.Time("expires_at", s.ExpiresAt))
	return s, nil
}

// Validate resolves a token to its agent id. The comparison against every
// stored token is constant time; lookups never key on the token itself.
func (m *Manager) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrUnknown
	}
	candidate := []byte(token)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if subtle.ConstantTimeCompare(candidate, []byte(s.Token)) == 1 {
			if m.now().After(s.ExpiresAt) {
				return "", ErrExpired
			}
			return s.AgentID, nil
		}
	}
	return "", ErrUnknown
}

// Revoke drops the session holding the given token, if any.
func (m *Manager) Revoke(token string) {
	candidate := []byte(token)

	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID, s := range m.sessions {
		if subtle.ConstantTimeCompare(candidate, []byte(s.Token)) == 1 {
			delete(m.sessions, agentID)
			m.logger.Debug("session revoked", zap.String("agent_id", agentID))
			return
		}
	}
}

// RevokeAgent drops the agent's session, if any.
func (m *Manager) RevokeAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, agentID)
}

// sweepCadence keeps the sweep interval at most TTL/10. The floor only
// guards against a busy loop on degenerate sub-second TTLs; expiry itself is
// enforced by Validate, the sweep is garbage collection.
func sweepCadence(ttl time.Duration) time.Duration {
	cadence := ttl / 10
	if cadence < 100*time.Millisecond {
		cadence = 100 * time.Millisecond
	}
	return cadence
}

// sweep evicts expired sessions.
func (m *Manager) sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, agentID)
			m.logger.Debug("session expired", zap.String("agent_id", agentID))
		}
	}
}
