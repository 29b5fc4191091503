package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/storage"
	"ABIAgent-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Greeting opens every session.
const Greeting = "Hello, how can I assist you?"

// AgentLookup resolves the agent behind a session.
type AgentLookup interface {
	Get(ctx context.Context, id int64) (*storage.Agent, error)
}

// Manager owns the in-memory sessions. Nothing is persisted.
type Manager struct {
	agents AgentLookup

	mu       sync.RWMutex
	sessions map[string]*Session
	log      *slog.Logger
}

// NewManager creates a manager. When agents is non-nil, sessions can only be
// opened for registered agents.
func NewManager(agents AgentLookup) *Manager {
	return &Manager{
		agents:   agents,
		sessions: make(map[string]*Session),
		log:      logger.Named("chat"),
	}
}

// Create opens a session "<agentId>-<suffix>" seeded with the greeting.
func (m *Manager) Create(ctx context.Context, agentID string, wallet Wallet) (*Session, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentId is required")
	}
	if m.agents != nil {
		id, err := strconv.ParseInt(agentID, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("agentId %q is not numeric", agentID))
		}
		if _, err := m.agents.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s := newSession(agentID+"-"+suffix, agentID, wallet)
	s.AppendMessage(SenderAssistant, Greeting)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.log.Info("chat session opened", slog.String("session_id", s.id), slog.String("agent_id", agentID))
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	return s, nil
}

// Delete drops a session and closes its subscribers.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	s.close()
	m.log.Info("chat session closed", slog.String("session_id", id))
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
