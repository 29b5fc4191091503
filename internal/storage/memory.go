package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAgentRepository 在进程内保存 Agent，适合开发与测试。
type MemoryAgentRepository struct {
	mu     sync.RWMutex
	nextID int64
	agents map[int64]Agent
	now    func() time.Time
}

// NewMemoryAgentRepository 创建一个空仓库。
func NewMemoryAgentRepository() *MemoryAgentRepository {
	return &MemoryAgentRepository{agents: make(map[int64]Agent), now: time.Now}
}

func (m *MemoryAgentRepository) Create(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	agent.ID = m.nextID
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = m.now().UTC()
	}
	m.agents[agent.ID] = *agent
	return nil
}

func (m *MemoryAgentRepository) UpdateCodeSnippet(_ context.Context, id int64, snippet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return NotFound(id)
	}
	agent.CodeSnippet = snippet
	m.agents[id] = agent
	return nil
}

func (m *MemoryAgentRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return NotFound(id)
	}
	delete(m.agents, id)
	return nil
}

func (m *MemoryAgentRepository) Get(_ context.Context, id int64) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, NotFound(id)
	}
	return &agent, nil
}

// ListByDeveloper 按创建顺序返回该开发者的全部 Agent。
func (m *MemoryAgentRepository) ListByDeveloper(_ context.Context, developerID string) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0)
	for _, agent := range m.agents {
		if agent.DeveloperID == developerID {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryAgentRepository) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.agents)), nil
}

func (m *MemoryAgentRepository) Close() error { return nil }
