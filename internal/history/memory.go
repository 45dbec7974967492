package history

import (
	"context"
	"sync"

	"github.com/sonobridge/sonobridge/pkg/provider/llm"
)

// Memory is an in-process Store. It is the default backend and the right
// choice for single-instance deployments.
type Memory struct {
	limit int

	mu    sync.Mutex
	turns map[string][]llm.Message
}

// NewMemory creates an in-process store retaining up to limit turns per
// session. A non-positive limit falls back to DefaultLimit.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Memory{
		limit: limit,
		turns: make(map[string][]llm.Message),
	}
}

// Append implements Store.
func (m *Memory) Append(ctx context.Context, sessionID string, msg llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append(m.turns[sessionID], msg)
	if len(turns) > m.limit {
		turns = turns[len(turns)-m.limit:]
	}
	m.turns[sessionID] = turns
	return nil
}

// Recent implements Store.
func (m *Memory) Recent(ctx context.Context, sessionID string) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[sessionID]
	out := make([]llm.Message, len(turns))
	copy(out, turns)
	return out, nil
}

// Clear implements Store.
func (m *Memory) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

// Ensure Memory implements Store at compile time.
var _ Store = (*Memory)(nil)
