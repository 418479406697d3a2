package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

type memoryWindow struct {
	count     int
	expiresAt time.Time
}

// MemoryAdapter is a process-local fixed-window counter. It backs the
// admission controller while the shared store is unreachable.
type MemoryAdapter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

func (m *MemoryAdapter) Consume(_ context.Context, key string, window time.Duration) (domain.Consumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &memoryWindow{expiresAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++

	return domain.Consumption{Count: w.count, ResetIn: w.expiresAt.Sub(now)}, nil
}

// Sweep drops expired windows and returns how many were removed.
func (m *MemoryAdapter) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, w := range m.windows {
		if !now.Before(w.expiresAt) {
			delete(m.windows, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *MemoryAdapter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *MemoryAdapter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
