package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryAdapter() (*MemoryAdapter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryAdapter()
	m.now = clock.Now
	return m, clock
}

func TestMemoryConsume_FixedWindow(t *testing.T) {
	m, clock := newTestMemoryAdapter()
	ctx := context.Background()

	c, err := m.Consume(ctx, "general:ip", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)
	assert.Equal(t, time.Minute, c.ResetIn)

	clock.Advance(20 * time.Second)
	c, _ = m.Consume(ctx, "general:ip", time.Minute)
	assert.Equal(t, 2, c.Count)
	assert.Equal(t, 40*time.Second, c.ResetIn)

	clock.Advance(40 * time.Second)
	c, _ = m.Consume(ctx, "general:ip", time.Minute)
	assert.Equal(t, 1, c.Count)
}

func TestMemorySweep(t *testing.T) {
	m, clock := newTestMemoryAdapter()
	ctx := context.Background()

	m.Consume(ctx, "a", time.Minute)
	m.Consume(ctx, "b", 5*time.Minute)
	assert.Equal(t, 2, m.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryRun_StopsOnCancel(t *testing.T) {
	m := NewMemoryAdapter()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMemoryConsume_Concurrent(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Consume(ctx, "k", time.Minute)
		}()
	}
	wg.Wait()

	c, _ := m.Consume(ctx, "k", time.Minute)
	assert.Equal(t, 101, c.Count)
}
