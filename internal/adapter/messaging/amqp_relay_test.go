package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

type published struct {
	key  string
	body []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	out   []published
	err   error
	block chan struct{}
}

func (f *fakePublisher) Publish(ctx context.Context, key string, body []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, published{key: key, body: body})
	return nil
}

func (f *fakePublisher) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.out...)
}

func TestRelay_PublishesWithTenantRoutingKey(t *testing.T) {
	pub := &fakePublisher{}
	relay := NewAMQPRelay(pub, RelayConfig{Workers: 2, QueueSize: 10}, zap.NewNop())
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	relay.now = func() time.Time { return fixed }
	relay.Start()

	require.NoError(t, relay.NotifyStockUpdate(context.Background(), "t1", domain.StockUpdate{ProductID: "p1", NewStock: 3}))
	require.NoError(t, relay.NotifyStockUpdate(context.Background(), "t2", domain.StockUpdate{ProductID: "p2", NewStock: 0}))
	relay.Close()

	msgs := pub.messages()
	require.Len(t, msgs, 2)

	byKey := map[string]StockEvent{}
	for _, m := range msgs {
		var ev StockEvent
		require.NoError(t, json.Unmarshal(m.body, &ev))
		byKey[m.key] = ev
	}
	assert.Equal(t, StockEvent{TenantID: "t1", ProductID: "p1", NewStock: 3, OccurredAt: fixed}, byKey["stock.updated.t1"])
	assert.Equal(t, StockEvent{TenantID: "t2", ProductID: "p2", NewStock: 0, OccurredAt: fixed}, byKey["stock.updated.t2"])
}

func TestRelay_DropsWhenQueueFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	relay := NewAMQPRelay(pub, RelayConfig{Workers: 1, QueueSize: 1}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, relay.NotifyStockUpdate(ctx, "t1", domain.StockUpdate{ProductID: "p1"}))
	assert.ErrorIs(t, relay.NotifyStockUpdate(ctx, "t1", domain.StockUpdate{ProductID: "p2"}), ErrRelayQueueFull)

	relay.Start()
	close(pub.block)
	relay.Close()
	assert.Len(t, pub.messages(), 1)
}

func TestRelay_PublishErrorsAreIsolated(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	relay := NewAMQPRelay(pub, RelayConfig{Workers: 1, QueueSize: 4}, zap.NewNop())
	relay.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, relay.NotifyStockUpdate(context.Background(), "t1", domain.StockUpdate{ProductID: "p", NewStock: i}))
	}
	relay.Close()
	assert.Empty(t, pub.messages())
}

func TestRelay_ClosedRejects(t *testing.T) {
	relay := NewAMQPRelay(&fakePublisher{}, RelayConfig{}, zap.NewNop())
	relay.Start()
	relay.Close()
	relay.Close()

	err := relay.NotifyStockUpdate(context.Background(), "t1", domain.StockUpdate{ProductID: "p"})
	assert.ErrorIs(t, err, ErrRelayClosed)
}

func TestRelay_ConcurrentNotifyAndClose(t *testing.T) {
	relay := NewAMQPRelay(&fakePublisher{}, RelayConfig{Workers: 4, QueueSize: 8}, zap.NewNop())
	relay.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				relay.NotifyStockUpdate(context.Background(), "t1", domain.StockUpdate{ProductID: "p", NewStock: j})
			}
		}()
	}
	relay.Close()
	wg.Wait()
}
