package port

import (
	"context"
	"time"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

type CounterStore interface {
	// Consume counts one hit against key in a fixed window that starts on the first hit
	Consume(ctx context.Context, key string, window time.Duration) (domain.Consumption, error)
}

// Availability reports whether a backend is believed reachable.
type Availability interface {
	Available() bool
}
