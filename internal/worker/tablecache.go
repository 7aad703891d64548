package worker

import (
	"context"
	"sync"
	"time"

	"github.com/whonion/MidnightMiner/internal/engine"

	"go.uber.org/zap"
)

// TableCache shares built challenge tables across worker slots. Tables are
// keyed by seed; at most two are retained, the current challenge's and the
// previous one's, so a challenge rollover never evicts a table a slot is
// still searching.
type TableCache struct {
	eng    engine.Engine
	size   int
	logger *zap.Logger

	mu       sync.Mutex
	current  *engine.Table
	previous *engine.Table
}

func NewTableCache(eng engine.Engine, size int, logger *zap.Logger) *TableCache {
	return &TableCache{eng: eng, size: size, logger: logger}
}

// Get returns the table for a seed, building it if necessary. The build
// runs under the cache lock so concurrent slots wanting the same seed wait
// for one build instead of racing their own.
func (c *TableCache) Get(ctx context.Context, seed string) (*engine.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.Seed() == seed {
		return c.current, nil
	}
	if c.previous != nil && c.previous.Seed() == seed {
		return c.previous, nil
	}

	start := time.Now()
	t, err := c.eng.BuildTable(ctx, engine.Params{Seed: seed, TableSize: c.size})
	if err != nil {
		return nil, err
	}
	c.logger.Info("challenge table built",
		zap.Int("words", c.size),
		zap.Duration("took", time.Since(start)),
	)
	c.previous = c.current
	c.current = t
	return t, nil
}
