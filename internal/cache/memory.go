package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-process store bounded by entry count, with entries
// expiring a fixed time after they were written.
type Memory struct {
	c *otter.Cache[string, []byte]
}

// NewMemory creates a Memory store.
func NewMemory(maxEntries int, ttl time.Duration) (*Memory, error) {
	c, err := otter.New(&otter.Options[string, []byte]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	return m.c.GetIfPresent(keyPrefix + key)
}

func (m *Memory) Set(_ context.Context, key string, value []byte) {
	m.c.Set(keyPrefix+key, value)
}

func (m *Memory) Close() error {
	m.c.InvalidateAll()
	return nil
}
