package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/voxhall/relayd/pkg/store"
)

// MemoryCache is the in-process fallback used when Redis is not configured.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemory(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, profileID string) (*store.Customization, bool, error) {
	v, ok := m.c.Get(customizationKey(profileID))
	if !ok {
		return nil, false, nil
	}
	c, _ := v.(*store.Customization)
	return c, true, nil
}

func (m *MemoryCache) Set(_ context.Context, profileID string, c *store.Customization) error {
	m.c.SetDefault(customizationKey(profileID), c)
	return nil
}

func (m *MemoryCache) Invalidate(_ context.Context, profileID string) error {
	m.c.Delete(customizationKey(profileID))
	return nil
}

func (m *MemoryCache) Close() error {
	return nil
}
