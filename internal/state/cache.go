package state

import (
	"context"

	"snippet-sync/internal/models"
	"snippet-sync/pkg/logger"
)

// Cache is the ephemeral document cache. Writes are unconditional
// overwrites; the last write observed wins.
type Cache struct {
	store Store
}

func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// Get returns nil when the room has no pending edits or the cache is unreachable.
func (c *Cache) Get(ctx context.Context, room string) *models.CodeState {
	doc, err := c.store.GetDocument(ctx, room)
	if err != nil {
		logger.Error("[State] get document room=%s: %v", room, err)
		return nil
	}
	if doc == nil {
		return nil
	}
	return &doc.State
}

// Set reports whether the write reached the store.
func (c *Cache) Set(ctx context.Context, room string, s models.CodeState) bool {
	if err := c.store.SetDocument(ctx, room, s); err != nil {
		logger.Error("[State] set document room=%s: %v", room, err)
		return false
	}
	return true
}

func (c *Cache) Clear(ctx context.Context, room string) {
	if err := c.store.ClearDocument(ctx, room); err != nil {
		logger.Error("[State] clear document room=%s: %v", room, err)
	}
}
