package cache

import (
	"sync"

	"github.com/roach88/streamtable/internal/value"
)

// Handle holds at most one item at a time, for callers that re-issue a
// request as its parameters change. Setting new parameters acquires
// the new item before releasing the old one, so re-setting the same
// parameters never evicts.
type Handle struct {
	cache *FunctionCache

	mu   sync.Mutex
	item *CacheItem
}

// NewHandle returns an empty handle.
func (c *FunctionCache) NewHandle() *Handle {
	return &Handle{cache: c}
}

// Set points the handle at the item for params.
func (h *Handle) Set(params value.Object) (*CacheItem, error) {
	it, err := h.cache.GetItem(params)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	prev := h.item
	h.item = it
	h.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
	return it, nil
}

// Item returns the held item, or nil.
func (h *Handle) Item() *CacheItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.item
}

// Release drops the held item.
func (h *Handle) Release() {
	h.mu.Lock()
	prev := h.item
	h.item = nil
	h.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
}
