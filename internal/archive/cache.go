package archive

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

// LayoutCache memoizes Inspect results. Keys include the first volume's size
// and modification time, so a rewritten archive is inspected again.
type LayoutCache struct {
	fsys  afero.Fs
	cache *lru.Cache[string, *Layout]
}

// NewLayoutCache creates a cache holding up to size layouts.
func NewLayoutCache(fsys afero.Fs, size int) (*LayoutCache, error) {
	c, err := lru.New[string, *Layout](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create layout cache: %w", err)
	}
	return &LayoutCache{fsys: fsys, cache: c}, nil
}

// Get returns the layout for firstVolume, inspecting it on a miss.
func (c *LayoutCache) Get(ctx context.Context, firstVolume string) (*Layout, error) {
	info, err := c.fsys.Stat(firstVolume)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", firstVolume, err)
	}
	key := fmt.Sprintf("%s|%d|%d", firstVolume, info.Size(), info.ModTime().UnixNano())

	if l, ok := c.cache.Get(key); ok {
		return l, nil
	}

	l, err := Inspect(ctx, c.fsys, firstVolume)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, l)
	return l, nil
}

// Purge drops every cached layout.
func (c *LayoutCache) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached layouts.
func (c *LayoutCache) Len() int {
	return c.cache.Len()
}
