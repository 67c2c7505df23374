package missions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

const (
	defaultCatalogCacheSize = 128
	defaultCatalogCacheTTL  = 15 * time.Minute

	catalogPartition = "CATALOG"
)

type cachedTemplates struct {
	templates []Template
	loadedAt  time.Time
}

type catalogRow struct {
	Tasks []Template `json:"tasks"`
}

// Catalog serves the task templates missions are assigned from. Templates
// are cached for ttl since they change only through Set.
type Catalog struct {
	store kv.Store
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewCatalog(store kv.Store, cacheSize int, ttl time.Duration) *Catalog {
	if cacheSize <= 0 {
		cacheSize = defaultCatalogCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCatalogCacheTTL
	}
	cache, _ := lru.New(cacheSize)
	return &Catalog{store: store, cache: cache, ttl: ttl, now: time.Now}
}

func catalogKey(w Window) kv.Key {
	return kv.Key{Partition: catalogPartition, Sort: string(w)}
}

// Templates returns the templates of a window, empty when none are stored.
func (c *Catalog) Templates(ctx context.Context, w Window) ([]Template, error) {
	if _, err := ParseWindow(string(w)); err != nil {
		return nil, err
	}
	if cached, ok := c.cache.Get(w); ok {
		entry := cached.(cachedTemplates)
		if c.now().Sub(entry.loadedAt) < c.ttl {
			return entry.templates, nil
		}
		c.cache.Remove(w)
	}

	item, err := c.store.Get(ctx, catalogKey(w))
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	var row catalogRow
	if item != nil {
		if err := kv.UnmarshalItem(item, &row); err != nil {
			return nil, fmt.Errorf("failed to decode catalog: %w", err)
		}
	}
	c.cache.Add(w, cachedTemplates{templates: row.Tasks, loadedAt: c.now()})
	return row.Tasks, nil
}

// Set replaces the templates of a window. Missions already assigned keep
// the tasks they were created with.
func (c *Catalog) Set(ctx context.Context, w Window, templates []Template) error {
	if _, err := ParseWindow(string(w)); err != nil {
		return err
	}
	seen := make(map[string]bool, len(templates))
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[string(t.TaskType)] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.TaskType)
		}
		seen[string(t.TaskType)] = true
	}

	item, err := kv.MarshalItem(catalogRow{Tasks: templates})
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, catalogKey(w), item); err != nil {
		return fmt.Errorf("failed to store catalog: %w", err)
	}
	c.cache.Remove(w)

	slog.Info("Mission catalog updated",
		slog.String("type", "economy"),
		slog.String("window", string(w)),
		slog.Int("templates", len(templates)))
	return nil
}
