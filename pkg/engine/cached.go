package engine

import (
	"context"
	"sync"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

// CachedCatalog memoises the read-only catalog of an engine. Conversions are
// always forwarded. Failed lookups are not cached.
type CachedCatalog struct {
	inner domain.Engine

	mu        sync.RWMutex
	targets   []domain.Target
	formats   map[string][]domain.Format
	pipelines map[string][]domain.PipelineInfo
}

// NewCachedCatalog wraps inner.
func NewCachedCatalog(inner domain.Engine) *CachedCatalog {
	return &CachedCatalog{
		inner:     inner,
		formats:   make(map[string][]domain.Format),
		pipelines: make(map[string][]domain.PipelineInfo),
	}
}

// Unwrap returns the wrapped engine.
func (c *CachedCatalog) Unwrap() domain.Engine {
	return c.inner
}

func (c *CachedCatalog) Targets(ctx context.Context) ([]domain.Target, error) {
	c.mu.RLock()
	cached := c.targets
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	targets, err := c.inner.Targets(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.targets = targets
	c.mu.Unlock()
	return targets, nil
}

func (c *CachedCatalog) Formats(ctx context.Context, target string) ([]domain.Format, error) {
	c.mu.RLock()
	cached, ok := c.formats[target]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	formats, err := c.inner.Formats(ctx, target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.formats[target] = formats
	c.mu.Unlock()
	return formats, nil
}

func (c *CachedCatalog) Pipelines(ctx context.Context, target string) ([]domain.PipelineInfo, error) {
	c.mu.RLock()
	cached, ok := c.pipelines[target]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	pipelines, err := c.inner.Pipelines(ctx, target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pipelines[target] = pipelines
	c.mu.Unlock()
	return pipelines, nil
}

func (c *CachedCatalog) Convert(ctx context.Context, req domain.ConvertRequest) ([]string, error) {
	return c.inner.Convert(ctx, req)
}
