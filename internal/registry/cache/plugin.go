package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/soulsync/soulsync-server/internal/model"
)

// LatestMemoryCache caches the newest memory snapshot per account so the
// hot fetch-latest path can skip the store. Implementations must tolerate
// unavailability: a cache miss or error only means falling through to the
// store.
type LatestMemoryCache interface {
	Available() bool
	Get(ctx context.Context, accountID string) (*model.Memory, error)
	Set(ctx context.Context, accountID string, memory model.Memory, ttl time.Duration) error
	Invalidate(ctx context.Context, accountID string) error
}

// Loader creates a LatestMemoryCache from config.
type Loader func(ctx context.Context) (LatestMemoryCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}

type cacheContextKey struct{}

// WithContext returns a context carrying the given cache so store loaders
// can pick it up.
func WithContext(ctx context.Context, c LatestMemoryCache) context.Context {
	return context.WithValue(ctx, cacheContextKey{}, c)
}

// FromContext retrieves the cache from the context, or nil.
func FromContext(ctx context.Context) LatestMemoryCache {
	c, _ := ctx.Value(cacheContextKey{}).(LatestMemoryCache)
	return c
}
