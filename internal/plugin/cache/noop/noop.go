package noop

import (
	"context"
	"time"

	"github.com/soulsync/soulsync-server/internal/model"
	"github.com/soulsync/soulsync-server/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.LatestMemoryCache, error) {
			return &noopCache{}, nil
		},
	})
}

type noopCache struct{}

func (n *noopCache) Available() bool { return false }
func (n *noopCache) Get(_ context.Context, _ string) (*model.Memory, error) {
	return nil, nil
}
func (n *noopCache) Set(_ context.Context, _ string, _ model.Memory, _ time.Duration) error {
	return nil
}
func (n *noopCache) Invalidate(_ context.Context, _ string) error { return nil }

var _ cache.LatestMemoryCache = (*noopCache)(nil)
