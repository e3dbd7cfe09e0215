package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 4 * 7 * 24 * time.Hour

// enumCache stores mapped enumeration results per org, group or explicit
// repository in the projects namespace so repeated scans of the same target
// skip the provider API.
type enumCache struct {
	client *redis.Client
}

func (c *enumCache) get(ctx context.Context, key string) ([]Repository, bool) {
	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, false
		}
		return nil, false
	}
	var repos []Repository
	if err := json.Unmarshal(data, &repos); err != nil {
		return nil, false
	}
	return repos, true
}

func (c *enumCache) put(ctx context.Context, key string, repos []Repository) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(repos)
	if err != nil {
		return
	}
	c.client.Set(ctx, key, data, cacheTTL)
}

// CacheKeys enumerates the projects-cache namespace for the admin API.
func CacheKeys(ctx context.Context, client *redis.Client) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, "*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
