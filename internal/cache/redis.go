// Package cache keeps driver posts in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/ntouber/carpool-backend/post"
)

const (
	keyPrefix     = "carpool:post:"
	versionPrefix = "carpool:post-version:"
	generationKey = "carpool:post-generation"
)

// versionTTL bounds how long an invalidation stamp outlives its write.
// It only has to cover the slowest database read behind a fill.
const versionTTL = 24 * time.Hour

type PostCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewPostCache(client *redis.Client, ttl time.Duration) *PostCache {
	return &PostCache{client: client, ttl: ttl}
}

func key(id string) string { return keyPrefix + id }

func versionKey(id string) string { return versionPrefix + id }

func (c *PostCache) Get(ctx context.Context, id string) (post.DriverPost, error) {
	b, err := c.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return post.DriverPost{}, post.ErrCacheMiss
	}
	if err != nil {
		return post.DriverPost{}, err
	}
	var p post.DriverPost
	if err := json.Unmarshal(b, &p); err != nil {
		return post.DriverPost{}, err
	}
	return p, nil
}

// Version returns the invalidation stamp of id combined with the flush
// generation. Missing counters read as zero.
func (c *PostCache) Version(ctx context.Context, id string) (string, error) {
	return version(ctx, c.client, id)
}

type mgetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func version(ctx context.Context, r mgetter, id string) (string, error) {
	vals, err := r.MGet(ctx, versionKey(id), generationKey).Result()
	if err != nil {
		return "", err
	}
	stamp := func(v any) string {
		if s, ok := v.(string); ok {
			return s
		}
		return "0"
	}
	return stamp(vals[0]) + "/" + stamp(vals[1]), nil
}

// Set caches p only while its version still matches. A Delete or Flush that
// lands between Version and Set makes it a no-op.
func (c *PostCache) Set(ctx context.Context, p post.DriverPost, want string) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		got, err := version(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if got != want {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(p.ID), b, c.ttl)
			return nil
		})
		return err
	}, versionKey(p.ID), generationKey)
	if errors.Is(err, errStale) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

var errStale = errors.New("post version changed")

// Delete drops the cached post and bumps its version so in-flight fills
// started before the write are discarded.
func (c *PostCache) Delete(ctx context.Context, id string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(id))
		pipe.Expire(ctx, versionKey(id), versionTTL)
		pipe.Del(ctx, key(id))
		return nil
	})
	return err
}

// Flush drops every cached post. Bumping the generation first keeps fills
// already in flight from repopulating the cache.
func (c *PostCache) Flush(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return err
	}
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
