package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// RedisConfig holds the redis cache tier settings.
type RedisConfig struct {
	URL       string        // redis://[:password@]host:port/db
	Namespace string        // key prefix, e.g. "coachnote:"
	TTL       time.Duration // zero keeps values until deleted
	MaxIdle   int
}

// Redis is a cache tier shared by every process pointing at the same server.
type Redis struct {
	pool      *redis.Pool
	namespace string
	ttl       time.Duration
}

// NewRedis creates a pooled redis backend. The connection is verified lazily.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis storage: empty url")
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 4
	}
	pool := &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, cfg.URL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return &Redis{pool: pool, namespace: cfg.Namespace, ttl: cfg.TTL}, nil
}

// Close releases pooled connections.
func (r *Redis) Close() error {
	return r.pool.Close()
}

func (r *Redis) key(k string) string { return r.namespace + k }

func (r *Redis) conn(ctx context.Context) (redis.Conn, error) {
	return r.pool.GetContext(ctx)
}

func (r *Redis) Save(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := []interface{}{r.key(key), value}
	if r.ttl > 0 {
		args = append(args, "PX", r.ttl.Milliseconds())
	}
	if _, err := redis.DoContext(c, ctx, "SET", args...); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis save failed")
		return err
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, bool) {
	c, err := r.conn(ctx)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis connection failed")
		return nil, false
	}
	defer c.Close()

	data, err := redis.Bytes(redis.DoContext(c, ctx, "GET", r.key(key)))
	if err != nil {
		if !errors.Is(err, redis.ErrNil) {
			log.Warn().Err(err).Str("key", key).Msg("Redis load failed")
		}
		return nil, false
	}
	return data, true
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = redis.DoContext(c, ctx, "DEL", r.key(key))
	return err
}

// List walks the keyspace with SCAN so large caches do not block the server.
func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	seen := make(map[string]struct{})
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(c, ctx, "SCAN", cursor, "MATCH", r.key(prefix)+"*", "COUNT", 100))
		if err != nil {
			return nil, err
		}
		if len(values) != 2 {
			return nil, errors.New("redis storage: unexpected SCAN reply")
		}
		cursor, err = redis.Int(values[0], nil)
		if err != nil {
			return nil, err
		}
		keys, err := redis.Strings(values[1], nil)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k[len(r.namespace):]] = struct{}{}
		}
		if cursor == 0 {
			break
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Redis) Exists(ctx context.Context, key string) bool {
	c, err := r.conn(ctx)
	if err != nil {
		return false
	}
	defer c.Close()
	n, err := redis.Int(redis.DoContext(c, ctx, "EXISTS", r.key(key)))
	return err == nil && n > 0
}
