package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// PoolSize bounds the client's own connection pool. It must be at least
	// the capacity of any Pool dialling from this store, since every pooled
	// Conn pins one client connection.
	PoolSize int
}

// Redis is a Redis-backed document store.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to Redis and verifies the connection with a PING.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:        opts.PoolSize,
		ConnMaxIdleTime: 5 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Close closes the underlying client and all of its connections.
func (s *Redis) Close() error {
	return s.client.Close()
}

// Dial pins a dedicated client connection.
func (s *Redis) Dial(ctx context.Context) (Conn, error) {
	c := s.client.Conn()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return &redisConn{conn: c}, nil
}

type redisConn struct {
	conn *redis.Conn
}

func (c *redisConn) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.conn.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (c *redisConn) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if err := c.conn.Set(ctx, key, value, expiry).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (c *redisConn) Delete(ctx context.Context, key string) error {
	if err := c.conn.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (c *redisConn) Close() error {
	return c.conn.Close()
}
