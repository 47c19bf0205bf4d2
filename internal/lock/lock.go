// Package lock provides a Redis-backed lock that keeps two migrations from
// settling the same table at once.
//
// The lock is a single key set with SET NX and a random token. Release and
// Extend only act while the key still holds that token, so a run whose lock
// expired cannot remove a lock taken over by another run.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another run holds the lock.
var ErrHeld = errors.New("lock: held by another run")

// ErrLost is returned by Extend when the lock expired or was taken over.
var ErrLost = errors.New("lock: no longer held")

// DefaultTTL is the lifetime of an unextended lock.
const DefaultTTL = 5 * time.Minute

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// commander is the part of the Redis API a lock uses.
type commander interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Client acquires locks on a Redis server.
type Client struct {
	rdb commander
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, rawURL string) (*Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("lock: connect to redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewClient wraps an existing Redis client.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key returns the lock key guarding table.
func Key(table string) string {
	return "cdnmigrate:lock:" + table
}

// Lock is a held lock.
type Lock struct {
	rdb   redis.Scripter
	key   string
	token string
	ttl   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Acquire takes the lock named key for ttl. It does not wait: if the key
// is held it returns ErrHeld.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	return &Lock{rdb: c.rdb, key: key, token: token, ttl: ttl}, nil
}

// Token returns the value stored under the lock key.
func (l *Lock) Token() string {
	return l.token
}

// Extend resets the lock's TTL.
func (l *Lock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: extend %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

// KeepAlive extends the lock every ttl/3 until Release is called or ctx is
// done. onLost is called once if an extension fails.
func (l *Lock) KeepAlive(ctx context.Context, onLost func(error)) {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				if err := l.Extend(ctx); err != nil {
					if onLost != nil && ctx.Err() == nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
}

// Release stops any keep-alive and deletes the key if this lock still owns
// it.
func (l *Lock) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		if l.stop != nil {
			close(l.stop)
			<-l.done
		}
	})

	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	return nil
}
