// Package lock provides the single-runner guard used by periodic jobs.
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

// Locker grants at most one holder per key until release or TTL expiry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// Lease releases a held key. Releasing twice is a no-op.
type Lease interface {
	Release(ctx context.Context) error
}

// releaseScript deletes the key only while it still carries our token, so a
// lease that outlived its TTL never drops another holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX PX.
type Redis struct {
	rdb       *redis.Client
	namespace string
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
	// MaxRetries follows go-redis: -1 disables retries.
	MaxRetries int
}

func NewRedis(o RedisOptions) *Redis {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.Namespace == "" {
		o.Namespace = "dmecoord:lock"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
		MaxRetries:   o.MaxRetries,
	})
	return &Redis{rdb: rdb, namespace: o.Namespace}
}

func (r *Redis) key(name string) string {
	return r.namespace + ":" + name
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	if name == "" {
		return nil, false, errors.New("lock name is empty")
	}
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key(name), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: r.rdb, key: r.key(name), token: token}, true, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
	once  sync.Once
	err   error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.err = fmt.Errorf("redis release %s: %w", l.key, err)
		}
	})
	return l.err
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	now  func() time.Time
	held map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal(now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{now: now, held: map[string]localEntry{}}
}

func (l *Local) Acquire(_ context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.held[name]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, false, nil
	}
	entry := localEntry{token: uuid.NewString()}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	l.held[name] = entry
	return &localLease{owner: l, name: name, token: entry.token}, true, nil
}

type localLease struct {
	owner *Local
	name  string
	token string
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.name]; ok && e.token == l.token {
		delete(l.owner.held, l.name)
	}
	return nil
}
