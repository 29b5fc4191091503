// Package lease provides short-lived exclusive locks keyed by string. The
// approval flow holds one per signer and spender so that two flows never
// interleave their reset and approve transactions.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ABIAgent-Chain/internal/config"
	redisstore "ABIAgent-Chain/internal/storage/redis"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = errors.New("lease already held")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Open builds the locker selected by cfg.Driver.
func Open(ctx context.Context, cfg config.LeaseConfig) (Locker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg.Redis.Key), nil
	default:
		return nil, fmt.Errorf("未知的租约驱动: %s", cfg.Driver)
	}
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// Memory is a process-local locker.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

// Acquire takes key for ttl. An expired holder is replaced.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.entries[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{owner: m, key: key, token: token}, nil
}

type memoryLease struct {
	owner *Memory
	key   string
	token string
	once  sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		defer l.owner.mu.Unlock()
		if e, ok := l.owner.entries[l.key]; ok && e.token == l.token {
			delete(l.owner.entries, l.key)
		}
	})
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a locker shared by every daemon pointing at the same server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an established client. Keys are stored under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "abiagent:lease"
	}
	return &Redis{client: client, prefix: prefix}
}

// Acquire uses SET NX PX so the key expires if the holder dies.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	full := r.prefix + ":" + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取 Redis 租约失败: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: r.client, key: full, token: token}, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	once   sync.Once
	err    error
}

// Release deletes the key only if this lease still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.err = fmt.Errorf("释放 Redis 租约失败: %w", err)
		}
	})
	return l.err
}
