package matchreg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/reversi-bot/internal/obslog"
)

// Registry guarantees a match is played by at most one bot process.
type Registry interface {
	Claim(ctx context.Context, matchID, owner string) (bool, error)
	Release(ctx context.Context, matchID, owner string) error
	Close() error
}

var ErrInvalidArgs = errors.New("matchreg: match id and owner are required")

// a WATCH conflict means another writer touched the key; re-read it
const claimRetries = 3

func keyClaim(matchID string) string { return "reversi:claim:" + strings.TrimSpace(matchID) }

// RedisRegistry stores claims as keys with a TTL so a crashed owner's
// claims eventually expire.
type RedisRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, ttl: ttl}
}

// Dial connects to redisURL and pings it.
func Dial(ctx context.Context, redisURL string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, ttl), nil
}

// Claim takes matchID for owner. Re-claiming a match the owner already
// holds refreshes its TTL. The read and the write share one WATCH
// transaction.
func (r *RedisRegistry) Claim(ctx context.Context, matchID, owner string) (bool, error) {
	if strings.TrimSpace(matchID) == "" || strings.TrimSpace(owner) == "" {
		return false, ErrInvalidArgs
	}
	key := keyClaim(matchID)
	var claimed bool
	var holder string
	claim := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		holder = cur
		if cur != "" && cur != owner {
			claimed = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, owner, r.ttl)
			return nil
		})
		claimed = err == nil
		return err
	}
	var err error
	for attempt := 0; attempt < claimRetries; attempt++ {
		if err = r.rdb.Watch(ctx, claim, key); !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", matchID, err)
	}
	if !claimed {
		obslog.L().Info("match_claim_taken", zap.String("match_id", matchID), zap.String("holder", holder))
	}
	return claimed, nil
}

// Release drops the claim only while owner still holds it.
func (r *RedisRegistry) Release(ctx context.Context, matchID, owner string) error {
	key := keyClaim(matchID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("release %s: %w", matchID, err)
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}

// MemoryRegistry is the process-local registry used without Redis.
type MemoryRegistry struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemory() *MemoryRegistry { return &MemoryRegistry{owners: make(map[string]string)} }

func (m *MemoryRegistry) Claim(_ context.Context, matchID, owner string) (bool, error) {
	if strings.TrimSpace(matchID) == "" || strings.TrimSpace(owner) == "" {
		return false, ErrInvalidArgs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.owners[matchID]; ok && cur != owner {
		return false, nil
	}
	m.owners[matchID] = owner
	return true, nil
}

func (m *MemoryRegistry) Release(_ context.Context, matchID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[matchID] == owner {
		delete(m.owners, matchID)
	}
	return nil
}

func (m *MemoryRegistry) Close() error { return nil }
