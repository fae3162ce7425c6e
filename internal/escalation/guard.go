// Package escalation runs the periodic SLA sweep. A Guard keeps sweeps from
// overlapping, either inside one process or across replicas through Redis.
package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard admits at most one sweep at a time. When ok is false the caller must
// skip this run; release is only non-nil when ok is true.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalGuard serialises sweeps within one process.
type LocalGuard struct {
	mu sync.Mutex
}

func (g *LocalGuard) TryAcquire(context.Context) (func(), bool, error) {
	if !g.mu.TryLock() {
		return nil, false, nil
	}
	return g.mu.Unlock, true, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard holds a SET NX lease so that one replica sweeps at a time. The
// lease expires after TTL if its holder dies mid-sweep.
type RedisGuard struct {
	Client redis.UniversalClient
	Key    string
	TTL    time.Duration
}

func NewRedisGuard(client redis.UniversalClient, key string, ttl time.Duration) *RedisGuard {
	if key == "" {
		key = "govtech:escalation-sweep"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGuard{Client: client, Key: key, TTL: ttl}
}

func (g *RedisGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := g.Client.SetNX(ctx, g.Key, token, g.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lease %s: %w", g.Key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// A lease that fails to release still expires after TTL.
		_ = releaseScript.Run(ctx, g.Client, []string{g.Key}, token).Err()
	}
	return release, true, nil
}

// NewRedisClient builds a client from the escalation.redis settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
