package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLeasePrefix = "promptledger:job:"

// Lease keeps a job from running on more than one instance at a time.
type Lease interface {
	// Acquire returns a release func when the lease was taken. acquired is false when another holder owns it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}

// releaseScript deletes the key only while it still holds this holder's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a SET NX PX lease shared by every instance pointing at the same redis.
type RedisLease struct {
	client    goredis.Cmdable
	keyPrefix string
}

// RedisLeaseOption configures RedisLease.
type RedisLeaseOption func(*RedisLease)

// WithKeyPrefix sets the redis key prefix.
func WithKeyPrefix(prefix string) RedisLeaseOption {
	return func(lease *RedisLease) {
		if prefix != "" {
			lease.keyPrefix = prefix
		}
	}
}

// NewRedisLease returns a lease backed by a connected redis client.
func NewRedisLease(client goredis.Cmdable, options ...RedisLeaseOption) *RedisLease {
	lease := &RedisLease{client: client, keyPrefix: defaultLeasePrefix}
	for _, option := range options {
		option(lease)
	}
	return lease
}

func (lease *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := lease.keyPrefix + name
	token := uuid.NewString()
	acquired, err := lease.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, lease.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// LocalLease is an in-process lease for single-instance deployments.
type LocalLease struct {
	mu      sync.Mutex
	holders map[string]localHolder
	now     func() time.Time
}

type localHolder struct {
	token     string
	expiresAt time.Time
}

// NewLocalLease returns an empty in-process lease.
func NewLocalLease() *LocalLease {
	return &LocalLease{holders: make(map[string]localHolder), now: time.Now}
}

func (lease *LocalLease) Acquire(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	lease.mu.Lock()
	defer lease.mu.Unlock()
	now := lease.now()
	if holder, ok := lease.holders[name]; ok && now.Before(holder.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	lease.holders[name] = localHolder{token: token, expiresAt: now.Add(ttl)}
	release := func() {
		lease.mu.Lock()
		defer lease.mu.Unlock()
		if holder, ok := lease.holders[name]; ok && holder.token == token {
			delete(lease.holders, name)
		}
	}
	return release, true, nil
}
