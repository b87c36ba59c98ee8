package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "collab:lease:"

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease makes one instance the authority for a session. The key holds
// this instance's token and expires unless renewed.
type RedisLease struct {
	client *redis.Client
	token  string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{client: client, token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLease) key(sessionID string) string {
	return keyPrefix + sessionID
}

// Token identifies this instance as a lease holder.
func (l *RedisLease) Token() string {
	return l.token
}

func (l *RedisLease) TTL() time.Duration {
	return l.ttl
}

// Acquire takes the lease, or refreshes it when this instance already holds it.
func (l *RedisLease) Acquire(ctx context.Context, sessionID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(sessionID), l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", sessionID, err)
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx, sessionID)
}

// Renew extends the lease if this instance still holds it.
func (l *RedisLease) Renew(ctx context.Context, sessionID string) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(sessionID)}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease renew %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// Release drops the lease if this instance holds it.
func (l *RedisLease) Release(ctx context.Context, sessionID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(sessionID)}, l.token).Err(); err != nil {
		return fmt.Errorf("lease release %s: %w", sessionID, err)
	}
	return nil
}

// Holder returns the token of the current holder, or "" when the lease is free.
func (l *RedisLease) Holder(ctx context.Context, sessionID string) (string, error) {
	v, err := l.client.Get(ctx, l.key(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
