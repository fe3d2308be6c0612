package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultTTL bounds how long a crashed holder keeps a Redis lock.
const DefaultTTL = 5 * time.Minute

// releaseCmd deletes the lock only while it still holds our token.
// KEYS[1] - lock key
// ARGV[1] - token
var releaseCmd = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Redis is a locker shared by every process using the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets the lock expiry. A resume running longer than the TTL can
// lose its lock, so the TTL must exceed the longest expected resume.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithPrefix sets the key prefix, "flowcore:lock:" by default.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithLogger sets the logger used to report failed releases.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis creates a Redis locker over client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "flowcore:lock:", ttl: DefaultTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock sets the key with SET NX and a random token.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	k := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "acquire lock %s", key).WithCause(err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even when the caller's context is already done.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseCmd.Run(rctx, r.client, []string{k}, token).Err(); err != nil {
				r.logger.WarnContext(rctx, "release lock failed", "key", key, "error", err)
			}
		})
	}, true, nil
}
