package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TurnLock admits at most one in-flight turn per conversation.
type TurnLock interface {
	// TryAcquire returns ErrTurnInProgress when another turn holds the conversation.
	TryAcquire(ctx context.Context, conversationUID string) (release func(), err error)
}

// MemoryTurnLock is a process-local TurnLock.
type MemoryTurnLock struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewMemoryTurnLock() *MemoryTurnLock {
	return &MemoryTurnLock{active: make(map[string]struct{})}
}

func (l *MemoryTurnLock) TryAcquire(_ context.Context, conversationUID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[conversationUID]; busy {
		return nil, ErrTurnInProgress
	}
	l.active[conversationUID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, conversationUID)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only if it still holds our token, so an expired
// lock that was re-acquired by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTurnLock shares turn locks between server instances.
type RedisTurnLock struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisTurnLockConfig holds the Redis connection configuration.
type RedisTurnLockConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL caps how long a crashed instance can hold a conversation.
	TTL time.Duration
}

// NewRedisTurnLock connects to Redis and verifies the connection.
func NewRedisTurnLock(ctx context.Context, cfg RedisTurnLockConfig) (*RedisTurnLock, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisTurnLockWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisTurnLockWithClient wraps an existing client.
func NewRedisTurnLockWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisTurnLock {
	if keyPrefix == "" {
		keyPrefix = "casechat:turn:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisTurnLock{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (l *RedisTurnLock) TryAcquire(ctx context.Context, conversationUID string) (func(), error) {
	key := l.keyPrefix + conversationUID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire turn lock: %w", err)
	}
	if !ok {
		return nil, ErrTurnInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The request context may already be canceled; releasing must still happen.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				slog.Warn("failed to release turn lock", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}, nil
}

// Close closes the underlying client.
func (l *RedisTurnLock) Close() error {
	return l.client.Close()
}
