package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "erpsync:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares leases between replicas through Redis SET NX.
type RedisLocker struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(host string, port int, password string, db int, logger *zap.Logger) (*RedisLocker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis for pass leases", zap.String("addr", addr))
	return NewRedisLockerWithClient(client, logger), nil
}

func NewRedisLockerWithClient(client redis.UniversalClient, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	token := uuid.New().String()
	full := keyPrefix + key

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to take lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("Failed to release lease", zap.String("key", key), zap.Error(err))
			return err
		}
		return nil
	}, true, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
