package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stockhold:lease:"

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease: lease на SET NX PX с токеном владельца.
type RedisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLease создаёт lease с именем name; ttl ограничивает время удержания,
// если владелец упал и не вызвал Release.
func NewRedisLease(client *redis.Client, name string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    keyPrefix + name,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire возвращает true, если lease получен этим владельцем.
func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Release освобождает lease, если он ещё наш. Чужой lease не трогается.
func (l *RedisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Key возвращает ключ lease в Redis.
func (l *RedisLease) Key() string {
	return l.key
}
