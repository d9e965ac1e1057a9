package connector

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/ibkr-orchestrator/internal/constant"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/redis/go-redis/v9"
)

const defaultClientIDLeaseTTL = 30 * time.Second

var (
	ErrLeaseNotHeld = errors.New("client id lease is not held")
)

// ClientIDLease keeps two processes from opening gateway sessions with the same
// client id, which the gateway would reject.
type ClientIDLease interface {
	Acquire(ctx context.Context, config entity.ConnectionConfig) (bool, error)
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

var (
	refreshLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)
)

type RedisClientIDLease struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
	key    string
}

func NewRedisClientIDLease(client *redis.Client, ttl time.Duration) *RedisClientIDLease {
	if ttl <= 0 {
		ttl = defaultClientIDLeaseTTL
	}

	return &RedisClientIDLease{
		client: client,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}
}

func (l *RedisClientIDLease) Owner() string {
	return l.owner
}

func (l *RedisClientIDLease) Acquire(ctx context.Context, config entity.ConnectionConfig) (bool, error) {
	key := constant.GetClientIDLeaseKey(config.Host, config.Port, config.ClientID)

	acquired, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}

	if acquired {
		l.key = key
	}

	return acquired, nil
}

func (l *RedisClientIDLease) Refresh(ctx context.Context) error {
	if l.key == "" {
		return ErrLeaseNotHeld
	}

	res, err := refreshLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return err
	}
	if res == 0 {
		return ErrLeaseNotHeld
	}

	return nil
}

func (l *RedisClientIDLease) Release(ctx context.Context) error {
	if l.key == "" {
		return nil
	}

	_, err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	l.key = ""
	return nil
}
