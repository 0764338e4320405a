package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Compare-and-delete and compare-and-extend so a lease never touches a lock
// another owner has taken after it expired.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// Redis is a Locker shared by every process pointed at the same server.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

func WithLogger(logger *zap.Logger) RedisOption {
	return func(r *Redis) { r.logger = logger.With(zap.String("component", "lock")) }
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "promptloop:lock:",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to cfg.Addr and checks the connection before use.
func DialRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	opts := []RedisOption{WithLogger(logger)}
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}
	logger.Info("redis lock initialized", zap.String("addr", cfg.Addr))
	return NewRedis(client, opts...), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Shared() bool { return true }

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := newToken()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		r.logger.Error("lock acquire failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("lock acquire failed: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	r.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return &redisLease{r: r, key: key, token: token}, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.r.client, []string{l.r.prefix + l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock refresh failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.r.client, []string{l.r.prefix + l.key}, l.token).Err(); err != nil {
		l.r.logger.Warn("lock release failed", zap.String("key", l.key), zap.Error(err))
		return fmt.Errorf("lock release failed: %w", err)
	}
	l.r.logger.Debug("lock released", zap.String("key", l.key))
	return nil
}
