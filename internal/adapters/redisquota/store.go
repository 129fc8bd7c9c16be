package redisquota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "tubebroker:quota:"
	// keyTTL outlives one UTC day from any point within it.
	keyTTL            = 48 * time.Hour
	connectionTimeout = 5 * time.Second
)

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

// admitScript increments KEYS[1] only while it is below ARGV[1].
var admitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
}

// Store implements ports.QuotaStore on Redis so several broker processes
// can share one quota.
type Store struct {
	client *redis.Client
}

// NewClient connects and pings Redis.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(day, ip string) string {
	return keyPrefix + day + ":" + ip
}

// Admit runs the check-and-increment script for (ip, day).
func (s *Store) Admit(ctx context.Context, ip, day string, limit int) (bool, error) {
	res, err := admitScript.Run(ctx, s.client, []string{key(day, ip)}, limit, int(keyTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("redis admit: %w", err)
	}
	return res == 1, nil
}

// Prune is a no-op: keys expire on their own.
func (s *Store) Prune(context.Context, string) error {
	return nil
}

// Ping checks connectivity. It backs the quota entry of /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
