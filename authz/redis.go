package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKey     = "herald:management_groups"
	defaultTimeout = 2 * time.Second
)

// RedisSource reads the management allow-list from a redis set, so operators
// can grant or revoke write-tool access without restarting the daemon.
type RedisSource struct {
	client  *goredis.Client
	key     string
	timeout time.Duration
}

type RedisOption func(*RedisSource)

func WithKey(key string) RedisOption {
	return func(s *RedisSource) {
		if strings.TrimSpace(key) != "" {
			s.key = strings.TrimSpace(key)
		}
	}
}

func WithTimeout(timeout time.Duration) RedisOption {
	return func(s *RedisSource) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithClient(client *goredis.Client) RedisOption {
	return func(s *RedisSource) {
		if client != nil {
			s.client = client
		}
	}
}

func NewRedisSource(addr string, opts ...RedisOption) (*RedisSource, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &RedisSource{
		key:     defaultKey,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{Addr: addr})
	}
	return s, nil
}

func (s *RedisSource) Load(ctx context.Context) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis source is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	groups, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load allow-list from redis: %w", err)
	}
	return groups, nil
}

func (s *RedisSource) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
