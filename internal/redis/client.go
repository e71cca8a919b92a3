package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/syncplay/config"
	"github.com/redis/go-redis/v9"
)

const membersTTL = 24 * time.Hour

// Mirror copies session membership into Redis sets so that member counts are
// visible across relay instances. The in-process registry stays authoritative.
type Mirror struct {
	client *redis.Client
}

// Connect opens the Redis client and checks it with a PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewMirror(client), nil
}

// NewMirror wraps an existing client.
func NewMirror(client *redis.Client) *Mirror {
	return &Mirror{client: client}
}

func (m *Mirror) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

func membersKey(code string) string {
	return "room:" + code + ":peers"
}

func (m *Mirror) MemberJoined(ctx context.Context, code, id string) error {
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, membersKey(code), id)
	pipe.Expire(ctx, membersKey(code), membersTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Mirror) MemberLeft(ctx context.Context, code, id string) error {
	return m.client.SRem(ctx, membersKey(code), id).Err()
}

func (m *Mirror) SessionClosed(ctx context.Context, code string) error {
	return m.client.Del(ctx, membersKey(code)).Err()
}

func (m *Mirror) MemberCount(ctx context.Context, code string) (int, error) {
	n, err := m.client.SCard(ctx, membersKey(code)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
