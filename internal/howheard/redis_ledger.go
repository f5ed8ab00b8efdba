package howheard

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps processed-event markers in Redis, for deployments that
// want dedup reads off the primary document store. Markers are plain keys
// with no TTL: a marker must outlive any redelivery horizon the platform
// has, so nothing here expires.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(opts *redis.Options) *RedisLedger {
	return &RedisLedger{client: redis.NewClient(opts)}
}

// NewRedisLedgerFromURL parses a redis:// DSN.
func NewRedisLedgerFromURL(url string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis ledger url: %w", err)
	}
	return &RedisLedger{client: redis.NewClient(opts)}, nil
}

func processedKey(companyName string, orderNumber int64) string {
	return "howheard:processed:" + companyName + ":" + strconv.FormatInt(orderNumber, 10)
}

func (l *RedisLedger) HasProcessed(ctx context.Context, companyName string, orderNumber int64) (bool, error) {
	n, err := l.client.Exists(ctx, processedKey(companyName, orderNumber)).Result()
	if err != nil {
		return false, fmt.Errorf("redis ledger exists: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkProcessed(ctx context.Context, companyName string, orderNumber int64) error {
	if err := l.client.Set(ctx, processedKey(companyName, orderNumber), "1", 0).Err(); err != nil {
		return fmt.Errorf("redis ledger set: %w", err)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
