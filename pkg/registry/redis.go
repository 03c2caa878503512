package registry

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/redis"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// ListClient is the subset of *goredis.Client the Redis store uses.
type ListClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Rename(ctx context.Context, key, newkey string) *goredis.StatusCmd
}

// Redis keeps one list per pool. Values are the 32 raw address bytes.
type Redis struct {
	client ListClient
	prefix string
	logger *zap.Logger
}

// NewRedis stores lists under "{prefix}:registry:{pool}".
func NewRedis(client ListClient, prefix string, logger *zap.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) key(pool solana.PublicKey) string {
	return redis.Key(r.prefix, "registry", pool.String())
}

func (r *Redis) Append(ctx context.Context, pool, table solana.PublicKey) error {
	if err := r.client.RPush(ctx, r.key(pool), string(table[:])).Err(); err != nil {
		return fmt.Errorf("append registry: %w", err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, pool solana.PublicKey) ([]solana.PublicKey, error) {
	vals, err := r.client.LRange(ctx, r.key(pool), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	out := make([]solana.PublicKey, 0, len(vals))
	for _, v := range vals {
		pk, err := solana.PublicKeyFromBytes([]byte(v))
		if err != nil {
			logMalformed(r.logger, pool, len(v), "wrong length")
			continue
		}
		out = append(out, pk)
	}
	return out, nil
}

// Retain builds the replacement list under a scratch key and renames it over
// the live one, which Redis does atomically.
func (r *Redis) Retain(ctx context.Context, pool solana.PublicKey, keep []solana.PublicKey) error {
	if len(keep) == 0 {
		return r.Clear(ctx, pool)
	}
	key := r.key(pool)
	scratch := key + ":retain"
	if err := r.client.Del(ctx, scratch).Err(); err != nil {
		return fmt.Errorf("retain registry: %w", err)
	}
	vals := make([]interface{}, len(keep))
	for i, k := range keep {
		vals[i] = string(k[:])
	}
	if err := r.client.RPush(ctx, scratch, vals...).Err(); err != nil {
		return fmt.Errorf("retain registry: %w", err)
	}
	if err := r.client.Rename(ctx, scratch, key).Err(); err != nil {
		return fmt.Errorf("retain registry: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context, pool solana.PublicKey) error {
	if err := r.client.Del(ctx, r.key(pool)).Err(); err != nil {
		return fmt.Errorf("clear registry: %w", err)
	}
	return nil
}

var (
	_ Store      = (*Redis)(nil)
	_ ListClient = (*goredis.Client)(nil)
)
