package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/utils"
)

// DefaultKeyPrefix namespaces every key the agent writes.
const DefaultKeyPrefix = "checkpointx"

// Options configures the connection.
type Options struct {
	Host      string
	Port      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// OptionsFromEnv reads the connection settings.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_POOL_SIZE: connection pool size (default: "10")
//   - REDIS_KEY_PREFIX: key namespace (default: "checkpointx")
func OptionsFromEnv() Options {
	return Options{
		Host:      utils.Env("REDIS_HOST", "localhost"),
		Port:      utils.Env("REDIS_PORT", "6379"),
		Password:  utils.Env("REDIS_PASSWORD", ""),
		DB:        utils.EnvInt("REDIS_DB", 0),
		PoolSize:  utils.EnvInt("REDIS_POOL_SIZE", 10),
		KeyPrefix: utils.Env("REDIS_KEY_PREFIX", DefaultKeyPrefix),
	}
}

// Client wraps the Redis client used for registry storage.
type Client struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%s", opts.Host, opts.Port)
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,

		// Connection pool
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", opts.DB),
		zap.String("prefix", opts.KeyPrefix))

	return &Client{
		client: rdb,
		logger: logger,
		prefix: opts.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Key joins parts under the configured prefix, e.g. "checkpointx:registry:<pool>".
func (c *Client) Key(parts ...string) string {
	return Key(c.prefix, parts...)
}

// Key joins parts under prefix with ':' separators.
func Key(prefix string, parts ...string) string {
	return strings.Join(append([]string{prefix}, parts...), ":")
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
