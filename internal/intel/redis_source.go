package intel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"endpoint-xdr/internal/schema"

	"github.com/redis/go-redis/v9"
)

// IndicatorTypes lists the indicator types a feed may carry.
var IndicatorTypes = []string{"ip", "domain", "hash", "url", "email"}

// RedisConfig holds configuration for a Redis-backed feed.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	TLSEnabled  bool          `yaml:"tls_enabled"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// KeyPrefix namespaces the feed keys. Indicators live in sets named
	// "<prefix>:ioc:<type>", technique mappings in the hash
	// "<prefix>:techniques" with JSON values keyed by event type.
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisReader is the subset of the go-redis API the source needs.
type RedisReader interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisSource pulls indicators from Redis sets shared by a fleet of agents.
type RedisSource struct {
	client RedisReader
	closer func() error
	prefix string
}

// NewRedisSource connects to Redis and verifies the connection.
func NewRedisSource(cfg RedisConfig) (*RedisSource, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	src := NewRedisSourceWithClient(client, cfg.KeyPrefix)
	src.closer = client.Close
	return src, nil
}

// NewRedisSourceWithClient wraps an existing client.
func NewRedisSourceWithClient(client RedisReader, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "xdr"
	}
	return &RedisSource{client: client, prefix: prefix}
}

// Name implements FeedSource.
func (s *RedisSource) Name() string { return "redis:" + s.prefix }

// Fetch implements FeedSource.
func (s *RedisSource) Fetch(ctx context.Context) (*Feed, error) {
	feed := &Feed{}

	for _, typ := range IndicatorTypes {
		key := s.prefix + ":ioc:" + typ
		members, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		for _, v := range members {
			feed.Indicators = append(feed.Indicators, schema.Indicator{
				Type:   typ,
				Value:  v,
				Source: s.Name(),
			})
		}
	}

	key := s.prefix + ":techniques"
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(raw) > 0 {
		feed.Techniques = make(map[string]Technique, len(raw))
		for eventType, v := range raw {
			var t Technique
			if err := json.Unmarshal([]byte(v), &t); err != nil {
				return nil, fmt.Errorf("invalid technique for %s: %w", eventType, err)
			}
			feed.Techniques[eventType] = t
		}
	}

	return feed, nil
}

// Close releases the client if the source created it.
func (s *RedisSource) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
