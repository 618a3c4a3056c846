package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"streamhaven/internal/errs"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed session cache.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	KeyPrefix    string
	EntryTTL     time.Duration
	CountTTL     time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisCache shares admission entries across control-plane replicas.
type RedisCache struct {
	client   redis.UniversalClient
	prefix   string
	entryTTL time.Duration
	countTTL time.Duration
}

// NewRedisCache dials Redis and verifies the connection before returning.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	cacheTTL := cfg.EntryTTL
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	countTTL := cfg.CountTTL
	if countTTL <= 0 {
		countTTL = 5 * time.Second
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "streamhaven"
	}
	return &RedisCache{client: client, prefix: prefix, entryTTL: cacheTTL, countTTL: countTTL}, nil
}

func (c *RedisCache) entryKey(key string) string {
	return c.prefix + ":session:" + key
}

func (c *RedisCache) countKey(sessionID string) string {
	return c.prefix + ":viewers:" + sessionID
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	payload, err := c.client.Get(ctx, c.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errs.Dependency(err, "redis get")
	}
	var entry Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		// Treat a corrupt entry as a miss; the admission path will
		// backfill a fresh one from the store.
		c.client.Del(ctx, c.entryKey(key))
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.entryKey(key), payload, c.entryTTL).Err(); err != nil {
		return errs.Dependency(err, "redis set")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.entryKey(key)).Err(); err != nil {
		return errs.Dependency(err, "redis del")
	}
	return nil
}

func (c *RedisCache) SetViewerCount(ctx context.Context, sessionID string, count int) error {
	if err := c.client.Set(ctx, c.countKey(sessionID), strconv.Itoa(count), c.countTTL).Err(); err != nil {
		return errs.Dependency(err, "redis set viewer count")
	}
	return nil
}

func (c *RedisCache) ViewerCount(ctx context.Context, sessionID string) (int, bool, error) {
	payload, err := c.client.Get(ctx, c.countKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Dependency(err, "redis get viewer count")
	}
	count, err := strconv.Atoi(payload)
	if err != nil {
		return 0, false, nil
	}
	return count, true, nil
}

func (c *RedisCache) Close(ctx context.Context) error {
	return c.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

var _ Cache = (*RedisCache)(nil)
