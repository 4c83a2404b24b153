package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/animus-labs/animus-pipelines/internal/platform/env"
)

type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	// TTL bounds how long cache entries live. Zero keeps them forever.
	TTL time.Duration
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("ANIMUS_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := env.Duration("ANIMUS_REDIS_DIAL_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("ANIMUS_REDIS_CACHE_TTL", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:        env.String("ANIMUS_REDIS_ADDR", "localhost:6379"),
		Password:    env.String("ANIMUS_REDIS_PASSWORD", ""),
		DB:          db,
		DialTimeout: dialTimeout,
		TTL:         ttl,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("redis addr is required")
	}
	if c.DB < 0 {
		return errors.New("redis db must be >= 0")
	}
	if c.TTL < 0 {
		return errors.New("redis cache ttl must be >= 0")
	}
	return nil
}

// Open creates a client and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
