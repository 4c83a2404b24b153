package redisstore

import (
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ANIMUS_REDIS_ADDR", "cache:6380")
	t.Setenv("ANIMUS_REDIS_DB", "2")
	t.Setenv("ANIMUS_REDIS_CACHE_TTL", "1h")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Addr != "cache:6380" || cfg.DB != 2 || cfg.TTL != time.Hour {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Addr: " "}).Validate(); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if err := (Config{Addr: "x:1", TTL: -time.Second}).Validate(); err == nil {
		t.Fatalf("expected error for negative ttl")
	}
}
