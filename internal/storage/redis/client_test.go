package redis

import (
	"testing"

	"ABIAgent-Chain/internal/config"
)

func TestOptionsPrefersURL(t *testing.T) {
	opts, err := Options(config.RedisConfig{URL: "redis://:secret@cache.local:6380/2", Address: "ignored:6379"})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache.local:6380" || opts.DB != 2 || opts.Password != "secret" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestOptionsFromAddress(t *testing.T) {
	opts, err := Options(config.RedisConfig{Address: "localhost:6379", DB: 3, Password: "pw"})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 3 || opts.Password != "pw" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestOptionsRejectsEmpty(t *testing.T) {
	if _, err := Options(config.RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
	if _, err := Options(config.RedisConfig{URL: "http://nope"}); err == nil {
		t.Fatalf("expected error for bad scheme")
	}
}
