package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ABIAgent-Chain/internal/config"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient connects to Redis. cfg.URL wins over the discrete fields.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// Options converts cfg into client options without dialing.
func Options(cfg config.RedisConfig) (*goredis.Options, error) {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("解析 Redis URL 失败: %w", err)
		}
		if cfg.Password != "" && opts.Password == "" {
			opts.Password = cfg.Password
		}
		return opts, nil
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	return &goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}
