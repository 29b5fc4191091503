package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ABIAgent-Chain/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus 使用 Redis list 承载事件：LPUSH 发布，BRPOP 消费。
type RedisBus struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedisBus wraps an established client.
func NewRedisBus(client *redis.Client, key string) *RedisBus {
	if key == "" {
		key = "abiagent:events"
	}
	return &RedisBus{client: client, key: key, wait: 5 * time.Second}
}

// Publish 将事件写入 Redis。
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.key, body).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 拉取事件。处理失败的事件会被重新放回队尾。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("events.redis")
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := b.client.BRPop(ctx, b.wait, b.key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- fmt.Errorf("Redis 拉取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				ev, err := decode([]byte(values[1]))
				if err != nil {
					log.Warn("丢弃无法解析的事件", slog.Any("error", err))
					continue
				}
				if err := handler(ctx, ev); err != nil {
					_ = b.client.RPush(ctx, b.key, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
