package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ABIAgent-Chain/internal/config"
	xerrors "ABIAgent-Chain/internal/errors"
	redisstore "ABIAgent-Chain/internal/storage/redis"
	"ABIAgent-Chain/pkg/logger"
)

// Open builds the bus selected by cfg.Driver.
func Open(ctx context.Context, cfg config.EventsConfig) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryBus(cfg.BufferSize), nil
	case "none":
		return Nop{}, nil
	case "redis":
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisBus(client, cfg.Redis.Key), nil
	case "rabbitmq":
		return NewRabbitMQBus(RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

// Emit publishes ev and only logs a failure. Events never fail the operation
// that produced them.
func Emit(ctx context.Context, pub Publisher, typ string, attrs map[string]string) {
	if pub == nil {
		return
	}
	ev := New(typ, attrs)
	if err := pub.Publish(ctx, ev); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeEventFailure, err, "publish "+typ)
		logger.Named("events").Warn("事件投递失败",
			slog.String("type", typ),
			slog.String("event_id", ev.ID),
			slog.Any("error", wrapped))
	}
}

// AuditHandler writes every consumed event to the audit log.
func AuditHandler(_ context.Context, ev Event) error {
	attrs := []any{
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type),
		slog.Time("occurred_at", ev.OccurredAt),
	}
	for k, v := range ev.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Info("domain event", attrs...)
	return nil
}
