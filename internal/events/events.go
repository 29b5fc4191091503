// Package events carries domain events (agent registration, transaction
// lifecycle, approval results) over a pluggable bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types published by the daemon.
const (
	TypeAgentRegistered  = "agent.registered"
	TypeAgentCompensated = "agent.compensated"
	TypeTxSubmitted      = "chat.tx_submitted"
	TypeTxMined          = "chat.tx_mined"
	TypeApprovalFinished = "approval.finished"
)

// Event is one domain fact. Attributes hold small string values only.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New stamps an event with an id and the current time.
func New(typ string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Attributes: attrs,
	}
}

// Handler 处理一条事件。
type Handler func(ctx context.Context, ev Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Consumer 负责消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}

func encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("编码事件失败: %w", err)
	}
	return body, nil
}

func decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("解码事件失败: %w", err)
	}
	return ev, nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Consume blocks until ctx is done.
func (Nop) Consume(ctx context.Context, _ int, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}
