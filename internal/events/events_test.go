package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ABIAgent-Chain/internal/config"
)

func TestMemoryBusDeliversEvents(t *testing.T) {
	bus := NewMemoryBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []Event
	)
	done := make(chan struct{})
	go func() {
		_ = bus.Consume(ctx, 2, func(_ context.Context, ev Event) error {
			mu.Lock()
			seen = append(seen, ev)
			n := len(seen)
			mu.Unlock()
			if n == 2 {
				close(done)
			}
			return nil
		})
	}()

	Emit(ctx, bus, TypeAgentRegistered, map[string]string{"agent_id": "1"})
	Emit(ctx, bus, TypeTxSubmitted, map[string]string{"tx_hash": "0xabc"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("events were not consumed")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, ev := range seen {
		if ev.ID == "" || ev.OccurredAt.IsZero() {
			t.Fatalf("event not stamped: %+v", ev)
		}
	}
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(1)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(context.Background(), New(TypeTxMined, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Emit swallows the failure.
	Emit(context.Background(), bus, TypeTxMined, nil)
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPublishRespectsContextWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	if err := bus.Publish(context.Background(), New(TypeTxMined, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, New(TypeTxMined, nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestEncodeRoundTripKeepsAttributes(t *testing.T) {
	ev := New(TypeApprovalFinished, map[string]string{"state": "done"})
	body, err := encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != ev.ID || got.Attributes["state"] != "done" {
		t.Fatalf("unexpected event %+v", got)
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	bus, err := Open(context.Background(), config.EventsConfig{Driver: "memory", BufferSize: 8})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer bus.Close()
	if _, ok := bus.(*MemoryBus); !ok {
		t.Fatalf("expected memory bus, got %T", bus)
	}
	if _, err := Open(context.Background(), config.EventsConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), config.EventsConfig{Driver: "rabbitmq"}); err == nil {
		t.Fatalf("expected error for rabbitmq without URL")
	}
}

func TestAuditHandler(t *testing.T) {
	if err := AuditHandler(context.Background(), New(TypeAgentCompensated, map[string]string{"agent_id": "3"})); err != nil {
		t.Fatalf("audit handler: %v", err)
	}
}
