package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")

// MemoryBus 使用 channel 承载事件，单进程部署与测试使用。
type MemoryBus struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建内存事件总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// Publish 投递事件；缓冲区已满时阻塞直到 ctx 结束。
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- ev:
		return nil
	}
}

// Consume 启动 workerCount 个协程处理事件，直到 ctx 结束或总线关闭。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭总线，之后的 Publish 返回 ErrClosed。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}
