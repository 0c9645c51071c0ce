package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/openmercato/queryindex/internal/logger"
)

// handlerEntry pairs a handler with a monotonically increasing id so On's
// unsubscribe function can remove exactly the registration it created.
type handlerEntry struct {
	id      uint64
	handler func(ctx context.Context, payload map[string]any) error
}

// Bus is a minimal in-process EventBusLike implementation. Persistent events
// are processed synchronously with the caller so Emit's error surfaces to
// callers that want at-least-once semantics via external retry; non
// persistent events are dispatched on a worker goroutine, matching spec.md
// §5's durable-vs-best-effort split.
type Bus struct {
	log *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
}

// NewBus constructs an empty Bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	return &Bus{log: log, handlers: make(map[string][]handlerEntry)}
}

// On registers handler for event and returns an unsubscribe function.
func (b *Bus) On(event string, handler func(ctx context.Context, payload map[string]any) error) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[event] = append(b.handlers[event], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[event]
		for i, e := range entries {
			if e.id == id {
				b.handlers[event] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes payload to every handler registered for event. Persistent
// events run inline so a caller-supplied retry loop can observe failures;
// non-persistent events are fired in a goroutine and their errors are only
// logged, never returned.
func (b *Bus) Emit(ctx context.Context, event string, payload map[string]any, opts EmitOptions) error {
	b.mu.RLock()
	entries := append([]handlerEntry(nil), b.handlers[event]...)
	b.mu.RUnlock()

	if len(entries) == 0 {
		return nil
	}

	run := func() error {
		var firstErr error
		for _, e := range entries {
			if err := e.handler(ctx, payload); err != nil {
				b.log.WithField("event", event).WithError(err).Warn("event handler failed")
				if firstErr == nil {
					firstErr = fmt.Errorf("handler failed: %w", err)
				}
			}
		}
		return firstErr
	}

	if opts.Persistent {
		return run()
	}

	go func() {
		_ = run()
	}()
	return nil
}
