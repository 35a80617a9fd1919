package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Bus is an in-process Dispatcher. Dispatch runs every bound handler in bind
// order and returns once all of them have finished.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Bind adds h to eventID. Binding twice runs the handler twice.
func (b *Bus) Bind(eventID string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventID] = append(b.handlers[eventID], h)
}

// Unbind drops every handler of eventID.
func (b *Bus) Unbind(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventID)
}

// Handlers returns the number of handlers bound to eventID.
func (b *Bus) Handlers(eventID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventID])
}

// Dispatch implements Dispatcher. Handler errors and panics are joined; one
// failing handler does not stop the others.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.EventID]...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		b.logger.Debug("no handlers bound", "event", ev.EventID)
		return nil
	}

	var errs []error
	for i, h := range hs {
		if err := call(ctx, h, ev); err != nil {
			errs = append(errs, fmt.Errorf("handler %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
