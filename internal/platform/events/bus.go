package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler consumes one event.
type Handler func(ctx context.Context, evt Event) error

// Bus dispatches events to in-process subscribers. In async mode each
// handler runs on its own goroutine, detached from the publisher's
// cancellation and bounded by the handler timeout.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	async    bool
	timeout  time.Duration
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewBus creates a Bus. A zero handlerTimeout means 30 seconds.
func NewBus(async bool, handlerTimeout time.Duration, logger zerolog.Logger) *Bus {
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		async:    async,
		timeout:  handlerTimeout,
		log:      logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers h for events of eventType.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish hands evt to every subscriber of its type. Handler failures are
// logged, never returned: the event has already happened.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt == nil {
		return errNilEvent
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[evt.EventType()]...)
	b.mu.RUnlock()

	for _, h := range hs {
		if !b.async {
			b.run(ctx, h, evt)
			continue
		}
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			b.run(context.WithoutCancel(ctx), h, evt)
		}(h)
	}
	return nil
}

func (b *Bus) run(ctx context.Context, h Handler, evt Event) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event_type", evt.EventType()).Msg("event handler panicked")
		}
	}()
	if err := h(ctx, evt); err != nil {
		b.log.Error().Err(err).Str("event_type", evt.EventType()).Msg("event handler failed")
	}
}

// Wait blocks until all in-flight async handlers return.
func (b *Bus) Wait() { b.wg.Wait() }
