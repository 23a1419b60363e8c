package events

import (
	"sync"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"

	"go.uber.org/zap"
)

// AllEvents registers a listener for every event type.
const AllEvents domain.EventType = "*"

type listener struct {
	id      uint64
	handler func(domain.Event)
}

// Dispatcher delivers room events to listeners synchronously, in
// registration order. Listeners may add or remove listeners while running.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[domain.EventType][]listener
	logger    *zap.SugaredLogger
}

func NewDispatcher(logger *zap.SugaredLogger) ports.EventEmitter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		listeners: make(map[domain.EventType][]listener),
		logger:    logger,
	}
}

func (d *Dispatcher) AddEventListener(eventType domain.EventType, handler func(domain.Event)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[eventType] = append(d.listeners[eventType], listener{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(eventType, id) })
	}
}

func (d *Dispatcher) remove(eventType domain.EventType, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.listeners[eventType]
	kept := make([]listener, 0, len(current))
	for _, l := range current {
		if l.id != id {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(d.listeners, eventType)
		return
	}
	d.listeners[eventType] = kept
}

func (d *Dispatcher) Emit(event domain.Event) {
	d.mu.RLock()
	targets := make([]listener, 0, len(d.listeners[event.Type()])+len(d.listeners[AllEvents]))
	targets = append(targets, d.listeners[event.Type()]...)
	targets = append(targets, d.listeners[AllEvents]...)
	d.mu.RUnlock()

	d.logger.Debugw("dispatching event", "type", event.Type(), "listeners", len(targets))

	for _, l := range targets {
		d.deliver(l, event)
	}
}

func (d *Dispatcher) deliver(l listener, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("event listener panicked",
				"type", event.Type(),
				"panic", r,
			)
		}
	}()
	l.handler(event)
}
