package main

import "sync"

type EventType string

const (
	BalanceChangedEventType EventType = "balance_changed"
	RatesUpdatedEventType   EventType = "rates_updated"
	SyncCompletedEventType  EventType = "sync_completed"
)

func (e EventType) String() string {
	return string(e)
}

// Event is a cross-cutting update emitted by the reconciliation pipeline.
// Events are delivered strictly after the store transaction that produced
// them has committed, in emission order, on the emitting goroutine.
type Event struct {
	Type EventType
	Data any
}

// Notifier fans events out to caller-registered handlers. It replaces the
// global pub/sub the rest of an application shell would otherwise need.
type Notifier struct {
	mu       sync.RWMutex
	handlers []func(Event)
	logger   Logger
}

func NewNotifier(logger Logger) *Notifier {
	return &Notifier{logger: logger.NewSystem("notifier")}
}

// Subscribe registers a handler for all subsequent events. Handlers run
// synchronously; slow consumers should hand off to their own goroutine.
func (n *Notifier) Subscribe(handler func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *Notifier) Emit(eventType EventType, data any) {
	n.mu.RLock()
	handlers := n.handlers
	n.mu.RUnlock()

	for _, handler := range handlers {
		handler(Event{Type: eventType, Data: data})
	}
	n.logger.Debug("event emitted", "type", eventType, "handlers", len(handlers))
}
