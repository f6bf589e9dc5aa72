// Package events publishes call lifecycle events to interested listeners.
// Delivery is fire-and-forget with at most one attempt per event; events for
// the same call ID are published in the order their transitions occurred.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is a single call lifecycle or action notification.
type Event struct {
	// EventID uniquely identifies this event instance.
	EventID string `json:"event_id"`
	// Name is the event type, e.g. "call-ringing" or "answer-requested".
	Name string `json:"name"`
	// CallID identifies the session the event belongs to.
	CallID string `json:"call_id"`
	// Time is when the causing transition occurred.
	Time time.Time `json:"time"`
	// Attributes carries event-specific values (new flag states, digits,
	// disconnect causes).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Subject returns the hierarchical subject for this event:
// callkit.calls.{call_id}.{name}
func (e Event) Subject() string {
	return fmt.Sprintf("callkit.calls.%s.%s", e.CallID, e.Name)
}

// Publisher is the transport for outgoing events. Implementations must not
// block: Publish is called from session transition paths.
type Publisher interface {
	// Publish delivers one event. Errors indicate transport failure only;
	// there is no retry.
	Publish(ctx context.Context, event Event) error

	// Close releases resources.
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }

func (p *NoopPublisher) Close() error { return nil }

// LoggingPublisher logs events at debug level. Useful for development.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Debug("event published",
		"subject", event.Subject(),
		"name", event.Name,
		"call_id", event.CallID,
		"attributes", fmt.Sprint(event.Attributes),
	)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

// ChanPublisher delivers events to a buffered channel. When the buffer is
// full the event is dropped, never blocking the caller. Used by tests and
// in-process consumers.
type ChanPublisher struct {
	ch chan Event

	mu      sync.Mutex
	dropped int
	closed  bool
}

func NewChanPublisher(buffer int) *ChanPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChanPublisher{ch: make(chan Event, buffer)}
}

// Events returns the delivery channel.
func (p *ChanPublisher) Events() <-chan Event { return p.ch }

// DroppedCount returns how many events were discarded on a full buffer.
func (p *ChanPublisher) DroppedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Publish delivers the event or drops it. Events arriving after Close are
// dropped rather than sent on the closed channel.
func (p *ChanPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher closed, dropped %s", event.Subject())
	}
	select {
	case p.ch <- event:
		return nil
	default:
		p.dropped++
		return fmt.Errorf("event buffer full, dropped %s", event.Subject())
	}
}

// Close closes the delivery channel. Idempotent.
func (p *ChanPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.ch)
	return nil
}
