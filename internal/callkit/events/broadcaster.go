package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Broadcaster builds events with consistent defaults and hands them to a
// Publisher. Emit never fails from the caller's point of view: publish
// errors are logged and otherwise dropped.
type Broadcaster struct {
	nodeID string
	pub    Publisher
}

// NewBroadcaster creates a broadcaster. A nil publisher means events are
// discarded.
func NewBroadcaster(nodeID string, pub Publisher) *Broadcaster {
	if pub == nil {
		pub = NewNoopPublisher()
	}
	return &Broadcaster{nodeID: nodeID, pub: pub}
}

// Emit publishes one event for callID. Callers invoke Emit from inside the
// session's transition path, which is what guarantees per-call ordering.
func (b *Broadcaster) Emit(name, callID string, attrs map[string]string) {
	ev := Event{
		EventID:    uuid.New().String(),
		Name:       name,
		CallID:     callID,
		Time:       time.Now().UTC(),
		Attributes: attrs,
	}
	if err := b.pub.Publish(context.Background(), ev); err != nil {
		slog.Debug("[Events] Publish failed",
			"subject", ev.Subject(),
			"node_id", b.nodeID,
			"error", err,
		)
	}
}

// Close closes the underlying publisher.
func (b *Broadcaster) Close() error {
	return b.pub.Close()
}
