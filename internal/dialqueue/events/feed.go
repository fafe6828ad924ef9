package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Table names carried in change events.
const (
	TablePool    = "phone_numbers"
	TableHistory = "call_history"
)

// SubjectPool carries every pool change. History changes go to a per-operator
// subject so operator sessions only see their own entries.
const (
	SubjectPool          = "dialqueue.pool"
	subjectHistoryPrefix = "dialqueue.history."
)

// HistorySubject returns the per-operator history change subject.
func HistorySubject(operatorID uuid.UUID) string {
	return subjectHistoryPrefix + operatorID.String()
}

// Op identifies the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is one row change delivered to feed subscribers.
type ChangeEvent struct {
	Table string          `json:"table"`
	Op    Op              `json:"op"`
	Row   json.RawMessage `json:"row,omitempty"`
	At    time.Time       `json:"at"`
}

// Publisher is the broker side the feed publishes through.
// *messagebroker.NatsClient satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscriber is the broker side the feed subscribes through.
// *messagebroker.NatsClient satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Feed publishes and subscribes typed change events over NATS.
type Feed struct {
	pub    Publisher
	sub    Subscriber
	logger *slog.Logger
}

func NewFeed(pub Publisher, sub Subscriber, logger *slog.Logger) *Feed {
	return &Feed{pub: pub, sub: sub, logger: logger.With("component", "change_feed")}
}

// PublishChange marshals row into a ChangeEvent and publishes it on subject.
func (f *Feed) PublishChange(ctx context.Context, subject, table string, op Op, row any) error {
	rowBytes, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal change event row: %w", err)
	}
	event := ChangeEvent{
		Table: table,
		Op:    op,
		Row:   rowBytes,
		At:    time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := f.pub.Publish(ctx, subject, payload); err != nil {
		return err
	}
	f.logger.DebugContext(ctx, "Change event published", "subject", subject, "table", table, "op", op)
	return nil
}

// Subscribe delivers change events for subject on a channel until the returned
// subscription is closed. Events arriving while the channel is full are
// dropped; subscribers re-query current state anyway on each notification.
func (f *Feed) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	s := &Subscription{
		events: make(chan ChangeEvent, 32),
		logger: f.logger,
	}

	natsSub, err := f.sub.Subscribe(ctx, subject, "", func(msg *nats.Msg) {
		var event ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.logger.Error("Failed to unmarshal change event", "error", err, "subject", msg.Subject)
			return
		}
		s.deliver(event)
	})
	if err != nil {
		return nil, err
	}
	s.natsSub = natsSub
	return s, nil
}

// Subscription is a cancellable handle on a change-event stream.
type Subscription struct {
	mu      sync.Mutex
	closed  bool
	events  chan ChangeEvent
	natsSub *nats.Subscription
	logger  *slog.Logger
}

// Events returns the channel change events are delivered on. It is closed by Close.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

func (s *Subscription) deliver(event ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.logger.Warn("Change event dropped, subscriber too slow", "table", event.Table, "op", event.Op)
	}
}

// Close unregisters the NATS subscription and closes the event channel.
// Safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.natsSub != nil {
		err = s.natsSub.Unsubscribe()
	}
	close(s.events)
	return err
}
