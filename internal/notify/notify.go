// Package notify fans out job lifecycle events to external listeners over
// Redis pub/sub — the side channel spec.md's progress reporting and
// Stdout/Log Record imply but don't assign a transport to. Grounded on
// `clients_redis/sse_bus.go`'s publish/subscribe shape.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
)

// EventKind is the lifecycle moment an Event reports.
type EventKind string

const (
	EventEnqueued EventKind = "enqueued"
	EventClaimed  EventKind = "claimed"
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventDeferred EventKind = "deferred"
	EventFailed   EventKind = "failed"
	EventError    EventKind = "error"
	EventKilled   EventKind = "killed"
)

// Event is the payload published for every job state change.
type Event struct {
	Kind    EventKind      `json:"kind"`
	JobID   jobqueue.ID    `json:"job_id"`
	Name    string         `json:"name"`
	State   jobqueue.State `json:"state"`
	At      time.Time      `json:"at"`
	Message string         `json:"message,omitempty"`
}

// Notifier is the capability the Queue Service uses to publish events. A
// Noop implementation is used when no Redis address is configured, so
// notification is optional without branching at every call site.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards every event. It is the default Notifier so queue.Service
// works without Redis configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, ev Event) error { return nil }
func (Noop) Close() error                                { return nil }

// RedisBus publishes events to a single Redis pub/sub channel.
type RedisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus dials addr and verifies connectivity with a bounded ping
// before returning, the same fail-fast shape `NewSSEBus` uses.
func NewRedisBus(ctx context.Context, log *logger.Logger, addr, channel string) (*RedisBus, error) {
	if addr == "" {
		return nil, fmt.Errorf("notify: missing redis address")
	}
	if channel == "" {
		channel = "coreflow.events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("notify: redis ping: %w", err)
	}
	return &RedisBus{log: log.With("component", "notify.RedisBus"), rdb: rdb, channel: channel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("publish failed", "kind", ev.Kind, "job_id", ev.JobID.String(), "error", err)
		return err
	}
	return nil
}

// Subscribe forwards every event on the channel to onEvent until ctx is
// cancelled. Malformed payloads are logged and skipped, not fatal.
func (b *RedisBus) Subscribe(ctx context.Context, onEvent func(Event)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

var (
	_ Notifier = (*RedisBus)(nil)
	_ Notifier = Noop{}
)
