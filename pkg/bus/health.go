package bus

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/inbox"
	"github.com/chris-alexander-pop/reliable-bus/pkg/outbox"
	"github.com/chris-alexander-pop/reliable-bus/pkg/topology"
)

// StreamHealth reports whether a declared stream actually exists on the
// broker.
type StreamHealth struct {
	Name   string
	Exists bool
}

// PoolSetting summarizes one registered pattern's durable-consumer shape,
// for operational visibility into what the router is running.
type PoolSetting struct {
	Pattern     string
	Durable     string
	MaxDeliver  int
	AckWait     time.Duration
	Concurrency int
	UseInbox    bool
}

// Health is the operational snapshot an application surfaces through its
// own health-check endpoint; this module does not expose one itself.
type Health struct {
	Connected        bool
	JetStreamHealthy bool

	Streams []StreamHealth

	OutboxCounts        map[outbox.Status]int64
	// OutboxStalePublishing is true when any outbox row is in publishing;
	// the row's age is not compared against a staleness window.
	OutboxStalePublishing bool

	InboxCounts map[inbox.Status]int64

	Pool []PoolSetting
}

// Health gathers the connection state, expected-vs-existing streams,
// outbox/inbox row counts, and pool settings into a single snapshot.
func (bus *Bus) Health(ctx context.Context) Health {
	h := Health{
		Connected:        bus.b.Healthy(ctx),
		JetStreamHealthy: bus.b.Healthy(ctx),
	}

	for _, name := range []string{bus.topo.StreamName(), bus.topo.StreamName() + "-dlq"} {
		_, err := bus.b.StreamInfo(ctx, name)
		h.Streams = append(h.Streams, StreamHealth{Name: name, Exists: err == nil})
	}

	if bus.outboxStore() != nil {
		counts, err := bus.outboxStore().CountByStatus(ctx)
		if err == nil {
			h.OutboxCounts = counts
			h.OutboxStalePublishing = counts[outbox.StatusPublishing] > 0
		}
	}

	if bus.inboxStore() != nil {
		counts, err := bus.inboxStore().CountByStatus(ctx)
		if err == nil {
			h.InboxCounts = counts
		}
	}

	for _, g := range bus.registry.Groups() {
		h.Pool = append(h.Pool, PoolSetting{
			Pattern:     g.Pattern,
			Durable:     topology.DurableName(bus.cfg.AppName, g.Pattern),
			MaxDeliver:  g.Opts.MaxDeliver,
			AckWait:     g.Opts.AckWait,
			Concurrency: g.Opts.Concurrency,
			UseInbox:    g.Opts.UseInbox,
		})
	}

	return h
}
