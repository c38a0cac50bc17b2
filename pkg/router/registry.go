// Package router binds declared subscriber patterns to durable pull
// consumers, fetches deliveries, and resolves each one to an ack, a
// backed-off nak, or a dead-letter via pkg/retry.
package router

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	"github.com/chris-alexander-pop/reliable-bus/pkg/retry"
)

// Handler is a subscriber body: given the decoded envelope and its
// delivery context, do the work and return an error to signal failure.
type Handler func(ctx context.Context, env *envelope.Envelope, mctx envelope.MessageContext) error

// Options controls the durable consumer shape and per-handler behavior for
// one registered pattern.
type Options struct {
	MaxDeliver  int
	AckWait     time.Duration
	BackoffMS   []int64
	Concurrency int // number of pull workers fetching from this pattern's durable
	UseInbox    bool
	ErrorPolicy retry.ErrorPolicy
}

func (o Options) withDefaults() Options {
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if len(o.BackoffMS) == 0 {
		o.BackoffMS = []int64{1000, 5000, 15000}
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

type binding struct {
	handler Handler
	opts    Options
}

// Group is every handler bound to one declared pattern. They share a
// single durable consumer: each delivery from it is run through every
// bound handler, and the broker outcome is resolved jointly across them.
type Group struct {
	Pattern  string
	Opts     Options // canonical consumer shape; the first registration wins
	bindings []binding
}

// Registry is a declarative builder: subscribers are registered up front,
// then handed to a Pool to bind and run.
type Registry struct {
	order  []string
	groups map[string]*Group
}

func New() *Registry {
	return &Registry{groups: map[string]*Group{}}
}

// Add registers handler to run for every message matching pattern. A
// pattern registered more than once (by the same or a different handler)
// shares one durable consumer; the first registration's Options become
// that consumer's canonical shape.
func (r *Registry) Add(pattern string, handler Handler, opts Options) *Registry {
	opts = opts.withDefaults()
	g, ok := r.groups[pattern]
	if !ok {
		g = &Group{Pattern: pattern, Opts: opts}
		r.groups[pattern] = g
		r.order = append(r.order, pattern)
	}
	g.bindings = append(g.bindings, binding{handler: handler, opts: opts})
	return r
}

// Groups returns every registered pattern's Group, in registration order.
func (r *Registry) Groups() []*Group {
	out := make([]*Group, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.groups[p])
	}
	return out
}
