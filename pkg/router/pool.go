package router

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/concurrency"
	"github.com/chris-alexander-pop/reliable-bus/pkg/inbox"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"github.com/chris-alexander-pop/reliable-bus/pkg/resilience"
	"github.com/chris-alexander-pop/reliable-bus/pkg/retry"
	"github.com/chris-alexander-pop/reliable-bus/pkg/topology"
)

const (
	minIdleBackoff = 100 * time.Millisecond
	maxIdleBackoff = 5 * time.Second
	fetchBatchSize = 10
	fetchTimeout   = 2 * time.Second
)

// Pool binds one durable consumer per registered pattern and runs as many
// pull workers as the group's Options.Concurrency (taken from the first
// registration for that pattern). Each worker is an independent
// fetch-dispatch-loop goroutine; shutdown is cooperative via context
// cancellation rather than forcibly stopping a worker mid-dispatch.
type Pool struct {
	b       broker.Broker
	topo    *topology.Manager
	env     string
	appName string
	inbox   *inbox.Processor // nil disables inbox dedup even for groups that opt in
	dlq     *retry.DLQPublisher

	registry *Registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(b broker.Broker, topo *topology.Manager, env, appName string, inboxProc *inbox.Processor, dlq *retry.DLQPublisher, registry *Registry) *Pool {
	return &Pool{b: b, topo: topo, env: env, appName: appName, inbox: inboxProc, dlq: dlq, registry: registry}
}

// Start binds a durable pull consumer for every registered pattern and
// launches its worker goroutines. It returns once every subscription is
// bound; the workers then run until Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	prefix := p.env + "." + p.appName
	for _, group := range p.registry.Groups() {
		durable := topology.DurableName(p.appName, group.Pattern)
		filterSubject := prefix + "." + group.Pattern
		cfg := broker.ConsumerConfig{
			Durable:       durable,
			FilterSubject: filterSubject,
			MaxDeliver:    group.Opts.MaxDeliver,
			AckWait:       group.Opts.AckWait,
			BackoffMS:     group.Opts.BackoffMS,
		}
		sub, err := p.b.PullSubscribe(runCtx, p.topo.StreamName(), filterSubject, durable, cfg)
		if err != nil {
			cancel()
			return err
		}

		breakerCfg := resilience.DefaultCircuitBreakerConfig("fetch." + durable)
		breaker := resilience.NewCircuitBreaker(breakerCfg)

		for i := 0; i < group.Opts.Concurrency; i++ {
			g, s := group, sub
			p.wg.Add(1)
			concurrency.SafeGo(runCtx, func() {
				defer p.wg.Done()
				p.runWorker(runCtx, g, s, breaker)
			})
		}
	}
	return nil
}

// Stop cancels every worker's context and waits for in-flight fetch/
// dispatch calls to return, or for ctx to expire first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker fetches and dispatches in a loop, behind a circuit breaker keyed
// on this group's durable consumer. A broker that is down or misbehaving
// trips the breaker after a run of fetch failures, so workers fast-fail into
// the idle backoff instead of hammering a connection that is already dead.
func (p *Pool) runWorker(ctx context.Context, group *Group, sub broker.Subscription, breaker *resilience.CircuitBreaker) {
	backoff := minIdleBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msgs []broker.Message
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			fetched, fetchErr := sub.Fetch(ctx, fetchBatchSize, fetchTimeout)
			msgs = fetched
			return fetchErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err != resilience.ErrCircuitOpen {
				if recoverErr := p.recoverFromFetchError(ctx, group); recoverErr != nil {
					logger.L().ErrorContext(ctx, "failed to recover subscription after fetch error", "pattern", group.Pattern, "error", recoverErr)
				}
			}
			sleepIdle(ctx, &backoff)
			continue
		}

		if len(msgs) == 0 {
			sleepIdle(ctx, &backoff)
			continue
		}
		backoff = minIdleBackoff

		for _, msg := range msgs {
			dispatch(ctx, group, msg, p.inbox, p.dlq)
		}
	}
}

func (p *Pool) recoverFromFetchError(ctx context.Context, group *Group) error {
	if p.topo == nil {
		return nil
	}
	return p.topo.Reensure(ctx, topology.Subscription{
		Pattern:    group.Pattern,
		MaxDeliver: group.Opts.MaxDeliver,
		AckWait:    group.Opts.AckWait,
		BackoffMS:  group.Opts.BackoffMS,
	})
}

func sleepIdle(ctx context.Context, backoff *time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > maxIdleBackoff {
		*backoff = maxIdleBackoff
	}
}
