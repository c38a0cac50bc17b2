// Package bus assembles the envelope, broker, topology, outbox, inbox,
// retry and router packages into a single constructed context: the
// top-level type an application actually holds onto to publish and
// subscribe.
package bus

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/concurrency/distlock"
	"github.com/chris-alexander-pop/reliable-bus/pkg/config"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	appErrors "github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/inbox"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"github.com/chris-alexander-pop/reliable-bus/pkg/outbox"
	"github.com/chris-alexander-pop/reliable-bus/pkg/retry"
	"github.com/chris-alexander-pop/reliable-bus/pkg/router"
	"github.com/chris-alexander-pop/reliable-bus/pkg/topology"
)

// Config names this application's identity on the broker and the shape of
// its main stream. Env and AppName together form the subject prefix
// "{env}.{app}." every topic and pattern is published and subscribed
// under.
type Config struct {
	Env     string `env:"BUS_ENV" env-default:"dev" validate:"required"`
	AppName string `env:"BUS_APP_NAME" validate:"required"`
	// Producer is stamped on every envelope this instance builds; defaults
	// to AppName when empty.
	Producer string `env:"BUS_PRODUCER"`

	StreamMaxAge   time.Duration `env:"BUS_STREAM_MAX_AGE" env-default:"168h"`
	StreamMaxBytes int64         `env:"BUS_STREAM_MAX_BYTES"`
	StreamMaxMsgs  int64         `env:"BUS_STREAM_MAX_MSGS"`
	StreamStorage  string        `env:"BUS_STREAM_STORAGE" env-default:"file"`

	OutboxRecoverySweepInterval time.Duration `env:"BUS_OUTBOX_SWEEP_INTERVAL" env-default:"1m"`
}

// LoadConfig reads Config from .env/environment variables via config.Load.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, appErrors.Wrap(err, "failed to load bus config")
	}
	return cfg, nil
}

func (c Config) producerName() string {
	if c.Producer != "" {
		return c.Producer
	}
	return c.AppName
}

// Bus wires every module component into a single constructed context. The
// zero value is not usable; build one with New.
type Bus struct {
	cfg Config

	b            broker.Broker
	topo         *topology.Manager
	pub          *outbox.Publisher
	outboxStoreV outbox.Store
	inboxP       *inbox.Processor
	inboxStoreV  inbox.Store
	dlq          *retry.DLQPublisher
	registry     *router.Registry
	pool         *router.Pool

	sweepCancel context.CancelFunc
}

// Deps carries the constructed backing adapters: a Broker is required,
// everything else is optional and degrades gracefully (outbox store nil
// means direct-emit publish with no trail; inbox store nil means handlers
// must already be idempotent; locker nil means recovery sweeps and
// topology reconciliation run unguarded, fine for single-instance
// deployments).
type Deps struct {
	Broker      broker.Broker
	OutboxStore outbox.Store
	InboxStore  inbox.Store
	Locker      distlock.Locker

	OutboxConfig outbox.Config
}

// New validates cfg, ensures the main and DLQ streams exist, and returns a
// Bus ready to accept Subscribe registrations before Start is called.
func New(ctx context.Context, cfg Config, deps Deps) (*Bus, error) {
	if deps.Broker == nil {
		return nil, appErrors.New(appErrors.CodeConfiguration, "bus requires a non-nil broker", nil)
	}
	if cfg.Env == "" || cfg.AppName == "" {
		return nil, appErrors.New(appErrors.CodeConfiguration, "bus requires Env and AppName", nil)
	}

	topo := topology.New(deps.Broker, topology.StreamSpec{
		Env: cfg.Env, AppName: cfg.AppName,
		MaxAge: cfg.StreamMaxAge, MaxBytes: cfg.StreamMaxBytes, MaxMsgs: cfg.StreamMaxMsgs,
		Storage: cfg.StreamStorage,
	}, deps.Locker)
	if err := topo.EnsureStreams(ctx); err != nil {
		return nil, appErrors.Wrap(err, "failed to ensure streams")
	}

	pub := outbox.New(deps.Broker, deps.OutboxStore, deps.Locker, deps.OutboxConfig)

	var inboxP *inbox.Processor
	if deps.InboxStore != nil {
		inboxP = inbox.New(deps.InboxStore)
	}

	dlq := retry.NewDLQPublisher(deps.Broker, topo.DLQSubject(), retry.DLQConfig{})

	registry := router.New()

	return &Bus{
		cfg:          cfg,
		b:            deps.Broker,
		topo:         topo,
		pub:          pub,
		outboxStoreV: deps.OutboxStore,
		inboxP:       inboxP,
		inboxStoreV:  deps.InboxStore,
		dlq:          dlq,
		registry:     registry,
	}, nil
}

// NewFromEnv loads Config and, when deps.Broker is nil, a broker.Config
// from the environment (via config.Load, following preset), connects a
// NATSBroker from it, and calls New. Supplying deps.Broker already set
// skips the broker load entirely, e.g. when a caller wants env-driven
// bus settings but a test double broker.
func NewFromEnv(ctx context.Context, preset broker.Preset, deps Deps) (*Bus, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to load bus config from environment")
	}

	if deps.Broker == nil {
		brokerCfg, err := broker.LoadConfig(preset)
		if err != nil {
			return nil, appErrors.Wrap(err, "failed to load broker config from environment")
		}
		nb := broker.NewNATSBroker(brokerCfg)
		if err := nb.Connect(ctx); err != nil {
			return nil, appErrors.Wrap(err, "failed to connect broker")
		}
		deps.Broker = nb
	}

	return New(ctx, cfg, deps)
}

func (bus *Bus) outboxStore() outbox.Store { return bus.outboxStoreV }
func (bus *Bus) inboxStore() inbox.Store   { return bus.inboxStoreV }

// Publish builds a topic-form envelope and publishes it through the
// outbox. message may be nil for an event carrying no payload.
func (bus *Bus) Publish(ctx context.Context, topic string, message map[string]any) outbox.PublishResult {
	env, err := envelope.BuildTopicEnvelope(bus.cfg.producerName(), topic, message, envelope.BuildOptions{})
	if err != nil {
		return outbox.PublishResult{Success: false, Reason: outbox.ReasonValidationError, Details: err.Error(), Err: err}
	}
	subject, err := envelope.FromTopic(bus.cfg.Env, bus.cfg.AppName, topic)
	if err != nil {
		return outbox.PublishResult{Success: false, EventID: env.EventID, Reason: outbox.ReasonValidationError, Details: err.Error(), Err: err}
	}
	return bus.pub.Publish(ctx, subject.String(), env)
}

// PublishBatch publishes many topic/message pairs concurrently, returning
// an aggregate result.
func (bus *Bus) PublishBatch(ctx context.Context, items []outbox.BatchItem) outbox.BatchResult {
	return bus.pub.PublishBatch(ctx, bus.cfg.Env, bus.cfg.AppName, bus.cfg.producerName(), items)
}

// Subscribe registers handler against pattern. Must be called before
// Start; registrations made afterward are not picked up.
func (bus *Bus) Subscribe(pattern string, handler router.Handler, opts router.Options) *Bus {
	bus.registry.Add(pattern, handler, opts)
	return bus
}

// Start reconciles the durable consumer topology for every registered
// pattern, binds the router's pull workers, and starts the background
// outbox recovery sweep.
func (bus *Bus) Start(ctx context.Context) error {
	subs := make([]topology.Subscription, 0, len(bus.registry.Groups()))
	for _, g := range bus.registry.Groups() {
		subs = append(subs, topology.Subscription{
			Pattern: g.Pattern, MaxDeliver: g.Opts.MaxDeliver, AckWait: g.Opts.AckWait, BackoffMS: g.Opts.BackoffMS,
		})
	}
	if err := bus.topo.ReconcileAll(ctx, subs); err != nil {
		return appErrors.Wrap(err, "failed to reconcile topology")
	}

	bus.pool = router.NewPool(bus.b, bus.topo, bus.cfg.Env, bus.cfg.AppName, bus.inboxP, bus.dlq, bus.registry)
	if err := bus.pool.Start(ctx); err != nil {
		return appErrors.Wrap(err, "failed to start router pool")
	}

	bus.startRecoverySweep(ctx)
	return nil
}

func (bus *Bus) startRecoverySweep(ctx context.Context) {
	interval := bus.cfg.OutboxRecoverySweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	bus.sweepCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := bus.pub.RunRecoverySweep(sweepCtx); err != nil {
					logger.L().ErrorContext(sweepCtx, "outbox recovery sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop drains the router pool and stops the recovery sweep, waiting for
// in-flight dispatches or until ctx expires.
func (bus *Bus) Stop(ctx context.Context) error {
	if bus.sweepCancel != nil {
		bus.sweepCancel()
	}
	if bus.pool != nil {
		return bus.pool.Stop(ctx)
	}
	return nil
}
