// Package outbox implements the store-then-emit publish path: an envelope
// is durably staged before it is handed to the broker, so a crash between
// the two never silently loses it and never double-stages it.
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/concurrency/distlock"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	appErrors "github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"github.com/chris-alexander-pop/reliable-bus/pkg/resilience"
)

// FailureReason classifies why a publish failed, for callers inspecting a
// PublishResult.
type FailureReason string

const (
	ReasonValidationError FailureReason = "validation_error"
	ReasonIOError         FailureReason = "io_error"
	ReasonTimeout         FailureReason = "timeout"
	ReasonPublishError    FailureReason = "publish_error"
	ReasonException       FailureReason = "exception"
)

// PublishResult is an immutable success/failure variant. Exactly one of
// the two branches is populated.
type PublishResult struct {
	Success bool
	EventID string
	Subject string

	Reason  FailureReason
	Details string
	Err     error
}

// Config controls retry shape and staleness recovery. Zero values fall
// back to the package defaults below.
type Config struct {
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// StalenessWindow is how long a row may sit in "publishing" before the
	// recovery sweep resets it to "pending".
	StalenessWindow time.Duration

	// RecoverySweepBatchSize caps how many stale rows one sweep resets.
	RecoverySweepBatchSize int
}

func (c Config) withDefaults() Config {
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 250 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 5 * time.Minute
	}
	if c.RecoverySweepBatchSize <= 0 {
		c.RecoverySweepBatchSize = 200
	}
	return c
}

// Publisher implements the algorithm in the store-then-emit contract: if
// Store is nil it degrades to a direct emit with retries and no persisted
// trail, logging a warning once.
type Publisher struct {
	cfg    Config
	store  Store
	broker broker.Broker
	locker distlock.Locker

	degradedOnce sync.Once
}

// New constructs a Publisher. store may be nil to run in degraded mode.
// locker may be nil to disable the distributed-lock guard on the recovery
// sweep (single-instance deployments).
func New(b broker.Broker, store Store, locker distlock.Locker, cfg Config) *Publisher {
	return &Publisher{cfg: cfg.withDefaults(), store: store, broker: b, locker: locker}
}

// Publish stages env under subject and emits it to the broker, returning
// an immutable result. It never panics through the public surface;
// internal errors are mapped to a failure PublishResult.
func (p *Publisher) Publish(ctx context.Context, subject string, env *envelope.Envelope) PublishResult {
	if err := env.Validate(); err != nil {
		return PublishResult{Success: false, EventID: env.EventID, Subject: subject, Reason: ReasonValidationError, Details: err.Error(), Err: err}
	}

	if p.store == nil {
		p.degradedOnce.Do(func() {
			logger.L().Warn("outbox store not configured, publishing directly with no persisted trail")
		})
		return p.directEmit(ctx, subject, env)
	}

	return p.publishViaOutbox(ctx, subject, env)
}

func (p *Publisher) publishViaOutbox(ctx context.Context, subject string, env *envelope.Envelope) PublishResult {
	payload, err := json.Marshal(env)
	if err != nil {
		return PublishResult{Success: false, EventID: env.EventID, Subject: subject, Reason: ReasonValidationError, Details: "failed to encode envelope", Err: err}
	}
	headers := map[string]string{"nats-msg-id": env.EventID}
	headersJSON, _ := json.Marshal(headers)

	row, existed, err := p.store.FindOrCreateByEventID(ctx, env.EventID, subject, payload, headersJSON)
	if err != nil {
		return PublishResult{Success: false, EventID: env.EventID, Subject: subject, Reason: ReasonException, Details: "failed to stage outbox row", Err: err}
	}
	if existed && row.Status == StatusSent {
		return PublishResult{Success: true, EventID: env.EventID, Subject: subject}
	}

	if _, err := p.store.MarkPublishing(ctx, env.EventID); err != nil {
		return PublishResult{Success: false, EventID: env.EventID, Subject: subject, Reason: ReasonException, Details: "failed to mark outbox row publishing", Err: err}
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    p.cfg.RetryMaxAttempts,
		InitialBackoff: p.cfg.RetryInitialDelay,
		MaxBackoff:     p.cfg.RetryMaxDelay,
		Multiplier:     2.0,
		Jitter:         0.2,
		RetryIf:        isRetryableTransportError,
	}

	var ack *broker.PublishAck
	emitErr := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		var err error
		ack, err = p.broker.Publish(ctx, subject, payload, headers)
		return err
	})

	if emitErr != nil {
		reason, details := classifyEmitFailure(emitErr)
		if markErr := p.store.MarkFailed(ctx, env.EventID, emitErr.Error()); markErr != nil {
			logger.L().ErrorContext(ctx, "failed to persist outbox failure", "event_id", env.EventID, "error", markErr)
		}
		return PublishResult{Success: false, EventID: env.EventID, Subject: subject, Reason: reason, Details: details, Err: emitErr}
	}

	if err := p.store.MarkSent(ctx, env.EventID, time.Now().UTC()); err != nil {
		logger.L().ErrorContext(ctx, "failed to persist outbox sent state after successful publish", "event_id", env.EventID, "error", err)
	}
	if ack != nil && ack.Duplicate {
		logger.L().InfoContext(ctx, "broker reported duplicate, treating as success", "event_id", env.EventID)
	}
	return PublishResult{Success: true, EventID: env.EventID, Subject: subject}
}

func (p *Publisher) directEmit(ctx context.Context, subject string, env *envelope.Envelope) PublishResult {
	payload, err := json.Marshal(env)
	if err != nil {
		return PublishResult{Success: false, EventID: env.EventID, Subject: subject, Reason: ReasonValidationError, Details: "failed to encode envelope", Err: err}
	}
	headers := map[string]string{"nats-msg-id": env.EventID}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    p.cfg.RetryMaxAttempts,
		InitialBackoff: p.cfg.RetryInitialDelay,
		MaxBackoff:     p.cfg.RetryMaxDelay,
		Multiplier:     2.0,
		Jitter:         0.2,
		RetryIf:        isRetryableTransportError,
	}

	emitErr := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		_, err := p.broker.Publish(ctx, subject, payload, headers)
		return err
	})
	if emitErr != nil {
		reason, details := classifyEmitFailure(emitErr)
		return PublishResult{Success: false, EventID: env.EventID, Subject: subject, Reason: reason, Details: details, Err: emitErr}
	}
	return PublishResult{Success: true, EventID: env.EventID, Subject: subject}
}

func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	return appErrors.CodeOf(err) == appErrors.CodeTransientIO
}

func classifyEmitFailure(err error) (FailureReason, string) {
	switch appErrors.CodeOf(err) {
	case appErrors.CodeTransientIO:
		return ReasonTimeout, "broker publish exhausted retries"
	case appErrors.CodeBrokerAck:
		return ReasonPublishError, "broker rejected the publish"
	default:
		return ReasonException, "unexpected error during publish"
	}
}

// recoveryLockKey names the distributed lock guarding the stale-row sweep
// so only one process instance runs it at a time.
const recoveryLockKey = "outbox-recovery-sweep"

// RunRecoverySweep resets rows stuck in "publishing" for longer than the
// configured staleness window back to "pending", so the next Publish call
// for that event_id retries from a clean state. Safe to call on a timer
// from multiple processes: the distlock (when configured) ensures only
// one sweep runs at a time.
func (p *Publisher) RunRecoverySweep(ctx context.Context) (int, error) {
	if p.store == nil {
		// Degraded mode keeps no rows, so there is nothing to sweep.
		return 0, nil
	}
	if p.locker != nil {
		lock := p.locker.NewLock(recoveryLockKey, distlock.DefaultLockConfig().TTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return 0, appErrors.Wrap(err, "failed to acquire recovery sweep lock")
		}
		if !acquired {
			// Another process instance is already sweeping; not an error.
			return 0, nil
		}
		defer func() {
			if releaseErr := lock.Release(ctx); releaseErr != nil {
				logger.L().WarnContext(ctx, "failed to release recovery sweep lock", "error", releaseErr)
			}
		}()
	}

	stale, err := p.store.FindStalePublishing(ctx, p.cfg.StalenessWindow, p.cfg.RecoverySweepBatchSize)
	if err != nil {
		return 0, appErrors.Wrap(err, "failed to query stale outbox rows")
	}

	reset := 0
	for _, row := range stale {
		if err := p.store.ResetToPending(ctx, row.EventID); err != nil {
			logger.L().ErrorContext(ctx, "failed to reset stale outbox row", "event_id", row.EventID, "error", err)
			continue
		}
		reset++
	}
	if reset > 0 {
		logger.L().Info("outbox recovery sweep reset stale rows", "count", reset)
	}
	return reset, nil
}
