package retry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	appErrors "github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"github.com/chris-alexander-pop/reliable-bus/pkg/resilience"
)

// DLQEnvelope wraps the original envelope with the terminal failure
// annotation it carries once dead-lettered.
type DLQEnvelope struct {
	Original     *envelope.Envelope `json:"original"`
	ErrorClass   Class              `json:"error_class"`
	ErrorMessage string             `json:"error_message"`
	FinalAttempt int                `json:"final_attempt"`
	FailedAt     time.Time          `json:"failed_at"`
	Subject      string             `json:"subject"`
}

// DLQConfig controls the retry shape of the DLQ publish itself; a DLQ
// publish that can't get through is retried the same way a normal publish
// is, since losing the only remaining record of a permanently failed
// message is worse than a slow publish.
type DLQConfig struct {
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

func (c DLQConfig) withDefaults() DLQConfig {
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 250 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	return c
}

// DLQPublisher publishes terminally-failed messages to a dedicated DLQ
// subject. It reuses the broker directly rather than the outbox's
// store-then-emit path: the DLQ subject lives on its own stream with its
// own retention, and a missing persisted trail for a dead-lettered message
// is acceptable since the message itself is the record.
type DLQPublisher struct {
	cfg     DLQConfig
	b       broker.Broker
	subject string
}

func NewDLQPublisher(b broker.Broker, subject string, cfg DLQConfig) *DLQPublisher {
	return &DLQPublisher{cfg: cfg.withDefaults(), b: b, subject: subject}
}

// Publish emits env as a DLQEnvelope to the DLQ subject. The message-id
// header is derived from the original event_id so a redelivered message
// that is dead-lettered twice (e.g. after a crash between Term and the
// router observing it) does not duplicate the DLQ entry.
func (d *DLQPublisher) Publish(ctx context.Context, env *envelope.Envelope, class Class, failureErr error, attempt int) error {
	dlqEnv := DLQEnvelope{
		Original:     env,
		ErrorClass:   class,
		ErrorMessage: failureErr.Error(),
		FinalAttempt: attempt,
		FailedAt:     time.Now().UTC(),
		Subject:      d.subject,
	}
	payload, err := json.Marshal(dlqEnv)
	if err != nil {
		return appErrors.Wrap(err, "failed to encode dlq envelope")
	}
	headers := map[string]string{"nats-msg-id": "dlq-" + env.EventID}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    d.cfg.RetryMaxAttempts,
		InitialBackoff: d.cfg.RetryInitialDelay,
		MaxBackoff:     d.cfg.RetryMaxDelay,
		Multiplier:     2.0,
		Jitter:         0.2,
		RetryIf: func(err error) bool {
			return appErrors.CodeOf(err) == appErrors.CodeTransientIO
		},
	}

	emitErr := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		_, err := d.b.Publish(ctx, d.subject, payload, headers)
		return err
	})
	if emitErr != nil {
		logger.L().ErrorContext(ctx, "failed to publish to dlq, message is dropped", "event_id", env.EventID, "error", emitErr)
		return appErrors.Wrap(emitErr, "failed to publish to dlq")
	}
	return nil
}
