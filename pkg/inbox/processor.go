// Package inbox implements idempotent receive: a handler is invoked to
// completion at most once per logical event, regardless of how many times
// the broker redelivers the underlying message.
package inbox

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
)

// Handler is a subscriber body: given the decoded envelope and its
// MessageContext, do the work and return an error to signal failure.
type Handler func(ctx context.Context, env *envelope.Envelope, mctx envelope.MessageContext) error

// Processor wraps a Handler with the dedup algorithm. One Processor can
// be shared by every subscriber that opts into inbox dedup.
type Processor struct {
	store Store
}

func New(store Store) *Processor {
	return &Processor{store: store}
}

// Process runs the 7-step inbox algorithm: look up or insert the dedup
// row, short-circuit if already processed, mark processing, invoke
// handler, then persist the terminal state. It returns whether the broker
// message should be acked (true) or left for the retry/DLQ layer (false).
//
// group scopes the dedup row to the subscriber group (durable pattern)
// that received this delivery: the same published event is delivered once
// per matching pattern, and each of those deliveries is dedup'd and
// processed independently, so two overlapping patterns both invoke their
// own handler exactly once instead of racing to mark one shared row
// processed.
func (p *Processor) Process(ctx context.Context, msg broker.Message, env *envelope.Envelope, group string, handler Handler) (acked bool, err error) {
	key := keyFor(env, msg, group)
	subject := msg.Subject()

	row, existed, err := p.store.FindOrCreate(ctx, key, subject)
	if err != nil {
		return false, errors.Wrap(err, "failed to stage inbox row")
	}

	if existed && row.Status == StatusProcessed {
		// A redelivery of an already-completed event: ack without
		// invoking the handler again.
		logger.L().InfoContext(ctx, "inbox short-circuit: event already processed", "event_id", key.EventID, "subject", subject)
		return true, nil
	}

	row, err = p.store.MarkProcessing(ctx, row.ID, msg.DeliveryCount())
	if err != nil {
		return false, errors.Wrap(err, "failed to mark inbox row processing")
	}

	mctx := envelope.BuildMessageContext(env, subject, msg.DeliveryCount(), msg.Stream(), msg.Sequence())

	handlerErr := handler(ctx, env, mctx)
	if handlerErr != nil {
		if markErr := p.store.MarkFailed(ctx, row.ID, handlerErr.Error()); markErr != nil {
			logger.L().ErrorContext(ctx, "failed to persist inbox failure", "event_id", key.EventID, "error", markErr)
		}
		return false, handlerErr
	}

	if err := p.store.MarkProcessed(ctx, row.ID, time.Now().UTC()); err != nil {
		// Between "persisted processed" and "broker ack" the system
		// prefers duplicate work over a missed ack: even though this
		// write failed, the caller still acks, and a future redelivery
		// will reattempt step 3 and may reprocess once more.
		logger.L().ErrorContext(ctx, "failed to persist inbox processed state", "event_id", key.EventID, "error", err)
	}
	return true, nil
}

func keyFor(env *envelope.Envelope, msg broker.Message, group string) Key {
	if env.EventID != "" {
		return Key{Group: group, EventID: env.EventID}
	}
	return Key{Group: group, Stream: msg.Stream(), StreamSeq: msg.Sequence()}
}
