package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	appErrors "github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/inbox"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"github.com/chris-alexander-pop/reliable-bus/pkg/retry"
)

// dispatch decodes one delivery and runs every handler bound to group
// against it, then resolves the broker outcome jointly: dlq beats nak
// beats ack, so one permanently-failing subscriber dead-letters the whole
// delivery rather than leaving it acked for some handlers and stuck for
// others.
func dispatch(ctx context.Context, group *Group, msg broker.Message, inboxProc *inbox.Processor, dlq *retry.DLQPublisher) {
	var env envelope.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		logger.L().ErrorContext(ctx, "discarding malformed message, failed to decode envelope", "subject", msg.Subject(), "error", err)
		ackMsg(ctx, msg)
		return
	}
	if err := env.Validate(); err != nil {
		logger.L().ErrorContext(ctx, "discarding invalid envelope", "subject", msg.Subject(), "error", err)
		ackMsg(ctx, msg)
		return
	}

	attempt := msg.DeliveryCount()
	worst := retry.DecisionAck
	var worstErr error

	for _, b := range group.bindings {
		var err error
		if group.Opts.UseInbox && inboxProc != nil {
			_, err = inboxProc.Process(ctx, msg, &env, group.Pattern, inbox.Handler(b.handler))
		} else {
			mctx := envelope.BuildMessageContext(&env, msg.Subject(), attempt, msg.Stream(), msg.Sequence())
			err = b.handler(ctx, &env, mctx)
		}
		if err == nil {
			continue
		}

		decision := retry.Decide(ctx, retry.ErrorContext{
			Error: err, Subject: msg.Subject(), AttemptNumber: attempt, MaxAttempts: b.opts.MaxDeliver,
		}, b.opts.ErrorPolicy)
		if worsens(worst, decision) {
			worst = decision
			worstErr = err
		}
	}

	resolve(ctx, msg, &env, group, worst, worstErr, attempt, dlq)
}

// worsens reports whether candidate is a stricter outcome than current.
// Ordering is ack < nak < dlq.
func worsens(current, candidate retry.Decision) bool {
	rank := map[retry.Decision]int{retry.DecisionAck: 0, retry.DecisionNak: 1, retry.DecisionDLQ: 2}
	return rank[candidate] > rank[current]
}

func resolve(ctx context.Context, msg broker.Message, env *envelope.Envelope, group *Group, decision retry.Decision, failureErr error, attempt int, dlq *retry.DLQPublisher) {
	switch decision {
	case retry.DecisionDLQ:
		if failureErr == nil {
			failureErr = appErrors.New(appErrors.CodeUnrecoverable, "dead-lettered without a recorded cause", nil)
		}
		if dlq != nil {
			if err := dlq.Publish(ctx, env, retry.Classify(failureErr), failureErr, attempt); err != nil {
				logger.L().ErrorContext(ctx, "dlq publish failed, leaving message for broker redelivery", "event_id", env.EventID, "error", err)
				nakMsg(ctx, msg, group)
				return
			}
		}
		termMsg(ctx, msg)
	case retry.DecisionNak:
		nakMsg(ctx, msg, group)
	default:
		ackMsg(ctx, msg)
	}
}

func backoffFor(group *Group, attempt int) time.Duration {
	steps := group.Opts.BackoffMS
	if len(steps) == 0 {
		return time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	return time.Duration(steps[idx]) * time.Millisecond
}

func ackMsg(ctx context.Context, msg broker.Message) {
	if err := msg.Ack(); err != nil {
		logger.L().ErrorContext(ctx, "failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

func nakMsg(ctx context.Context, msg broker.Message, group *Group) {
	if err := msg.Nak(backoffFor(group, msg.DeliveryCount())); err != nil {
		logger.L().ErrorContext(ctx, "failed to nak message", "subject", msg.Subject(), "error", err)
	}
}

func termMsg(ctx context.Context, msg broker.Message) {
	if err := msg.Term(); err != nil {
		logger.L().ErrorContext(ctx, "failed to term message", "subject", msg.Subject(), "error", err)
	}
}
