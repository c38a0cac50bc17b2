// Package retry implements the error classification and DLQ state
// machine that decides, for each failed subscriber invocation, whether to
// discard, nak-with-backoff, or dead-letter a message.
package retry

import (
	"context"

	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
)

// Class buckets a handler failure for the default policy.
type Class string

const (
	ClassMalformed    Class = "malformed"
	ClassUnrecoverable Class = "unrecoverable"
	ClassTransient    Class = "transient"
)

// Decision is what the router should do with the in-flight broker message.
type Decision string

const (
	DecisionAck     Decision = "ack"     // discard: ack and drop
	DecisionNak     Decision = "nak"     // retry: nak with next backoff step
	DecisionDLQ     Decision = "dlq"     // terminate delivery, publish to DLQ
)

// ErrorContext is passed to a subscriber's optional error-policy hook.
type ErrorContext struct {
	Error         error
	Subject       string
	AttemptNumber int
	MaxAttempts   int
}

// Override is the value a subscriber's error-policy hook may return.
// Anything outside RETRY/DISCARD/DLQ is logged and replaced by the
// default classification.
type Override string

const (
	OverrideRetry   Override = "RETRY"
	OverrideDiscard Override = "DISCARD"
	OverrideDLQ     Override = "DLQ"
)

// ErrorPolicy is a per-subscriber hook overriding the default
// classification. It may return "" (or any value outside Override's set)
// to defer to the default.
type ErrorPolicy func(ec ErrorContext) Override

// Classify maps err to a Class using its error code. Decode/validation
// errors are malformed; errors.CodeUnrecoverable is unrecoverable;
// everything else recognized as IO/timeout is transient; anything
// unclassified defaults to transient so it gets a bounded number of
// retries rather than silently vanishing.
func Classify(err error) Class {
	switch errors.CodeOf(err) {
	case errors.CodeInvalidEnvelope, errors.CodeInvalidSubject:
		return ClassMalformed
	case errors.CodeUnrecoverable:
		return ClassUnrecoverable
	default:
		return ClassTransient
	}
}

// Decide applies the per-subscriber override (if any) then the default
// policy: malformed discards, unrecoverable DLQs, and transient naks. A
// transient failure (or a RETRY override) at attempt_number >=
// max_attempts moves to DLQ instead of nak; a malformed failure is
// discarded at any attempt.
func Decide(ctx context.Context, ec ErrorContext, policy ErrorPolicy) Decision {
	if policy != nil {
		switch policy(ec) {
		case OverrideRetry:
			return capAtMaxAttempts(ec, DecisionNak)
		case OverrideDiscard:
			return DecisionAck
		case OverrideDLQ:
			return DecisionDLQ
		case "":
			// Defer to default below.
		default:
			logger.L().WarnContext(ctx, "error policy hook returned an unrecognized override, using default classification", "subject", ec.Subject)
		}
	}

	class := Classify(ec.Error)
	switch class {
	case ClassMalformed:
		return DecisionAck
	case ClassUnrecoverable:
		return DecisionDLQ
	default:
		return capAtMaxAttempts(ec, DecisionNak)
	}
}

func capAtMaxAttempts(ec ErrorContext, preferred Decision) Decision {
	if ec.MaxAttempts > 0 && ec.AttemptNumber >= ec.MaxAttempts {
		return DecisionDLQ
	}
	return preferred
}
