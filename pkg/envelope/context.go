package envelope

import "time"

// MessageContext is the immutable value passed to every subscriber
// invocation. It is built once per delivery by the router (or by the
// inbox processor, when inbox dedup wraps the call) and never mutated.
type MessageContext struct {
	EventID       string
	Subject       string
	Topic         string
	TraceID       string
	CorrelationID string
	OccurredAt    time.Time
	Deliveries    int
	Stream        string
	StreamSeq     uint64
	Producer      string

	// Legacy fields, present only when the envelope used the domain/
	// resource/action form.
	Domain   string
	Resource string
	Action   string
}

// BuildMessageContext derives a MessageContext from a decoded envelope and
// the delivery metadata the broker reports for this message.
func BuildMessageContext(env *Envelope, subject string, deliveries int, stream string, streamSeq uint64) MessageContext {
	return MessageContext{
		EventID:       env.EventID,
		Subject:       subject,
		Topic:         env.Topic,
		TraceID:       env.TraceID,
		CorrelationID: env.TraceID,
		OccurredAt:    env.OccurredAt,
		Deliveries:    deliveries,
		Stream:        stream,
		StreamSeq:     streamSeq,
		Producer:      env.Producer,
		Domain:        env.Domain,
		Resource:      env.Resource,
		Action:        env.Action,
	}
}
