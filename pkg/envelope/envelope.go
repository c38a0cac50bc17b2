// Package envelope defines the canonical message shape carried over the
// broker and staged in the outbox/inbox, plus the Subject type used to
// route it.
package envelope

import (
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/google/uuid"
)

// Envelope is the wire and storage form of a message. It models two
// mutually-exclusive-ish shapes as a single tagged struct: the topic form
// (Topic + Message) and the legacy form (Domain/Resource/Action + Payload).
// Unknown fields on read are tolerated by the broker/store layers that
// decode raw bytes into this struct; they are simply absent here.
type Envelope struct {
	EventID       string    `json:"event_id"`
	SchemaVersion int       `json:"schema_version"`
	Producer      string    `json:"producer"`
	OccurredAt    time.Time `json:"occurred_at"`
	TraceID       string    `json:"trace_id,omitempty"`

	// ContentType describes how Message/Payload is encoded. Every
	// constructor in this package defaults it to "application/json"; it
	// exists so a future serializer can be swapped in without a schema
	// version bump.
	ContentType string `json:"content_type,omitempty"`

	// Topic form.
	Topic   string         `json:"topic,omitempty"`
	Message map[string]any `json:"message,omitempty"`

	// Legacy domain/resource/action form.
	Domain   string         `json:"domain,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Action   string         `json:"action,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	MessageType string `json:"message_type,omitempty"`
}

// CurrentSchemaVersion is the monotonic envelope schema version this
// package produces. It never decreases.
const CurrentSchemaVersion = 1

// BuildOptions carries the optional overrides accepted by the two
// constructors. EventID and TraceID are generated when left empty.
type BuildOptions struct {
	EventID     string
	TraceID     string
	MessageType string
}

// BuildTopicEnvelope constructs a topic-form envelope. message may be nil,
// in which case an empty map is stored.
func BuildTopicEnvelope(producer, topic string, message map[string]any, opts BuildOptions) (*Envelope, error) {
	if topic == "" {
		return nil, errors.New(errors.CodeInvalidEnvelope, "topic is required for topic-form envelope", nil)
	}
	if message == nil {
		message = map[string]any{}
	}
	env := newBaseEnvelope(producer, opts)
	env.Topic = topic
	env.Message = message
	return env, nil
}

// BuildEventEnvelope constructs a legacy domain/resource/action envelope.
func BuildEventEnvelope(producer, domain, resource, action string, payload map[string]any, opts BuildOptions) (*Envelope, error) {
	if domain == "" || resource == "" || action == "" {
		return nil, errors.New(errors.CodeInvalidEnvelope, "domain, resource and action are all required for event-form envelope", nil)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	env := newBaseEnvelope(producer, opts)
	env.Domain = domain
	env.Resource = resource
	env.Action = action
	env.Payload = payload
	return env, nil
}

func newBaseEnvelope(producer string, opts BuildOptions) *Envelope {
	eventID := opts.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Envelope{
		EventID:       eventID,
		SchemaVersion: CurrentSchemaVersion,
		Producer:      producer,
		OccurredAt:    time.Now().UTC(),
		TraceID:       traceID,
		ContentType:   "application/json",
		MessageType:   opts.MessageType,
	}
}

// IsTopicForm reports whether this envelope was built via the topic form.
func (e *Envelope) IsTopicForm() bool {
	return e.Topic != ""
}

// IsEventForm reports whether this envelope was built via the legacy
// domain/resource/action form.
func (e *Envelope) IsEventForm() bool {
	return e.Domain != "" || e.Resource != "" || e.Action != ""
}

// Validate rejects an envelope that is missing required fields or is
// ambiguous (neither form, or an incomplete legacy form).
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return errors.New(errors.CodeInvalidEnvelope, "event_id is required", nil)
	}
	if e.SchemaVersion == 0 {
		return errors.New(errors.CodeInvalidEnvelope, "schema_version is required", nil)
	}
	if e.Producer == "" {
		return errors.New(errors.CodeInvalidEnvelope, "producer is required", nil)
	}
	if e.OccurredAt.IsZero() {
		return errors.New(errors.CodeInvalidEnvelope, "occurred_at is required", nil)
	}

	// The two forms may coexist (a legacy event re-published under a topic),
	// but at least one must be present, and a partial legacy form is
	// ambiguous rather than valid.
	switch {
	case !e.IsTopicForm() && !e.IsEventForm():
		return errors.New(errors.CodeInvalidEnvelope, "envelope must set either topic or domain/resource/action", nil)
	case e.IsEventForm() && (e.Domain == "" || e.Resource == "" || e.Action == ""):
		return errors.New(errors.CodeInvalidEnvelope, "domain, resource and action are all required for event-form envelope", nil)
	}
	return nil
}
