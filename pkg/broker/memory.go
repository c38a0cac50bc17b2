package broker

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
)

// MemoryBroker is an in-process Broker used by tests and by callers that
// run without an ACID outbox/inbox store. It implements the same dedup
// and pull-fetch semantics as the NATS adapter closely enough to exercise
// the rest of the module without a live server, including JetStream's
// defining multi-consumer property: N durable consumers bound to
// overlapping filter subjects on the same stream each receive their own
// independent copy of a matching message, rather than competing for one
// shared backlog.
type MemoryBroker struct {
	mu sync.Mutex

	streams   map[string]StreamConfig
	consumers map[string]map[string]ConsumerConfig // stream -> durable -> config

	// log is the append-only per-stream message log. Fetch never removes
	// from it; each durable tracks its own read position instead, the way
	// a real JetStream stream retains messages independently of consumer
	// acks.
	log map[string][]*logEntry

	// states is the per-durable delivery cursor: how far into log this
	// durable has scanned, which seqs are queued for redelivery after a
	// Nak, and how many times each seq has been delivered to it.
	states map[string]map[string]*consumerState // stream -> durable -> state

	// seenMsgIDs implements the broker's dedup window: a Publish carrying
	// a message-id header already present here is reported as Duplicate.
	seenMsgIDs map[string]struct{}

	closed bool
}

// NewMemoryBroker constructs an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams:    map[string]StreamConfig{},
		consumers:  map[string]map[string]ConsumerConfig{},
		log:        map[string][]*logEntry{},
		states:     map[string]map[string]*consumerState{},
		seenMsgIDs: map[string]struct{}{},
	}
}

// logEntry is one published message, retained for the life of the stream
// regardless of which durables have consumed it.
type logEntry struct {
	seq     uint64
	subject string
	data    []byte
	headers map[string]string
}

// consumerState is one durable's private view over a stream's log.
type consumerState struct {
	nextIndex int              // log index not yet scanned by this durable
	redeliver []uint64         // seqs nak'd and due for redelivery, FIFO
	attempts  map[uint64]int   // delivery attempts per seq, scoped to this durable
}

func newConsumerState() *consumerState {
	return &consumerState{attempts: map[uint64]int{}}
}

type memoryMessage struct {
	broker   *MemoryBroker
	stream   string
	durable  string
	subject  string
	data     []byte
	headers  map[string]string
	seq      uint64
	attempts int
}

func (m *memoryMessage) Subject() string { return m.subject }
func (m *memoryMessage) Data() []byte    { return m.data }
func (m *memoryMessage) Headers() map[string]string {
	return m.headers
}
func (m *memoryMessage) Stream() string     { return m.stream }
func (m *memoryMessage) Sequence() uint64   { return m.seq }
func (m *memoryMessage) DeliveryCount() int { return m.attempts }
func (m *memoryMessage) Ack() error         { return nil }
func (m *memoryMessage) Term() error        { return nil }
func (m *memoryMessage) Nak(delay time.Duration) error {
	// Redelivery is synchronous and scoped to this durable: queue the seq
	// back onto its own redeliver list, bumping only its own attempt
	// count. Another durable holding the same seq is unaffected.
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	state := m.broker.states[m.stream][m.durable]
	state.attempts[m.seq] = m.attempts + 1
	state.redeliver = append(state.redeliver, m.seq)
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (*PublishAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New(errors.CodeUnavailable, "broker closed", nil)
	}

	msgID := headers["nats-msg-id"]
	if msgID != "" {
		if _, seen := b.seenMsgIDs[msgID]; seen {
			return &PublishAck{Duplicate: true}, nil
		}
		b.seenMsgIDs[msgID] = struct{}{}
	}

	stream := b.streamForSubject(subject)
	if stream == "" {
		return nil, errors.New(errors.CodeNotFound, "no stream configured for subject "+subject, nil)
	}

	seq := uint64(len(b.log[stream]) + 1)
	hdrCopy := make(map[string]string, len(headers))
	for k, v := range headers {
		hdrCopy[k] = v
	}
	b.log[stream] = append(b.log[stream], &logEntry{
		seq:     seq,
		subject: subject,
		data:    append([]byte(nil), data...),
		headers: hdrCopy,
	})
	return &PublishAck{}, nil
}

func (b *MemoryBroker) streamForSubject(subject string) string {
	for name, cfg := range b.streams {
		for _, pattern := range cfg.Subjects {
			if subjectMatchesPattern(pattern, subject) {
				return name
			}
		}
	}
	return ""
}

// subjectMatchesPattern is a standalone copy of envelope.Matches's token
// algorithm; pkg/broker must not import pkg/envelope; it is itself a
// prerequisite (a broker must exist before messages can be routed).
func subjectMatchesPattern(pattern, concrete string) bool {
	p := splitOn(pattern, '.')
	c := splitOn(concrete, '.')
	for i, tok := range p {
		if tok == ">" {
			return i < len(c)
		}
		if i >= len(c) {
			return false
		}
		if tok != "*" && tok != c[i] {
			return false
		}
	}
	return len(p) == len(c)
}

func splitOn(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func (b *MemoryBroker) PullSubscribe(ctx context.Context, stream, filterSubject, durable string, cfg ConsumerConfig) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[stream]; !ok {
		b.consumers[stream] = map[string]ConsumerConfig{}
	}
	cfg.Durable = durable
	cfg.FilterSubject = filterSubject
	b.consumers[stream][durable] = cfg

	if _, ok := b.states[stream]; !ok {
		b.states[stream] = map[string]*consumerState{}
	}
	if _, ok := b.states[stream][durable]; !ok {
		b.states[stream][durable] = newConsumerState()
	}

	return &memorySubscription{broker: b, stream: stream, durable: durable, filterSubject: filterSubject}, nil
}

type memorySubscription struct {
	broker        *MemoryBroker
	stream        string
	durable       string
	filterSubject string
	drained       bool
}

func (s *memorySubscription) Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Message, error) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if s.drained {
		return nil, errors.New(errors.CodeUnavailable, "subscription drained", nil)
	}

	state := s.broker.states[s.stream][s.durable]
	log := s.broker.log[s.stream]

	var out []Message

	var stillPending []uint64
	for _, seq := range state.redeliver {
		if len(out) >= batch {
			stillPending = append(stillPending, seq)
			continue
		}
		entry := log[seq-1]
		out = append(out, &memoryMessage{
			broker: s.broker, stream: s.stream, durable: s.durable,
			subject: entry.subject, data: entry.data, headers: entry.headers,
			seq: seq, attempts: state.attempts[seq],
		})
	}
	state.redeliver = stillPending

	for len(out) < batch && state.nextIndex < len(log) {
		entry := log[state.nextIndex]
		state.nextIndex++
		if !subjectMatchesPattern(s.filterSubject, entry.subject) {
			continue
		}
		state.attempts[entry.seq] = 1
		out = append(out, &memoryMessage{
			broker: s.broker, stream: s.stream, durable: s.durable,
			subject: entry.subject, data: entry.data, headers: entry.headers,
			seq: entry.seq, attempts: 1,
		})
	}
	return out, nil
}

func (s *memorySubscription) Drain() error {
	s.drained = true
	return nil
}

func (b *MemoryBroker) AddStream(ctx context.Context, cfg StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[cfg.Name] = cfg
	if _, ok := b.log[cfg.Name]; !ok {
		b.log[cfg.Name] = nil
	}
	return nil
}

func (b *MemoryBroker) StreamInfo(ctx context.Context, name string) (*StreamConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.streams[name]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "stream "+name+" not found", nil)
	}
	return &cfg, nil
}

func (b *MemoryBroker) AddConsumer(ctx context.Context, stream string, cfg ConsumerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[stream]; !ok {
		b.consumers[stream] = map[string]ConsumerConfig{}
	}
	b.consumers[stream][cfg.Durable] = cfg
	return nil
}

func (b *MemoryBroker) ConsumerInfo(ctx context.Context, stream, durable string) (*ConsumerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	consumers, ok := b.consumers[stream]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "stream "+stream+" not found", nil)
	}
	cfg, ok := consumers[durable]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "consumer "+durable+" not found", nil)
	}
	return &ConsumerInfo{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		BackoffMS:     cfg.BackoffMS,
	}, nil
}

func (b *MemoryBroker) DeleteConsumer(ctx context.Context, stream, durable string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if consumers, ok := b.consumers[stream]; ok {
		delete(consumers, durable)
	}
	if states, ok := b.states[stream]; ok {
		delete(states, durable)
	}
	return nil
}

func (b *MemoryBroker) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
