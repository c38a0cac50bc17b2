package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/concurrency"
	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
	"github.com/nats-io/nats.go"
)

// NATSBroker adapts Broker to a real JetStream connection. Connection
// establishment is lazy, idempotent and serialized by connMu; topology
// setup (stream/consumer management) is driven separately by pkg/topology
// through the same instance.
type NATSBroker struct {
	cfg Config

	connMu *concurrency.SmartMutex
	conn   *nats.Conn
	js     nats.JetStreamContext
}

// NewNATSBroker constructs an adapter but does not connect yet; call
// Connect before first use.
func NewNATSBroker(cfg Config) *NATSBroker {
	return &NATSBroker{
		cfg:    cfg,
		connMu: concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "nats-broker-conn"}),
	}
}

// Connect lazily establishes the connection and JetStream context. It is
// safe to call repeatedly and from multiple goroutines; only the first
// caller pays the connection cost.
func (b *NATSBroker) Connect(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}

	opts, err := b.dialOptions()
	if err != nil {
		return err
	}

	conn, err := nats.Connect(b.cfg.NatsURLs, opts...)
	if err != nil {
		return errors.New(errors.CodeUnavailable, "failed to connect to nats", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return errors.New(errors.CodeUnavailable, "failed to create jetstream context", err)
	}

	b.conn = conn
	b.js = js
	return nil
}

func (b *NATSBroker) dialOptions() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(b.cfg.AppName),
		nats.Timeout(b.cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.L().Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.L().Info("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.L().Error("nats async error", "subject", subject, "error", err)
		}),
	}

	switch {
	case b.cfg.AuthToken != "":
		opts = append(opts, nats.Token(b.cfg.AuthToken))
	case b.cfg.AuthUser != "":
		opts = append(opts, nats.UserInfo(b.cfg.AuthUser, b.cfg.AuthPassword))
	case b.cfg.NkeysSeed != "":
		opt, err := nats.NkeyOptionFromSeed(b.cfg.NkeysSeed)
		if err != nil {
			return nil, errors.New(errors.CodeConfiguration, "invalid nkeys seed", err)
		}
		opts = append(opts, opt)
	case b.cfg.UserCredentials != "":
		opts = append(opts, nats.UserCredentials(b.cfg.UserCredentials))
	}

	if b.cfg.TLSCertFile != "" && b.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
		if err != nil {
			return nil, errors.New(errors.CodeConfiguration, "failed to load tls keypair", err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		if b.cfg.TLSCAFile != "" {
			pool := x509.NewCertPool()
			pem, err := os.ReadFile(b.cfg.TLSCAFile)
			if err != nil {
				return nil, errors.New(errors.CodeConfiguration, "failed to read tls ca file", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.New(errors.CodeConfiguration, "failed to parse tls ca file", nil)
			}
			tlsConfig.RootCAs = pool
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	return opts, nil
}

func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (*PublishAck, error) {
	if b.js == nil {
		return nil, errors.New(errors.CodeUnavailable, "broker not connected", nil)
	}

	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	ack, err := b.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return nil, classifyPublishError(err)
	}
	return &PublishAck{Duplicate: ack.Duplicate}, nil
}

func classifyPublishError(err error) error {
	switch {
	case err == nats.ErrTimeout || err == nats.ErrNoResponders || err == nats.ErrConnectionClosed || err == nats.ErrConnectionDraining:
		return errors.New(errors.CodeTransientIO, "publish failed", err)
	default:
		return errors.New(errors.CodeBrokerAck, "publish rejected by broker", err)
	}
}

func (b *NATSBroker) PullSubscribe(ctx context.Context, stream, filterSubject, durable string, cfg ConsumerConfig) (Subscription, error) {
	if b.js == nil {
		return nil, errors.New(errors.CodeUnavailable, "broker not connected", nil)
	}

	sub, err := b.js.PullSubscribe(filterSubject, durable,
		nats.BindStream(stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.AckWait(cfg.AckWait),
		nats.Context(ctx),
	)
	if err != nil {
		return nil, errors.New(errors.CodeBrokerAck, fmt.Sprintf("failed to bind pull consumer %s", durable), err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBroker) AddStream(ctx context.Context, cfg StreamConfig) error {
	if b.js == nil {
		return errors.New(errors.CodeUnavailable, "broker not connected", nil)
	}

	streamCfg := &nats.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
		MaxAge:   cfg.MaxAge,
		MaxBytes: cfg.MaxBytes,
		MaxMsgs:  cfg.MaxMsgs,
		Storage:  storagePolicy(cfg.Storage),
	}

	if _, err := b.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if _, err := b.js.AddStream(streamCfg, nats.Context(ctx)); err != nil {
			return errors.New(errors.CodeInternal, fmt.Sprintf("failed to create stream %s", cfg.Name), err)
		}
		return nil
	}

	if _, err := b.js.UpdateStream(streamCfg, nats.Context(ctx)); err != nil {
		return errors.New(errors.CodeInternal, fmt.Sprintf("failed to update stream %s", cfg.Name), err)
	}
	return nil
}

func storagePolicy(storage string) nats.StorageType {
	if storage == "memory" {
		return nats.MemoryStorage
	}
	return nats.FileStorage
}

func (b *NATSBroker) StreamInfo(ctx context.Context, name string) (*StreamConfig, error) {
	if b.js == nil {
		return nil, errors.New(errors.CodeUnavailable, "broker not connected", nil)
	}
	info, err := b.js.StreamInfo(name, nats.Context(ctx))
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("stream %s not found", name), err)
	}
	storage := "file"
	if info.Config.Storage == nats.MemoryStorage {
		storage = "memory"
	}
	return &StreamConfig{
		Name:     info.Config.Name,
		Subjects: info.Config.Subjects,
		MaxAge:   info.Config.MaxAge,
		MaxBytes: info.Config.MaxBytes,
		MaxMsgs:  info.Config.MaxMsgs,
		Storage:  storage,
	}, nil
}

func (b *NATSBroker) AddConsumer(ctx context.Context, stream string, cfg ConsumerConfig) error {
	if b.js == nil {
		return errors.New(errors.CodeUnavailable, "broker not connected", nil)
	}

	_, err := b.js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		BackOff:       backoffDurations(cfg.BackoffMS),
	}, nats.Context(ctx))
	if err != nil {
		return errors.New(errors.CodeInternal, fmt.Sprintf("failed to create consumer %s", cfg.Durable), err)
	}
	return nil
}

func backoffDurations(ms []int64) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

func (b *NATSBroker) ConsumerInfo(ctx context.Context, stream, durable string) (*ConsumerInfo, error) {
	if b.js == nil {
		return nil, errors.New(errors.CodeUnavailable, "broker not connected", nil)
	}
	info, err := b.js.ConsumerInfo(stream, durable, nats.Context(ctx))
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("consumer %s not found", durable), err)
	}

	backoffMS := make([]int64, len(info.Config.BackOff))
	for i, d := range info.Config.BackOff {
		backoffMS[i] = d.Milliseconds()
	}

	return &ConsumerInfo{
		Durable:       info.Config.Durable,
		FilterSubject: info.Config.FilterSubject,
		MaxDeliver:    info.Config.MaxDeliver,
		AckWait:       info.Config.AckWait,
		BackoffMS:     backoffMS,
	}, nil
}

func (b *NATSBroker) DeleteConsumer(ctx context.Context, stream, durable string) error {
	if b.js == nil {
		return errors.New(errors.CodeUnavailable, "broker not connected", nil)
	}
	if err := b.js.DeleteConsumer(stream, durable, nats.Context(ctx)); err != nil {
		return errors.New(errors.CodeInternal, fmt.Sprintf("failed to delete consumer %s", durable), err)
	}
	return nil
}

func (b *NATSBroker) Healthy(ctx context.Context) bool {
	return b.conn != nil && b.conn.IsConnected() && b.js != nil
}

func (b *NATSBroker) Close() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Message, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(timeout))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		if strings.Contains(err.Error(), "no responders") || err == nats.ErrNoResponders {
			return nil, errors.New(errors.CodeBrokerAck, "no responders for fetch", err)
		}
		return nil, errors.New(errors.CodeTransientIO, "fetch failed", err)
	}

	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = &natsMessage{msg: m}
	}
	return out, nil
}

func (s *natsSubscription) Drain() error {
	return s.sub.Drain()
}

type natsMessage struct {
	msg *nats.Msg
}

func (m *natsMessage) Subject() string {
	return m.msg.Subject
}

func (m *natsMessage) Data() []byte {
	return m.msg.Data
}

func (m *natsMessage) Headers() map[string]string {
	out := map[string]string{}
	for k, v := range m.msg.Header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (m *natsMessage) Stream() string {
	meta, err := m.msg.Metadata()
	if err != nil {
		return ""
	}
	return meta.Stream
}

func (m *natsMessage) Sequence() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (m *natsMessage) DeliveryCount() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (m *natsMessage) Ack() error {
	return m.msg.Ack()
}

func (m *natsMessage) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}

func (m *natsMessage) Term() error {
	return m.msg.Term()
}
