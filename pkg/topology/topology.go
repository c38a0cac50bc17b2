// Package topology manages the broker-side shape this module depends on:
// one stream per environment/app, and one durable pull consumer per
// declared subscription pattern. It reconciles live configuration against
// the declared one on startup and whenever the router observes a
// recoverable broker error.
package topology

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/concurrency/distlock"
	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/logger"
)

// Subscription is one declared subscriber pattern, the unit the manager
// reconciles into a durable consumer.
type Subscription struct {
	Pattern    string // dotted pattern, possibly with * or >, without env/app prefix
	MaxDeliver int
	AckWait    time.Duration
	BackoffMS  []int64
}

// StreamSpec describes the main and DLQ streams to ensure at startup.
type StreamSpec struct {
	Env       string
	AppName   string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Storage   string
	DLQSuffix string
}

func (s StreamSpec) streamName() string {
	return sanitizeName(fmt.Sprintf("%s-%s", s.Env, s.AppName))
}

func (s StreamSpec) dlqSuffix() string {
	if s.DLQSuffix == "" {
		return "dlq"
	}
	return s.DLQSuffix
}

// Manager owns stream and durable-consumer lifecycle.
type Manager struct {
	b      broker.Broker
	spec   StreamSpec
	locker distlock.Locker
}

func New(b broker.Broker, spec StreamSpec, locker distlock.Locker) *Manager {
	return &Manager{b: b, spec: spec, locker: locker}
}

const reconcileLockKey = "topology-reconcile"

// EnsureStreams creates or updates the main stream (filtered to
// "{env}.{app}.>") and the DLQ stream (filtered to "{env}.{app}.{suffix}").
func (m *Manager) EnsureStreams(ctx context.Context) error {
	stream := m.spec.streamName()
	prefix := fmt.Sprintf("%s.%s", m.spec.Env, m.spec.AppName)

	if err := m.b.AddStream(ctx, broker.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		MaxAge:   m.spec.MaxAge,
		MaxBytes: m.spec.MaxBytes,
		MaxMsgs:  m.spec.MaxMsgs,
		Storage:  m.spec.Storage,
	}); err != nil {
		return errors.Wrap(err, "failed to ensure main stream")
	}

	dlqStream := stream + "-" + m.spec.dlqSuffix()
	if err := m.b.AddStream(ctx, broker.StreamConfig{
		Name:     dlqStream,
		Subjects: []string{prefix + "." + m.spec.dlqSuffix()},
		MaxAge:   30 * 24 * time.Hour,
		Storage:  m.spec.Storage,
	}); err != nil {
		return errors.Wrap(err, "failed to ensure dlq stream")
	}
	return nil
}

// StreamName returns the main stream name, for callers (the router) that
// need it to bind a pull consumer.
func (m *Manager) StreamName() string {
	return m.spec.streamName()
}

// DLQSubject returns the concrete DLQ subject for this env/app.
func (m *Manager) DLQSubject() string {
	return fmt.Sprintf("%s.%s.%s", m.spec.Env, m.spec.AppName, m.spec.dlqSuffix())
}

// DurableName derives a durable consumer name from the app name and a
// declared pattern: ".>"->"-all", ".*"->"-wildcard", then "."->"-", then
// strip non [A-Za-z0-9_-], then truncate to 100 chars.
func DurableName(appName, pattern string) string {
	name := appName + "-" + pattern
	name = strings.ReplaceAll(name, ".>", "-all")
	name = strings.ReplaceAll(name, ".*", "-wildcard")
	name = strings.ReplaceAll(name, ".", "-")
	name = nonDurableChars.ReplaceAllString(name, "")
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

var nonDurableChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func sanitizeName(s string) string {
	return nonDurableChars.ReplaceAllString(s, "-")
}

// ReconcileAll ensures one durable consumer per declared subscription,
// recreating any whose live config has drifted from the declared shape.
// Guarded by the distlock (when configured) so only one process instance
// reconciles at a time; an instance that finds the lock held skips
// reconciliation and returns nil.
func (m *Manager) ReconcileAll(ctx context.Context, subs []Subscription) error {
	if m.locker != nil {
		lock := m.locker.NewLock(reconcileLockKey, distlock.DefaultLockConfig().TTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to acquire topology reconcile lock")
		}
		if !acquired {
			logger.L().InfoContext(ctx, "topology reconcile already running on another instance, skipping")
			return nil
		}
		defer func() {
			if releaseErr := lock.Release(ctx); releaseErr != nil {
				logger.L().WarnContext(ctx, "failed to release topology reconcile lock", "error", releaseErr)
			}
		}()
	}

	stream := m.spec.streamName()
	prefix := fmt.Sprintf("%s.%s", m.spec.Env, m.spec.AppName)

	for _, sub := range subs {
		durable := DurableName(m.spec.AppName, sub.Pattern)
		filterSubject := prefix + "." + sub.Pattern
		desired := broker.ConsumerConfig{
			Durable:       durable,
			FilterSubject: filterSubject,
			MaxDeliver:    sub.MaxDeliver,
			AckWait:       sub.AckWait,
			BackoffMS:     sub.BackoffMS,
		}

		if err := m.reconcileOne(ctx, stream, desired); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, stream string, desired broker.ConsumerConfig) error {
	live, err := m.b.ConsumerInfo(ctx, stream, desired.Durable)
	if err != nil {
		// Missing: create.
		if createErr := m.b.AddConsumer(ctx, stream, desired); createErr != nil {
			return errors.Wrap(createErr, "failed to create durable consumer "+desired.Durable)
		}
		return nil
	}

	if canonicalEqual(live, desired) {
		return nil
	}

	logger.L().InfoContext(ctx, "durable consumer config drifted, recreating", "durable", desired.Durable)
	if err := m.b.DeleteConsumer(ctx, stream, desired.Durable); err != nil {
		return errors.Wrap(err, "failed to delete drifted consumer "+desired.Durable)
	}
	if err := m.b.AddConsumer(ctx, stream, desired); err != nil {
		return errors.Wrap(err, "failed to recreate consumer "+desired.Durable)
	}
	return nil
}

// canonicalEqual compares live and desired in canonical form: durations
// in ms, strings already lower-cased by subject normalization, backoff as
// an integer array.
func canonicalEqual(live *broker.ConsumerInfo, desired broker.ConsumerConfig) bool {
	if strings.ToLower(live.FilterSubject) != strings.ToLower(desired.FilterSubject) {
		return false
	}
	if live.MaxDeliver != desired.MaxDeliver {
		return false
	}
	if live.AckWait.Milliseconds() != desired.AckWait.Milliseconds() {
		return false
	}
	return int64SliceEqual(live.BackoffMS, desired.BackoffMS)
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reensure is called by the router after any fetch error other than an
// open circuit breaker: it re-runs EnsureStreams and reconciles the single
// affected subscription. The router keeps fetching through its existing
// subscription handle afterwards.
func (m *Manager) Reensure(ctx context.Context, sub Subscription) error {
	if err := m.EnsureStreams(ctx); err != nil {
		return err
	}
	return m.ReconcileAll(ctx, []Subscription{sub})
}
