package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
)

// BatchItem is one (topic, message) tuple submitted to PublishBatch.
type BatchItem struct {
	Topic   string
	Message map[string]any
	Opts    envelope.BuildOptions
}

// BatchResult aggregates the outcome of a batch publish. Partial failure
// is reported here, never raised.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []PublishResult
	Duration  time.Duration
}

// PublishBatch fans out to a per-item Publish concurrently and collects
// results in input order.
func (p *Publisher) PublishBatch(ctx context.Context, env, app, producer string, items []BatchItem) BatchResult {
	start := time.Now()
	results := make([]PublishResult, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			results[i] = p.publishOne(ctx, env, app, producer, item)
		}(i, item)
	}
	wg.Wait()

	out := BatchResult{Total: len(items), Results: results, Duration: time.Since(start)}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}

func (p *Publisher) publishOne(ctx context.Context, env, app, producer string, item BatchItem) PublishResult {
	built, err := envelope.BuildTopicEnvelope(producer, item.Topic, item.Message, item.Opts)
	if err != nil {
		return PublishResult{Success: false, Reason: ReasonValidationError, Details: err.Error(), Err: err}
	}

	subject, err := envelope.FromTopic(env, app, item.Topic)
	if err != nil {
		return PublishResult{Success: false, EventID: built.EventID, Reason: ReasonValidationError, Details: err.Error(), Err: err}
	}

	return p.Publish(ctx, subject.String(), built)
}
