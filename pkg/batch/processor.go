// Package batch provides bounded-concurrency chunk processing for bulk
// marketplace operations (bulk stock updates, bulk price updates, multi-SKU
// fetches). Items are split into fixed-size chunks, chunks run concurrently
// up to a cap, per-chunk failures are isolated, and the result list preserves
// the input order regardless of completion order.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch processing.
var (
	batchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_batch_chunks_total",
		Help: "Total processed chunks by outcome",
	}, []string{"outcome"})

	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_batch_items_total",
		Help: "Total processed items by outcome",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_batch_duration_seconds",
		Help:    "End-to-end batch duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

// State is the lifecycle state of one batch run.
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
)

// Config holds the knobs for one bulk invocation.
type Config struct {
	// BatchSize is the maximum number of items per chunk.
	BatchSize int

	// MaxConcurrency is the maximum number of chunks in flight.
	MaxConcurrency int

	// InterChunkDelay is the wait between dispatching successive chunk
	// starts (not between completions), smoothing load on the provider.
	InterChunkDelay time.Duration

	// ChunkTimeout bounds each dispatched chunk. Dispatched chunks run to
	// this timeout even after the batch context is cancelled.
	ChunkTimeout time.Duration

	// ContinueOnError keeps processing sibling chunks after a failure.
	// When false, the first chunk failure halts dispatch of not-yet-started
	// chunks; in-flight chunks still complete.
	ContinueOnError bool
}

// DefaultConfig returns a safe default batch configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		MaxConcurrency:  2,
		InterChunkDelay: 0,
		ChunkTimeout:    30 * time.Second,
		ContinueOnError: true,
	}
}

// Outcome is the per-item result produced by a worker.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Worker processes one chunk. It returns one outcome per chunk item, in
// chunk order. A non-nil error fails every item in the chunk.
type Worker[T, R any] func(ctx context.Context, chunk []T) ([]Outcome[R], error)

// ItemResult is one entry in the ordered result list.
type ItemResult[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Failure pairs a failed item with its reason for the final report.
type Failure[T any] struct {
	Item   T
	Reason string
}

// Report is the aggregate result of one batch run. Results is aligned with
// the input: Results[i] corresponds to items[i]. Every input item appears in
// exactly one of Successful or Failed.
type Report[T, R any] struct {
	Results     []ItemResult[T, R]
	Successful  []T
	Failed      []Failure[T]
	FailedCount int
	State       State
}

// Processor runs batches with bounded concurrency. One Processor may be
// reused for successive runs; state reflects the most recent run.
type Processor[T, R any] struct {
	config Config
	logger zerolog.Logger
	state  atomic.Value

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a batch processor with the given configuration.
func NewProcessor[T, R any](cfg Config, logger zerolog.Logger) *Processor[T, R] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}

	p := &Processor[T, R]{
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
	p.state.Store(StateIdle)
	return p
}

// State returns the lifecycle state of the most recent run.
func (p *Processor[T, R]) State() State {
	return p.state.Load().(State)
}

// SetSleep overrides the inter-chunk sleep (for testing).
func (p *Processor[T, R]) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	p.sleep = sleep
}

// Process splits items into chunks and runs them through the worker.
// Cancelling ctx is best-effort: it stops dispatching new chunks, while
// chunks already dispatched run to their own timeout. There is no built-in
// resume; a failed batch is re-submitted with the failed subset by the
// caller.
func (p *Processor[T, R]) Process(ctx context.Context, items []T, worker Worker[T, R]) Report[T, R] {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	p.state.Store(StateRunning)

	results := make([]ItemResult[T, R], len(items))
	for i := range items {
		results[i].Item = items[i]
	}

	chunks := chunkIndexes(len(items), p.config.BatchSize)

	p.logger.Info().
		Int("items", len(items)).
		Int("chunks", len(chunks)).
		Int("batch_size", p.config.BatchSize).
		Int("max_concurrency", p.config.MaxConcurrency).
		Msg("Starting batch run")

	var (
		wg     sync.WaitGroup
		sem    = make(chan struct{}, p.config.MaxConcurrency)
		halted atomic.Bool
	)

dispatch:
	for ci, ch := range chunks {
		if halted.Load() {
			p.logger.Warn().
				Int("chunk", ci).
				Msg("Halting dispatch after chunk failure")
			p.failRemaining(results, ch.start, "batch halted after earlier chunk failure")
			break
		}

		select {
		case <-ctx.Done():
			p.logger.Warn().
				Int("chunk", ci).
				Msg("Batch cancelled, stopping dispatch")
			p.failRemaining(results, ch.start, "batch cancelled before dispatch")
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(ci int, ch span) {
			defer wg.Done()
			defer func() { <-sem }()

			// Dispatched chunks are bounded by their own timeout, detached
			// from batch cancellation.
			chunkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ChunkTimeout)
			defer cancel()

			p.runChunk(chunkCtx, ci, items[ch.start:ch.end], results[ch.start:ch.end], worker, &halted)
		}(ci, ch)

		// Delay applies between successive chunk starts.
		if p.config.InterChunkDelay > 0 && ci < len(chunks)-1 {
			if err := p.sleep(ctx, p.config.InterChunkDelay); err != nil {
				p.logger.Warn().
					Int("chunk", ci).
					Msg("Batch cancelled during inter-chunk delay")
				p.failRemaining(results, ch.end, "batch cancelled before dispatch")
				break dispatch
			}
		}
	}

	wg.Wait()

	report := Report[T, R]{Results: results}
	for i := range results {
		if results[i].Err != nil {
			report.FailedCount++
			report.Failed = append(report.Failed, Failure[T]{
				Item:   results[i].Item,
				Reason: results[i].Err.Error(),
			})
		} else {
			report.Successful = append(report.Successful, results[i].Item)
		}
	}

	if report.FailedCount > 0 {
		report.State = StatePartiallyFailed
	} else {
		report.State = StateCompleted
	}
	p.state.Store(report.State)

	p.logger.Info().
		Int("items", len(items)).
		Int("failed", report.FailedCount).
		Dur("duration", time.Since(start)).
		Str("state", string(report.State)).
		Msg("Batch run finished")

	return report
}

// runChunk executes the worker for one chunk and records per-item outcomes
// into the chunk's slice of the shared result list. Slices of sibling chunks
// are disjoint, so no lock is needed.
func (p *Processor[T, R]) runChunk(ctx context.Context, ci int, chunk []T, out []ItemResult[T, R], worker Worker[T, R], halted *atomic.Bool) {
	outcomes, err := worker(ctx, chunk)
	if err != nil {
		batchChunksTotal.WithLabelValues("failure").Inc()
		batchItemsTotal.WithLabelValues("failure").Add(float64(len(chunk)))

		p.logger.Warn().
			Err(err).
			Int("chunk", ci).
			Int("items", len(chunk)).
			Msg("Chunk worker failed")

		for i := range out {
			out[i].Err = err
		}
		if !p.config.ContinueOnError {
			halted.Store(true)
		}
		return
	}

	chunkFailed := false
	for i := range out {
		if i < len(outcomes) {
			out[i].Value = outcomes[i].Value
			out[i].Err = outcomes[i].Err
		} else {
			out[i].Err = errShortOutcomes
		}
		if out[i].Err != nil {
			chunkFailed = true
			batchItemsTotal.WithLabelValues("failure").Inc()
		} else {
			batchItemsTotal.WithLabelValues("success").Inc()
		}
	}

	if chunkFailed {
		batchChunksTotal.WithLabelValues("partial").Inc()
		if !p.config.ContinueOnError {
			halted.Store(true)
		}
	} else {
		batchChunksTotal.WithLabelValues("success").Inc()
	}
}

// failRemaining marks every not-yet-dispatched item from index start onward.
func (p *Processor[T, R]) failRemaining(results []ItemResult[T, R], start int, reason string) {
	for i := start; i < len(results); i++ {
		if results[i].Err == nil {
			results[i].Err = &SkippedError{Reason: reason}
		}
	}
}

// errShortOutcomes marks items a worker left unanswered by returning fewer
// outcomes than chunk items.
var errShortOutcomes = errors.New("worker returned fewer outcomes than chunk items")

// SkippedError marks items whose chunks were never dispatched.
type SkippedError struct {
	Reason string
}

func (e *SkippedError) Error() string {
	return e.Reason
}

// span is a half-open index range [start, end) into the item list.
type span struct {
	start, end int
}

// chunkIndexes partitions n items into spans of at most size each.
func chunkIndexes(n, size int) []span {
	if n == 0 {
		return nil
	}
	spans := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, span{start: start, end: end})
	}
	return spans
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
