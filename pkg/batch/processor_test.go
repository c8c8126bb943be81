package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SKU-%03d", i)
	}
	return out
}

// echoWorker succeeds every item, returning the item itself as its value.
func echoWorker(ctx context.Context, chunk []string) ([]Outcome[string], error) {
	out := make([]Outcome[string], len(chunk))
	for i, item := range chunk {
		out[i] = Outcome[string]{Value: item}
	}
	return out, nil
}

func TestProcess_ChunkingAndOrder(t *testing.T) {
	p := NewProcessor[string, string](Config{BatchSize: 10, MaxConcurrency: 2, ContinueOnError: true}, zerolog.Nop())

	var chunkSizes []int
	var mu sync.Mutex
	worker := func(ctx context.Context, chunk []string) ([]Outcome[string], error) {
		mu.Lock()
		chunkSizes = append(chunkSizes, len(chunk))
		mu.Unlock()
		return echoWorker(ctx, chunk)
	}

	in := items(23)
	report := p.Process(context.Background(), in, worker)

	if len(chunkSizes) != 3 {
		t.Fatalf("chunks = %d, want 3 for 23 items of size 10", len(chunkSizes))
	}
	total := 0
	for _, size := range chunkSizes {
		total += size
		if size > 10 {
			t.Errorf("chunk size = %d, exceeds batch size 10", size)
		}
	}
	if total != 23 {
		t.Errorf("chunked items = %d, want 23", total)
	}

	if len(report.Results) != 23 {
		t.Fatalf("results = %d, want 23", len(report.Results))
	}
	for i, res := range report.Results {
		if res.Item != in[i] {
			t.Errorf("Results[%d].Item = %q, out of order (want %q)", i, res.Item, in[i])
		}
		if res.Err != nil {
			t.Errorf("Results[%d].Err = %v, want success", i, res.Err)
		}
		if res.Value != in[i] {
			t.Errorf("Results[%d].Value = %q, want %q", i, res.Value, in[i])
		}
	}
	if report.State != StateCompleted {
		t.Errorf("State = %q, want %q", report.State, StateCompleted)
	}
	if p.State() != StateCompleted {
		t.Errorf("Processor.State() = %q, want %q", p.State(), StateCompleted)
	}
}

func TestProcess_PartialFailures(t *testing.T) {
	p := NewProcessor[string, string](Config{BatchSize: 7, MaxConcurrency: 3, ContinueOnError: true}, zerolog.Nop())

	// Every tenth item fails.
	worker := func(ctx context.Context, chunk []string) ([]Outcome[string], error) {
		out := make([]Outcome[string], len(chunk))
		for i, item := range chunk {
			if strings.HasSuffix(item, "0") {
				out[i] = Outcome[string]{Err: errors.New("rejected")}
			} else {
				out[i] = Outcome[string]{Value: item}
			}
		}
		return out, nil
	}

	in := items(100)
	report := p.Process(context.Background(), in, worker)

	if got := len(report.Successful) + len(report.Failed); got != 100 {
		t.Errorf("successful+failed = %d, want every item accounted exactly once", got)
	}
	if report.FailedCount != 10 {
		t.Errorf("FailedCount = %d, want 10", report.FailedCount)
	}
	if report.State != StatePartiallyFailed {
		t.Errorf("State = %q, want %q", report.State, StatePartiallyFailed)
	}

	seen := make(map[string]bool, 100)
	for _, item := range report.Successful {
		if seen[item] {
			t.Errorf("item %q appears twice", item)
		}
		seen[item] = true
	}
	for _, f := range report.Failed {
		if seen[f.Item] {
			t.Errorf("item %q appears in both successful and failed", f.Item)
		}
		seen[f.Item] = true
	}
}

func TestProcess_WorkerErrorFailsWholeChunk(t *testing.T) {
	p := NewProcessor[string, string](Config{BatchSize: 5, MaxConcurrency: 1, ContinueOnError: true}, zerolog.Nop())

	var calls atomic.Int64
	worker := func(ctx context.Context, chunk []string) ([]Outcome[string], error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("provider unreachable")
		}
		return echoWorker(ctx, chunk)
	}

	report := p.Process(context.Background(), items(15), worker)

	if report.FailedCount != 5 {
		t.Errorf("FailedCount = %d, want the whole second chunk (5)", report.FailedCount)
	}
	for i := 5; i < 10; i++ {
		if report.Results[i].Err == nil {
			t.Errorf("Results[%d].Err = nil, want chunk failure", i)
		}
	}
	for _, i := range []int{0, 4, 10, 14} {
		if report.Results[i].Err != nil {
			t.Errorf("Results[%d].Err = %v, sibling chunks should succeed", i, report.Results[i].Err)
		}
	}
}

func TestProcess_ShortWorkerOutcomes(t *testing.T) {
	p := NewProcessor[string, string](Config{BatchSize: 5, MaxConcurrency: 1, ContinueOnError: true}, zerolog.Nop())

	// A worker that drops the tail of its chunk instead of answering it.
	worker := func(ctx context.Context, chunk []string) ([]Outcome[string], error) {
		out := make([]Outcome[string], 0, 3)
		for _, item := range chunk[:3] {
			out = append(out, Outcome[string]{Value: item})
		}
		return out, nil
	}

	report := p.Process(context.Background(), items(5), worker)

	for i := 0; i < 3; i++ {
		if report.Results[i].Err != nil {
			t.Errorf("Results[%d].Err = %v, answered items should succeed", i, report.Results[i].Err)
		}
	}
	for i := 3; i < 5; i++ {
		if !errors.Is(report.Results[i].Err, errShortOutcomes) {
			t.Errorf("Results[%d].Err = %v, want errShortOutcomes", i, report.Results[i].Err)
		}
		if errors.Is(report.Results[i].Err, context.DeadlineExceeded) {
			t.Errorf("Results[%d].Err reports a timeout for a worker contract violation", i)
		}
	}
	if report.FailedCount != 2 {
		t.Errorf("FailedCount = %d, want 2", report.FailedCount)
	}
}

func TestProcess_HaltOnError(t *testing.T) {
	p := NewProcessor[string, string](Config{BatchSize: 5, MaxConcurrency: 1, ContinueOnError: false}, zerolog.Nop())

	var calls atomic.Int64
	worker := func(ctx context.Context, chunk []string) ([]Outcome[string], error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("provider unreachable")
		}
		return echoWorker(ctx, chunk)
	}

	report := p.Process(context.Background(), items(25), worker)

	// With concurrency 1 the first chunk failure halts everything after it.
	if got := calls.Load(); got != 1 {
		t.Errorf("worker calls = %d, want 1 after halt", got)
	}
	if report.State != StatePartiallyFailed {
		t.Errorf("State = %q, want %q", report.State, StatePartiallyFailed)
	}

	var skipped int
	for _, res := range report.Results[5:] {
		var se *SkippedError
		if errors.As(res.Err, &se) {
			skipped++
		}
	}
	if skipped != 20 {
		t.Errorf("skipped items = %d, want all 20 undispatched items marked", skipped)
	}
}

func TestProcess_Cancellation(t *testing.T) {
	p := NewProcessor[string, string](Config{BatchSize: 1, MaxConcurrency: 1, ContinueOnError: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	worker := func(workerCtx context.Context, chunk []string) ([]Outcome[string], error) {
		if calls.Add(1) == 2 {
			cancel()
			// Give the dispatcher time to observe the cancellation while this
			// chunk holds the only concurrency slot.
			time.Sleep(20 * time.Millisecond)
		}
		return echoWorker(workerCtx, chunk)
	}

	report := p.Process(ctx, items(10), worker)

	if got := calls.Load(); got >= 10 {
		t.Errorf("worker calls = %d, cancellation should stop dispatch early", got)
	}

	var skipped int
	for _, res := range report.Results {
		var se *SkippedError
		if errors.As(res.Err, &se) {
			skipped++
		}
	}
	if skipped == 0 {
		t.Error("no items marked skipped after cancellation")
	}
}

func TestProcess_ConcurrencyBound(t *testing.T) {
	const maxConcurrency = 3
	p := NewProcessor[string, string](Config{BatchSize: 1, MaxConcurrency: maxConcurrency, ContinueOnError: true}, zerolog.Nop())

	var inFlight, peak atomic.Int64
	worker := func(ctx context.Context, chunk []string) ([]Outcome[string], error) {
		cur := inFlight.Add(1)
		for {
			observed := peak.Load()
			if cur <= observed || peak.CompareAndSwap(observed, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return echoWorker(ctx, chunk)
	}

	p.Process(context.Background(), items(20), worker)

	if got := peak.Load(); got > maxConcurrency {
		t.Errorf("peak concurrency = %d, want at most %d", got, maxConcurrency)
	}
}

func TestProcess_InterChunkDelay(t *testing.T) {
	p := NewProcessor[string, string](Config{
		BatchSize:       5,
		MaxConcurrency:  2,
		InterChunkDelay: 250 * time.Millisecond,
		ContinueOnError: true,
	}, zerolog.Nop())

	var slept []time.Duration
	p.SetSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	p.Process(context.Background(), items(15), echoWorker)

	// Delay between successive chunk starts: 3 chunks, 2 gaps.
	if len(slept) != 2 {
		t.Fatalf("sleeps = %d, want 2 gaps for 3 chunks", len(slept))
	}
	for i, d := range slept {
		if d != 250*time.Millisecond {
			t.Errorf("sleep[%d] = %v, want 250ms", i, d)
		}
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	p := NewProcessor[string, string](DefaultConfig(), zerolog.Nop())

	report := p.Process(context.Background(), nil, echoWorker)

	if len(report.Results) != 0 || report.FailedCount != 0 {
		t.Errorf("empty input produced results: %+v", report)
	}
	if report.State != StateCompleted {
		t.Errorf("State = %q, want %q", report.State, StateCompleted)
	}
}

func TestChunkIndexes(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		size     int
		expected []span
	}{
		{name: "empty", n: 0, size: 10, expected: nil},
		{name: "single partial", n: 3, size: 10, expected: []span{{0, 3}}},
		{name: "exact multiple", n: 20, size: 10, expected: []span{{0, 10}, {10, 20}}},
		{name: "trailing partial", n: 23, size: 10, expected: []span{{0, 10}, {10, 20}, {20, 23}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkIndexes(tt.n, tt.size)
			if len(got) != len(tt.expected) {
				t.Fatalf("chunkIndexes(%d, %d) = %v, want %v", tt.n, tt.size, got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("span[%d] = %v, want %v", i, got[i], tt.expected[i])
				}
			}
		})
	}
}
