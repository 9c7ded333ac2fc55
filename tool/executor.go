package tool

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// ExecutorConfig configures the parallel batch executor.
type ExecutorConfig struct {
	MaxParallel int // 0 or <1 => no explicit limit (len(calls))
	Logger      logging.Logger
}

// Result is the outcome of one call of a batch.
type Result struct {
	Call     core.ToolCall
	Output   any
	Err      error
	Duration time.Duration
}

// Executor runs a batch of tool calls through a Registry, possibly in
// parallel. It guarantees:
//   - exactly one Result per incoming call, in call order
//   - no panics escape (the registry recovers them)
//   - calls not yet started when ctx is done report ctx.Err()
type Executor struct {
	registry *Registry
	cfg      ExecutorConfig
}

// NewExecutor constructs a new executor with the given config.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	return &Executor{registry: registry, cfg: cfg}
}

// Execute runs calls and returns their results in call order.
func (e *Executor) Execute(ctx context.Context, calls []core.ToolCall, optFns ...func(o *ExecuteOptions)) []Result {
	n := len(calls)
	results := make([]Result, n)
	if n == 0 {
		return results
	}

	// Fast path: single call, execute inline.
	if n == 1 {
		results[0] = e.executeSingle(ctx, calls[0], optFns)
		return results
	}

	maxPar := e.cfg.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)

	batchStart := time.Now()

	for i := range calls {
		select {
		case <-ctx.Done():
			results[i] = Result{Call: calls[i], Err: newExecutionError(calls[i].Name, ctx.Err())}
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()

			results[idx] = e.executeSingle(ctx, call, optFns)
		}(i, calls[i])
	}

	wg.Wait()

	e.cfg.Logger.Debug(
		"tool.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results
}

func (e *Executor) executeSingle(ctx context.Context, call core.ToolCall, optFns []func(o *ExecuteOptions)) Result {
	start := time.Now()
	out, err := e.registry.ExecuteCall(ctx, call, optFns...)
	return Result{Call: call, Output: out, Err: err, Duration: time.Since(start)}
}
