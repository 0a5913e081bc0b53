// Package embedpool drives the out-of-process embedding workers: process
// lifecycle, length-prefixed IPC framing, heartbeat-based hang detection,
// and retry-once-then-surface-error failure semantics.
package embedpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the worker pool.
type Config struct {
	// WorkerBinary is the path to the cmd/semcode-worker executable.
	WorkerBinary string
	// WorkerArgs are passed to every spawned worker (model dir, etc).
	WorkerArgs []string
	// Count is the number of worker processes; default min(4, NumCPU).
	Count int
	// TaskTimeout is how long process_file may run without a heartbeat
	// before the worker is considered hung. Default 120s.
	TaskTimeout time.Duration
	// ShutdownGrace is how long a worker gets after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration
	// MaxRetries bounds retry-on-crash-or-timeout. Default 1.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = min(4, runtime.NumCPU())
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 120 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	return c
}

// Pool manages a fixed set of embedding worker processes. The driver never
// loads ONNX sessions itself; every inference call is a message sent to a
// worker.
type Pool struct {
	cfg     Config
	mu      sync.Mutex
	workers []*worker
	next    atomic.Uint64
	closed  bool
}

// New starts cfg.Count worker processes.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{cfg: cfg}
	for i := 0; i < cfg.Count; i++ {
		w, err := startWorker(ctx, i, cfg.WorkerBinary, cfg.WorkerArgs)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("start worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Close terminates every worker with SIGTERM, escalating to SIGKILL after
// the configured grace period.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.terminate(p.cfg.ShutdownGrace)
		}(w)
	}
	wg.Wait()
	return nil
}

// pick returns a worker round-robin; the pool has no notion of per-worker
// load since process_file dispatch is already bounded by the caller's
// errgroup concurrency limit.
func (p *Pool) pick() (*worker, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.workers)
	idx := int(p.next.Add(1)-1) % n
	return p.workers[idx], idx
}

func (p *Pool) replace(idx int, w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[idx] = w
}

// respawn replaces a dead/hung worker in place.
func (p *Pool) respawn(ctx context.Context, idx int, old *worker) (*worker, error) {
	old.kill()
	w, err := startWorker(ctx, idx, p.cfg.WorkerBinary, p.cfg.WorkerArgs)
	if err != nil {
		return nil, err
	}
	p.replace(idx, w)
	return w, nil
}

// ProcessFile dispatches process_file to a worker with heartbeat-based hang
// detection, retrying once on crash or hang before surfacing an error for
// this file.
func (p *Pool) ProcessFile(ctx context.Context, relPath, absPath string) (*ProcessFileResult, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		w, idx := p.pick()

		taskCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(p.cfg.TaskTimeout, cancel)
		onHeartbeat := func() {
			timer.Reset(p.cfg.TaskTimeout)
		}

		env, err := w.call(taskCtx, MethodProcessFile, ProcessFileParams{
			RelativePath: relPath,
			AbsPath:      absPath,
		}, onHeartbeat)
		timer.Stop()
		cancel()

		if err == nil {
			var result ProcessFileResult
			if decodeErr := decodeResult(env.Result, &result); decodeErr != nil {
				return nil, fmt.Errorf("decode process_file result: %w", decodeErr)
			}
			return &result, nil
		}

		lastErr = err
		slog.Warn("embed worker task failed, respawning", "path", relPath, "attempt", attempt, "error", err)
		if respawned, rerr := p.respawn(ctx, idx, w); rerr == nil {
			_ = respawned
		} else {
			lastErr = rerr
		}
	}
	return nil, fmt.Errorf("process_file %s failed after %d attempts: %w", relPath, p.cfg.MaxRetries+1, lastErr)
}

// EncodeQuery encodes a search query into its dense vector and
// late-interaction token matrix. No retry: a transient query-time worker
// error is the Searcher's responsibility to fall back on.
func (p *Pool) EncodeQuery(ctx context.Context, text string) (*EncodeQueryResult, error) {
	w, _ := p.pick()
	env, err := w.call(ctx, MethodEncodeQuery, EncodeQueryParams{Text: text}, nil)
	if err != nil {
		return nil, err
	}
	var result EncodeQueryResult
	if err := decodeResult(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode encode_query result: %w", err)
	}
	return &result, nil
}

// Rerank scores docs against the query matrix via MaxSim.
func (p *Pool) Rerank(ctx context.Context, queryMatrix []float32, colbertDim int, docs []RerankDoc) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	w, _ := p.pick()
	env, err := w.call(ctx, MethodRerank, RerankParams{
		QueryMatrix: queryMatrix,
		ColbertDim:  colbertDim,
		Docs:        docs,
	}, nil)
	if err != nil {
		return nil, err
	}
	var result RerankResult
	if err := decodeResult(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode rerank result: %w", err)
	}
	return result.Scores, nil
}
