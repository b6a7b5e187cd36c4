// Package workers holds the background loops that drain, warm, and age
// the shared KV state: the flush worker pool, the cache warmer, and the
// retention sweep.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hookgate/receiver/internal/columnstore"
	"github.com/hookgate/receiver/internal/controlplane"
	"github.com/hookgate/receiver/internal/core"
	"github.com/hookgate/receiver/internal/kv"
	"github.com/hookgate/receiver/internal/metrics"
)

// Back-off while the circuit breaker is open.
const circuitOpenBackoff = 5 * time.Second

// Cap on concurrent fire-and-forget column store inserts. Exhaustion
// drops the write: analytical back-pressure must not reach ingestion.
const csMaxConcurrentWrites = 16

// FlushPool drains slug buffers to the control plane and dual-writes
// delivered batches to the column store.
type FlushPool struct {
	store *kv.Store
	cp    *controlplane.Client
	// cs is nil when the column store is disabled.
	cs *columnstore.Client

	workerCount   int
	batchMaxSize  int
	flushInterval time.Duration

	csSem chan struct{}
	csWG  sync.WaitGroup
}

// NewFlushPool builds the pool; Start launches it.
func NewFlushPool(store *kv.Store, cp *controlplane.Client, cs *columnstore.Client, workerCount, batchMaxSize int, flushInterval time.Duration) *FlushPool {
	return &FlushPool{
		store:         store,
		cp:            cp,
		cs:            cs,
		workerCount:   workerCount,
		batchMaxSize:  batchMaxSize,
		flushInterval: flushInterval,
		csSem:         make(chan struct{}, csMaxConcurrentWrites),
	}
}

// Start launches the worker goroutines. They exit after shutdown closes,
// each taking one final drain pass unless the breaker is degraded.
func (p *FlushPool) Start(shutdown <-chan struct{}, wg *sync.WaitGroup) {
	for workerID := 0; workerID < p.workerCount; workerID++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.run(shutdown, workerID)
		}(workerID)
	}
}

func (p *FlushPool) run(shutdown <-chan struct{}, workerID int) {
	slog.Info("flush worker started", "worker_id", workerID)
	ctx := context.Background()

	for {
		select {
		case <-shutdown:
			// Final drain; skipped when the control plane is unreachable
			// so batches stay in the KV for the next startup.
			if !p.cp.Breaker().IsDegraded(ctx) {
				p.drainPass(ctx, workerID)
			}
			slog.Info("flush worker shutting down", "worker_id", workerID)
			p.csWG.Wait()
			return
		default:
		}

		if p.cp.Breaker().IsDegraded(ctx) {
			slog.Debug("circuit breaker open, backing off", "worker_id", workerID)
			sleepInterruptible(shutdown, circuitOpenBackoff)
			continue
		}

		if !p.drainPass(ctx, workerID) {
			sleepInterruptible(shutdown, p.flushInterval)
		}
	}
}

func sleepInterruptible(shutdown <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-shutdown:
	}
}

// drainPass processes this worker's strided share of the shuffled active
// slug list. Shuffling prevents head-of-line starvation under a hot
// slug; striding partitions the work without coordination.
func (p *FlushPool) drainPass(ctx context.Context, workerID int) bool {
	slugs := p.store.ActiveSlugs(ctx)
	if len(slugs) == 0 {
		return false
	}

	shuffle(slugs, uint64(time.Now().UnixNano())^uint64(workerID))

	didWork := false
	for idx := workerID; idx < len(slugs); idx += p.workerCount {
		if p.flushSlug(ctx, slugs[idx]) {
			didWork = true
		}
	}
	return didWork
}

// shuffle is a Fisher-Yates pass over slugs driven by an LCG seeded per
// call.
func shuffle(slugs []string, seed uint64) {
	state := seed
	for i := len(slugs) - 1; i >= 1; i-- {
		state = state*6364136223846793005 + 1442695040888963407
		j := int((state >> 33) % uint64(i+1))
		slugs[i], slugs[j] = slugs[j], slugs[i]
	}
}

// flushSlug takes one batch for a slug and posts it. Returns true if any
// work was done.
//
// Delivery is at-most-once at the control plane boundary: the batch is
// re-enqueued only on CircuitOpen, the one error proving it never left
// this process. Everything else may have committed upstream, so the
// batch is dropped rather than risked duplicated.
func (p *FlushPool) flushSlug(ctx context.Context, slug string) bool {
	batch := p.store.TakeBatch(ctx, slug, p.batchMaxSize)
	if len(batch) == 0 {
		p.store.RemoveActive(ctx, slug)
		return false
	}

	metrics.FlushBatchSize.Observe(float64(len(batch)))

	resp, err := p.cp.CaptureBatch(ctx, slug, batch)
	if err != nil {
		if controlplane.IsCircuitOpen(err) {
			slog.Warn("circuit open, re-enqueuing batch", "slug", slug, "count", len(batch))
			metrics.FlushBatches.WithLabelValues("requeued").Inc()
			p.store.Requeue(ctx, slug, batch)
		} else {
			slog.Error("batch capture failed, dropping batch", "slug", slug, "count", len(batch), "error", err)
			metrics.FlushBatches.WithLabelValues("dropped").Inc()
		}
		return true
	}

	if resp.Error != "" {
		slog.Warn("control plane rejected batch", "slug", slug, "error", resp.Error)
		metrics.FlushBatches.WithLabelValues("upstream_error").Inc()
		return true
	}

	slog.Debug("flushed batch", "slug", slug, "inserted", resp.Inserted)
	metrics.FlushBatches.WithLabelValues("delivered").Inc()

	if p.cs != nil {
		p.fireAndForgetColumnStore(slug, batch)
	}
	return true
}

// fireAndForgetColumnStore hands a delivered batch to the column store
// on a detached goroutine. try-acquire on the semaphore: a backed-up
// sink sheds load instead of stalling the drain loop.
func (p *FlushPool) fireAndForgetColumnStore(slug string, batch []core.BufferedRequest) {
	select {
	case p.csSem <- struct{}{}:
	default:
		slog.Warn("column store backpressure, dropping batch", "slug", slug, "count", len(batch))
		metrics.ColumnStoreDrops.WithLabelValues("backpressure").Inc()
		return
	}

	p.csWG.Add(1)
	go func() {
		defer p.csWG.Done()
		defer func() { <-p.csSem }()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Endpoint metadata comes from the cache; without it the rows
		// would be unattributable, so the write is skipped.
		info := p.store.GetEndpoint(ctx, slug)
		if info == nil {
			slog.Warn("skipping column store write: endpoint info not cached", "slug", slug, "count", len(batch))
			metrics.ColumnStoreDrops.WithLabelValues("no_metadata").Inc()
			return
		}

		rows := make([]columnstore.RequestRow, 0, len(batch))
		for i := range batch {
			rows = append(rows, columnstore.RowFromBuffered(&batch[i], slug, info))
		}

		if err := p.cs.InsertRequests(ctx, rows); err != nil {
			slog.Warn("column store insert failed", "slug", slug, "count", len(rows), "error", err)
			return
		}
		slog.Debug("column store dual-write complete", "slug", slug, "count", len(rows))
	}()
}
