package etl

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
)

// BatchHandler processes one batch of records. A returned error fails
// the whole batch; no per-record rollback is attempted.
type BatchHandler func(ctx context.Context, batch []Record) error

// BatchStats summarises a batch processing session.
type BatchStats struct {
	Batches   int
	Processed int
	Failed    int
}

// BatchProcessor groups records from an async source into fixed-size
// batches and hands them to a worker pool.
type BatchProcessor struct {
	size    int
	timeout time.Duration
	workers int
	logger  *zap.Logger
}

// NewBatchProcessor creates a processor from the ETL config, applying
// defaults for unset fields.
func NewBatchProcessor(cfg config.ETLConfig, logger *zap.Logger) *BatchProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.BatchDefaultSize
	if size <= 0 {
		size = 100
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	return &BatchProcessor{size: size, timeout: timeout, workers: workers, logger: logger}
}

// Process drains the source channel, batching records by size or flush
// timeout, whichever comes first. Batches run concurrently on the
// worker pool; a handler error marks every record in that batch failed.
// Process returns once the source closes and all batches finish.
func (p *BatchProcessor) Process(ctx context.Context, source <-chan Record, handler BatchHandler) (BatchStats, error) {
	batches := make(chan []Record)

	var mu sync.Mutex
	var stats BatchStats

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				err := handler(ctx, batch)
				mu.Lock()
				stats.Batches++
				stats.Processed += len(batch)
				if err != nil {
					stats.Failed += len(batch)
				}
				mu.Unlock()
				if err != nil {
					p.logger.Warn("batch failed",
						zap.Int("batch_size", len(batch)), zap.Error(err))
				}
			}
		}()
	}

	current := make([]Record, 0, p.size)
	flush := func() {
		if len(current) == 0 {
			return
		}
		batches <- current
		current = make([]Record, 0, p.size)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

loop:
	for {
		select {
		case rec, ok := <-source:
			if !ok {
				break loop
			}
			current = append(current, rec)
			if len(current) >= p.size {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(p.timeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(p.timeout)
		case <-ctx.Done():
			close(batches)
			wg.Wait()
			return stats, ctx.Err()
		}
	}
	flush()
	close(batches)
	wg.Wait()
	return stats, nil
}
