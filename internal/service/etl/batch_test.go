package etl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
)

func testBatchConfig(size, workers int) config.ETLConfig {
	return config.ETLConfig{
		BatchDefaultSize: size,
		BatchTimeout:     50 * time.Millisecond,
		WorkerCount:      workers,
	}
}

func feedRecords(n int) <-chan Record {
	source := make(chan Record)
	go func() {
		defer close(source)
		for i := 0; i < n; i++ {
			source <- Record{"seq": i}
		}
	}()
	return source
}

func TestBatchesGroupBySize(t *testing.T) {
	p := NewBatchProcessor(testBatchConfig(10, 2), zaptest.NewLogger(t))

	var mu sync.Mutex
	var sizes []int
	stats, err := p.Process(context.Background(), feedRecords(35),
		func(_ context.Context, batch []Record) error {
			mu.Lock()
			sizes = append(sizes, len(batch))
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, 35, stats.Processed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 4, stats.Batches)

	full := 0
	for _, s := range sizes {
		assert.LessOrEqual(t, s, 10)
		if s == 10 {
			full++
		}
	}
	assert.Equal(t, 3, full)
}

func TestBatchFailureMarksWholeBatchFailed(t *testing.T) {
	p := NewBatchProcessor(testBatchConfig(5, 1), zaptest.NewLogger(t))

	var calls atomic.Int32
	stats, err := p.Process(context.Background(), feedRecords(15),
		func(_ context.Context, batch []Record) error {
			if calls.Add(1) == 2 {
				return fmt.Errorf("sink unavailable")
			}
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, 15, stats.Processed)
	assert.Equal(t, 5, stats.Failed)
	assert.Equal(t, 3, stats.Batches)
}

func TestTimeoutFlushesPartialBatch(t *testing.T) {
	p := NewBatchProcessor(testBatchConfig(100, 1), zaptest.NewLogger(t))

	source := make(chan Record)
	go func() {
		defer close(source)
		source <- Record{"seq": 0}
		source <- Record{"seq": 1}
		// Keep the channel open past the flush timeout.
		time.Sleep(150 * time.Millisecond)
		source <- Record{"seq": 2}
	}()

	var mu sync.Mutex
	var sizes []int
	stats, err := p.Process(context.Background(), source,
		func(_ context.Context, batch []Record) error {
			mu.Lock()
			sizes = append(sizes, len(batch))
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Processed)
	require.GreaterOrEqual(t, len(sizes), 2)
	assert.Equal(t, 2, sizes[0]) // flushed by timeout, not size
}

func TestProcessStopsOnContextCancel(t *testing.T) {
	p := NewBatchProcessor(testBatchConfig(10, 2), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan Record) // never closed, never written

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Process(ctx, source, func(context.Context, []Record) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWorkerPoolProcessesConcurrently(t *testing.T) {
	p := NewBatchProcessor(testBatchConfig(1, 4), zaptest.NewLogger(t))

	var inFlight, peak atomic.Int32
	stats, err := p.Process(context.Background(), feedRecords(20),
		func(_ context.Context, batch []Record) error {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, 20, stats.Processed)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Greater(t, peak.Load(), int32(1))
}
