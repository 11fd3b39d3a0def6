package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
}

func (c *collector) process(_ context.Context, batch []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	c := &collector{}
	b := NewBatcher(c.process, BatchConfig{MaxBatchSize: 3, FlushInterval: time.Hour, FlushOnShutdown: true})
	require.NoError(t, b.Start(context.Background()))

	for i := 0; i < 7; i++ {
		require.NoError(t, b.Submit(context.Background(), i))
	}
	require.NoError(t, b.Stop(context.Background()))

	assert.Equal(t, 7, c.total())
	m := b.GetMetrics()
	assert.Equal(t, int64(7), m.TotalItems)
	assert.Equal(t, int64(3), m.TotalBatches)
	assert.Equal(t, int64(3), m.ProcessedBatches)
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	c := &collector{}
	b := NewBatcher(c.process, BatchConfig{MaxBatchSize: 100, FlushInterval: 20 * time.Millisecond})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	require.NoError(t, b.Submit(context.Background(), 1))
	assert.Eventually(t, func() bool { return c.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_NotRunning(t *testing.T) {
	b := NewBatcher((&collector{}).process, DefaultBatchConfig())
	assert.ErrorIs(t, b.Submit(context.Background(), 1), ErrNotRunning)
	assert.ErrorIs(t, b.Flush(), ErrNotRunning)
	assert.NoError(t, b.Stop(context.Background()))
}

func TestBatcher_BufferFull(t *testing.T) {
	b := NewBatcher((&collector{}).process, BatchConfig{MaxBatchSize: 10, BufferCapacity: 2, FlushInterval: time.Hour})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	require.NoError(t, b.Submit(context.Background(), 1))
	require.NoError(t, b.Submit(context.Background(), 2))
	assert.ErrorIs(t, b.Submit(context.Background(), 3), ErrBufferFull)
	assert.Equal(t, int64(1), b.GetMetrics().DroppedItems)
}

func TestBatcher_ReportsFailures(t *testing.T) {
	var (
		mu     sync.Mutex
		failed int
	)
	cfg := BatchConfig{MaxBatchSize: 2, FlushInterval: time.Hour, FlushOnShutdown: true}
	cfg.OnError = func(size int, err error) {
		mu.Lock()
		failed += size
		mu.Unlock()
	}
	b := NewBatcher(func(context.Context, []int) error { return errors.New("db down") }, cfg)
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Submit(context.Background(), 1))
	require.NoError(t, b.Submit(context.Background(), 2))
	require.NoError(t, b.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, failed)
	assert.Equal(t, int64(1), b.GetMetrics().FailedBatches)
}

func TestBatcher_BatchesOutliveSubmitContext(t *testing.T) {
	var seen error
	done := make(chan struct{})
	b := NewBatcher(func(ctx context.Context, _ []int) error {
		seen = ctx.Err()
		close(done)
		return nil
	}, BatchConfig{MaxBatchSize: 1, FlushInterval: time.Hour})
	require.NoError(t, b.Start(context.Background()))

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Submit(reqCtx, 1))

	<-done
	assert.NoError(t, seen)
	require.NoError(t, b.Stop(context.Background()))
}
