package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotRunning = errors.New("batcher is not running")
	ErrBufferFull = errors.New("buffer is full")
)

// Batcher buffers items and hands them to a BatchFunc when the batch is
// full or the flush interval elapses.
type Batcher[T any] struct {
	processor  BatchFunc[T]
	config     BatchConfig
	buffer     []T
	bufferMu   sync.Mutex
	metrics    *BatchMetrics
	flushTimer *time.Timer
	sem        chan struct{}
	wg         sync.WaitGroup
	running    int32

	// base outlives the callers of Submit; batches run under it so a
	// finished HTTP request does not cancel the write it triggered.
	base   context.Context
	cancel context.CancelFunc
}

// BatchFunc defines the function signature for batch processing
type BatchFunc[T any] func(ctx context.Context, batch []T) error

// BatchConfig defines batch processing parameters
type BatchConfig struct {
	MaxBatchSize    int           `yaml:"max_batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	BufferCapacity  int           `yaml:"buffer_capacity"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	FlushOnShutdown bool          `yaml:"flush_on_shutdown"`
	// OnError is called with the failed batch size and error.
	OnError func(size int, err error) `yaml:"-"`
}

// DefaultBatchConfig returns the batch configuration used for audit writes.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:    100,
		FlushInterval:   5 * time.Second,
		MaxConcurrency:  4,
		BufferCapacity:  10000,
		BatchTimeout:    30 * time.Second,
		FlushOnShutdown: true,
	}
}

// BatchMetrics tracks batch processing counters.
type BatchMetrics struct {
	TotalItems       int64
	DroppedItems     int64
	TotalBatches     int64
	ProcessedBatches int64
	FailedBatches    int64
	CurrentBuffer    int64

	LastFlush   time.Time
	LastSuccess time.Time
	LastError   time.Time

	mu sync.RWMutex
}

// NewBatcher creates a new batch processor
func NewBatcher[T any](processor BatchFunc[T], config BatchConfig) *Batcher[T] {
	defaults := DefaultBatchConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.BufferCapacity <= 0 {
		config.BufferCapacity = defaults.BufferCapacity
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}

	return &Batcher[T]{
		processor: processor,
		config:    config,
		buffer:    make([]T, 0, config.MaxBatchSize),
		metrics:   &BatchMetrics{},
		sem:       make(chan struct{}, config.MaxConcurrency),
	}
}

// Start begins batch processing. Batches run under a context derived from
// ctx.
func (b *Batcher[T]) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.running, 0, 1) {
		return errors.New("batcher is already running")
	}
	b.base, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	b.bufferMu.Lock()
	b.resetFlushTimer()
	b.bufferMu.Unlock()
	return nil
}

// Stop flushes the remaining items if configured and waits for in-flight
// batches or ctx expiry.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.running, 1, 0) {
		return nil
	}

	b.bufferMu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	if b.config.FlushOnShutdown {
		b.flushBuffer()
	} else {
		atomic.AddInt64(&b.metrics.DroppedItems, int64(len(b.buffer)))
		b.buffer = b.buffer[:0]
	}
	b.bufferMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}

// Submit adds an item to the batch
func (b *Batcher[T]) Submit(_ context.Context, item T) error {
	if atomic.LoadInt32(&b.running) == 0 {
		return ErrNotRunning
	}

	b.bufferMu.Lock()
	defer b.bufferMu.Unlock()

	if len(b.buffer) >= b.config.BufferCapacity {
		atomic.AddInt64(&b.metrics.DroppedItems, 1)
		return ErrBufferFull
	}

	b.buffer = append(b.buffer, item)
	atomic.AddInt64(&b.metrics.TotalItems, 1)
	atomic.StoreInt64(&b.metrics.CurrentBuffer, int64(len(b.buffer)))

	if len(b.buffer) >= b.config.MaxBatchSize {
		b.flushBuffer()
	}
	return nil
}

// Flush forces processing of current buffer
func (b *Batcher[T]) Flush() error {
	if atomic.LoadInt32(&b.running) == 0 {
		return ErrNotRunning
	}

	b.bufferMu.Lock()
	defer b.bufferMu.Unlock()

	b.flushBuffer()
	return nil
}

// flushBuffer hands the current buffer to a worker (must hold bufferMu).
func (b *Batcher[T]) flushBuffer() {
	if len(b.buffer) == 0 {
		return
	}

	batch := make([]T, len(b.buffer))
	copy(batch, b.buffer)
	b.buffer = b.buffer[:0]
	atomic.StoreInt64(&b.metrics.CurrentBuffer, 0)

	if atomic.LoadInt32(&b.running) == 1 {
		b.resetFlushTimer()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sem <- struct{}{}
		defer func() { <-b.sem }()
		b.processBatch(batch)
	}()
}

func (b *Batcher[T]) processBatch(batch []T) {
	ctx, cancel := context.WithTimeout(b.base, b.config.BatchTimeout)
	defer cancel()

	atomic.AddInt64(&b.metrics.TotalBatches, 1)
	err := b.processor(ctx, batch)

	b.metrics.mu.Lock()
	now := time.Now()
	b.metrics.LastFlush = now
	if err != nil {
		atomic.AddInt64(&b.metrics.FailedBatches, 1)
		b.metrics.LastError = now
	} else {
		atomic.AddInt64(&b.metrics.ProcessedBatches, 1)
		b.metrics.LastSuccess = now
	}
	b.metrics.mu.Unlock()

	if err != nil && b.config.OnError != nil {
		b.config.OnError(len(batch), err)
	}
}

// resetFlushTimer must be called with bufferMu held.
func (b *Batcher[T]) resetFlushTimer() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}

	b.flushTimer = time.AfterFunc(b.config.FlushInterval, func() {
		b.bufferMu.Lock()
		defer b.bufferMu.Unlock()
		if atomic.LoadInt32(&b.running) == 1 {
			if len(b.buffer) == 0 {
				b.resetFlushTimer()
				return
			}
			b.flushBuffer()
		}
	})
}

// GetMetrics returns a snapshot of the counters.
func (b *Batcher[T]) GetMetrics() BatchMetrics {
	b.metrics.mu.RLock()
	defer b.metrics.mu.RUnlock()

	return BatchMetrics{
		TotalItems:       atomic.LoadInt64(&b.metrics.TotalItems),
		DroppedItems:     atomic.LoadInt64(&b.metrics.DroppedItems),
		TotalBatches:     atomic.LoadInt64(&b.metrics.TotalBatches),
		ProcessedBatches: atomic.LoadInt64(&b.metrics.ProcessedBatches),
		FailedBatches:    atomic.LoadInt64(&b.metrics.FailedBatches),
		CurrentBuffer:    atomic.LoadInt64(&b.metrics.CurrentBuffer),
		LastFlush:        b.metrics.LastFlush,
		LastSuccess:      b.metrics.LastSuccess,
		LastError:        b.metrics.LastError,
	}
}
