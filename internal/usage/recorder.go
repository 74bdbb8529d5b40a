package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"modelgate/internal/core"
)

// batchWriter is what the Recorder flushes into. *Store satisfies it.
type batchWriter interface {
	WriteBatch(ctx context.Context, rows []core.UsageRecord) error
	Close() error
}

// RecorderConfig tunes the async buffering between the generation path and
// the store.
type RecorderConfig struct {
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultRecorderConfig matches a single-process gateway workload.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// Recorder implements core.UsageRecorder with an async buffer: Record never
// blocks, and a background goroutine flushes batches to the store when the
// buffer fills or the flush interval elapses. A full buffer drops the row
// with a warning rather than stalling generation.
type Recorder struct {
	store  batchWriter
	buffer chan core.UsageRecord
	done   chan struct{}
	wg     sync.WaitGroup
	writes sync.WaitGroup
	closed atomic.Bool

	flushInterval time.Duration
}

// NewRecorder starts the flush goroutine and returns the recorder.
func NewRecorder(store batchWriter, cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	r := &Recorder{
		store:         store,
		buffer:        make(chan core.UsageRecord, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// Record queues one row. Non-blocking: with a full buffer or a closed
// recorder the row is dropped and a warning logged.
func (r *Recorder) Record(_ context.Context, rec core.UsageRecord) error {
	if r.closed.Load() {
		return nil
	}
	// Registering the write before re-checking keeps Close from tearing
	// down the buffer mid-send.
	r.writes.Add(1)
	defer r.writes.Done()
	if r.closed.Load() {
		return nil
	}

	select {
	case r.buffer <- rec:
	default:
		slog.Warn("usage buffer full, dropping row", "backend", rec.Backend, "model", rec.Model)
	}
	return nil
}

// Close flushes everything still buffered and closes the store. Idempotent.
func (r *Recorder) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.writes.Wait()
	close(r.done)
	r.wg.Wait()
	return r.store.Close()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	pending := make([]core.UsageRecord, 0, cap(r.buffer))
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.store.WriteBatch(ctx, pending); err != nil {
			slog.Error("usage flush failed", "error", err, "rows", len(pending))
		}
		cancel()
		pending = pending[:0]
	}

	for {
		select {
		case rec := <-r.buffer:
			pending = append(pending, rec)
			if len(pending) >= cap(r.buffer) {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			// Drain whatever arrived before Close.
			for {
				select {
				case rec := <-r.buffer:
					pending = append(pending, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}
