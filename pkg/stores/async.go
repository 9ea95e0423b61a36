package stores

import (
	"context"
	"sync"
	"time"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/telemetry"
)

// Recorder is the write-side store surface the repair loop drives.
type Recorder interface {
	engine.CycleStore
	engine.TrajectoryLogger
}

const (
	// asyncQueueSize bounds pending writes before the recorder starts
	// dropping records.
	asyncQueueSize = 256

	// asyncWriteTimeout bounds each background write.
	asyncWriteTimeout = 5 * time.Second
)

// AsyncRecorder decorates a Recorder so every write happens on a background
// goroutine. Calls never block and never return an error; failed writes are
// logged and dropped. A single worker drains the queue, so writes for one
// cycle land in call order.
type AsyncRecorder struct {
	store Recorder
	log   *telemetry.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan func(context.Context)
	done   chan struct{}
}

var _ Recorder = (*AsyncRecorder)(nil)

// NewAsyncRecorder wraps the store and starts the background worker.
func NewAsyncRecorder(store Recorder, tel *telemetry.Telemetry) *AsyncRecorder {
	if tel == nil {
		tel = telemetry.Nop()
	}

	r := &AsyncRecorder{
		store: store,
		log:   tel.Logger.NewComponentLogger("history-recorder"),
		jobs:  make(chan func(context.Context), asyncQueueSize),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r
}

// drain runs queued writes until Close. Each write gets a fresh detached
// context: a cycle that ends by cancellation still gets its terminal row.
func (r *AsyncRecorder) drain() {
	defer close(r.done)
	for job := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		job(ctx)
		cancel()
	}
}

// enqueue hands a write to the worker, dropping it when the queue is full or
// the recorder is closed.
func (r *AsyncRecorder) enqueue(op string, job func(context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := job(ctx); err != nil {
			r.log.WithError(err).WithField("op", op).Warn("history write failed")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.log.WithField("op", op).Warn("history recorder closed, dropping record")
		return
	}

	select {
	case r.jobs <- wrapped:
	default:
		r.log.WithField("op", op).Warn("history write queue full, dropping record")
	}
}

// Close flushes queued writes and stops the worker.
func (r *AsyncRecorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	<-r.done
	return nil
}

// BeginCycle implements engine.CycleStore.
func (r *AsyncRecorder) BeginCycle(_ context.Context, cycleID, experiment, backend string, startedAt time.Time) error {
	r.enqueue("begin_cycle", func(ctx context.Context) error {
		return r.store.BeginCycle(ctx, cycleID, experiment, backend, startedAt)
	})
	return nil
}

// RecordAttempt implements engine.CycleStore.
func (r *AsyncRecorder) RecordAttempt(_ context.Context, cycleID string, attempt *engine.Attempt) error {
	r.enqueue("record_attempt", func(ctx context.Context) error {
		return r.store.RecordAttempt(ctx, cycleID, attempt)
	})
	return nil
}

// FinishCycle implements engine.CycleStore.
func (r *AsyncRecorder) FinishCycle(_ context.Context, result *engine.CycleResult) error {
	r.enqueue("finish_cycle", func(ctx context.Context) error {
		return r.store.FinishCycle(ctx, result)
	})
	return nil
}

// LogTrajectory implements engine.TrajectoryLogger.
func (r *AsyncRecorder) LogTrajectory(_ context.Context, t *engine.Trajectory) error {
	r.enqueue("log_trajectory", func(ctx context.Context) error {
		return r.store.LogTrajectory(ctx, t)
	})
	return nil
}
