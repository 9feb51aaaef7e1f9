// Package dispatch serializes run execution per thread key: at most one run
// of a thread is in flight, later runs queue FIFO behind it.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/run/models"
)

// ExecuteFunc runs one run to its terminal state and returns the terminal
// error, if any. The dispatcher only logs it; persisting the outcome is the
// callback's job.
type ExecuteFunc func(ctx context.Context, run *models.Run) error

// Dispatcher is the per-thread run scheduler.
type Dispatcher struct {
	mu       sync.Mutex
	queues   map[string][]*models.Run
	active   map[string]string // threadKey -> in-flight runID
	known    map[string]string // runID -> threadKey, queued or in-flight
	execute  ExecuteFunc
	sem      *semaphore.Weighted // nil when cross-thread parallelism is unbounded
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopping bool
	logger   *logger.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrency bounds the number of runs executing across all threads.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates a dispatcher that executes runs through the given callback.
func New(execute ExecuteFunc, log *logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queues:  make(map[string][]*models.Run),
		active:  make(map[string]string),
		known:   make(map[string]string),
		execute: execute,
		logger:  log.WithFields(zap.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start makes the dispatcher accept runs.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.started = true
	d.stopping = false
}

// Stop refuses new runs, drops queued ones, and waits for in-flight runs to
// drain. Dropped runs stay `running` in the store; the next recovery pass
// re-enqueues them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopping {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	for threadKey, queue := range d.queues {
		for _, run := range queue {
			delete(d.known, run.ID)
		}
		delete(d.queues, threadKey)
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	d.cancel()
	d.started = false
	d.mu.Unlock()
}

// Enqueue adds a run to its thread's queue, dispatching immediately when the
// thread is idle. Enqueueing an already-known runID is a no-op.
func (d *Dispatcher) Enqueue(run *models.Run) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.stopping {
		return
	}
	if _, ok := d.known[run.ID]; ok {
		return
	}
	d.known[run.ID] = run.ThreadKey
	if _, busy := d.active[run.ThreadKey]; busy {
		d.queues[run.ThreadKey] = append(d.queues[run.ThreadKey], run)
		return
	}
	d.launch(run)
}

// EnsureEnqueued is Enqueue for recovery passes: the name documents that it
// is expected to hit already-known runs most of the time.
func (d *Dispatcher) EnsureEnqueued(run *models.Run) {
	d.Enqueue(run)
}

// Cancel removes a queued run, or reports that the run is currently in
// flight and can only be detached by its executor.
func (d *Dispatcher) Cancel(runID string) (removed, inFlight bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	threadKey, ok := d.known[runID]
	if !ok {
		return false, false
	}
	if d.active[threadKey] == runID {
		return false, true
	}
	queue := d.queues[threadKey]
	for i, queued := range queue {
		if queued.ID == runID {
			d.queues[threadKey] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	delete(d.known, runID)
	return true, false
}

// QueuedLen reports how many runs are waiting behind the in-flight one for a
// thread.
func (d *Dispatcher) QueuedLen(threadKey string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[threadKey])
}

// launch starts executing a run. Caller holds d.mu.
func (d *Dispatcher) launch(run *models.Run) {
	d.active[run.ThreadKey] = run.ID
	d.wg.Add(1)
	ctx := d.ctx
	go func() {
		defer d.wg.Done()
		d.run(ctx, run)
		d.complete(run)
	}()
}

func (d *Dispatcher) run(ctx context.Context, run *models.Run) {
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Warn("dispatcher stopped before run acquired a slot", zap.String("run_id", run.ID))
			return
		}
		defer d.sem.Release(1)
	}
	if err := d.execute(ctx, run); err != nil {
		d.logger.Warn("run finished with error",
			zap.String("run_id", run.ID),
			zap.String("thread_key", run.ThreadKey),
			zap.Error(err))
	}
}

func (d *Dispatcher) complete(run *models.Run) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.known, run.ID)
	if d.active[run.ThreadKey] == run.ID {
		delete(d.active, run.ThreadKey)
	}
	queue := d.queues[run.ThreadKey]
	if len(queue) == 0 || d.stopping {
		delete(d.queues, run.ThreadKey)
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(d.queues, run.ThreadKey)
	} else {
		d.queues[run.ThreadKey] = queue[1:]
	}
	d.launch(next)
}
