// Package service is the run façade: message ingest, run lookup, progress
// subscriptions, cancellation, and crash recovery.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/common/config"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/events"
	"github.com/pocketagent/pocketagent/internal/events/bus"
	"github.com/pocketagent/pocketagent/internal/run/dispatch"
	"github.com/pocketagent/pocketagent/internal/run/models"
	"github.com/pocketagent/pocketagent/internal/run/progress"
	"github.com/pocketagent/pocketagent/internal/run/store"
)

// recoveryBatchSize bounds how many running runs one recovery pass loads.
const recoveryBatchSize = 500

// Executor runs a single run to its terminal output. The run service
// persists the outcome; the executor only produces it.
type Executor interface {
	Execute(ctx context.Context, run *models.Run) (*models.RunOutput, error)
	Cancel(threadKey, runID string) bool
	ResetThreadSession(ctx context.Context, threadKey string) error
	Close()
}

// Service owns run ingest, execution scheduling, and the progress bus.
type Service struct {
	store      *store.Store
	executor   Executor
	dispatcher *dispatch.Dispatcher
	progress   *progress.Bus
	events     bus.EventBus
	logger     *logger.Logger

	recoveryInterval time.Duration
	loopCancel       context.CancelFunc
	loopWG           sync.WaitGroup
	started          bool
	mu               sync.Mutex
}

// New assembles the run service over its store, executor, and event bus.
func New(runStore *store.Store, exec Executor, eventBus bus.EventBus, cfg config.RunsConfig, log *logger.Logger) *Service {
	s := &Service{
		store:    runStore,
		executor: exec,
		events:   eventBus,
		logger:   log.WithFields(zap.String("component", "run-service")),
		progress: progress.NewBus(log,
			progress.WithBufferSize(cfg.ProgressBuffer),
			progress.WithTerminalRetention(cfg.TerminalRetainDuration())),
		recoveryInterval: cfg.RecoveryIntervalDuration(),
	}
	s.dispatcher = dispatch.New(s.executeLoadedRun, log,
		dispatch.WithMaxConcurrency(cfg.MaxConcurrent))
	return s
}

// Progress exposes the progress bus to executors that publish through it.
func (s *Service) Progress() *progress.Bus { return s.progress }

// Publish puts one progress event on the per-run bus and mirrors it to the
// process event bus so external adapters can attach by subject.
func (s *Service) Publish(event progress.Event) {
	s.progress.Publish(event)
	s.mirror(event)
}

// Init starts the dispatcher, runs the first recovery pass, and arms the
// periodic recovery loop.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.dispatcher.Start()
	s.recover(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopWG.Add(1)
	go s.recoveryLoop(loopCtx)
	return nil
}

// Shutdown stops the recovery loop, drains in-flight runs, and releases the
// executor and progress buffers.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.loopCancel()
	s.loopWG.Wait()
	s.dispatcher.Stop()
	s.executor.Close()
	s.progress.Close()
}

// Ingest accepts a user message: it creates (or deduplicates) the run and
// queues it for its thread.
func (s *Service) Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResult, error) {
	result, err := s.store.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Deduplicated {
		return result, nil
	}

	s.Publish(progress.New(progress.EventQueued, result.Run))
	s.dispatcher.Enqueue(result.Run)
	return result, nil
}

// GetRun loads one run.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRecentRuns returns the newest runs for adapter surfaces.
func (s *Service) ListRecentRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return s.store.ListRecentRuns(ctx, limit)
}

// SubscribeRunProgress attaches a listener to a run's progress stream.
func (s *Service) SubscribeRunProgress(runID string, listener progress.Listener, replay bool) func() {
	return s.progress.Subscribe(runID, listener, replay)
}

// CancelRun removes a queued run, or detaches an in-flight one by failing it
// on its controller. Either way the run ends failed with the cancellation
// message.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	const reason = "cancelled by user"

	_, inFlight := s.dispatcher.Cancel(runID)
	if inFlight {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if !s.executor.Cancel(run.ThreadKey, runID) {
			return apperr.Conflict("run %s is executing and can no longer be cancelled", runID)
		}
		// The controller rejection flows back through executeLoadedRun,
		// which persists the failure and emits the terminal event.
		return nil
	}

	if err := s.store.MarkFailed(ctx, runID, reason); err != nil {
		return err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err == nil {
		failed := progress.New(progress.EventFailed, run)
		failed.ErrorMessage = reason
		s.Publish(failed)
	}
	return nil
}

// ResetThreadSession destroys the thread's agent session; the next ingest
// creates a fresh one.
func (s *Service) ResetThreadSession(ctx context.Context, threadKey string) error {
	return s.executor.ResetThreadSession(ctx, threadKey)
}

// executeLoadedRun is the dispatcher callback: it emits the lifecycle
// events around the executor call and persists the terminal state.
func (s *Service) executeLoadedRun(ctx context.Context, run *models.Run) error {
	s.Publish(progress.New(progress.EventStarted, run))

	output, err := s.executor.Execute(ctx, run)
	if err != nil {
		message := err.Error()
		if markErr := s.store.MarkFailed(ctx, run.ID, message); markErr != nil {
			// A cancel or concurrent transition already finished the row.
			if !apperr.IsKind(markErr, apperr.KindConflict) {
				s.logger.Error("failed to persist run failure",
					zap.String("run_id", run.ID), zap.Error(markErr))
			}
		}
		failed := progress.New(progress.EventFailed, run)
		failed.ErrorMessage = message
		s.Publish(failed)
		return err
	}

	if markErr := s.store.MarkSucceeded(ctx, run.ID, output); markErr != nil {
		if !apperr.IsKind(markErr, apperr.KindConflict) {
			s.logger.Error("failed to persist run success",
				zap.String("run_id", run.ID), zap.Error(markErr))
		}
	}
	succeeded := progress.New(progress.EventSucceeded, run)
	succeeded.Output = output
	s.Publish(succeeded)
	return nil
}

// recover re-enqueues every run the store still considers running. Runs
// already queued or in flight are no-ops.
func (s *Service) recover(ctx context.Context) {
	runs, err := s.store.ListRunningRuns(ctx, recoveryBatchSize)
	if err != nil {
		s.logger.Error("recovery pass failed", zap.Error(err))
		return
	}
	for _, run := range runs {
		s.dispatcher.EnsureEnqueued(run)
	}
	if len(runs) > 0 {
		s.logger.Info("recovery pass complete", zap.Int("running_runs", len(runs)))
	}
}

func (s *Service) recoveryLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recover(ctx)
		}
	}
}

// mirror republishes a progress event on the process event bus under
// run.progress.<runID>.
func (s *Service) mirror(event progress.Event) {
	encoded, err := json.Marshal(event)
	if err != nil {
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(encoded, &data); err != nil {
		return
	}
	busEvent := bus.NewEvent(events.RunProgress, "run-service", data)
	if err := s.events.Publish(context.Background(), events.RunProgressSubject(event.RunID), busEvent); err != nil {
		s.logger.Debug("failed to mirror progress event", zap.Error(err))
	}
}
