// Package service runs the scheduled-task machinery: CRUD over tasks, the
// tick loop that fires due occurrences, execution-thread provisioning, and
// dispatch through the run service.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/common/config"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/events"
	"github.com/pocketagent/pocketagent/internal/events/bus"
	"github.com/pocketagent/pocketagent/internal/messenger"
	runmodels "github.com/pocketagent/pocketagent/internal/run/models"
	"github.com/pocketagent/pocketagent/internal/run/progress"
	"github.com/pocketagent/pocketagent/internal/task/models"
	"github.com/pocketagent/pocketagent/internal/task/schedule"
	"github.com/pocketagent/pocketagent/internal/task/store"
)

// RunService is the slice of the run façade the task service dispatches
// through.
type RunService interface {
	Ingest(ctx context.Context, req *runmodels.IngestRequest) (*runmodels.IngestResult, error)
	GetRun(ctx context.Context, runID string) (*runmodels.Run, error)
	SubscribeRunProgress(runID string, listener progress.Listener, replay bool) func()
}

// ImagePurger lets the tick piggyback expired-image cleanup.
type ImagePurger interface {
	PurgeExpiredInputImages(ctx context.Context, now time.Time) (int64, error)
}

// Service owns the scheduled-task tick loop.
type Service struct {
	store  *store.Store
	runs   RunService
	bridge messenger.TopicBridge // nil when no topic-capable messenger is wired
	purger ImagePurger
	events bus.EventBus
	cfg    config.TasksConfig
	logger *logger.Logger

	tickMu     sync.Mutex // in-flight sentinel: a tick never overlaps itself
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	started    bool
	stateMu    sync.Mutex
}

// New assembles the task service.
func New(taskStore *store.Store, runs RunService, bridge messenger.TopicBridge, purger ImagePurger, eventBus bus.EventBus, cfg config.TasksConfig, log *logger.Logger) *Service {
	return &Service{
		store:  taskStore,
		runs:   runs,
		bridge: bridge,
		purger: purger,
		events: eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "task-service")),
	}
}

// Start arms the tick loop.
func (s *Service) Start() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopWG.Add(1)
	go s.tickLoop(ctx)
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Service) Stop() {
	s.stateMu.Lock()
	if !s.started {
		s.stateMu.Unlock()
		return
	}
	s.started = false
	s.stateMu.Unlock()

	s.loopCancel()
	s.loopWG.Wait()

	// Taking the sentinel guarantees no tick body is still running.
	s.tickMu.Lock()
	s.tickMu.Unlock()
}

func (s *Service) tickLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.TickIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: fire due tasks, resume pending occurrences,
// reconcile dispatched ones, and purge expired input images. Overlapping
// calls coalesce into one.
func (s *Service) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		return
	}
	defer s.tickMu.Unlock()

	now := time.Now().UTC()
	s.processDueTasks(ctx, now)
	s.resumePendingOccurrences(ctx)
	s.reconcileDispatchedOccurrences(ctx)

	if s.purger != nil {
		if purged, err := s.purger.PurgeExpiredInputImages(ctx, now); err == nil && purged > 0 {
			s.logger.Debug("purged expired input images", zap.Int64("count", purged))
		}
	}
}

// processDueTasks claims one occurrence per due task and advances the task
// past it, atomically, then provisions the execution thread and dispatches.
func (s *Service) processDueTasks(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueTasks(ctx, now, s.cfg.DueBatchSize)
	if err != nil {
		s.logger.Error("failed to list due tasks", zap.Error(err))
		return
	}

	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		scheduledFor := task.NextRunAt.UTC().Truncate(time.Millisecond)

		spec := schedule.FromTask(task)
		enabled, next, err := spec.NextAfterOccurrence(now)
		if err != nil {
			s.logger.Error("failed to evaluate schedule", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}

		var taskRun *models.TaskRun
		err = s.store.InTx(ctx, func(tx *sqlx.Tx) error {
			taskRun, err = s.store.CreateOrGetTaskRun(ctx, tx, task.ID, scheduledFor,
				models.OccurrenceIdempotencyKey(task.ID, scheduledFor))
			if err != nil {
				return err
			}
			return s.store.AdvanceTaskAfterOccurrence(ctx, tx, task.ID, enabled, next)
		})
		if err != nil {
			s.logger.Error("failed to claim occurrence", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if taskRun.Status != models.TaskRunPending {
			continue
		}
		s.fireOccurrence(ctx, task, taskRun)
	}
}

// resumePendingOccurrences retries occurrences that were claimed but never
// dispatched, covering crashes between the claim and the dispatch.
func (s *Service) resumePendingOccurrences(ctx context.Context) {
	pending, err := s.store.ListTaskRunsByStatuses(ctx, []models.TaskRunStatus{models.TaskRunPending}, s.cfg.RunBatchSize)
	if err != nil {
		s.logger.Error("failed to list pending occurrences", zap.Error(err))
		return
	}
	for _, taskRun := range pending {
		if ctx.Err() != nil {
			return
		}
		task, err := s.store.GetTask(ctx, taskRun.TaskID)
		if err != nil {
			s.failOccurrence(ctx, taskRun.TaskID, taskRun.ID, fmt.Sprintf("task gone: %v", err))
			continue
		}
		s.fireOccurrence(ctx, task, taskRun)
	}
}

// reconcileDispatchedOccurrences settles occurrences whose backing run has
// reached a terminal state, and re-attaches delivery to still-running ones.
func (s *Service) reconcileDispatchedOccurrences(ctx context.Context) {
	dispatched, err := s.store.ListTaskRunsByStatuses(ctx, []models.TaskRunStatus{models.TaskRunDispatched}, s.cfg.RunBatchSize)
	if err != nil {
		s.logger.Error("failed to list dispatched occurrences", zap.Error(err))
		return
	}
	for _, taskRun := range dispatched {
		if ctx.Err() != nil {
			return
		}
		if taskRun.RunID == "" {
			s.failOccurrence(ctx, taskRun.TaskID, taskRun.ID, "dispatched occurrence has no run")
			continue
		}
		run, err := s.runs.GetRun(ctx, taskRun.RunID)
		if err != nil {
			s.failOccurrence(ctx, taskRun.TaskID, taskRun.ID, fmt.Sprintf("run %s gone: %v", taskRun.RunID, err))
			continue
		}
		switch run.Status {
		case runmodels.RunStatusRunning:
			s.attachDelivery(taskRun, run)
		case runmodels.RunStatusSucceeded:
			s.finishOccurrence(ctx, taskRun, run)
		default:
			s.failOccurrence(ctx, taskRun.TaskID, taskRun.ID, run.ErrorMessage)
		}
	}
}

// fireOccurrence provisions the execution thread and dispatches a pending
// occurrence. Thread provisioning failure fails the occurrence, never the
// task.
func (s *Service) fireOccurrence(ctx context.Context, task *models.ScheduledTask, taskRun *models.TaskRun) {
	task, err := s.ensureExecutionThread(ctx, task)
	if err != nil {
		s.failOccurrence(ctx, taskRun.TaskID, taskRun.ID, err.Error())
		return
	}
	s.dispatch(ctx, task, taskRun)
}

// ensureExecutionThread assigns the task's execution thread on first
// dispatch. Telegram tasks get a brand-new topic even when created inside
// one; other providers get a derived per-task key.
func (s *Service) ensureExecutionThread(ctx context.Context, task *models.ScheduledTask) (*models.ScheduledTask, error) {
	if task.ExecutionThreadKey != "" {
		return task, nil
	}

	var threadKey string
	target := task.DeliveryTarget
	if target.Provider == messenger.ProviderTelegram {
		if s.bridge == nil {
			return nil, apperr.New(apperr.KindUpstream, "telegram_topics_unavailable")
		}
		route, err := s.bridge.CreateTaskTopic(ctx, target.ChatID, task.ID, task.Title)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, "failed to create task topic", err)
		}
		target.ChatID = route.ChatID
		target.MessageThreadID = route.MessageThreadID
		threadKey = messenger.ThreadKey(route)
	} else {
		threadKey = fmt.Sprintf("%s:task:%s", messenger.SanitizeProvider(target.Provider), task.ID)
	}

	if err := s.store.SetTaskExecutionThread(ctx, task.ID, threadKey, target); err != nil {
		// A concurrent pass won the assignment; use what it stored.
		if apperr.IsKind(err, apperr.KindConflict) {
			return s.store.GetTask(ctx, task.ID)
		}
		return nil, err
	}
	return s.store.GetTask(ctx, task.ID)
}

// dispatch composes the instruction block and pushes the occurrence through
// the run service. The deterministic idempotency key makes re-dispatch of an
// already-ingested occurrence a store-level no-op.
func (s *Service) dispatch(ctx context.Context, task *models.ScheduledTask, taskRun *models.TaskRun) {
	instructions := fmt.Sprintf("[SCHEDULED TASK]\nTitle: %s\nTask ID: %s\nScheduled for: %s (timezone %s)\n\n%s",
		task.Title, task.ID, models.FormatScheduledFor(taskRun.ScheduledFor), task.Timezone, task.Instructions)

	result, err := s.runs.Ingest(ctx, &runmodels.IngestRequest{
		Source:         fmt.Sprintf("task:%s", task.ID),
		ThreadKey:      task.ExecutionThreadKey,
		UserKey:        task.OwnerUserKey,
		Text:           instructions,
		DeliveryMode:   runmodels.DeliveryFollowUp,
		IdempotencyKey: taskRun.IdempotencyKey,
	})
	if err != nil {
		s.failOccurrence(ctx, task.ID, taskRun.ID, err.Error())
		return
	}

	run := result.Run
	switch run.Status {
	case runmodels.RunStatusRunning:
		if err := s.store.MarkTaskRunDispatched(ctx, taskRun.ID, run.ID); err != nil {
			if !apperr.IsKind(err, apperr.KindConflict) {
				s.logger.Error("failed to mark occurrence dispatched",
					zap.String("task_run_id", taskRun.ID), zap.Error(err))
			}
			return
		}
		s.publishTaskRunEvent(events.TaskRunDispatched, task.ID, taskRun.ID, run.ID)
		s.attachDelivery(taskRun, run)
	case runmodels.RunStatusSucceeded:
		s.finishOccurrence(ctx, taskRun, run)
	default:
		s.failOccurrence(ctx, task.ID, taskRun.ID, run.ErrorMessage)
	}
}

// attachDelivery subscribes to the run's progress stream so the occurrence
// settles (and the result is delivered) the moment the run finishes.
func (s *Service) attachDelivery(taskRun *models.TaskRun, run *runmodels.Run) {
	var once sync.Once
	// The terminal event may replay synchronously inside Subscribe, before
	// the unsubscribe func exists. The handoff channel lets either ordering
	// tear the listener down exactly once.
	settled := make(chan struct{})
	unsubscribe := s.runs.SubscribeRunProgress(run.ID, func(event progress.Event) {
		if !event.Type.IsTerminal() {
			return
		}
		once.Do(func() {
			ctx := context.Background()
			if event.Type == progress.EventSucceeded {
				s.finishOccurrence(ctx, taskRun, run)
			} else {
				s.failOccurrence(ctx, taskRun.TaskID, taskRun.ID, event.ErrorMessage)
			}
			close(settled)
		})
	}, true)
	go func() {
		<-settled
		unsubscribe()
	}()
}

// finishOccurrence marks the occurrence succeeded and delivers the run
// output to the task's route, best effort.
func (s *Service) finishOccurrence(ctx context.Context, taskRun *models.TaskRun, run *runmodels.Run) {
	if err := s.store.MarkTaskRunTerminal(ctx, taskRun.ID, models.TaskRunSucceeded, ""); err != nil {
		if !apperr.IsKind(err, apperr.KindConflict) {
			s.logger.Error("failed to mark occurrence succeeded",
				zap.String("task_run_id", taskRun.ID), zap.Error(err))
		}
		return
	}
	s.publishTaskRunEvent(events.TaskRunTerminal, taskRun.TaskID, taskRun.ID, run.ID)

	if s.bridge != nil {
		if route, ok := messenger.ParseThreadKey(run.ThreadKey); ok {
			if err := s.bridge.DeliverRun(ctx, run.ID, route); err != nil {
				s.logger.Warn("failed to deliver run output",
					zap.String("run_id", run.ID), zap.Error(err))
			}
		}
	}
}

func (s *Service) failOccurrence(ctx context.Context, taskID, taskRunID, message string) {
	if err := s.store.MarkTaskRunTerminal(ctx, taskRunID, models.TaskRunFailed, message); err != nil {
		if !apperr.IsKind(err, apperr.KindConflict) {
			s.logger.Error("failed to mark occurrence failed",
				zap.String("task_run_id", taskRunID), zap.Error(err))
		}
		return
	}
	s.publishTaskRunEvent(events.TaskRunTerminal, taskID, taskRunID, "")
}

func (s *Service) publishTaskRunEvent(eventType, taskID, taskRunID, runID string) {
	if s.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "task-service", map[string]interface{}{
		"task_id":     taskID,
		"task_run_id": taskRunID,
		"run_id":      runID,
	})
	if err := s.events.Publish(context.Background(), events.TaskSubject(taskID), event); err != nil {
		s.logger.Debug("failed to publish task event", zap.Error(err))
	}
}
