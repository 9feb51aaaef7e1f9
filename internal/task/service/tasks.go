package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/events"
	"github.com/pocketagent/pocketagent/internal/events/bus"
	"github.com/pocketagent/pocketagent/internal/messenger"
	"github.com/pocketagent/pocketagent/internal/task/models"
	"github.com/pocketagent/pocketagent/internal/task/schedule"
	"github.com/pocketagent/pocketagent/internal/task/store"
)

// TaskUpdate is a partial update. Nil fields keep their current value; a
// non-nil Schedule replaces the whole schedule at once.
type TaskUpdate struct {
	Title          *string
	Instructions   *string
	Enabled        *bool
	DeliveryTarget *models.DeliveryTarget
	Schedule       *schedule.Spec
}

// CreateTask validates and persists a new scheduled task. Bare RRULE bodies
// are anchored with a DTSTART at creation time so later evaluation is stable.
func (s *Service) CreateTask(ctx context.Context, task *models.ScheduledTask) (*models.ScheduledTask, error) {
	if task.Title == "" {
		return nil, apperr.Validation("task title is required")
	}
	if task.Instructions == "" {
		return nil, apperr.Validation("task instructions are required")
	}
	if task.DeliveryTarget.Provider == "" {
		return nil, apperr.Validation("task delivery target requires a provider")
	}

	now := time.Now().UTC()
	if task.ScheduleKind == models.ScheduleRRule {
		task.RRuleExpr = schedule.NormalizeRRule(task.RRuleExpr, task.Timezone, now)
	}
	spec := schedule.FromTask(task)
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	task.NextRunAt = nil
	if task.Enabled {
		next, err := spec.FirstRun(now)
		if err != nil {
			return nil, err
		}
		task.NextRunAt = next
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	created, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(events.TaskCreated, created)
	return created, nil
}

// GetTask loads one task.
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks returns all tasks.
func (s *Service) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	return s.store.ListTasks(ctx)
}

// ListTaskRuns returns a task's newest occurrences.
func (s *Service) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]*models.TaskRun, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTaskRunsByTask(ctx, taskID, limit)
}

// UpdateTask applies a partial update. The next firing is recomputed when the
// schedule changes or the task flips to enabled; disabling clears it. A title
// change on a task that already owns an execution topic renames the topic,
// best effort.
func (s *Service) UpdateTask(ctx context.Context, taskID string, update TaskUpdate) (*models.ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	titleChanged := false
	recompute := false

	if update.Title != nil && *update.Title != task.Title {
		if *update.Title == "" {
			return nil, apperr.Validation("task title is required")
		}
		task.Title = *update.Title
		titleChanged = true
	}
	if update.Instructions != nil {
		if *update.Instructions == "" {
			return nil, apperr.Validation("task instructions are required")
		}
		task.Instructions = *update.Instructions
	}
	if update.DeliveryTarget != nil {
		if update.DeliveryTarget.Provider == "" {
			return nil, apperr.Validation("task delivery target requires a provider")
		}
		task.DeliveryTarget = *update.DeliveryTarget
	}
	if update.Schedule != nil {
		spec := *update.Schedule
		if spec.Kind == models.ScheduleRRule {
			spec.RRuleExpr = schedule.NormalizeRRule(spec.RRuleExpr, spec.Timezone, now)
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		task.ScheduleKind = spec.Kind
		task.OnceAt = spec.OnceAt
		task.CronExpr = spec.CronExpr
		task.RRuleExpr = spec.RRuleExpr
		task.Timezone = spec.Timezone
		recompute = true
	}
	if update.Enabled != nil && *update.Enabled != task.Enabled {
		task.Enabled = *update.Enabled
		recompute = true
	}

	if recompute {
		task.NextRunAt = nil
		if task.Enabled {
			next, err := schedule.FromTask(task).FirstRun(now)
			if err != nil {
				return nil, err
			}
			task.NextRunAt = next
		}
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if titleChanged && s.bridge != nil && task.ExecutionThreadKey != "" && task.DeliveryTarget.MessageThreadID != 0 {
		route := messenger.Route{
			ChatID:          task.DeliveryTarget.ChatID,
			MessageThreadID: task.DeliveryTarget.MessageThreadID,
		}
		if err := s.bridge.SyncTaskTopicTitle(ctx, route, task.ID, task.Title); err != nil {
			s.logger.Warn("failed to rename task topic",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	s.publishTaskEvent(events.TaskUpdated, task)
	return task, nil
}

// DeleteTask removes a task and its occurrence history.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.publishTaskEvent(events.TaskDeleted, task)
	return nil
}

// RunNow fires one immediate occurrence of the task without touching its
// schedule. The occurrence goes through the same claim and dispatch path as
// a scheduled firing.
func (s *Service) RunNow(ctx context.Context, taskID string) (*models.ScheduledTask, *models.TaskRun, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	scheduledFor := time.Now().UTC().Truncate(time.Millisecond)
	var taskRun *models.TaskRun
	err = s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		taskRun, err = s.store.CreateOrGetTaskRun(ctx, tx, task.ID, scheduledFor,
			models.OccurrenceIdempotencyKey(task.ID, scheduledFor))
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if taskRun.Status == models.TaskRunPending {
		s.fireOccurrence(ctx, task, taskRun)
	}
	task, err = s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	taskRun, err = s.store.GetTaskRun(ctx, taskRun.ID)
	if err != nil {
		return nil, nil, err
	}
	return task, taskRun, nil
}

// ClearExecutionThreadsByThreadKey detaches every task bound to the thread
// key, typically after the backing topic was deleted. The next firing
// provisions a fresh execution thread.
func (s *Service) ClearExecutionThreadsByThreadKey(ctx context.Context, threadKey string) (int, error) {
	return s.store.ClearTaskExecutionThreadByThreadKey(ctx, threadKey)
}

// Store exposes the backing store for wiring (image purge piggybacking).
func (s *Service) Store() *store.Store { return s.store }

func (s *Service) publishTaskEvent(eventType string, task *models.ScheduledTask) {
	if s.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "task-service", map[string]interface{}{
		"task_id": task.ID,
		"title":   task.Title,
		"enabled": task.Enabled,
	})
	if err := s.events.Publish(context.Background(), events.TaskSubject(task.ID), event); err != nil {
		s.logger.Debug("failed to publish task event", zap.Error(err))
	}
}
