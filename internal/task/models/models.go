// Package models defines the scheduled-task domain types.
package models

import (
	"fmt"
	"time"
)

// ScheduleKind selects how a task's next firing is computed.
type ScheduleKind string

const (
	// ScheduleOnce fires a single time at a fixed instant, then disables
	// the task.
	ScheduleOnce ScheduleKind = "once"
	// ScheduleCron fires on a 5-field cron expression evaluated in the
	// task's timezone.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleRRule fires on an iCalendar RRULE evaluated in the task's
	// timezone.
	ScheduleRRule ScheduleKind = "rrule"
)

// Valid reports whether the kind is one of the known values.
func (k ScheduleKind) Valid() bool {
	return k == ScheduleOnce || k == ScheduleCron || k == ScheduleRRule
}

// TaskRunStatus is the lifecycle state of one occurrence.
type TaskRunStatus string

const (
	TaskRunPending    TaskRunStatus = "pending"
	TaskRunDispatched TaskRunStatus = "dispatched"
	TaskRunSucceeded  TaskRunStatus = "succeeded"
	TaskRunFailed     TaskRunStatus = "failed"
)

// IsTerminal reports whether the occurrence status is final.
func (s TaskRunStatus) IsTerminal() bool {
	return s == TaskRunSucceeded || s == TaskRunFailed
}

// DeliveryTarget names where a task's output should be delivered: a provider
// tag plus the provider's route. The messenger provider uses the chat id and,
// once an execution topic exists, its message thread id.
type DeliveryTarget struct {
	Provider        string `json:"provider"`
	ChatID          int64  `json:"chat_id,omitempty"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
}

// ScheduledTask is a recurring or one-shot instruction dispatched through the
// run service on its own execution thread.
type ScheduledTask struct {
	ID                 string
	Title              string
	Instructions       string
	Enabled            bool
	ScheduleKind       ScheduleKind
	OnceAt             *time.Time
	CronExpr           string
	RRuleExpr          string
	Timezone           string
	CreatorThreadKey   string
	OwnerUserKey       string
	DeliveryTarget     DeliveryTarget
	ExecutionThreadKey string
	NextRunAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TaskRun is one scheduled firing of a task.
type TaskRun struct {
	ID             string        `db:"task_run_id"`
	TaskID         string        `db:"task_id"`
	ScheduledFor   time.Time     `db:"scheduled_for"`
	Status         TaskRunStatus `db:"status"`
	RunID          string        `db:"run_id"`
	IdempotencyKey string        `db:"idempotency_key"`
	ErrorMessage   string        `db:"error_message"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// scheduledForLayout is RFC3339 with millisecond precision, always UTC.
const scheduledForLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatScheduledFor serializes an occurrence instant for keys and display.
func FormatScheduledFor(t time.Time) string {
	return t.UTC().Format(scheduledForLayout)
}

// OccurrenceIdempotencyKey is the deterministic ingest key for one firing,
// so a re-dispatched occurrence deduplicates at the run store.
func OccurrenceIdempotencyKey(taskID string, scheduledFor time.Time) string {
	return fmt.Sprintf("task:%s:scheduled_for:%s", taskID, FormatScheduledFor(scheduledFor))
}
