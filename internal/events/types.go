package events

import "fmt"

// Event types for runs
const (
	RunCreated  = "run.created"
	RunProgress = "run.progress"
	RunFinished = "run.finished"
)

// Event types for scheduled tasks
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskDeleted       = "task.deleted"
	TaskRunDispatched = "task_run.dispatched"
	TaskRunTerminal   = "task_run.terminal"
)

// RunProgressSubject returns the subject on which a run's progress events are
// mirrored, e.g. "run.progress.7f3a...".
func RunProgressSubject(runID string) string {
	return fmt.Sprintf("run.progress.%s", runID)
}

// RunProgressPattern matches the progress subjects of all runs.
const RunProgressPattern = "run.progress.>"

// TaskSubject returns the subject for a scheduled task's lifecycle events.
func TaskSubject(taskID string) string {
	return fmt.Sprintf("task.%s", taskID)
}
