package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/common/config"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/db"
	"github.com/pocketagent/pocketagent/internal/events/bus"
	"github.com/pocketagent/pocketagent/internal/messenger"
	runmodels "github.com/pocketagent/pocketagent/internal/run/models"
	"github.com/pocketagent/pocketagent/internal/run/progress"
	"github.com/pocketagent/pocketagent/internal/task/models"
	"github.com/pocketagent/pocketagent/internal/task/schedule"
	"github.com/pocketagent/pocketagent/internal/task/store"
)

// fakeRunService scripts the run side of a dispatch: each ingest creates a
// run in the configured status, and tests can settle "running" runs by
// emitting a terminal progress event.
type fakeRunService struct {
	mu         sync.Mutex
	status     runmodels.RunStatus
	ingests    []*runmodels.IngestRequest
	runs       map[string]*runmodels.Run
	byIdemKey  map[string]string
	listeners  map[string][]progress.Listener
	seq        int
	subscribed int
	released   int
	failErr    error
}

func newFakeRunService() *fakeRunService {
	return &fakeRunService{
		status:    runmodels.RunStatusSucceeded,
		runs:      make(map[string]*runmodels.Run),
		byIdemKey: make(map[string]string),
		listeners: make(map[string][]progress.Listener),
	}
}

func (f *fakeRunService) Ingest(_ context.Context, req *runmodels.IngestRequest) (*runmodels.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	if req.IdempotencyKey != "" {
		if runID, ok := f.byIdemKey[req.IdempotencyKey]; ok {
			return &runmodels.IngestResult{Run: f.runs[runID], Deduplicated: true}, nil
		}
	}
	f.seq++
	run := &runmodels.Run{
		ID:           fmt.Sprintf("run-%d", f.seq),
		Source:       req.Source,
		ThreadKey:    req.ThreadKey,
		UserKey:      req.UserKey,
		DeliveryMode: req.DeliveryMode,
		InputText:    req.Text,
		Status:       f.status,
	}
	f.runs[run.ID] = run
	if req.IdempotencyKey != "" {
		f.byIdemKey[req.IdempotencyKey] = run.ID
	}
	f.ingests = append(f.ingests, req)
	return &runmodels.IngestResult{Run: run}, nil
}

func (f *fakeRunService) GetRun(_ context.Context, runID string) (*runmodels.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, apperr.NotFound("run %s not found", runID)
	}
	return run, nil
}

func (f *fakeRunService) SubscribeRunProgress(runID string, listener progress.Listener, replay bool) func() {
	f.mu.Lock()
	f.subscribed++
	run := f.runs[runID]
	terminal := run != nil && run.Status.IsTerminal()
	if !terminal {
		f.listeners[runID] = append(f.listeners[runID], listener)
	}
	f.mu.Unlock()

	if replay && terminal {
		eventType := progress.EventSucceeded
		if run.Status == runmodels.RunStatusFailed {
			eventType = progress.EventFailed
		}
		listener(progress.Event{Type: eventType, RunID: runID, ErrorMessage: run.ErrorMessage})
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.released++
			delete(f.listeners, runID)
		})
	}
}

func (f *fakeRunService) subscribedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

func (f *fakeRunService) pendingReleases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed - f.released
}

func (f *fakeRunService) settle(runID string, eventType progress.EventType, errMsg string) {
	f.mu.Lock()
	run := f.runs[runID]
	if eventType == progress.EventSucceeded {
		run.Status = runmodels.RunStatusSucceeded
	} else {
		run.Status = runmodels.RunStatusFailed
		run.ErrorMessage = errMsg
	}
	listeners := f.listeners[runID]
	f.mu.Unlock()

	for _, listener := range listeners {
		listener(progress.Event{Type: eventType, RunID: runID, ErrorMessage: errMsg})
	}
}

func (f *fakeRunService) ingestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ingests)
}

func (f *fakeRunService) lastIngest() *runmodels.IngestRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ingests) == 0 {
		return nil
	}
	return f.ingests[len(f.ingests)-1]
}

// fakeBridge hands out sequential topic ids and records deliveries.
type fakeBridge struct {
	mu        sync.Mutex
	nextTopic int64
	created   []string
	renamed   []string
	delivered []string
	createErr error
}

func (b *fakeBridge) CreateTaskTopic(_ context.Context, chatID int64, taskID, _ string) (messenger.Route, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return messenger.Route{}, b.createErr
	}
	b.nextTopic++
	b.created = append(b.created, taskID)
	return messenger.Route{ChatID: chatID, MessageThreadID: 500 + b.nextTopic}, nil
}

func (b *fakeBridge) SyncTaskTopicTitle(_ context.Context, _ messenger.Route, taskID, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renamed = append(b.renamed, taskID+":"+title)
	return nil
}

func (b *fakeBridge) DeliverRun(_ context.Context, runID string, _ messenger.Route) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, runID)
	return nil
}

func (b *fakeBridge) deliveredRuns() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.delivered...)
}

func testTasksConfig() config.TasksConfig {
	return config.TasksConfig{TickInterval: 1, DueBatchSize: 20, RunBatchSize: 200, ImageTTLHours: 72}
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeRunService, *fakeBridge) {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite3", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	taskStore, err := store.New(pool)
	require.NoError(t, err)

	runs := newFakeRunService()
	bridge := &fakeBridge{}
	svc := New(taskStore, runs, bridge, nil, bus.NewMemoryEventBus(logger.Default()), testTasksConfig(), logger.Default())
	return svc, taskStore, runs, bridge
}

func onceTask(at time.Time) *models.ScheduledTask {
	return &models.ScheduledTask{
		Title:        "Morning briefing",
		Instructions: "Summarize my inbox",
		Enabled:      true,
		ScheduleKind: models.ScheduleOnce,
		OnceAt:       &at,
		Timezone:     "UTC",
		OwnerUserKey: "user:7",
		DeliveryTarget: models.DeliveryTarget{
			Provider: messenger.ProviderTelegram,
			ChatID:   101,
		},
	}
}

func TestCreateTaskComputesFirstRun(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)
	require.NotNil(t, created.NextRunAt)
	assert.Equal(t, at, created.NextRunAt.UTC())
	assert.NotEmpty(t, created.ID)
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	task := onceTask(time.Now().UTC())
	task.Title = ""
	_, err := svc.CreateTask(ctx, task)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	task = onceTask(time.Now().UTC())
	task.CronExpr = "0 9 * * *"
	_, err = svc.CreateTask(ctx, task)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCreateTaskAnchorsBareRRule(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	task := onceTask(time.Time{})
	task.OnceAt = nil
	task.ScheduleKind = models.ScheduleRRule
	task.RRuleExpr = "FREQ=WEEKLY;BYDAY=MO"
	task.Timezone = "America/New_York"

	created, err := svc.CreateTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.RRuleExpr, "DTSTART;TZID=America/New_York:"))
	assert.Contains(t, created.RRuleExpr, "RRULE:FREQ=WEEKLY;BYDAY=MO")
	require.NotNil(t, created.NextRunAt)
	assert.Equal(t, time.Monday, created.NextRunAt.In(mustLoadLocation(t, "America/New_York")).Weekday())
}

func mustLoadLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestTickFiresOnceTaskExactlyOnce(t *testing.T) {
	svc, taskStore, runs, bridge := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)

	svc.Tick(ctx)
	svc.Tick(ctx) // a second pass must not duplicate the occurrence

	taskRuns, err := taskStore.ListTaskRunsByTask(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Len(t, taskRuns, 1)
	assert.Equal(t, models.TaskRunSucceeded, taskRuns[0].Status)
	assert.Equal(t, 1, runs.ingestCount())

	// Firing a once task disables it and clears the next run.
	after, err := svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, after.Enabled)
	assert.Nil(t, after.NextRunAt)

	// The result was delivered to the task's topic.
	assert.Len(t, bridge.deliveredRuns(), 1)
}

func TestDispatchComposesInstructionHeader(t *testing.T) {
	svc, taskStore, runs, _ := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)

	svc.Tick(ctx)

	req := runs.lastIngest()
	require.NotNil(t, req)
	assert.Equal(t, "task:"+created.ID, req.Source)
	assert.Equal(t, runmodels.DeliveryFollowUp, req.DeliveryMode)
	assert.Equal(t, "user:7", req.UserKey)

	taskRuns, err := taskStore.ListTaskRunsByTask(ctx, created.ID, 1)
	require.NoError(t, err)
	require.Len(t, taskRuns, 1)
	scheduledFor := models.FormatScheduledFor(taskRuns[0].ScheduledFor)

	expected := fmt.Sprintf("[SCHEDULED TASK]\nTitle: Morning briefing\nTask ID: %s\nScheduled for: %s (timezone UTC)\n\nSummarize my inbox",
		created.ID, scheduledFor)
	assert.Equal(t, expected, req.Text)
	assert.Equal(t, models.OccurrenceIdempotencyKey(created.ID, taskRuns[0].ScheduledFor), req.IdempotencyKey)
}

func TestTelegramTaskGetsFreshTopicFirstWriterWins(t *testing.T) {
	svc, _, runs, bridge := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)

	svc.Tick(ctx)

	after, err := svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "telegram:chat:101:topic:501", after.ExecutionThreadKey)
	assert.Equal(t, int64(501), after.DeliveryTarget.MessageThreadID)
	assert.Equal(t, after.ExecutionThreadKey, runs.lastIngest().ThreadKey)
	assert.Equal(t, []string{created.ID}, bridge.created)
}

func TestTopicsUnavailableFailsOccurrenceNotTask(t *testing.T) {
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite3", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	taskStore, err := store.New(pool)
	require.NoError(t, err)

	// No topic bridge wired at all.
	runs := newFakeRunService()
	svc := New(taskStore, runs, nil, nil, bus.NewMemoryEventBus(logger.Default()), testTasksConfig(), logger.Default())
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)

	svc.Tick(ctx)

	taskRuns, err := taskStore.ListTaskRunsByTask(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Len(t, taskRuns, 1)
	assert.Equal(t, models.TaskRunFailed, taskRuns[0].Status)
	assert.Equal(t, "telegram_topics_unavailable", taskRuns[0].ErrorMessage)
	assert.Equal(t, 0, runs.ingestCount())
}

func TestNonTelegramTaskDerivesThreadKey(t *testing.T) {
	svc, _, runs, _ := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	task := onceTask(at)
	task.DeliveryTarget = models.DeliveryTarget{Provider: "CLI Adapter"}
	created, err := svc.CreateTask(ctx, task)
	require.NoError(t, err)

	svc.Tick(ctx)

	after, err := svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "cli_adapter:task:"+created.ID, after.ExecutionThreadKey)
	assert.Equal(t, after.ExecutionThreadKey, runs.lastIngest().ThreadKey)
}

func TestRunningDispatchSettlesOnTerminalEvent(t *testing.T) {
	svc, taskStore, runs, bridge := newTestService(t)
	ctx := context.Background()
	runs.status = runmodels.RunStatusRunning

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)

	svc.Tick(ctx)

	taskRuns, err := taskStore.ListTaskRunsByTask(ctx, created.ID, 1)
	require.NoError(t, err)
	require.Len(t, taskRuns, 1)
	assert.Equal(t, models.TaskRunDispatched, taskRuns[0].Status)
	assert.Empty(t, bridge.deliveredRuns())

	runs.settle(taskRuns[0].RunID, progress.EventSucceeded, "")

	settled, err := taskStore.GetTaskRun(ctx, taskRuns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunSucceeded, settled.Status)
	assert.Equal(t, []string{taskRuns[0].RunID}, bridge.deliveredRuns())
}

func TestReconcileSettlesDispatchedOccurrence(t *testing.T) {
	svc, taskStore, runs, _ := newTestService(t)
	ctx := context.Background()
	runs.status = runmodels.RunStatusRunning

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)
	svc.Tick(ctx)

	taskRuns, err := taskStore.ListTaskRunsByTask(ctx, created.ID, 1)
	require.NoError(t, err)
	require.Len(t, taskRuns, 1)

	// The run fails while no subscriber is attached (e.g. across a restart);
	// the next tick's reconcile pass settles the occurrence from the run row.
	runs.mu.Lock()
	runs.runs[taskRuns[0].RunID].Status = runmodels.RunStatusFailed
	runs.runs[taskRuns[0].RunID].ErrorMessage = "assistant stopped with error"
	runs.listeners = make(map[string][]progress.Listener)
	runs.mu.Unlock()

	svc.Tick(ctx)

	settled, err := taskStore.GetTaskRun(ctx, taskRuns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunFailed, settled.Status)
	assert.Equal(t, "assistant stopped with error", settled.ErrorMessage)
}

func TestRunNowFiresImmediately(t *testing.T) {
	svc, _, runs, _ := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(time.Hour)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)

	after, taskRun, err := svc.RunNow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunSucceeded, taskRun.Status)
	assert.Equal(t, 1, runs.ingestCount())

	// The schedule is untouched: the planned firing is still ahead.
	assert.True(t, after.Enabled)
	require.NotNil(t, after.NextRunAt)
}

func TestUpdateTaskRecomputesNextRun(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(time.Hour)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)

	disabled := false
	updated, err := svc.UpdateTask(ctx, created.ID, TaskUpdate{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextRunAt)

	enabled := true
	newSchedule := &schedule.Spec{Kind: models.ScheduleCron, CronExpr: "0 9 * * *", Timezone: "UTC"}
	updated, err = svc.UpdateTask(ctx, created.ID, TaskUpdate{Enabled: &enabled, Schedule: newSchedule})
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, 9, updated.NextRunAt.UTC().Hour())
}

func TestUpdateTaskTitleRenamesOwnedTopic(t *testing.T) {
	svc, _, runs, bridge := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)
	svc.Tick(ctx) // provisions the topic
	require.Equal(t, 1, runs.ingestCount())

	title := "Evening briefing"
	_, err = svc.UpdateTask(ctx, created.ID, TaskUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID + ":Evening briefing"}, bridge.renamed)
}

func TestUpdateTaskTitleBeforeProvisioningLeavesCreatorTopicAlone(t *testing.T) {
	svc, _, _, bridge := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(time.Hour)
	task := onceTask(at)
	// Until the first firing provisions an execution topic, the delivery
	// target still points at the creator's own topic.
	task.DeliveryTarget.MessageThreadID = 777
	created, err := svc.CreateTask(ctx, task)
	require.NoError(t, err)
	require.Empty(t, created.ExecutionThreadKey)

	title := "Evening briefing"
	_, err = svc.UpdateTask(ctx, created.ID, TaskUpdate{Title: &title})
	require.NoError(t, err)
	assert.Empty(t, bridge.renamed)
}

func TestDeliverySubscriptionReleasedAfterSettle(t *testing.T) {
	svc, taskStore, runs, _ := newTestService(t)
	ctx := context.Background()

	// A run that is already terminal settles inside the subscribe call; the
	// listener must still be released.
	at := time.Now().UTC().Add(-time.Minute)
	_, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)
	svc.Tick(ctx)
	require.NotZero(t, runs.subscribedCount())
	require.Eventually(t, func() bool { return runs.pendingReleases() == 0 },
		time.Second, 10*time.Millisecond)

	// A run that settles later through a live progress event.
	runs.status = runmodels.RunStatusRunning
	second, err := svc.CreateTask(ctx, onceTask(at.Add(-time.Second)))
	require.NoError(t, err)
	svc.Tick(ctx)

	taskRuns, err := taskStore.ListTaskRunsByTask(ctx, second.ID, 1)
	require.NoError(t, err)
	require.Len(t, taskRuns, 1)
	require.NotZero(t, runs.pendingReleases())
	runs.settle(taskRuns[0].RunID, progress.EventSucceeded, "")
	require.Eventually(t, func() bool { return runs.pendingReleases() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestClearExecutionThreads(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)
	svc.Tick(ctx)

	before, err := svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before.ExecutionThreadKey)

	cleared, err := svc.ClearExecutionThreadsByThreadKey(ctx, before.ExecutionThreadKey)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	after, err := svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, after.ExecutionThreadKey)
	assert.Zero(t, after.DeliveryTarget.MessageThreadID)
}

func TestDeleteTaskRemovesHistory(t *testing.T) {
	svc, taskStore, _, _ := newTestService(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	created, err := svc.CreateTask(ctx, onceTask(at))
	require.NoError(t, err)
	svc.Tick(ctx)

	require.NoError(t, svc.DeleteTask(ctx, created.ID))

	_, err = svc.GetTask(ctx, created.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	taskRuns, err := taskStore.ListTaskRunsByTask(ctx, created.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, taskRuns)
}
