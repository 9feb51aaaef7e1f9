// Package controller attributes the event stream of one agent session to the
// runs submitted against it.
//
// A session is a single-threaded cooperative interaction: a user message goes
// in, the agent interleaves thinking, tool calls, and assistant messages, and
// eventually completes the turn. Several runs may be submitted while a turn
// is in flight; the controller decides which run each session event belongs
// to and resolves or fails each run with a precise reason.
package controller

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/agent"
	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/run/models"
	"github.com/pocketagent/pocketagent/internal/run/progress"
)

// EmitFunc publishes one progress event for a run.
type EmitFunc func(progress.Event)

// pendingRun tracks one submitted run until its future settles. A record is
// delivered once the session echoes a user message for it, and active while
// assistant output is being attributed to it.
type pendingRun struct {
	run           *models.Run
	delivered     bool
	completed     bool
	lastAssistant *agent.AssistantMessage
	output        *models.RunOutput
	err           error
	done          chan struct{}
}

func (p *pendingRun) resolve(output *models.RunOutput) {
	if p.completed {
		return
	}
	p.completed = true
	p.output = output
	close(p.done)
}

func (p *pendingRun) fail(err error) {
	if p.completed {
		return
	}
	p.completed = true
	p.err = err
	close(p.done)
}

// Controller owns one agent session on behalf of a thread.
type Controller struct {
	session agent.Session
	emit    EmitFunc
	logger  *logger.Logger

	mu              sync.Mutex
	pending         []*pendingRun
	active          *pendingRun
	inFlight        bool
	queuedLifecycle []progress.EventType
	unsubscribe     func()
	disposed        bool
}

// New wires a controller to a session's event stream.
func New(session agent.Session, emit EmitFunc, log *logger.Logger) *Controller {
	c := &Controller{
		session: session,
		emit:    emit,
		logger:  log.WithFields(zap.String("component", "run-controller"), zap.String("session_id", session.ID())),
	}
	c.unsubscribe = session.Subscribe(c.handleEvent)
	return c
}

// Submit delivers a run's text to the session and blocks until the run
// settles. Submissions against an idle session start a fresh turn; against an
// in-flight turn they steer or follow up per the run's delivery mode.
func (c *Controller) Submit(ctx context.Context, run *models.Run) (*models.RunOutput, error) {
	record := &pendingRun{run: run, done: make(chan struct{})}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, apperr.New(apperr.KindConflict, "cancelled: controller disposed")
	}
	c.pending = append(c.pending, record)
	wasInFlight := c.inFlight
	if !wasInFlight {
		c.inFlight = true
	}
	c.mu.Unlock()

	// The session call happens outside the lock; event handling may proceed
	// concurrently.
	var err error
	switch {
	case !wasInFlight:
		err = c.session.Prompt(ctx, run.InputText)
	case run.DeliveryMode == models.DeliverySteer:
		err = c.session.Steer(ctx, run.InputText)
	default:
		err = c.session.FollowUp(ctx, run.InputText)
	}
	if err != nil {
		c.mu.Lock()
		c.remove(record)
		if !wasInFlight {
			// The prompt never reached the session, so no turn started.
			c.inFlight = false
		}
		record.fail(apperr.Wrap(apperr.KindUpstream, "failed to deliver message to session", err))
		c.mu.Unlock()
		return nil, record.err
	}

	select {
	case <-record.done:
	case <-ctx.Done():
		c.mu.Lock()
		c.remove(record)
		record.fail(ctx.Err())
		c.mu.Unlock()
	}
	return record.output, record.err
}

// Cancel fails a still-pending run with the user-cancellation reason. It
// reports false when the controller does not hold the run.
func (c *Controller) Cancel(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.pending {
		if record.run.ID == runID {
			c.remove(record)
			record.fail(apperr.New(apperr.KindConflict, "cancelled by user"))
			return true
		}
	}
	return false
}

// PendingLen reports how many runs have not settled yet.
func (c *Controller) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dispose unsubscribes from the session and rejects every pending run.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	unsubscribe := c.unsubscribe
	for _, record := range c.pending {
		record.fail(apperr.New(apperr.KindConflict, "cancelled: controller disposed"))
	}
	c.pending = nil
	c.active = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// handleEvent routes one session event. The session delivers events in
// order; the lock serializes routing against submissions.
func (c *Controller) handleEvent(event agent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}

	switch event.Type {
	case agent.EventMessageStart:
		if event.Role == agent.RoleUser {
			c.onUserMessage()
		} else {
			c.flushLifecycle()
		}
	case agent.EventMessageUpdate:
		c.onDelta(event)
	case agent.EventMessageEnd:
		if event.Role == agent.RoleAssistant && c.active != nil {
			c.active.lastAssistant = event.Message
		}
	case agent.EventToolExecutionStart, agent.EventToolExecutionUpdate, agent.EventToolExecutionEnd:
		c.onTool(event)
	case agent.EventTurnStart:
		c.lifecycle(progress.EventTurnStart)
	case agent.EventAgentStart:
		c.lifecycle(progress.EventAgentStart)
	case agent.EventTurnEnd:
		if c.active != nil {
			turnEnd := progress.New(progress.EventTurnEnd, c.active.run)
			turnEnd.ToolResultCount = event.ToolResultCount
			c.emit(turnEnd)
		}
	case agent.EventAgentEnd:
		c.onAgentEnd()
	}
}

// onUserMessage attributes an echoed user message to the first non-delivered
// record, completing the previously active one.
func (c *Controller) onUserMessage() {
	var next *pendingRun
	for _, record := range c.pending {
		if !record.delivered {
			next = record
			break
		}
	}
	if next == nil {
		return
	}
	if c.active != nil && c.active != next {
		c.completeActive("next_user_message")
	}
	next.delivered = true
	c.active = next
	c.emit(progress.New(progress.EventDelivered, next.run))
	c.flushLifecycle()
}

func (c *Controller) onDelta(event agent.Event) {
	if c.active == nil {
		return
	}
	var delta progress.Event
	if event.DeltaKind == agent.DeltaThinking {
		delta = progress.New(progress.EventAssistantThinkingDelta, c.active.run)
		delta.ContentIndex = event.ContentIndex
	} else {
		delta = progress.New(progress.EventAssistantTextDelta, c.active.run)
	}
	delta.Delta = event.Delta
	c.emit(delta)
}

func (c *Controller) onTool(event agent.Event) {
	if c.active == nil {
		return
	}
	var tool progress.Event
	switch event.Type {
	case agent.EventToolExecutionStart:
		tool = progress.New(progress.EventToolExecutionStart, c.active.run)
		tool.ToolArgs = event.ToolArgs
	case agent.EventToolExecutionUpdate:
		tool = progress.New(progress.EventToolExecutionUpdate, c.active.run)
		tool.PartialResult = event.ToolPartial
	default:
		tool = progress.New(progress.EventToolExecutionEnd, c.active.run)
		tool.ToolResult = event.ToolResult
		tool.ToolIsError = event.ToolIsError
	}
	tool.ToolCallID = event.ToolCallID
	tool.ToolName = event.ToolName
	c.emit(tool)
}

// lifecycle emits a turn/agent lifecycle event, queueing it until a run is
// active to attribute it to.
func (c *Controller) lifecycle(eventType progress.EventType) {
	if c.active == nil {
		c.queuedLifecycle = append(c.queuedLifecycle, eventType)
		return
	}
	c.emit(progress.New(eventType, c.active.run))
}

func (c *Controller) flushLifecycle() {
	if c.active == nil {
		return
	}
	for _, eventType := range c.queuedLifecycle {
		c.emit(progress.New(eventType, c.active.run))
	}
	c.queuedLifecycle = nil
}

func (c *Controller) onAgentEnd() {
	c.inFlight = false
	if c.active != nil {
		c.emit(progress.New(progress.EventAgentEnd, c.active.run))
	}
	c.completeActive("agent_end")

	// Whatever is still pending never reached the session.
	remaining := c.pending
	c.pending = nil
	c.queuedLifecycle = nil
	for _, record := range remaining {
		record.fail(apperr.New(apperr.KindUpstream, "agent ended before message delivery"))
	}
}

// completeActive settles the active record: a captured assistant message
// with a clean stop resolves it, anything else fails it with the exact
// trigger context.
func (c *Controller) completeActive(trigger string) {
	record := c.active
	if record == nil {
		return
	}
	c.active = nil
	c.remove(record)

	if record.lastAssistant == nil {
		record.fail(apperr.Newf(apperr.KindUpstream, "no assistant response before %s", trigger))
		return
	}
	last := record.lastAssistant
	if last.StopReason == agent.StopError || last.StopReason == agent.StopAborted {
		message := last.ErrorMessage
		if message == "" {
			message = "assistant stopped with " + last.StopReason
		}
		record.fail(apperr.New(apperr.KindUpstream, message))
		return
	}
	record.resolve(&models.RunOutput{
		Type:         "message",
		Text:         last.Text,
		Provider:     last.Provider,
		Model:        last.Model,
		DeliveryMode: record.run.DeliveryMode,
	})
}

// remove deletes a record from the pending queue. Caller holds c.mu.
func (c *Controller) remove(target *pendingRun) {
	for i, record := range c.pending {
		if record == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}
