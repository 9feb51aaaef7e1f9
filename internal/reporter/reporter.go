// Package reporter maintains one live "status message" per run in a chat:
// the agent's fine-grained progress stream is reduced to an edit-in-place
// event log with rate limiting, a typing heartbeat, and archive overflow.
package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/common/config"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/messenger"
	"github.com/pocketagent/pocketagent/internal/run/progress"
)

// archiveHeader opens every overflow message.
const archiveHeader = "progress log (continued):"

type phase string

const (
	phaseQueued    phase = "queued"
	phaseRunning   phase = "running"
	phaseSucceeded phase = "succeeded"
	phaseFailed    phase = "failed"
)

type toolStart struct {
	label string
	at    time.Time
}

// Reporter drives one run's status message. It is safe for concurrent event
// delivery; all state lives under one mutex.
type Reporter struct {
	chat        messenger.ChatAPI
	route       messenger.Route
	runID       string
	startupLine string
	cfg         config.ReporterConfig
	logger      *logger.Logger
	clock       func() time.Time

	mu             sync.Mutex
	phase          phase
	lines          []string
	pendingArchive []string
	toolLines      map[string]int
	toolStarts     map[string]toolStart
	thinkingIndex  *int
	thinkingBuf    string
	errorLine      string
	messageID      int64
	everLogged     bool
	dirty          bool
	lastEdit       time.Time
	deferUntil     time.Time
	renderTimer    *time.Timer
	typingStop     chan struct{}
	unsubscribe    func()
	stopped        bool
}

// New creates a reporter for one run. startupLine is shown until the first
// tool or thinking event replaces it with the event log.
func New(chat messenger.ChatAPI, route messenger.Route, runID, startupLine string, cfg config.ReporterConfig, log *logger.Logger) *Reporter {
	return &Reporter{
		chat:        chat,
		route:       route,
		runID:       runID,
		startupLine: startupLine,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "reporter"), zap.String("run_id", runID)),
		clock:       time.Now,
		phase:       phaseQueued,
		toolLines:   make(map[string]int),
		toolStarts:  make(map[string]toolStart),
	}
}

// Attach subscribes the reporter to the run's progress stream with replay, so
// a reporter created after the run started still sees the full history.
func (r *Reporter) Attach(subscribe func(runID string, listener progress.Listener, replay bool) func()) {
	r.mu.Lock()
	r.unsubscribe = subscribe(r.runID, r.HandleEvent, true)
	r.mu.Unlock()
}

// Stop detaches the reporter and clears its timers. A final pending render
// and archive flush go out before returning.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.stopTypingLocked()
	if r.renderTimer != nil {
		r.renderTimer.Stop()
		r.renderTimer = nil
	}
	if r.dirty {
		r.renderLocked()
	}
	r.flushArchiveLocked(true)
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// HandleEvent consumes one progress event.
func (r *Reporter) HandleEvent(event progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped && !event.Type.IsTerminal() {
		return
	}

	thinkingOnly := false
	switch event.Type {
	case progress.EventQueued:
		r.phase = phaseQueued
	case progress.EventStarted:
		r.phase = phaseRunning
		r.startTypingLocked()
		r.dirty = true
	case progress.EventAssistantThinkingDelta:
		r.onThinkingLocked(event)
		thinkingOnly = true
	case progress.EventToolExecutionStart:
		r.breakThinkingLocked()
		r.appendToolStartLocked(event)
	case progress.EventToolExecutionEnd:
		r.breakThinkingLocked()
		r.finishToolLocked(event)
	case progress.EventSucceeded:
		r.breakThinkingLocked()
		r.finishLocked(phaseSucceeded, "")
		return
	case progress.EventFailed:
		r.breakThinkingLocked()
		r.finishLocked(phaseFailed, event.ErrorMessage)
		return
	default:
		// Text deltas and turn markers do not change the status message but
		// they do end the current thinking block.
		r.breakThinkingLocked()
		return
	}

	r.scheduleRenderLocked(thinkingOnly)
}

func (r *Reporter) onThinkingLocked(event progress.Event) {
	index := 0
	if event.ContentIndex != nil {
		index = *event.ContentIndex
	}
	if r.thinkingIndex != nil && *r.thinkingIndex == index && len(r.lines) > 0 {
		r.thinkingBuf += event.Delta
		r.lines[len(r.lines)-1] = "~ " + truncate(r.thinkingBuf, 220)
	} else {
		r.thinkingBuf = event.Delta
		r.lines = append(r.lines, "~ "+truncate(r.thinkingBuf, 220))
		r.thinkingIndex = &index
	}
	r.everLogged = true
	r.dirty = true
}

// breakThinkingLocked ends the current thinking block: the next thinking
// delta starts a fresh line even with the same content index.
func (r *Reporter) breakThinkingLocked() {
	r.thinkingIndex = nil
	r.thinkingBuf = ""
}

func (r *Reporter) appendToolStartLocked(event progress.Event) {
	label := summarizeTool(event.ToolName, event.ToolArgs)
	r.lines = append(r.lines, "> "+label)
	r.toolLines[event.ToolCallID] = len(r.lines) - 1
	r.toolStarts[event.ToolCallID] = toolStart{label: label, at: r.clock()}
	r.everLogged = true
	r.dirty = true
}

func (r *Reporter) finishToolLocked(event progress.Event) {
	start, ok := r.toolStarts[event.ToolCallID]
	if !ok {
		start = toolStart{label: summarizeTool(event.ToolName, event.ToolArgs), at: r.clock()}
	}
	mark := "[✓] done"
	if event.ToolIsError {
		mark = "[✗] failed"
	}
	line := fmt.Sprintf("> %s %s (%.1fs)", start.label, mark, r.clock().Sub(start.at).Seconds())

	// Rewrite in place when the start line is still in the live log; an
	// archived line can only be followed up with a new one.
	if idx, live := r.toolLines[event.ToolCallID]; live {
		r.lines[idx] = line
	} else {
		r.lines = append(r.lines, line)
	}
	delete(r.toolLines, event.ToolCallID)
	delete(r.toolStarts, event.ToolCallID)
	r.everLogged = true
	r.dirty = true
}

func (r *Reporter) finishLocked(terminal phase, errorMessage string) {
	r.phase = terminal
	r.stopTypingLocked()
	if r.renderTimer != nil {
		r.renderTimer.Stop()
		r.renderTimer = nil
	}

	if terminal == phaseSucceeded && !r.everLogged {
		// Nothing but the startup line was ever shown; the message carries
		// no information worth keeping.
		if r.messageID != 0 {
			if err := r.chat.DeleteMessage(context.Background(), r.route, r.messageID); err != nil {
				r.logger.Warn("failed to delete status message", zap.Error(err))
			}
			r.messageID = 0
		}
		r.dirty = false
		return
	}

	if terminal == phaseFailed {
		r.errorLine = "error: " + truncate(errorMessage, 180)
	}
	r.dirty = true
	r.renderLocked()
	r.flushArchiveLocked(true)
}

// scheduleRenderLocked renders now when the rate limit allows, otherwise
// arms a timer for the earliest allowed instant.
func (r *Reporter) scheduleRenderLocked(thinkingOnly bool) {
	if !r.dirty {
		return
	}
	interval := r.cfg.EditInterval()
	if thinkingOnly && r.cfg.ThinkingInterval() > interval {
		interval = r.cfg.ThinkingInterval()
	}
	now := r.clock()
	next := r.lastEdit.Add(interval)
	if r.deferUntil.After(next) {
		next = r.deferUntil
	}
	if wait := next.Sub(now); wait > 0 {
		if r.renderTimer == nil {
			r.renderTimer = time.AfterFunc(wait, func() {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.renderTimer = nil
				if !r.stopped && r.dirty {
					r.renderLocked()
				}
			})
		}
		return
	}
	r.renderLocked()
}

// renderLocked rebuilds the status message body, peels overflow into the
// pending archive, and pushes the edit out.
func (r *Reporter) renderLocked() {
	body := r.renderBodyLocked()
	for len(body) > r.cfg.MessageLimit && len(r.lines) > 0 {
		r.archiveOldestLineLocked()
		body = r.renderBodyLocked()
	}
	if r.archiveLenLocked() >= r.cfg.ArchiveThreshold {
		r.flushArchiveLocked(false)
	}

	now := r.clock()
	if r.messageID == 0 {
		id, err := r.sendWithRetry(body)
		if err != nil {
			r.logger.Warn("failed to send status message", zap.Error(err))
			return
		}
		r.messageID = id
		r.lastEdit = now
		r.dirty = false
		return
	}

	err := r.chat.EditMessage(context.Background(), r.route, r.messageID, body)
	if err == nil {
		r.lastEdit = now
		r.dirty = false
		return
	}
	if messenger.IsMessageGone(err) {
		id, sendErr := r.sendWithRetry(body)
		if sendErr != nil {
			r.logger.Warn("failed to replace lost status message", zap.Error(sendErr))
			return
		}
		r.messageID = id
		r.lastEdit = now
		r.dirty = false
		return
	}
	if retryAfter := apperr.RetryAfter(err); retryAfter > 0 {
		// Keep the pending render; try again when the messenger allows.
		r.deferUntil = now.Add(retryAfter)
		r.scheduleRenderLocked(false)
		return
	}
	r.logger.Warn("failed to edit status message", zap.Error(err))
}

func (r *Reporter) renderBodyLocked() string {
	var parts []string
	if !r.everLogged && r.startupLine != "" {
		parts = append(parts, r.startupLine)
	}
	parts = append(parts, r.lines...)
	if r.errorLine != "" {
		parts = append(parts, r.errorLine)
	}
	return joinLines(parts)
}

// archiveOldestLineLocked moves the oldest event-log line into the pending
// archive and shifts the tool line index map with it.
func (r *Reporter) archiveOldestLineLocked() {
	r.pendingArchive = append(r.pendingArchive, r.lines[0])
	r.lines = r.lines[1:]
	for id, idx := range r.toolLines {
		if idx == 0 {
			delete(r.toolLines, id)
			continue
		}
		r.toolLines[id] = idx - 1
	}
	if r.thinkingIndex != nil && len(r.lines) == 0 {
		r.breakThinkingLocked()
	}
}

func (r *Reporter) archiveLenLocked() int {
	total := 0
	for _, line := range r.pendingArchive {
		total += len(line) + 1
	}
	return total
}

// flushArchiveLocked emits the pending archive as fresh messages. Each chunk
// tracks how many lines it carries, so a failed send leaves exactly the
// unsent suffix pending.
func (r *Reporter) flushArchiveLocked(force bool) {
	if len(r.pendingArchive) == 0 {
		return
	}
	if !force && r.archiveLenLocked() < r.cfg.ArchiveThreshold {
		return
	}

	remaining := r.pendingArchive
	for len(remaining) > 0 {
		text, count := packArchiveChunk(remaining, r.cfg.MessageLimit)
		if _, err := r.sendWithRetry(text); err != nil {
			r.logger.Warn("failed to flush progress archive",
				zap.Int("pending_lines", len(remaining)), zap.Error(err))
			r.pendingArchive = remaining
			return
		}
		remaining = remaining[count:]
	}
	r.pendingArchive = nil
}

// packArchiveChunk fills one archive message up to the limit and reports how
// many lines it consumed. At least one line always goes in.
func packArchiveChunk(lines []string, limit int) (string, int) {
	text := archiveHeader
	count := 0
	for _, line := range lines {
		candidate := text + "\n" + line
		if count > 0 && len(candidate) > limit {
			break
		}
		text = candidate
		count++
	}
	return text, count
}

// sendWithRetry sends a message with bounded retries, honouring retry-after
// hints between attempts.
func (r *Reporter) sendWithRetry(text string) (int64, error) {
	attempts := r.cfg.SendRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		id, err := r.chat.SendMessage(context.Background(), r.route, text)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if retryAfter := apperr.RetryAfter(err); retryAfter > 0 {
			time.Sleep(retryAfter)
			continue
		}
		break
	}
	return 0, lastErr
}

func (r *Reporter) startTypingLocked() {
	if r.typingStop != nil {
		return
	}
	stop := make(chan struct{})
	r.typingStop = stop
	interval := r.cfg.TypingInterval()
	if interval <= 0 {
		return
	}
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval):
				err := r.chat.SendTyping(context.Background(), r.route)
				if retryAfter := apperr.RetryAfter(err); retryAfter > 0 {
					select {
					case <-stop:
						return
					case <-time.After(retryAfter):
					}
				}
			}
		}
	}()
}

func (r *Reporter) stopTypingLocked() {
	if r.typingStop != nil {
		close(r.typingStop)
		r.typingStop = nil
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
