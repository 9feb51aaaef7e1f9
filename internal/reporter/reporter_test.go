package reporter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketagent/pocketagent/internal/common/config"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/messenger"
	"github.com/pocketagent/pocketagent/internal/run/progress"
)

// fakeChat records every message operation and can fail scripted sends.
type fakeChat struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]string
	sends    []string
	deleted  []int64
	sendErrs []error // consumed front to back; nil means success
}

func newFakeChat() *fakeChat {
	return &fakeChat{messages: make(map[int64]string)}
}

func (c *fakeChat) SendMessage(_ context.Context, _ messenger.Route, text string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	c.nextID++
	c.messages[c.nextID] = text
	c.sends = append(c.sends, text)
	return c.nextID, nil
}

func (c *fakeChat) EditMessage(_ context.Context, _ messenger.Route, messageID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.messages[messageID]; !ok {
		return errors.New("Bad Request: message to edit not found")
	}
	c.messages[messageID] = text
	return nil
}

func (c *fakeChat) DeleteMessage(_ context.Context, _ messenger.Route, messageID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, messageID)
	c.deleted = append(c.deleted, messageID)
	return nil
}

func (c *fakeChat) SendTyping(context.Context, messenger.Route) error { return nil }

func (c *fakeChat) message(id int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[id]
}

func (c *fakeChat) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

// immediateConfig disables rate limiting so renders happen synchronously.
func immediateConfig() config.ReporterConfig {
	return config.ReporterConfig{MessageLimit: 3500, ArchiveThreshold: 1800, SendRetries: 3}
}

func newTestReporter(chat *fakeChat, cfg config.ReporterConfig) *Reporter {
	return New(chat, messenger.Route{ChatID: 101}, "run-1", "working on it...", cfg, logger.Default())
}

func intPtr(i int) *int { return &i }

func toolStartEvent(id, name string, args map[string]any) progress.Event {
	return progress.Event{Type: progress.EventToolExecutionStart, RunID: "run-1", ToolCallID: id, ToolName: name, ToolArgs: args}
}

func toolEndEvent(id string, isError bool) progress.Event {
	return progress.Event{Type: progress.EventToolExecutionEnd, RunID: "run-1", ToolCallID: id, ToolIsError: isError}
}

func TestSummarizeToolPicksKnownArg(t *testing.T) {
	assert.Equal(t, "read path=/tmp/__pycache__/module.py",
		summarizeTool("read", map[string]any{"path": "/tmp/__pycache__/module.py"}))
	assert.Equal(t, "bash command=ls -la",
		summarizeTool("bash", map[string]any{"command": "ls -la", "timeout": 5}))
	assert.Equal(t, "screenshot", summarizeTool("screenshot", map[string]any{"region": []int{0, 0}}))

	long := strings.Repeat("x", 200)
	assert.Equal(t, "read path="+strings.Repeat("x", 180)+"...",
		summarizeTool("read", map[string]any{"path": long}))
}

func TestToolLinesRewriteInPlace(t *testing.T) {
	chat := newFakeChat()
	r := newTestReporter(chat, immediateConfig())

	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})
	r.HandleEvent(toolStartEvent("t1", "read", map[string]any{"path": "/tmp/__pycache__/module.py"}))

	body := chat.message(1)
	assert.Contains(t, body, "> read path=/tmp/__pycache__/module.py")
	assert.NotContains(t, body, "working on it...")

	r.HandleEvent(toolEndEvent("t1", false))
	body = chat.message(1)
	assert.Contains(t, body, "> read path=/tmp/__pycache__/module.py [✓] done (")
	assert.Equal(t, 1, strings.Count(body, "read path"))

	r.HandleEvent(toolStartEvent("t2", "bash", map[string]any{"command": "make test"}))
	r.HandleEvent(toolEndEvent("t2", true))
	assert.Contains(t, chat.message(1), "> bash command=make test [✗] failed (")
}

func TestThinkingLinesCoalesceAndSplit(t *testing.T) {
	chat := newFakeChat()
	r := newTestReporter(chat, immediateConfig())
	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})

	thinking := func(idx int, delta string) progress.Event {
		return progress.Event{Type: progress.EventAssistantThinkingDelta, RunID: "run-1", Delta: delta, ContentIndex: intPtr(idx)}
	}

	// Same content block: deltas replace the trailing line.
	r.HandleEvent(thinking(0, "planning"))
	r.HandleEvent(thinking(0, " the change"))
	assert.Equal(t, 1, strings.Count(chat.message(1), "~ "))
	assert.Contains(t, chat.message(1), "~ planning the change")

	// A new content block starts a new line.
	r.HandleEvent(thinking(1, "second thought"))
	assert.Equal(t, 2, strings.Count(chat.message(1), "~ "))

	// An intervening non-thinking event splits even the same index.
	r.HandleEvent(progress.Event{Type: progress.EventAssistantTextDelta, RunID: "run-1", Delta: "hi"})
	r.HandleEvent(thinking(1, "third thought"))
	assert.Equal(t, 3, strings.Count(chat.message(1), "~ "))
}

func TestSucceededWithoutEventsDeletesMessage(t *testing.T) {
	chat := newFakeChat()
	r := newTestReporter(chat, immediateConfig())

	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})
	assert.Equal(t, "working on it...", chat.message(1))

	r.HandleEvent(progress.Event{Type: progress.EventSucceeded, RunID: "run-1"})
	assert.Equal(t, []int64{1}, chat.deleted)
	assert.Empty(t, chat.message(1))
}

func TestFailedAppendsErrorLine(t *testing.T) {
	chat := newFakeChat()
	r := newTestReporter(chat, immediateConfig())

	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})
	r.HandleEvent(toolStartEvent("t1", "read", map[string]any{"path": "/etc/hosts"}))
	r.HandleEvent(progress.Event{Type: progress.EventFailed, RunID: "run-1", ErrorMessage: "assistant stopped with error"})

	body := chat.message(1)
	assert.True(t, strings.HasSuffix(body, "error: assistant stopped with error"))
}

func TestLostMessageGetsReplaced(t *testing.T) {
	chat := newFakeChat()
	r := newTestReporter(chat, immediateConfig())

	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})
	require.NoError(t, chat.DeleteMessage(context.Background(), messenger.Route{}, 1))

	r.HandleEvent(toolStartEvent("t1", "read", map[string]any{"path": "/etc/hosts"}))
	assert.Contains(t, chat.message(2), "> read path=/etc/hosts")
}

func TestOverflowArchivesOldestLines(t *testing.T) {
	chat := newFakeChat()
	cfg := immediateConfig()
	cfg.MessageLimit = 300
	cfg.ArchiveThreshold = 100000 // never auto-flush; force on terminal
	r := newTestReporter(chat, cfg)

	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})
	for i := 0; i < 10; i++ {
		r.HandleEvent(toolStartEvent(fmt.Sprintf("t%d", i), "bash",
			map[string]any{"command": fmt.Sprintf("step-%d %s", i, strings.Repeat("a", 40))}))
	}

	// The live message stays under the limit; the oldest lines moved out.
	assert.LessOrEqual(t, len(chat.message(1)), 300)
	assert.NotContains(t, chat.message(1), "step-0")
	assert.Contains(t, chat.message(1), "step-9")

	// A tool end whose start line was archived appends instead of rewriting.
	r.HandleEvent(toolEndEvent("t0", false))
	assert.Contains(t, chat.message(1), "[✓] done (")

	r.HandleEvent(progress.Event{Type: progress.EventSucceeded, RunID: "run-1"})
	var archived []string
	for _, sent := range chat.sends[1:] {
		if strings.HasPrefix(sent, archiveHeader) {
			archived = append(archived, sent)
		}
	}
	require.NotEmpty(t, archived)
	assert.Contains(t, strings.Join(archived, "\n"), "step-0")
}

func TestArchiveFlushKeepsUnsentSuffixOnFailure(t *testing.T) {
	chat := newFakeChat()
	cfg := immediateConfig()
	cfg.MessageLimit = 120
	cfg.SendRetries = 1
	r := newTestReporter(chat, cfg)

	lines := make([]string, 8)
	for i := range lines {
		lines[i] = fmt.Sprintf("> step-%d %s", i, strings.Repeat("b", 30))
	}
	r.mu.Lock()
	r.pendingArchive = append([]string(nil), lines...)

	// First chunk sends, second chunk fails with a non-rate-limit error.
	chat.sendErrs = []error{nil, errors.New("Bad Gateway")}
	r.flushArchiveLocked(true)
	pendingAfterFailure := append([]string(nil), r.pendingArchive...)
	r.mu.Unlock()

	require.NotEmpty(t, pendingAfterFailure)
	firstChunk := chat.sends[0]
	sentCount := strings.Count(firstChunk, "> step-")
	assert.Equal(t, lines[sentCount:], pendingAfterFailure)

	// The next flush delivers exactly the leftover lines.
	r.mu.Lock()
	r.flushArchiveLocked(true)
	remaining := len(r.pendingArchive)
	r.mu.Unlock()
	assert.Zero(t, remaining)

	var delivered []string
	for _, sent := range chat.sends[1:] {
		for _, line := range strings.Split(sent, "\n")[1:] {
			delivered = append(delivered, line)
		}
	}
	assert.Equal(t, lines[sentCount:], delivered)
}

func TestEditRateLimitCoalesces(t *testing.T) {
	chat := newFakeChat()
	cfg := immediateConfig()
	cfg.EditIntervalMs = 50
	r := newTestReporter(chat, cfg)

	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})
	r.HandleEvent(toolStartEvent("t1", "read", map[string]any{"path": "/a"}))
	r.HandleEvent(toolStartEvent("t2", "read", map[string]any{"path": "/b"}))

	// Both tool lines land in one deferred edit.
	require.Eventually(t, func() bool {
		body := chat.message(1)
		return strings.Contains(body, "/a") && strings.Contains(body, "/b")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, chat.sentCount())
}

func TestStopClearsTimersAndUnsubscribes(t *testing.T) {
	chat := newFakeChat()
	cfg := immediateConfig()
	cfg.TypingIntervalMs = 10
	r := newTestReporter(chat, cfg)

	unsubscribed := false
	r.Attach(func(runID string, listener progress.Listener, replay bool) func() {
		assert.Equal(t, "run-1", runID)
		assert.True(t, replay)
		return func() { unsubscribed = true }
	})

	r.HandleEvent(progress.Event{Type: progress.EventStarted, RunID: "run-1"})
	r.Stop()
	assert.True(t, unsubscribed)

	r.Stop() // idempotent
}
