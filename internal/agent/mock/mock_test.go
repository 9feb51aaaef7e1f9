package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketagent/pocketagent/internal/agent"
)

func collectEvents(t *testing.T, session agent.Session) (func() []agent.Event, func()) {
	t.Helper()
	var mu sync.Mutex
	var events []agent.Event
	unsubscribe := session.Subscribe(func(event agent.Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	snapshot := func() []agent.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]agent.Event(nil), events...)
	}
	return snapshot, unsubscribe
}

func waitForAgentEnd(t *testing.T, snapshot func() []agent.Event) []agent.Event {
	t.Helper()
	var events []agent.Event
	require.Eventually(t, func() bool {
		events = snapshot()
		for _, e := range events {
			if e.Type == agent.EventAgentEnd {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return events
}

func TestSessionEchoesPrompt(t *testing.T) {
	factory := &Factory{}
	session, err := factory.Create(context.Background(), "cli:default")
	require.NoError(t, err)
	defer session.Close()

	snapshot, unsubscribe := collectEvents(t, session)
	defer unsubscribe()

	require.NoError(t, session.Prompt(context.Background(), "hello"))
	events := waitForAgentEnd(t, snapshot)

	assert.Equal(t, agent.EventAgentStart, events[0].Type)
	assert.Equal(t, agent.EventMessageStart, events[1].Type)
	assert.Equal(t, agent.RoleUser, events[1].Role)

	var assistant *agent.AssistantMessage
	for _, e := range events {
		if e.Type == agent.EventMessageEnd && e.Role == agent.RoleAssistant {
			assistant = e.Message
		}
	}
	require.NotNil(t, assistant)
	assert.Equal(t, "Mock response to: hello", assistant.Text)
	assert.Equal(t, agent.StopEnd, assistant.StopReason)
	assert.Equal(t, "mock", assistant.Provider)
}

func TestSessionScriptedError(t *testing.T) {
	factory := &Factory{}
	session, err := factory.Create(context.Background(), "cli:default")
	require.NoError(t, err)
	defer session.Close()

	snapshot, unsubscribe := collectEvents(t, session)
	defer unsubscribe()

	require.NoError(t, session.Prompt(context.Background(), "please mock:error now"))
	events := waitForAgentEnd(t, snapshot)

	var assistant *agent.AssistantMessage
	for _, e := range events {
		if e.Type == agent.EventMessageEnd && e.Role == agent.RoleAssistant {
			assistant = e.Message
		}
	}
	require.NotNil(t, assistant)
	assert.Equal(t, agent.StopError, assistant.StopReason)
	assert.Equal(t, "mock agent scripted failure", assistant.ErrorMessage)
}

func TestClosedSessionRejectsMessages(t *testing.T) {
	factory := &Factory{}
	session, err := factory.Create(context.Background(), "cli:default")
	require.NoError(t, err)
	require.NoError(t, session.Close())

	err = session.Prompt(context.Background(), "hello")
	assert.Error(t, err)
}

func TestResumeKeepsSessionID(t *testing.T) {
	factory := &Factory{}
	session, err := factory.Resume(context.Background(), "cli:default", "mock-session-abc", "")
	require.NoError(t, err)
	defer session.Close()
	assert.Equal(t, "mock-session-abc", session.ID())
}
