// Package mock is an in-process stand-in for a real agent runtime. It
// generates scripted responses with fixed delays for local development and
// end-to-end testing of the orchestration core.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketagent/pocketagent/internal/agent"
)

const model = "mock-default"

// Factory creates mock sessions.
type Factory struct {
	// Delay paces the scripted events. Zero means no pacing.
	Delay time.Duration
}

// NewFactory returns a factory with the default 50 ms event pacing.
func NewFactory() *Factory {
	return &Factory{Delay: 50 * time.Millisecond}
}

// Create starts a fresh mock session.
func (f *Factory) Create(_ context.Context, _ string) (agent.Session, error) {
	return newSession(fmt.Sprintf("mock-session-%s", uuid.NewString()), f.Delay), nil
}

// Resume reattaches to a session id. The mock keeps no transcript, so this is
// a fresh session under the old identity.
func (f *Factory) Resume(_ context.Context, _, sessionID, _ string) (agent.Session, error) {
	return newSession(sessionID, f.Delay), nil
}

// Session replays one scripted turn per user message: thinking, one tool
// call, and an assistant echo of the input. A message containing "mock:error"
// ends its turn with an error stop.
type Session struct {
	id    string
	delay time.Duration

	mu       sync.Mutex
	handlers map[int]func(agent.Event)
	nextSub  int
	queue    chan string
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func newSession(id string, delay time.Duration) *Session {
	s := &Session{
		id:       id,
		delay:    delay,
		handlers: make(map[int]func(agent.Event)),
		queue:    make(chan string, 64),
		closed:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

// FilePath is empty: the mock keeps no on-disk transcript.
func (s *Session) FilePath() string { return "" }

func (s *Session) Prompt(ctx context.Context, text string) error { return s.push(ctx, text) }

func (s *Session) FollowUp(ctx context.Context, text string) error { return s.push(ctx, text) }

func (s *Session) Steer(ctx context.Context, text string) error { return s.push(ctx, text) }

func (s *Session) push(ctx context.Context, text string) error {
	select {
	case <-s.closed:
		return fmt.Errorf("mock session %s is closed", s.id)
	default:
	}
	select {
	case <-s.closed:
		return fmt.Errorf("mock session %s is closed", s.id)
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- text:
		return nil
	}
}

func (s *Session) Subscribe(handler func(agent.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *Session) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}

// loop drains the queue: one agent run spans consecutive queued messages,
// closing with agent_end when the queue goes idle.
func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case text := <-s.queue:
			s.emit(agent.Event{Type: agent.EventAgentStart})
			s.runTurn(text)
			for drained := false; !drained; {
				select {
				case <-s.closed:
					return
				case text = <-s.queue:
					s.runTurn(text)
				default:
					drained = true
				}
			}
			s.emit(agent.Event{Type: agent.EventAgentEnd})
		}
	}
}

func (s *Session) runTurn(text string) {
	s.emit(agent.Event{Type: agent.EventMessageStart, Role: agent.RoleUser})
	s.emit(agent.Event{Type: agent.EventTurnStart})

	s.pause()
	index := 0
	s.emit(agent.Event{
		Type:         agent.EventMessageUpdate,
		Role:         agent.RoleAssistant,
		DeltaKind:    agent.DeltaThinking,
		Delta:        "Processing the request...",
		ContentIndex: &index,
	})

	s.pause()
	toolCallID := uuid.NewString()
	s.emit(agent.Event{
		Type:       agent.EventToolExecutionStart,
		ToolCallID: toolCallID,
		ToolName:   "echo",
		ToolArgs:   map[string]any{"text": text},
	})
	s.pause()
	s.emit(agent.Event{
		Type:       agent.EventToolExecutionEnd,
		ToolCallID: toolCallID,
		ToolName:   "echo",
		ToolResult: text,
	})

	message := &agent.AssistantMessage{
		Text:       "Mock response to: " + text,
		Provider:   "mock",
		Model:      model,
		StopReason: agent.StopEnd,
	}
	if strings.Contains(text, "mock:error") {
		message.StopReason = agent.StopError
		message.ErrorMessage = "mock agent scripted failure"
	}

	s.pause()
	s.emit(agent.Event{
		Type:      agent.EventMessageUpdate,
		Role:      agent.RoleAssistant,
		DeltaKind: agent.DeltaText,
		Delta:     message.Text,
	})
	s.emit(agent.Event{Type: agent.EventMessageEnd, Role: agent.RoleAssistant, Message: message})
	s.emit(agent.Event{Type: agent.EventTurnEnd, ToolResultCount: 1})
}

func (s *Session) emit(event agent.Event) {
	s.mu.Lock()
	handlers := make([]func(agent.Event), 0, len(s.handlers))
	for i := 0; i < s.nextSub; i++ {
		if h, ok := s.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (s *Session) pause() {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}
