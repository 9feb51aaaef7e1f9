// Package messenger defines the contract between the orchestration core and
// a chat-bot messenger adapter: routes, thread keys, topic management, and
// the message surface the progress reporter edits through.
package messenger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ProviderTelegram is the provider tag of the topic-capable chat messenger.
const ProviderTelegram = "telegram"

// Route identifies one chat destination: a chat and optionally a topic
// (forum thread) inside it.
type Route struct {
	ChatID          int64
	MessageThreadID int64 // 0 when posting to the main chat
}

// ThreadKey encodes a route into the run-routing key, e.g.
// "telegram:chat:101" or "telegram:chat:101:topic:777".
func ThreadKey(route Route) string {
	if route.MessageThreadID != 0 {
		return fmt.Sprintf("%s:chat:%d:topic:%d", ProviderTelegram, route.ChatID, route.MessageThreadID)
	}
	return fmt.Sprintf("%s:chat:%d", ProviderTelegram, route.ChatID)
}

// ParseThreadKey decodes a messenger thread key back into a route.
func ParseThreadKey(key string) (Route, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != ProviderTelegram || parts[1] != "chat" {
		return Route{}, false
	}
	chatID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Route{}, false
	}
	route := Route{ChatID: chatID}
	if len(parts) == 5 && parts[3] == "topic" {
		threadID, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return Route{}, false
		}
		route.MessageThreadID = threadID
		return route, true
	}
	if len(parts) == 3 {
		return route, true
	}
	return Route{}, false
}

// SanitizeProvider reduces a provider tag to the characters allowed in a
// thread key.
func SanitizeProvider(provider string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(provider) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "adapter"
	}
	return b.String()
}

// TopicBridge is the task-facing slice of the messenger adapter: creating
// and renaming the per-task execution topic and delivering run results.
type TopicBridge interface {
	// CreateTaskTopic opens a new forum topic for the task inside the chat
	// and returns its route. Topic creation is not idempotent upstream;
	// callers must persist the returned route before dispatching.
	CreateTaskTopic(ctx context.Context, chatID int64, taskID, title string) (Route, error)

	// SyncTaskTopicTitle renames the task's execution topic, best effort.
	SyncTaskTopicTitle(ctx context.Context, route Route, taskID, title string) error

	// DeliverRun posts a finished run's output to the route.
	DeliverRun(ctx context.Context, runID string, route Route) error
}

// ChatAPI is the minimal message surface the progress reporter needs.
type ChatAPI interface {
	// SendMessage posts a message and returns its id for later edits.
	SendMessage(ctx context.Context, route Route, text string) (int64, error)

	// EditMessage replaces a previously sent message's text.
	EditMessage(ctx context.Context, route Route, messageID int64, text string) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, route Route, messageID int64) error

	// SendTyping emits the "typing" chat action.
	SendTyping(ctx context.Context, route Route) error
}

// IsMessageGone reports whether an edit failed because the target message no
// longer exists or cannot be edited; the reporter responds by sending a
// fresh message.
func IsMessageGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to edit not found") ||
		strings.Contains(msg, "can't be edited")
}
