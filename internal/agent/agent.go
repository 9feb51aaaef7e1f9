// Package agent defines the contract between the orchestration core and the
// embedded coding-agent runtime. The runtime itself is a collaborator; the
// core only submits user turns and consumes the session's event stream.
package agent

import "context"

// Session is one long-lived interaction with the coding-agent runtime for a
// single thread key. A session is single-threaded and cooperative: the caller
// pushes a user message in, the agent interleaves thinking, tool calls, and
// assistant messages, and eventually completes the turn.
type Session interface {
	// ID returns the runtime's session identifier.
	ID() string

	// FilePath returns the on-disk transcript location, persisted so the
	// session can be resumed after a restart.
	FilePath() string

	// Prompt starts the very first turn of an idle session.
	Prompt(ctx context.Context, text string) error

	// FollowUp appends a user turn behind the in-flight agent.
	FollowUp(ctx context.Context, text string) error

	// Steer interrupts the in-flight turn with a replacing user message.
	Steer(ctx context.Context, text string) error

	// Subscribe registers a handler for session events and returns an
	// unsubscribe function. Handlers are invoked in event order.
	Subscribe(handler func(Event)) (unsubscribe func())

	// Close releases the session's resources.
	Close() error
}

// Factory resolves or creates sessions per thread key. Implementations wrap a
// concrete agent runtime (CLI subprocess, SDK, remote endpoint).
type Factory interface {
	// Create starts a fresh session for the thread.
	Create(ctx context.Context, threadKey string) (Session, error)

	// Resume reattaches to a previously persisted session. Implementations
	// may return a fresh session when the transcript is gone.
	Resume(ctx context.Context, threadKey, sessionID, filePath string) (Session, error)
}
