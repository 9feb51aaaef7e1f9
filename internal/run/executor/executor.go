// Package executor owns the agent sessions: one per thread key, resolved or
// created on demand, each fronted by a run controller.
package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/agent"
	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/run/controller"
	"github.com/pocketagent/pocketagent/internal/run/models"
)

// SessionStore is the slice of the run store the executor needs to persist
// thread session pointers across restarts.
type SessionStore interface {
	GetThreadSession(ctx context.Context, threadKey string) (*models.ThreadSession, error)
	UpsertThreadSession(ctx context.Context, threadKey, sessionID, filePath string) error
	DeleteThreadSession(ctx context.Context, threadKey string) error
}

type threadEntry struct {
	session    agent.Session
	controller *controller.Controller
}

// Executor resolves sessions and submits runs through their controllers.
type Executor struct {
	factory agent.Factory
	store   SessionStore
	emit    controller.EmitFunc
	logger  *logger.Logger

	mu      sync.Mutex
	threads map[string]*threadEntry
	closed  bool
}

// New creates an executor. Progress events from every controller flow
// through emit.
func New(factory agent.Factory, store SessionStore, emit controller.EmitFunc, log *logger.Logger) *Executor {
	return &Executor{
		factory: factory,
		store:   store,
		emit:    emit,
		logger:  log.WithFields(zap.String("component", "run-executor")),
		threads: make(map[string]*threadEntry),
	}
}

// Execute submits the run against its thread's session and blocks until the
// run settles. The dispatcher guarantees at most one concurrent Execute per
// thread key.
func (e *Executor) Execute(ctx context.Context, run *models.Run) (*models.RunOutput, error) {
	entry, err := e.entryFor(ctx, run.ThreadKey)
	if err != nil {
		return nil, err
	}
	return entry.controller.Submit(ctx, run)
}

// Cancel fails a pending run on its thread's controller, if the controller
// still holds it.
func (e *Executor) Cancel(threadKey, runID string) bool {
	e.mu.Lock()
	entry, ok := e.threads[threadKey]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return entry.controller.Cancel(runID)
}

// ResetThreadSession tears the thread's session down and forgets its
// persisted pointer. The next run creates a fresh session.
func (e *Executor) ResetThreadSession(ctx context.Context, threadKey string) error {
	e.mu.Lock()
	entry := e.threads[threadKey]
	delete(e.threads, threadKey)
	e.mu.Unlock()

	if entry != nil {
		entry.controller.Dispose()
		if err := entry.session.Close(); err != nil {
			e.logger.Warn("failed to close session", zap.String("thread_key", threadKey), zap.Error(err))
		}
	}
	return e.store.DeleteThreadSession(ctx, threadKey)
}

// Close disposes every controller and session.
func (e *Executor) Close() {
	e.mu.Lock()
	threads := e.threads
	e.threads = make(map[string]*threadEntry)
	e.closed = true
	e.mu.Unlock()

	for threadKey, entry := range threads {
		entry.controller.Dispose()
		if err := entry.session.Close(); err != nil {
			e.logger.Warn("failed to close session", zap.String("thread_key", threadKey), zap.Error(err))
		}
	}
}

func (e *Executor) entryFor(ctx context.Context, threadKey string) (*threadEntry, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, apperr.New(apperr.KindConflict, "executor is closed")
	}
	if entry, ok := e.threads[threadKey]; ok {
		e.mu.Unlock()
		return entry, nil
	}
	e.mu.Unlock()

	session, err := e.resolveSession(ctx, threadKey)
	if err != nil {
		return nil, err
	}

	entry := &threadEntry{
		session:    session,
		controller: controller.New(session, e.emit, e.logger.WithThreadKey(threadKey)),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		entry.controller.Dispose()
		_ = session.Close()
		return nil, apperr.New(apperr.KindConflict, "executor is closed")
	}
	// The dispatcher serializes per thread, so a concurrent entry for the
	// same key should not exist; prefer the earlier one if it does.
	if existing, ok := e.threads[threadKey]; ok {
		e.mu.Unlock()
		entry.controller.Dispose()
		_ = session.Close()
		return existing, nil
	}
	e.threads[threadKey] = entry
	e.mu.Unlock()
	return entry, nil
}

// resolveSession resumes the persisted session for the thread, or creates a
// fresh one and persists its pointer.
func (e *Executor) resolveSession(ctx context.Context, threadKey string) (agent.Session, error) {
	stored, err := e.store.GetThreadSession(ctx, threadKey)
	if err != nil {
		return nil, err
	}

	var session agent.Session
	if stored != nil {
		session, err = e.factory.Resume(ctx, threadKey, stored.SessionID, stored.SessionFilePath)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, "failed to resume agent session", err)
		}
	} else {
		session, err = e.factory.Create(ctx, threadKey)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, "failed to create agent session", err)
		}
	}

	if stored == nil || stored.SessionID != session.ID() || stored.SessionFilePath != session.FilePath() {
		if err := e.store.UpsertThreadSession(ctx, threadKey, session.ID(), session.FilePath()); err != nil {
			_ = session.Close()
			return nil, err
		}
	}
	return session, nil
}
