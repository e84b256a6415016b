package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/store"
)

// SessionInfo identifies a resumable session on disk.
type SessionInfo struct {
	SessionID   string
	SessionFile string
}

// SessionFactory opens a TurnSession for a thread. resume is non-nil
// when a persisted session exists for the thread key.
type SessionFactory func(ctx context.Context, threadKey string, resume *store.ThreadSession) (runner.TurnSession, *SessionInfo, error)

// Executor is the agent-session run executor: one controller (and one
// session) per thread key, created lazily and resumed from the
// thread_sessions table across restarts.
type Executor struct {
	store      *store.Store
	newSession SessionFactory
	sink       func(runner.Progress)

	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewExecutor(st *store.Store, factory SessionFactory) *Executor {
	return &Executor{
		store:       st,
		newSession:  factory,
		controllers: make(map[string]*Controller),
	}
}

// SetProgressSink wires the progress hub. Must be called before the
// first dispatch.
func (e *Executor) SetProgressSink(sink func(runner.Progress)) { e.sink = sink }

// Execute submits the run to its thread's controller and blocks until
// the session resolves it. A session that ended is dropped so the next
// run opens a fresh one.
func (e *Executor) Execute(ctx context.Context, run *store.Run, images []*store.InputImage) (*store.RunOutput, error) {
	ctl, err := e.controller(ctx, run.ThreadKey)
	if err != nil {
		return nil, err
	}
	out, err := ctl.Submit(ctx, run, images)
	if errors.Is(err, ErrAgentEnded) || errors.Is(err, errControllerClosed) {
		e.dropController(run.ThreadKey, ctl)
	}
	return out, err
}

// AbortThread interrupts the in-flight turn on the thread's session, if
// any.
func (e *Executor) AbortThread(ctx context.Context, threadKey string) error {
	e.mu.Lock()
	ctl := e.controllers[threadKey]
	e.mu.Unlock()
	if ctl == nil {
		return nil
	}
	return ctl.Abort(ctx)
}

// ResetSession closes the thread's controller and deletes its persisted
// session record; the next run starts a fresh agent context.
func (e *Executor) ResetSession(ctx context.Context, threadKey string) error {
	e.mu.Lock()
	ctl := e.controllers[threadKey]
	delete(e.controllers, threadKey)
	e.mu.Unlock()

	if ctl != nil {
		if err := ctl.Close(); err != nil {
			slog.Warn("close session on reset", "thread", threadKey, "error", err)
		}
	}
	return e.store.DeleteThreadSession(ctx, threadKey)
}

// ShareSession returns the path of the thread's session transcript.
func (e *Executor) ShareSession(ctx context.Context, threadKey string) (string, error) {
	ts, err := e.store.GetThreadSession(ctx, threadKey)
	if err != nil {
		return "", err
	}
	return ts.SessionFile, nil
}

// Close shuts down every live controller.
func (e *Executor) Close() error {
	e.mu.Lock()
	ctls := make([]*Controller, 0, len(e.controllers))
	for _, ctl := range e.controllers {
		ctls = append(ctls, ctl)
	}
	e.controllers = make(map[string]*Controller)
	e.mu.Unlock()

	var firstErr error
	for _, ctl := range ctls {
		if err := ctl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Executor) controller(ctx context.Context, threadKey string) (*Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ctl, ok := e.controllers[threadKey]; ok {
		return ctl, nil
	}

	resume, err := e.store.GetThreadSession(ctx, threadKey)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}
	session, info, err := e.newSession(ctx, threadKey, resume)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", threadKey, err)
	}
	if err := e.store.UpsertThreadSession(ctx, threadKey, info.SessionID, info.SessionFile); err != nil {
		session.Close()
		return nil, err
	}

	ctl := NewController(session, e.emit, func(runID string) error {
		// Outlives the opening request's context.
		_, err := e.store.DeleteRunInputImages(context.Background(), runID)
		return err
	})
	e.controllers[threadKey] = ctl
	slog.Info("agent session opened", "thread", threadKey, "session", info.SessionID, "resumed", resume != nil)
	return ctl, nil
}

func (e *Executor) emit(p runner.Progress) {
	if e.sink != nil {
		e.sink(p)
	}
}

func (e *Executor) dropController(threadKey string, ctl *Controller) {
	e.mu.Lock()
	if e.controllers[threadKey] == ctl {
		delete(e.controllers, threadKey)
	}
	e.mu.Unlock()
	ctl.Close()
}
