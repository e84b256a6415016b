package runner

import (
	"context"

	"github.com/jagc-sh/jagc/internal/store"
)

// Executor runs a single run to a terminal output. Execute blocks until
// the run settles; the dispatcher translates the return into the
// terminal compare-and-swap. Progress reporting is wired separately
// through ProgressSource.
type Executor interface {
	Execute(ctx context.Context, run *store.Run, images []*store.InputImage) (*store.RunOutput, error)
}

// ProgressSource is implemented by executors that emit correlated
// session progress. The sink is set once at bootstrap, before any run
// dispatches.
type ProgressSource interface {
	SetProgressSink(func(Progress))
}

// ThreadAborter is implemented by executors that can interrupt the
// in-flight turn on a thread's session. Used by run cancellation.
type ThreadAborter interface {
	AbortThread(ctx context.Context, threadKey string) error
}

// SessionControls is implemented by executors with per-thread resumable
// sessions.
type SessionControls interface {
	// ResetSession drops the thread's agent context; the next run starts
	// a fresh session.
	ResetSession(ctx context.Context, threadKey string) error

	// ShareSession exports the thread's session transcript and returns a
	// local path to the exported file.
	ShareSession(ctx context.Context, threadKey string) (string, error)
}

// TurnSession is the contract the thread run controller requires from
// an agent session. Delivery calls are fire-and-forget: the session
// acknowledges acceptance and reports the turn through Events. The
// event channel is single-threaded and closes when the session ends.
type TurnSession interface {
	Prompt(ctx context.Context, text string, images []*store.InputImage) error
	FollowUp(ctx context.Context, text string, images []*store.InputImage) error
	Steer(ctx context.Context, text string) error

	Events() <-chan Event

	// Abort interrupts the current turn.
	Abort(ctx context.Context) error

	Close() error
}
