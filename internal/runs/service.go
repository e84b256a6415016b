// Package runs is the run service: ingest, per-thread dispatch, run
// progress fan-out, cancellation and crash recovery.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/scheduler"
	"github.com/jagc-sh/jagc/internal/store"
)

// CancelSentinel is the error message recorded on a cancelled run. The
// chat gateway matches it to suppress the terminal failure line.
const CancelSentinel = "This operation was aborted"

// ErrSessionControlsUnavailable is returned for session operations when
// the configured executor has no per-thread sessions (echo mode).
var ErrSessionControlsUnavailable = errors.New("session controls unavailable with this runner")

// Service owns the run lifecycle from ingest to terminal delivery.
type Service struct {
	store *store.Store
	exec  runner.Executor
	sched *scheduler.Scheduler
	hub   *progressHub

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewService(st *store.Store, exec runner.Executor) *Service {
	s := &Service{
		store:   st,
		exec:    exec,
		hub:     newProgressHub(),
		waiters: make(map[string][]chan struct{}),
	}
	s.sched = scheduler.New(s.DispatchRunByID)
	if src, ok := exec.(runner.ProgressSource); ok {
		src.SetProgressSink(s.hub.publish)
	}
	return s
}

// Init recovers work left mid-flight at the previous shutdown: every
// run still marked running is re-enqueued exactly once.
func (s *Service) Init(ctx context.Context) error {
	running, err := s.store.ListRunningRuns(ctx, 0)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	for _, run := range running {
		if s.sched.EnsureEnqueued(run.ThreadKey, run.RunID) {
			slog.Info("recovered run", "run", run.RunID, "thread", run.ThreadKey)
		}
	}
	return nil
}

// Ingest persists the message as a run and schedules its dispatch.
// Deduplicated ingests of a still-running run are re-ensured on the
// scheduler, which is a no-op when already booked.
func (s *Service) Ingest(ctx context.Context, msg *store.IngestMessage) (*store.IngestResult, error) {
	res, err := s.store.Ingest(ctx, msg)
	if err != nil {
		return nil, err
	}
	if res.Run.Status == store.RunStatusRunning {
		s.sched.EnsureEnqueued(res.Run.ThreadKey, res.Run.RunID)
	}
	return res, nil
}

// GetRun loads a run.
func (s *Service) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// DispatchRunByID executes one run to a terminal state. Invoked only by
// the scheduler worker, so per-thread serialization holds.
func (s *Service) DispatchRunByID(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunStatusRunning {
		// Terminal already; nothing to do.
		return nil
	}

	images, err := s.store.ListRunInputImages(ctx, runID)
	if err != nil {
		return err
	}

	output, execErr := s.exec.Execute(ctx, run, images)
	if execErr != nil {
		err = s.store.MarkFailed(ctx, runID, execErr.Error())
	} else {
		err = s.store.MarkSucceeded(ctx, runID, output)
	}

	var terminal *store.TerminalStateError
	if errors.As(err, &terminal) {
		// Another actor wrote the terminal state first (a cancel racing
		// completion). Benign.
		slog.Debug("terminal CAS lost", "run", runID, "status", terminal.Status)
		err = nil
	}
	if err != nil {
		return err
	}

	s.notifyTerminal(runID)
	return nil
}

// Cancel marks the run failed with the abort sentinel and interrupts
// the in-flight turn on its thread's session. Cancelling a settled run
// reports its terminal state.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.store.MarkFailed(ctx, runID, CancelSentinel); err != nil {
		return err
	}
	if aborter, ok := s.exec.(runner.ThreadAborter); ok {
		if err := aborter.AbortThread(ctx, run.ThreadKey); err != nil {
			slog.Warn("abort session turn", "thread", run.ThreadKey, "error", err)
		}
	}
	s.notifyTerminal(runID)
	return nil
}

// CancelThread cancels the thread's active run, if any. Returns the
// cancelled run.
func (s *Service) CancelThread(ctx context.Context, threadKey string) (*store.Run, error) {
	run, err := s.store.GetActiveRun(ctx, threadKey)
	if err != nil {
		return nil, err
	}
	if err := s.Cancel(ctx, run.RunID); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, run.RunID)
}

// ActiveRun returns the thread's running run, or store.ErrRunNotFound.
func (s *Service) ActiveRun(ctx context.Context, threadKey string) (*store.Run, error) {
	return s.store.GetActiveRun(ctx, threadKey)
}

// ResetSession drops the thread's agent session.
func (s *Service) ResetSession(ctx context.Context, threadKey string) error {
	controls, ok := s.exec.(runner.SessionControls)
	if !ok {
		// Echo mode keeps no session state; deleting the record is still
		// meaningful for a runner switch.
		return s.store.DeleteThreadSession(ctx, threadKey)
	}
	return controls.ResetSession(ctx, threadKey)
}

// ShareSession exports the thread's session and returns its path.
func (s *Service) ShareSession(ctx context.Context, threadKey string) (string, error) {
	controls, ok := s.exec.(runner.SessionControls)
	if !ok {
		return "", ErrSessionControlsUnavailable
	}
	return controls.ShareSession(ctx, threadKey)
}

// Subscribe returns the run's progress stream and a cancel func.
func (s *Service) Subscribe(runID string) (<-chan runner.Progress, func()) {
	return s.hub.subscribe(runID)
}

// WaitTerminal blocks until the run reaches a terminal state (or ctx is
// done) and returns the settled run.
func (s *Service) WaitTerminal(ctx context.Context, runID string) (*store.Run, error) {
	for {
		notify := s.addWaiter(runID)
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			s.removeWaiter(runID, notify)
			return nil, err
		}
		if run.Status.Terminal() {
			s.removeWaiter(runID, notify)
			return run, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			s.removeWaiter(runID, notify)
			return nil, ctx.Err()
		}
	}
}

func (s *Service) addWaiter(runID string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[runID] = append(s.waiters[runID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) removeWaiter(runID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[runID]
	for i, w := range ws {
		if w == ch {
			s.waiters[runID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[runID]) == 0 {
		delete(s.waiters, runID)
	}
}

// notifyTerminal wakes waiters and publishes the synthetic terminal
// progress marker.
func (s *Service) notifyTerminal(runID string) {
	s.mu.Lock()
	ws := s.waiters[runID]
	delete(s.waiters, runID)
	s.mu.Unlock()
	for _, ch := range ws {
		close(ch)
	}
	s.hub.publish(runner.Progress{RunID: runID, Type: runner.EventTerminal})
}

// Shutdown stops the scheduler, waiting for in-flight dispatches.
func (s *Service) Shutdown() {
	s.sched.Stop()
	if closer, ok := s.exec.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("close executor", "error", err)
		}
	}
}
