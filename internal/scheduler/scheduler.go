// Package scheduler serializes run dispatches per thread key while
// keeping distinct threads parallel.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// DispatchFunc executes one run to a terminal state. Injected by the
// run service.
type DispatchFunc func(ctx context.Context, runID string) error

// Scheduler keys FIFO queues by thread key. At most one dispatch is in
// flight per thread at any instant; order within a thread is submission
// order.
type Scheduler struct {
	dispatch DispatchFunc

	mu      sync.Mutex
	threads map[string]*threadQueue
	stopped bool
	wg      sync.WaitGroup
}

type threadQueue struct {
	runs []string
	// members holds every run id queued or in flight on this thread,
	// backing the EnsureEnqueued idempotence check.
	members map[string]bool
	busy    bool
}

func New(dispatch DispatchFunc) *Scheduler {
	return &Scheduler{
		dispatch: dispatch,
		threads:  make(map[string]*threadQueue),
	}
}

// Enqueue appends the run to its thread's queue and spawns a worker if
// the thread is idle. Returns false once the scheduler is stopped.
func (s *Scheduler) Enqueue(threadKey, runID string) bool {
	return s.enqueue(threadKey, runID, false)
}

// EnsureEnqueued is the idempotent variant: it returns false when the
// run is already queued or in flight. Used by crash recovery and the
// task engine's redispatch sweeps.
func (s *Scheduler) EnsureEnqueued(threadKey, runID string) bool {
	return s.enqueue(threadKey, runID, true)
}

func (s *Scheduler) enqueue(threadKey, runID string, dedup bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	tq := s.threads[threadKey]
	if tq == nil {
		tq = &threadQueue{members: make(map[string]bool)}
		s.threads[threadKey] = tq
	}
	if dedup && tq.members[runID] {
		return false
	}
	tq.runs = append(tq.runs, runID)
	tq.members[runID] = true
	if !tq.busy {
		tq.busy = true
		s.wg.Add(1)
		go s.worker(threadKey, tq)
	}
	return true
}

// worker drains one thread's queue. The run id stays in the membership
// set while its dispatch is in flight, so EnsureEnqueued cannot
// double-book it.
func (s *Scheduler) worker(threadKey string, tq *threadQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(tq.runs) == 0 {
			tq.busy = false
			s.mu.Unlock()
			return
		}
		runID := tq.runs[0]
		tq.runs = tq.runs[1:]
		s.mu.Unlock()

		if err := s.dispatch(context.Background(), runID); err != nil {
			slog.Error("dispatch failed", "thread", threadKey, "run", runID, "error", err)
		}

		s.mu.Lock()
		delete(tq.members, runID)
		s.mu.Unlock()
	}
}

// Stop refuses new work and waits for every in-flight dispatch to
// settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}
