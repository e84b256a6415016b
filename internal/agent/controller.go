// Package agent implements the per-thread run controller and the
// agent-session executor: one resumable session per thread key, run
// deliveries serialized into it, session events correlated back to run
// ids.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/store"
)

// ErrAgentEnded resolves pending runs whose session ended before their
// assistant turn completed.
var ErrAgentEnded = errors.New("agent ended before message delivery")

var errControllerClosed = errors.New("controller closed")

type outcome struct {
	output *store.RunOutput
	err    error
}

type submission struct {
	run    *store.Run
	images []*store.InputImage
	steer  bool
}

// Controller serializes run deliveries into one TurnSession and
// correlates the session's event stream back to run ids.
//
// Run lifecycle: queued (in the steer or followUp queue) → delivered
// (the session call returned; the run sits in the pending deque) →
// completed or failed (an assistant message_end resolved it, or the
// session ended first).
type Controller struct {
	session runner.TurnSession

	// onProgress receives every session event plus synthetic
	// queued/delivered markers, tagged with the correlated run id.
	onProgress func(runner.Progress)

	// onDelivered runs after a successful delivery call (input-image
	// cleanup). Its error fails the delivered run.
	onDelivered func(runID string) error

	mu           sync.Mutex
	steerQ       []*submission
	followQ      []*submission
	pending      []*submission // delivered, awaiting assistant message_end
	completions  map[string]chan outcome
	currentRunID string // set by a correlated user message_start
	assistantBuf []byte // accumulated message_update deltas
	promptSent   bool
	closed       bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewController starts the deliver and event loops over session.
func NewController(session runner.TurnSession, onProgress func(runner.Progress), onDelivered func(runID string) error) *Controller {
	c := &Controller{
		session:     session,
		onProgress:  onProgress,
		onDelivered: onDelivered,
		completions: make(map[string]chan outcome),
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
	c.wg.Add(2)
	go c.deliverLoop()
	go c.eventLoop()
	return c
}

// Submit queues a run and blocks until a terminal output exists for it
// (or ctx is done). Steer runs jump the followUp queue but are still
// queued, not preemptive.
func (c *Controller) Submit(ctx context.Context, run *store.Run, images []*store.InputImage) (*store.RunOutput, error) {
	sub := &submission{run: run, images: images, steer: run.DeliveryMode == store.DeliverySteer}
	done := make(chan outcome, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errControllerClosed
	}
	c.completions[run.RunID] = done
	if sub.steer {
		c.steerQ = append(c.steerQ, sub)
	} else {
		c.followQ = append(c.followQ, sub)
	}
	c.mu.Unlock()

	c.emit(run.RunID, runner.EventQueued, nil)
	c.poke()

	select {
	case out := <-done:
		return out.output, out.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.completions, run.RunID)
		c.steerQ = removeSub(c.steerQ, run.RunID)
		c.followQ = removeSub(c.followQ, run.RunID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Abort interrupts the session's current turn.
func (c *Controller) Abort(ctx context.Context) error {
	return c.session.Abort(ctx)
}

// Close stops both loops, closes the session, and fails everything
// still queued or pending.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	err := c.session.Close()
	c.wg.Wait()
	c.failAll(errControllerClosed)
	return err
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliverLoop takes from the steer queue first, else followUp, and
// makes the matching session call. Only after the call returns is the
// run moved to pending and its images unbound.
func (c *Controller) deliverLoop() {
	defer c.wg.Done()
	for {
		sub := c.takeNext()
		if sub == nil {
			select {
			case <-c.wake:
				continue
			case <-c.quit:
				return
			}
		}

		ctx := context.Background()
		var err error
		switch {
		case sub.steer:
			err = c.session.Steer(ctx, sub.run.InputText)
		case !c.promptSentOnce():
			err = c.session.Prompt(ctx, sub.run.InputText, sub.images)
		default:
			err = c.session.FollowUp(ctx, sub.run.InputText, sub.images)
		}
		if err != nil {
			c.resolve(sub.run.RunID, outcome{err: err})
			continue
		}

		c.mu.Lock()
		c.pending = append(c.pending, sub)
		c.mu.Unlock()
		c.emit(sub.run.RunID, runner.EventDelivered, nil)

		if c.onDelivered != nil {
			if err := c.onDelivered(sub.run.RunID); err != nil {
				c.resolve(sub.run.RunID, outcome{err: err})
			}
		}
	}
}

func (c *Controller) takeNext() *submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steerQ) > 0 {
		sub := c.steerQ[0]
		c.steerQ = c.steerQ[1:]
		return sub
	}
	if len(c.followQ) > 0 {
		sub := c.followQ[0]
		c.followQ = c.followQ[1:]
		return sub
	}
	return nil
}

func (c *Controller) promptSentOnce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.promptSent {
		c.promptSent = true
		return false
	}
	return true
}

// eventLoop reads the single-threaded session event stream in order
// and updates the correlation state. A closed channel counts as
// agent_end.
func (c *Controller) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.session.Events():
			if !ok {
				c.failAll(ErrAgentEnded)
				return
			}
			c.handleEvent(ev)
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) handleEvent(ev runner.Event) {
	c.mu.Lock()
	switch ev.Type {
	case runner.EventMessageStart:
		if ev.Role == "user" {
			// Correlate by input text, submission order breaking ties.
			c.currentRunID = ""
			for _, sub := range c.pending {
				if sub.run.InputText == ev.Text {
					c.currentRunID = sub.run.RunID
					break
				}
			}
			if c.currentRunID == "" && len(c.pending) > 0 {
				c.currentRunID = c.pending[0].run.RunID
			}
		}
		c.assistantBuf = c.assistantBuf[:0]

	case runner.EventMessageUpdate:
		if ev.Role == "assistant" || ev.Role == "" {
			c.assistantBuf = append(c.assistantBuf, ev.Delta...)
		}
	}
	runID := c.correlatedRunIDLocked()
	c.mu.Unlock()

	c.emit(runID, ev.Type, &ev)

	switch ev.Type {
	case runner.EventMessageEnd:
		if ev.Role == "assistant" {
			c.resolveAssistantEnd(ev)
		}
	case runner.EventAgentEnd:
		c.failAll(ErrAgentEnded)
	}
}

// resolveAssistantEnd settles the correlated (else front) pending run
// with the turn's accumulated output.
func (c *Controller) resolveAssistantEnd(ev runner.Event) {
	c.mu.Lock()
	var sub *submission
	if c.currentRunID != "" {
		for i, p := range c.pending {
			if p.run.RunID == c.currentRunID {
				sub = p
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}
	}
	if sub == nil && len(c.pending) > 0 {
		sub = c.pending[0]
		c.pending = c.pending[1:]
	}
	text := ev.Text
	if text == "" {
		text = string(c.assistantBuf)
	}
	c.assistantBuf = c.assistantBuf[:0]
	c.currentRunID = ""
	c.mu.Unlock()

	if sub == nil {
		slog.Debug("assistant message with no pending run", "text_len", len(text))
		return
	}
	c.resolve(sub.run.RunID, outcome{output: &store.RunOutput{
		Type:         "message",
		Text:         text,
		Provider:     ev.Provider,
		Model:        ev.Model,
		DeliveryMode: string(sub.run.DeliveryMode),
		Structured:   ev.Structured,
	}})
}

// correlatedRunIDLocked picks the run id to tag an event with: the
// actively correlated run, else the head of pending, else the head of
// the queues.
func (c *Controller) correlatedRunIDLocked() string {
	if c.currentRunID != "" {
		return c.currentRunID
	}
	if len(c.pending) > 0 {
		return c.pending[0].run.RunID
	}
	if len(c.steerQ) > 0 {
		return c.steerQ[0].run.RunID
	}
	if len(c.followQ) > 0 {
		return c.followQ[0].run.RunID
	}
	return ""
}

func (c *Controller) emit(runID string, typ runner.EventType, ev *runner.Event) {
	if c.onProgress == nil || runID == "" {
		return
	}
	c.onProgress(runner.Progress{RunID: runID, Type: typ, Event: ev})
}

func (c *Controller) resolve(runID string, out outcome) {
	c.mu.Lock()
	done, ok := c.completions[runID]
	delete(c.completions, runID)
	c.mu.Unlock()
	if ok {
		done <- out
	}
}

// failAll settles every queued and pending run with err.
func (c *Controller) failAll(err error) {
	c.mu.Lock()
	var ids []string
	for _, sub := range c.pending {
		ids = append(ids, sub.run.RunID)
	}
	for _, sub := range c.steerQ {
		ids = append(ids, sub.run.RunID)
	}
	for _, sub := range c.followQ {
		ids = append(ids, sub.run.RunID)
	}
	c.pending, c.steerQ, c.followQ = nil, nil, nil
	c.currentRunID = ""
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, outcome{err: err})
	}
}

func removeSub(q []*submission, runID string) []*submission {
	for i, sub := range q {
		if sub.run.RunID == runID {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}
