package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jagc-sh/jagc/internal/runs"
	"github.com/jagc-sh/jagc/internal/store"
)

// ErrTopicsUnavailable fails a task run whose telegram delivery target
// needs a forum topic while no topic bridge is configured.
var ErrTopicsUnavailable = errors.New("telegram_topics_unavailable")

// TopicBridge manages the dedicated forum topic a task executes in.
// Implemented by the telegram gateway.
type TopicBridge interface {
	CreateTaskTopic(ctx context.Context, chatID int64, title string) (*store.TelegramRoute, error)
	RenameTaskTopic(ctx context.Context, route *store.TelegramRoute, title string) error
}

// ResultDeliverer posts a finished task run's output to the task's
// delivery target. Best-effort; implemented by the telegram gateway.
type ResultDeliverer interface {
	DeliverTaskResult(ctx context.Context, task *store.ScheduledTask, run *store.Run) error
}

// Options tune the engine loop.
type Options struct {
	PollInterval  time.Duration // default 5s
	DueBatch      int           // default 20
	RecoveryBatch int           // default 50
}

// Engine materializes due task occurrences into runs and tracks them to
// completion. One tick at a time; overlapping ticks are skipped.
type Engine struct {
	store   *store.Store
	runs    *runs.Service
	bridge  TopicBridge
	deliver ResultDeliverer

	interval      time.Duration
	dueBatch      int
	recoveryBatch int

	tickInFlight sync.Mutex
	stop         chan struct{}
	done         chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
}

func NewEngine(st *store.Store, runSvc *runs.Service, bridge TopicBridge, deliver ResultDeliverer, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.DueBatch <= 0 {
		opts.DueBatch = 20
	}
	if opts.RecoveryBatch <= 0 {
		opts.RecoveryBatch = 50
	}
	return &Engine{
		store:         st,
		runs:          runSvc,
		bridge:        bridge,
		deliver:       deliver,
		interval:      opts.PollInterval,
		dueBatch:      opts.DueBatch,
		recoveryBatch: opts.RecoveryBatch,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the periodic tick loop.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.loop()
	})
}

// Stop halts the loop and awaits the in-flight tick: the loop runs its
// tick synchronously, so done closes only after the last tick returns.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Tick(context.Background())
		case <-e.stop:
			return
		}
	}
}

// Tick runs one engine pass. Serialized: a tick arriving while another
// is in flight returns immediately.
func (e *Engine) Tick(ctx context.Context) {
	if !e.tickInFlight.TryLock() {
		return
	}
	defer e.tickInFlight.Unlock()

	if n, err := e.store.PurgeExpiredInputImages(ctx); err != nil {
		slog.Warn("purge expired images", "error", err)
	} else if n > 0 {
		slog.Debug("purged expired images", "count", n)
	}

	e.processDueTasks(ctx)
	e.resumePendingTaskRuns(ctx)
	e.reconcileDispatchedTaskRuns(ctx)
}

// processDueTasks materializes one occurrence per due task, advances
// its schedule conditionally, and dispatches the occurrence.
func (e *Engine) processDueTasks(ctx context.Context) {
	now := time.Now()
	due, err := e.store.ListDueTasks(ctx, now)
	if err != nil {
		slog.Error("list due tasks", "error", err)
		return
	}
	if len(due) > e.dueBatch {
		due = due[:e.dueBatch]
	}

	for _, task := range due {
		occ := task.NextRunAt.UTC()
		taskRun, created, err := e.store.CreateOrGetTaskRun(ctx, task.TaskID, occ)
		if err != nil {
			slog.Error("materialize task run", "task", task.TaskID, "error", err)
			continue
		}
		if created {
			slog.Info("task occurrence due", "task", task.TaskID, "scheduled_for", occ)
		}

		next, nextErr := NextOccurrence(task, occ)
		if nextErr != nil {
			slog.Error("compute next occurrence", "task", task.TaskID, "error", nextErr)
			next = nil
		}
		if _, err := e.store.AdvanceTaskAfterOccurrence(ctx, task.TaskID, occ, next); err != nil {
			slog.Error("advance task", "task", task.TaskID, "error", err)
			continue
		}

		if taskRun.Status == store.TaskRunPending {
			e.dispatchTaskRun(ctx, task, taskRun)
		}
	}
}

// resumePendingTaskRuns redispatches occurrences stranded between
// creation and dispatch by a crash.
func (e *Engine) resumePendingTaskRuns(ctx context.Context) {
	pending, err := e.store.ListTaskRunsByStatus(ctx, store.TaskRunPending, e.recoveryBatch)
	if err != nil {
		slog.Error("list pending task runs", "error", err)
		return
	}
	for _, taskRun := range pending {
		task, err := e.store.GetTask(ctx, taskRun.TaskID)
		if err != nil {
			slog.Warn("pending task run without task", "task_run", taskRun.TaskRunID, "error", err)
			continue
		}
		e.dispatchTaskRun(ctx, task, taskRun)
	}
}

// reconcileDispatchedTaskRuns settles dispatched occurrences whose
// underlying runs have finished, and fires best-effort delivery.
func (e *Engine) reconcileDispatchedTaskRuns(ctx context.Context) {
	dispatched, err := e.store.ListTaskRunsByStatus(ctx, store.TaskRunDispatched, e.recoveryBatch)
	if err != nil {
		slog.Error("list dispatched task runs", "error", err)
		return
	}
	for _, taskRun := range dispatched {
		run, err := e.store.GetRun(ctx, taskRun.RunID)
		if err != nil {
			slog.Warn("dispatched task run without run", "task_run", taskRun.TaskRunID, "error", err)
			continue
		}
		switch run.Status {
		case store.RunStatusRunning:
			// Still executing; check again next tick.
		case store.RunStatusSucceeded:
			if err := e.store.MarkTaskRunSucceeded(ctx, taskRun.TaskRunID); err != nil {
				slog.Error("mark task run succeeded", "task_run", taskRun.TaskRunID, "error", err)
				continue
			}
			e.recordLastRun(ctx, taskRun, string(store.TaskRunSucceeded), "")
			e.deliverResult(ctx, taskRun, run)
		case store.RunStatusFailed:
			if err := e.store.MarkTaskRunFailed(ctx, taskRun.TaskRunID, run.ErrorMessage); err != nil {
				slog.Error("mark task run failed", "task_run", taskRun.TaskRunID, "error", err)
				continue
			}
			e.recordLastRun(ctx, taskRun, string(store.TaskRunFailed), run.ErrorMessage)
		}
	}
}

// dispatchTaskRun ingests the occurrence as a run on the task's
// execution thread.
func (e *Engine) dispatchTaskRun(ctx context.Context, task *store.ScheduledTask, taskRun *store.TaskRun) {
	threadKey, err := e.ensureExecutionThread(ctx, task)
	if err != nil {
		e.failTaskRun(ctx, taskRun, err.Error())
		return
	}

	res, err := e.runs.Ingest(ctx, &store.IngestMessage{
		Source:         "task:" + task.TaskID,
		ThreadKey:      threadKey,
		UserKey:        task.OwnerUserKey,
		DeliveryMode:   store.DeliveryFollowUp,
		IdempotencyKey: taskRun.IdempotencyKey,
		InputText:      buildInstructions(task, taskRun.ScheduledFor),
	})
	if err != nil {
		e.failTaskRun(ctx, taskRun, err.Error())
		return
	}

	switch res.Run.Status {
	case store.RunStatusRunning:
		if err := e.store.MarkTaskRunDispatched(ctx, taskRun.TaskRunID, res.Run.RunID); err != nil {
			slog.Error("mark task run dispatched", "task_run", taskRun.TaskRunID, "error", err)
		}
	case store.RunStatusSucceeded:
		if err := e.store.MarkTaskRunDispatched(ctx, taskRun.TaskRunID, res.Run.RunID); err != nil {
			slog.Error("mark task run dispatched", "task_run", taskRun.TaskRunID, "error", err)
		}
		if err := e.store.MarkTaskRunSucceeded(ctx, taskRun.TaskRunID); err != nil {
			slog.Error("mark task run succeeded", "task_run", taskRun.TaskRunID, "error", err)
		}
		e.recordLastRun(ctx, taskRun, string(store.TaskRunSucceeded), "")
		e.deliverResult(ctx, taskRun, res.Run)
	default:
		e.failTaskRun(ctx, taskRun, res.Run.ErrorMessage)
	}
}

// buildInstructions prefixes the task body with the scheduled-task
// header and the occurrence timestamp.
func buildInstructions(task *store.ScheduledTask, scheduledFor time.Time) string {
	return fmt.Sprintf("[SCHEDULED TASK] %s\nScheduled for: %s\n\n%s",
		task.Title, store.FormatTime(scheduledFor), task.Instructions)
}

// ensureExecutionThread lazily creates the thread key the task's runs
// ingest on. Telegram targets get a dedicated forum topic through the
// bridge; other providers get a synthetic key.
func (e *Engine) ensureExecutionThread(ctx context.Context, task *store.ScheduledTask) (string, error) {
	if task.ExecutionThreadKey != "" {
		return task.ExecutionThreadKey, nil
	}

	var threadKey string
	if task.DeliveryTarget.Provider == "telegram" {
		if e.bridge == nil || task.DeliveryTarget.Telegram == nil {
			return "", ErrTopicsUnavailable
		}
		route, err := e.bridge.CreateTaskTopic(ctx, task.DeliveryTarget.Telegram.ChatID, task.Title)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTopicsUnavailable, err)
		}
		threadKey = fmt.Sprintf("telegram:chat:%d:topic:%d", route.ChatID, route.TopicID)
		target := task.DeliveryTarget
		target.Telegram = route
		if _, err := e.store.UpdateTask(ctx, task.TaskID, &store.TaskUpdate{DeliveryTarget: &target}); err != nil {
			slog.Warn("persist topic route", "task", task.TaskID, "error", err)
		}
	} else {
		threadKey = fmt.Sprintf("%s:task:%s", task.DeliveryTarget.Provider, task.TaskID)
	}

	if err := e.store.SetTaskExecutionThread(ctx, task.TaskID, threadKey); err != nil {
		return "", err
	}
	task.ExecutionThreadKey = threadKey
	return threadKey, nil
}

// RunNow materializes an immediate occurrence and dispatches it.
func (e *Engine) RunNow(ctx context.Context, taskID string) (*store.TaskRun, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	taskRun, _, err := e.store.CreateOrGetTaskRun(ctx, taskID, time.Now())
	if err != nil {
		return nil, err
	}
	if taskRun.Status == store.TaskRunPending {
		e.dispatchTaskRun(ctx, task, taskRun)
	}
	return e.store.GetTaskRun(ctx, taskRun.TaskRunID)
}

// RenameTaskTopic syncs a task's forum topic name with its title after
// an edit. Tasks without a topic yet are a no-op; rename failures are
// logged, not surfaced, since the task itself updated fine.
func (e *Engine) RenameTaskTopic(ctx context.Context, task *store.ScheduledTask) {
	if e.bridge == nil || task.DeliveryTarget.Provider != "telegram" {
		return
	}
	route := task.DeliveryTarget.Telegram
	if route == nil || route.TopicID == 0 {
		return
	}
	if err := e.bridge.RenameTaskTopic(ctx, route, task.Title); err != nil {
		slog.Warn("rename task topic", "task", task.TaskID, "error", err)
	}
}

func (e *Engine) failTaskRun(ctx context.Context, taskRun *store.TaskRun, msg string) {
	if err := e.store.MarkTaskRunFailed(ctx, taskRun.TaskRunID, msg); err != nil {
		slog.Error("mark task run failed", "task_run", taskRun.TaskRunID, "error", err)
		return
	}
	e.recordLastRun(ctx, taskRun, string(store.TaskRunFailed), msg)
}

func (e *Engine) recordLastRun(ctx context.Context, taskRun *store.TaskRun, status, errMsg string) {
	if err := e.store.SetTaskLastRun(ctx, taskRun.TaskID, taskRun.ScheduledFor, status, errMsg); err != nil {
		slog.Warn("record last run", "task", taskRun.TaskID, "error", err)
	}
}

func (e *Engine) deliverResult(ctx context.Context, taskRun *store.TaskRun, run *store.Run) {
	if e.deliver == nil {
		return
	}
	task, err := e.store.GetTask(ctx, taskRun.TaskID)
	if err != nil {
		return
	}
	if err := e.deliver.DeliverTaskResult(ctx, task, run); err != nil {
		slog.Warn("deliver task result", "task", task.TaskID, "run", run.RunID, "error", err)
	}
}
