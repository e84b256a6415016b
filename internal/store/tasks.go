package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTask is the creation payload for a scheduled task.
type NewTask struct {
	Title            string
	Instructions     string
	ScheduleKind     ScheduleKind
	OnceAt           *time.Time
	CronExpr         string
	RRuleExpr        string
	Timezone         string
	Enabled          bool
	NextRunAt        *time.Time
	CreatorThreadKey string
	OwnerUserKey     string
	DeliveryTarget   DeliveryTarget
}

// TaskUpdate carries the mutable fields of a task. Nil pointers leave
// the column untouched.
type TaskUpdate struct {
	Title          *string
	Instructions   *string
	ScheduleKind   *ScheduleKind
	OnceAt         *time.Time
	CronExpr       *string
	RRuleExpr      *string
	Timezone       *string
	Enabled        *bool
	NextRunAt      *time.Time
	ClearNextRunAt bool
	DeliveryTarget *DeliveryTarget
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Enabled          *bool
	CreatorThreadKey string
	OwnerUserKey     string
}

func marshalRoute(t DeliveryTarget) (string, error) {
	var route any = struct{}{}
	if t.Telegram != nil {
		route = t.Telegram
	}
	b, err := json.Marshal(route)
	if err != nil {
		return "", fmt.Errorf("marshal delivery route: %w", err)
	}
	return string(b), nil
}

// CreateTask inserts a task and returns it with its generated id.
func (s *Store) CreateTask(ctx context.Context, nt *NewTask) (*ScheduledTask, error) {
	if nt.Timezone == "" {
		nt.Timezone = "UTC"
	}
	route, err := marshalRoute(nt.DeliveryTarget)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	nowISO := FormatTime(now)
	task := &ScheduledTask{
		TaskID:           uuid.Must(uuid.NewV7()).String(),
		Title:            nt.Title,
		Instructions:     nt.Instructions,
		ScheduleKind:     nt.ScheduleKind,
		OnceAt:           nt.OnceAt,
		CronExpr:         nt.CronExpr,
		RRuleExpr:        nt.RRuleExpr,
		Timezone:         nt.Timezone,
		Enabled:          nt.Enabled,
		NextRunAt:        nt.NextRunAt,
		CreatorThreadKey: nt.CreatorThreadKey,
		OwnerUserKey:     nt.OwnerUserKey,
		DeliveryTarget:   nt.DeliveryTarget,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (task_id, title, instructions, schedule_kind, once_at,
		   cron_expr, rrule_expr, timezone, enabled, next_run_at, creator_thread_key,
		   owner_user_key, delivery_provider, delivery_route, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.Title, task.Instructions, string(task.ScheduleKind),
		nullTime(task.OnceAt), nullStr(task.CronExpr), nullStr(task.RRuleExpr),
		task.Timezone, boolInt(task.Enabled), nullTime(task.NextRunAt),
		task.CreatorThreadKey, nullStr(task.OwnerUserKey),
		task.DeliveryTarget.Provider, route, nowISO, nowISO,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

const taskSelect = `SELECT task_id, title, instructions, schedule_kind, once_at, cron_expr,
  rrule_expr, timezone, enabled, next_run_at, creator_thread_key, owner_user_key,
  delivery_provider, delivery_route, execution_thread_key, last_run_at,
  last_run_status, last_error_message, created_at, updated_at FROM scheduled_tasks`

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var kind, provider, route, createdAt, updatedAt string
	var onceAt, cronExpr, rruleExpr, nextRunAt, ownerKey, execKey *string
	var lastRunAt, lastStatus, lastErr *string
	var enabled int
	err := row.Scan(&t.TaskID, &t.Title, &t.Instructions, &kind, &onceAt, &cronExpr,
		&rruleExpr, &t.Timezone, &enabled, &nextRunAt, &t.CreatorThreadKey, &ownerKey,
		&provider, &route, &execKey, &lastRunAt, &lastStatus, &lastErr,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.ScheduleKind = ScheduleKind(kind)
	t.OnceAt = parseTimePtr(onceAt)
	t.CronExpr = derefStr(cronExpr)
	t.RRuleExpr = derefStr(rruleExpr)
	t.Enabled = enabled != 0
	t.NextRunAt = parseTimePtr(nextRunAt)
	t.OwnerUserKey = derefStr(ownerKey)
	t.ExecutionThreadKey = derefStr(execKey)
	t.LastRunAt = parseTimePtr(lastRunAt)
	t.LastRunStatus = derefStr(lastStatus)
	t.LastErrorMessage = derefStr(lastErr)
	t.CreatedAt = mustParseTime(createdAt)
	t.UpdatedAt = mustParseTime(updatedAt)

	t.DeliveryTarget.Provider = provider
	if provider == "telegram" && route != "" && route != "{}" {
		var tr TelegramRoute
		if err := json.Unmarshal([]byte(route), &tr); err == nil {
			t.DeliveryTarget.Telegram = &tr
		}
	}
	return &t, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*ScheduledTask, error) {
	return scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE task_id = ?`, taskID))
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*ScheduledTask, error) {
	query := taskSelect + ` WHERE 1 = 1`
	var args []any
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.CreatorThreadKey != "" {
		query += ` AND creator_thread_key = ?`
		args = append(args, filter.CreatorThreadKey)
	}
	if filter.OwnerUserKey != "" {
		query += ` AND owner_user_key = ?`
		args = append(args, filter.OwnerUserKey)
	}
	query += ` ORDER BY created_at DESC, task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListDueTasks returns enabled tasks whose next occurrence is at or
// before now, soonest first.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at, task_id`, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask applies the non-nil fields of upd and returns the fresh row.
func (s *Store) UpdateTask(ctx context.Context, taskID string, upd *TaskUpdate) (*ScheduledTask, error) {
	sets := []string{"updated_at = ?"}
	args := []any{FormatTime(time.Now())}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Instructions != nil {
		add("instructions", *upd.Instructions)
	}
	if upd.ScheduleKind != nil {
		add("schedule_kind", string(*upd.ScheduleKind))
	}
	if upd.OnceAt != nil {
		add("once_at", FormatTime(*upd.OnceAt))
	}
	if upd.CronExpr != nil {
		add("cron_expr", nullStr(*upd.CronExpr))
	}
	if upd.RRuleExpr != nil {
		add("rrule_expr", nullStr(*upd.RRuleExpr))
	}
	if upd.Timezone != nil {
		add("timezone", *upd.Timezone)
	}
	if upd.Enabled != nil {
		add("enabled", boolInt(*upd.Enabled))
	}
	if upd.ClearNextRunAt {
		add("next_run_at", nil)
	} else if upd.NextRunAt != nil {
		add("next_run_at", FormatTime(*upd.NextRunAt))
	}
	if upd.DeliveryTarget != nil {
		route, err := marshalRoute(*upd.DeliveryTarget)
		if err != nil {
			return nil, err
		}
		add("delivery_provider", upd.DeliveryTarget.Provider)
		add("delivery_route", route)
	}

	query := "UPDATE scheduled_tasks SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE task_id = ?"
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrTaskNotFound
	}
	return s.GetTask(ctx, taskID)
}

// DeleteTask removes a task; its task runs cascade.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// AdvanceTaskAfterOccurrence moves next_run_at past an occurrence that
// was just materialized. Conditional on the stored next_run_at still
// being the observed one, so a concurrent tick advances at most once.
// next nil disables the task (a once schedule, or an exhausted rrule).
func (s *Store) AdvanceTaskAfterOccurrence(ctx context.Context, taskID string, observed time.Time, next *time.Time) (bool, error) {
	var res sql.Result
	var err error
	if next == nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks SET next_run_at = NULL, enabled = 0, updated_at = ?
			 WHERE task_id = ? AND next_run_at = ?`,
			FormatTime(time.Now()), taskID, FormatTime(observed))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks SET next_run_at = ?, updated_at = ?
			 WHERE task_id = ? AND next_run_at = ?`,
			FormatTime(*next), FormatTime(time.Now()), taskID, FormatTime(observed))
	}
	if err != nil {
		return false, fmt.Errorf("advance task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetTaskExecutionThread records the lazily created execution thread for
// a task. First writer wins.
func (s *Store) SetTaskExecutionThread(ctx context.Context, taskID, threadKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET execution_thread_key = ?, updated_at = ?
		 WHERE task_id = ? AND execution_thread_key IS NULL`,
		threadKey, FormatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("set execution thread: %w", err)
	}
	return nil
}

// SetTaskLastRun records the outcome of the most recent occurrence.
func (s *Store) SetTaskLastRun(ctx context.Context, taskID string, at time.Time, status, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = ?, last_run_status = ?,
		   last_error_message = ?, updated_at = ? WHERE task_id = ?`,
		FormatTime(at), status, nullStr(errorMessage), FormatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("set task last run: %w", err)
	}
	return nil
}

// --- task runs ---

// CreateOrGetTaskRun materializes an occurrence. The unique
// (task_id, scheduled_for) pair makes this safe under concurrent ticks:
// the loser of the insert race reads back the winner's row.
func (s *Store) CreateOrGetTaskRun(ctx context.Context, taskID string, scheduledFor time.Time) (*TaskRun, bool, error) {
	now := time.Now()
	tr := &TaskRun{
		TaskRunID:      uuid.Must(uuid.NewV7()).String(),
		TaskID:         taskID,
		ScheduledFor:   scheduledFor.UTC(),
		IdempotencyKey: TaskRunIdempotencyKey(taskID, scheduledFor),
		Status:         TaskRunPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_task_runs (task_run_id, task_id, scheduled_for,
		   idempotency_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.TaskRunID, tr.TaskID, FormatTime(tr.ScheduledFor), tr.IdempotencyKey,
		string(tr.Status), FormatTime(now), FormatTime(now))
	if err == nil {
		return tr, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("insert task run: %w", err)
	}
	existing, lookupErr := s.getTaskRunByOccurrence(ctx, taskID, scheduledFor)
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	return existing, false, nil
}

// TaskRunIdempotencyKey derives the run-ingest idempotency key for an
// occurrence, keeping occurrence and run dedup aligned.
func TaskRunIdempotencyKey(taskID string, scheduledFor time.Time) string {
	return fmt.Sprintf("task:%s:scheduled_for:%s", taskID, FormatTime(scheduledFor))
}

const taskRunSelect = `SELECT task_run_id, task_id, scheduled_for, idempotency_key,
  run_id, status, error_message, created_at, updated_at FROM scheduled_task_runs`

func scanTaskRun(row rowScanner) (*TaskRun, error) {
	var tr TaskRun
	var scheduledFor, status, createdAt, updatedAt string
	var runID, errMsg *string
	err := row.Scan(&tr.TaskRunID, &tr.TaskID, &scheduledFor, &tr.IdempotencyKey,
		&runID, &status, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTaskRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task run: %w", err)
	}
	tr.ScheduledFor = mustParseTime(scheduledFor)
	tr.RunID = derefStr(runID)
	tr.Status = TaskRunStatus(status)
	tr.ErrorMessage = derefStr(errMsg)
	tr.CreatedAt = mustParseTime(createdAt)
	tr.UpdatedAt = mustParseTime(updatedAt)
	return &tr, nil
}

func (s *Store) getTaskRunByOccurrence(ctx context.Context, taskID string, scheduledFor time.Time) (*TaskRun, error) {
	return scanTaskRun(s.db.QueryRowContext(ctx,
		taskRunSelect+` WHERE task_id = ? AND scheduled_for = ?`,
		taskID, FormatTime(scheduledFor)))
}

// GetTaskRun loads a task run by id.
func (s *Store) GetTaskRun(ctx context.Context, taskRunID string) (*TaskRun, error) {
	return scanTaskRun(s.db.QueryRowContext(ctx,
		taskRunSelect+` WHERE task_run_id = ?`, taskRunID))
}

// ListTaskRunsByStatus returns task runs in a given state, oldest first.
// Used by the engine to resume pending and reconcile dispatched runs.
func (s *Store) ListTaskRunsByStatus(ctx context.Context, status TaskRunStatus, limit int) ([]*TaskRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		taskRunSelect+` WHERE status = ? ORDER BY created_at, task_run_id LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, tr)
	}
	return runs, rows.Err()
}

// ListTaskRunsForTask returns a task's occurrences, newest first.
func (s *Store) ListTaskRunsForTask(ctx context.Context, taskID string, limit int) ([]*TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		taskRunSelect+` WHERE task_id = ? ORDER BY scheduled_for DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs for task: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, tr)
	}
	return runs, rows.Err()
}

// MarkTaskRunDispatched binds the underlying run and moves
// pending → dispatched. Forward-only: a terminal row is left alone.
func (s *Store) MarkTaskRunDispatched(ctx context.Context, taskRunID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_task_runs SET status = ?, run_id = ?, updated_at = ?
		 WHERE task_run_id = ? AND status = ?`,
		string(TaskRunDispatched), runID, FormatTime(time.Now()),
		taskRunID, string(TaskRunPending))
	if err != nil {
		return fmt.Errorf("mark task run dispatched: %w", err)
	}
	return nil
}

// MarkTaskRunSucceeded moves a non-terminal task run to succeeded.
func (s *Store) MarkTaskRunSucceeded(ctx context.Context, taskRunID string) error {
	return s.markTaskRunTerminal(ctx, taskRunID, TaskRunSucceeded, "")
}

// MarkTaskRunFailed moves a non-terminal task run to failed.
func (s *Store) MarkTaskRunFailed(ctx context.Context, taskRunID, errorMessage string) error {
	return s.markTaskRunTerminal(ctx, taskRunID, TaskRunFailed, errorMessage)
}

func (s *Store) markTaskRunTerminal(ctx context.Context, taskRunID string, status TaskRunStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_task_runs SET status = ?, error_message = ?, updated_at = ?
		 WHERE task_run_id = ? AND status IN (?, ?)`,
		string(status), nullStr(errorMessage), FormatTime(time.Now()),
		taskRunID, string(TaskRunPending), string(TaskRunDispatched))
	if err != nil {
		return fmt.Errorf("mark task run %s: %w", status, err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := mustParseTime(*s)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
