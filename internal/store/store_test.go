package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestIngestIdempotency verifies that reusing an idempotency key with an
// identical payload returns the original run without creating a second
// one, and that a different payload under the same key is rejected.
func TestIngestIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &IngestMessage{
		Source:         "telegram",
		ThreadKey:      "telegram:chat:42",
		UserKey:        "telegram:user:7",
		IdempotencyKey: "telegram:update:1001",
		InputText:      "hello",
	}

	first, err := s.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Deduplicated {
		t.Fatal("first ingest reported deduplicated")
	}
	if first.Run.Status != RunStatusRunning {
		t.Fatalf("status = %s, want running", first.Run.Status)
	}

	second, err := s.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Deduplicated {
		t.Fatal("second ingest not deduplicated")
	}
	if second.Run.RunID != first.Run.RunID {
		t.Fatalf("dedup returned run %s, want %s", second.Run.RunID, first.Run.RunID)
	}

	altered := *msg
	altered.InputText = "different payload"
	if _, err := s.Ingest(ctx, &altered); !errors.Is(err, ErrIdempotencyPayloadMismatch) {
		t.Fatalf("altered payload error = %v, want ErrIdempotencyPayloadMismatch", err)
	}

	// The mismatch must not have created a run.
	runs, err := s.ListRunningRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("running runs = %d, want 1", len(runs))
	}
}

// TestIngestWithoutIdempotencyKey verifies each keyless ingest creates a
// distinct run.
func TestIngestWithoutIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &IngestMessage{Source: "http", ThreadKey: "http:thread:a", InputText: "x"}
	a, err := s.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("ingest a: %v", err)
	}
	b, err := s.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("ingest b: %v", err)
	}
	if a.Run.RunID == b.Run.RunID {
		t.Fatal("keyless ingests shared a run id")
	}
}

// TestMarkTerminalOneShot verifies the terminal transition is
// compare-and-swap: the first writer wins and later attempts report the
// settled status without mutating the row.
func TestMarkTerminalOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Ingest(ctx, &IngestMessage{Source: "http", ThreadKey: "t", InputText: "x"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	runID := res.Run.RunID

	if err := s.MarkSucceeded(ctx, runID, &RunOutput{Type: "text", Text: "done"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	err = s.MarkFailed(ctx, runID, "late failure")
	var terminal *TerminalStateError
	if !errors.As(err, &terminal) {
		t.Fatalf("second transition error = %v, want TerminalStateError", err)
	}
	if terminal.Status != RunStatusSucceeded {
		t.Fatalf("terminal status = %s, want succeeded", terminal.Status)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", run.Status)
	}
	if run.Output == nil || run.Output.Text != "done" {
		t.Fatalf("output = %+v, want preserved", run.Output)
	}
	if run.ErrorMessage != "" {
		t.Fatalf("error message = %q, want empty", run.ErrorMessage)
	}
}

// TestMarkTerminalMissingRun verifies the CAS distinguishes a missing
// run from a settled one.
func TestMarkTerminalMissingRun(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkFailed(context.Background(), "no-such-run", "boom")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("error = %v, want ErrRunNotFound", err)
	}
}

// TestThreadSessions exercises upsert, replace and delete of the
// per-thread resumable session record.
func TestThreadSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "telegram:chat:42"

	if _, err := s.GetThreadSession(ctx, key); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get missing = %v, want ErrSessionNotFound", err)
	}

	if err := s.UpsertThreadSession(ctx, key, "sess-1", "/tmp/sess-1.jsonl"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ts, err := s.GetThreadSession(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ts.SessionID != "sess-1" {
		t.Fatalf("session id = %s, want sess-1", ts.SessionID)
	}

	if err := s.UpsertThreadSession(ctx, key, "sess-2", "/tmp/sess-2.jsonl"); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	ts, err = s.GetThreadSession(ctx, key)
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if ts.SessionID != "sess-2" {
		t.Fatalf("session id = %s, want sess-2", ts.SessionID)
	}

	if err := s.DeleteThreadSession(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteThreadSession(ctx, key); err != nil {
		t.Fatalf("delete missing should be a no-op, got %v", err)
	}
	if _, err := s.GetThreadSession(ctx, key); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get after delete = %v, want ErrSessionNotFound", err)
	}
}

// TestPendingImageLimits verifies the per-scope count and byte caps and
// that a rejected insert leaves the buffer untouched.
func TestPendingImageLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := ImageScope{Source: "telegram", ThreadKey: "telegram:chat:1", UserKey: "telegram:user:1"}

	img := func(n int) []IngestImage {
		out := make([]IngestImage, n)
		for i := range out {
			out[i] = IngestImage{MimeType: "image/jpeg", Bytes: []byte{1, 2, 3}}
		}
		return out
	}

	stats, err := s.InsertPendingImages(ctx, &PendingInsert{Scope: scope, ExternalUpdateID: "u1", Images: img(MaxInputImageCount)})
	if err != nil {
		t.Fatalf("fill to limit: %v", err)
	}
	if stats.Count != MaxInputImageCount {
		t.Fatalf("count = %d, want %d", stats.Count, MaxInputImageCount)
	}

	_, err = s.InsertPendingImages(ctx, &PendingInsert{Scope: scope, ExternalUpdateID: "u2", Images: img(1)})
	if !errors.Is(err, ErrImageBufferLimitExceeded) {
		t.Fatalf("over-count error = %v, want ErrImageBufferLimitExceeded", err)
	}

	after, err := s.PendingImageStats(ctx, scope)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if after.Count != MaxInputImageCount {
		t.Fatalf("count after rejection = %d, want %d", after.Count, MaxInputImageCount)
	}

	// Byte cap on a fresh scope.
	big := ImageScope{Source: "telegram", ThreadKey: "telegram:chat:2", UserKey: "telegram:user:1"}
	_, err = s.InsertPendingImages(ctx, &PendingInsert{
		Scope:            big,
		ExternalUpdateID: "u3",
		Images:           []IngestImage{{MimeType: "image/png", Bytes: make([]byte, MaxInputImageTotalBytes+1)}},
	})
	if !errors.Is(err, ErrImageBufferLimitExceeded) {
		t.Fatalf("over-bytes error = %v, want ErrImageBufferLimitExceeded", err)
	}
}

// TestPendingImageDedup verifies a repeated external update id is a
// no-op rather than a duplicate insert.
func TestPendingImageDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := ImageScope{Source: "telegram", ThreadKey: "telegram:chat:1", UserKey: "telegram:user:1"}

	ins := &PendingInsert{
		Scope:            scope,
		ExternalUpdateID: "update-5",
		Images:           []IngestImage{{MimeType: "image/jpeg", Bytes: []byte("photo")}},
	}
	if _, err := s.InsertPendingImages(ctx, ins); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	stats, err := s.InsertPendingImages(ctx, ins)
	if err != nil {
		t.Fatalf("repeat insert: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("count after repeat = %d, want 1", stats.Count)
	}
}

// TestIngestClaimsPendingImages verifies the chat ingest path binds all
// pending images in scope to the new run, in buffer order, and that a
// second ingest finds nothing left to claim.
func TestIngestClaimsPendingImages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := ImageScope{Source: "telegram", ThreadKey: "telegram:chat:9", UserKey: "telegram:user:9"}

	for i, payload := range []string{"first", "second", "third"} {
		_, err := s.InsertPendingImages(ctx, &PendingInsert{
			Scope:            scope,
			ExternalUpdateID: "u" + string(rune('a'+i)),
			Images:           []IngestImage{{MimeType: "image/jpeg", Bytes: []byte(payload)}},
		})
		if err != nil {
			t.Fatalf("buffer image %d: %v", i, err)
		}
	}

	res, err := s.Ingest(ctx, &IngestMessage{
		Source:            scope.Source,
		ThreadKey:         scope.ThreadKey,
		UserKey:           scope.UserKey,
		InputText:         "what are these?",
		ClaimPendingScope: &scope,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	images, err := s.ListRunInputImages(ctx, res.Run.RunID)
	if err != nil {
		t.Fatalf("list run images: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("claimed images = %d, want 3", len(images))
	}
	for i, want := range []string{"first", "second", "third"} {
		if !bytes.Equal(images[i].ImageBytes, []byte(want)) {
			t.Fatalf("image %d = %q, want %q", i, images[i].ImageBytes, want)
		}
	}

	stats, err := s.PendingImageStats(ctx, scope)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("pending after claim = %d, want 0", stats.Count)
	}

	res2, err := s.Ingest(ctx, &IngestMessage{
		Source: scope.Source, ThreadKey: scope.ThreadKey, UserKey: scope.UserKey,
		InputText: "and now?", ClaimPendingScope: &scope,
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	images2, err := s.ListRunInputImages(ctx, res2.Run.RunID)
	if err != nil {
		t.Fatalf("list second run images: %v", err)
	}
	if len(images2) != 0 {
		t.Fatalf("second run claimed %d images, want 0", len(images2))
	}
}

// TestDeleteRunInputImages verifies post-delivery cleanup reports the
// number of rows removed.
func TestDeleteRunInputImages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Ingest(ctx, &IngestMessage{
		Source: "http", ThreadKey: "t", InputText: "x",
		Images: []IngestImage{
			{MimeType: "image/png", Bytes: []byte("a")},
			{MimeType: "image/png", Bytes: []byte("b")},
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	n, err := s.DeleteRunInputImages(ctx, res.Run.RunID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	n, err = s.DeleteRunInputImages(ctx, res.Run.RunID)
	if err != nil || n != 0 {
		t.Fatalf("second delete = (%d, %v), want (0, nil)", n, err)
	}
}

// TestTaskCRUD covers create, get, filtered list, partial update and
// delete of scheduled tasks.
func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(ctx, &NewTask{
		Title:            "morning digest",
		Instructions:     "summarize overnight email",
		ScheduleKind:     ScheduleCron,
		CronExpr:         "0 9 * * *",
		Timezone:         "UTC",
		Enabled:          true,
		NextRunAt:        &next,
		CreatorThreadKey: "telegram:chat:42",
		OwnerUserKey:     "telegram:user:7",
		DeliveryTarget: DeliveryTarget{
			Provider: "telegram",
			Telegram: &TelegramRoute{ChatID: 42},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CronExpr != "0 9 * * *" || !got.Enabled {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.DeliveryTarget.Telegram == nil || got.DeliveryTarget.Telegram.ChatID != 42 {
		t.Fatalf("delivery route = %+v, want chat 42", got.DeliveryTarget)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, next)
	}

	enabled := false
	title := "evening digest"
	upd, err := s.UpdateTask(ctx, task.TaskID, &TaskUpdate{Title: &title, Enabled: &enabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Title != "evening digest" || upd.Enabled {
		t.Fatalf("update not applied: %+v", upd)
	}
	if upd.Instructions != task.Instructions {
		t.Fatalf("untouched field changed: %q", upd.Instructions)
	}

	on := true
	listed, err := s.ListTasks(ctx, TaskFilter{Enabled: &on})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("enabled tasks = %d, want 0", len(listed))
	}

	if err := s.DeleteTask(ctx, task.TaskID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, task.TaskID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("get deleted = %v, want ErrTaskNotFound", err)
	}
	if err := s.DeleteTask(ctx, task.TaskID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("delete deleted = %v, want ErrTaskNotFound", err)
	}
}

// TestListDueTasks verifies the due query honors the enabled flag and
// the next_run_at horizon.
func TestListDueTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

	mk := func(title string, next time.Time, enabled bool) {
		t.Helper()
		_, err := s.CreateTask(ctx, &NewTask{
			Title: title, Instructions: "x", ScheduleKind: ScheduleOnce,
			OnceAt: &next, Enabled: enabled, NextRunAt: &next,
			CreatorThreadKey: "k", DeliveryTarget: DeliveryTarget{Provider: "none"},
		})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
	}
	mk("due", now.Add(-time.Minute), true)
	mk("future", now.Add(time.Hour), true)
	mk("disabled", now.Add(-time.Minute), false)

	due, err := s.ListDueTasks(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].Title != "due" {
		t.Fatalf("due = %+v, want exactly the past-due enabled task", due)
	}
}

// TestAdvanceTaskAfterOccurrence verifies the conditional advance: only
// one caller observing the same next_run_at wins, and a nil next
// disables the task.
func TestAdvanceTaskAfterOccurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	occ := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(ctx, &NewTask{
		Title: "t", Instructions: "x", ScheduleKind: ScheduleCron, CronExpr: "0 0 * * *",
		Enabled: true, NextRunAt: &occ, CreatorThreadKey: "k",
		DeliveryTarget: DeliveryTarget{Provider: "none"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := occ.Add(24 * time.Hour)
	won, err := s.AdvanceTaskAfterOccurrence(ctx, task.TaskID, occ, &next)
	if err != nil || !won {
		t.Fatalf("first advance = (%v, %v), want (true, nil)", won, err)
	}
	won, err = s.AdvanceTaskAfterOccurrence(ctx, task.TaskID, occ, &next)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if won {
		t.Fatal("second advance with stale observation won")
	}

	won, err = s.AdvanceTaskAfterOccurrence(ctx, task.TaskID, next, nil)
	if err != nil || !won {
		t.Fatalf("terminal advance = (%v, %v), want (true, nil)", won, err)
	}
	got, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled || got.NextRunAt != nil {
		t.Fatalf("task after terminal advance = enabled=%v next=%v, want disabled/nil", got.Enabled, got.NextRunAt)
	}
}

// TestCreateOrGetTaskRun verifies the (task, occurrence) pair is unique
// and concurrent materialization converges on a single row.
func TestCreateOrGetTaskRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	occ := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(ctx, &NewTask{
		Title: "t", Instructions: "x", ScheduleKind: ScheduleOnce, OnceAt: &occ,
		Enabled: true, NextRunAt: &occ, CreatorThreadKey: "k",
		DeliveryTarget: DeliveryTarget{Provider: "none"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	first, created, err := s.CreateOrGetTaskRun(ctx, task.TaskID, occ)
	if err != nil || !created {
		t.Fatalf("first materialize = (%v, %v), want created", created, err)
	}
	if first.Status != TaskRunPending {
		t.Fatalf("status = %s, want pending", first.Status)
	}
	wantKey := "task:" + task.TaskID + ":scheduled_for:2026-02-16T00:00:00.000Z"
	if first.IdempotencyKey != wantKey {
		t.Fatalf("idempotency key = %q, want %q", first.IdempotencyKey, wantKey)
	}

	second, created, err := s.CreateOrGetTaskRun(ctx, task.TaskID, occ)
	if err != nil {
		t.Fatalf("second materialize: %v", err)
	}
	if created || second.TaskRunID != first.TaskRunID {
		t.Fatalf("second materialize = created=%v id=%s, want existing %s", created, second.TaskRunID, first.TaskRunID)
	}
}

// TestTaskRunTransitions verifies the forward-only status machine of a
// materialized occurrence.
func TestTaskRunTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	occ := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(ctx, &NewTask{
		Title: "t", Instructions: "x", ScheduleKind: ScheduleOnce, OnceAt: &occ,
		Enabled: true, NextRunAt: &occ, CreatorThreadKey: "k",
		DeliveryTarget: DeliveryTarget{Provider: "none"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	tr, _, err := s.CreateOrGetTaskRun(ctx, task.TaskID, occ)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if err := s.MarkTaskRunDispatched(ctx, tr.TaskRunID, "run-1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := s.MarkTaskRunSucceeded(ctx, tr.TaskRunID); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	// Terminal rows are immune to further transitions.
	if err := s.MarkTaskRunFailed(ctx, tr.TaskRunID, "late"); err != nil {
		t.Fatalf("late fail returned error: %v", err)
	}
	got, err := s.GetTaskRun(ctx, tr.TaskRunID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskRunSucceeded || got.RunID != "run-1" {
		t.Fatalf("task run = %+v, want succeeded with run-1", got)
	}
}

// TestListRunningRunsOrder verifies recovery listing returns oldest
// first so replay preserves arrival order.
func TestListRunningRunsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		res, err := s.Ingest(ctx, &IngestMessage{Source: "http", ThreadKey: "t", InputText: text})
		if err != nil {
			t.Fatalf("ingest %s: %v", text, err)
		}
		ids = append(ids, res.Run.RunID)
	}
	if err := s.MarkSucceeded(ctx, ids[1], &RunOutput{Type: "text", Text: "b"}); err != nil {
		t.Fatalf("settle b: %v", err)
	}

	running, err := s.ListRunningRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("running = %d, want 2", len(running))
	}
	if running[0].RunID != ids[0] || running[1].RunID != ids[2] {
		t.Fatal("running runs not in arrival order")
	}
}

// TestDeliveryMarker verifies the claim-once semantics of the delivery
// marker and that the undelivered scan stops returning marked runs.
func TestDeliveryMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Ingest(ctx, &IngestMessage{Source: "telegram", ThreadKey: "telegram:chat:9", InputText: "hi"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	runID := res.Run.RunID
	if err := s.MarkSucceeded(ctx, runID, &RunOutput{Type: "text", Text: "hi"}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	undelivered, err := s.ListUndeliveredRuns(ctx, "telegram", 0)
	if err != nil {
		t.Fatalf("list undelivered: %v", err)
	}
	if len(undelivered) != 1 || undelivered[0].RunID != runID {
		t.Fatalf("undelivered = %v, want [%s]", undelivered, runID)
	}

	won, err := s.MarkRunDelivered(ctx, runID)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = s.MarkRunDelivered(ctx, runID)
	if err != nil || won {
		t.Fatalf("second claim: won=%v err=%v, want a loss", won, err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.DeliveredAt == nil {
		t.Fatal("delivered_at not recorded")
	}

	undelivered, err = s.ListUndeliveredRuns(ctx, "telegram", 0)
	if err != nil {
		t.Fatalf("list undelivered: %v", err)
	}
	if len(undelivered) != 0 {
		t.Fatalf("undelivered after claim = %v, want none", undelivered)
	}
}
