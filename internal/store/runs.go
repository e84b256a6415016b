package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IngestImage is an image submitted alongside the text of an ingest
// (the bound insertion path used by non-chat sources).
type IngestImage struct {
	MimeType string
	Filename string
	Bytes    []byte
}

// IngestMessage is the intake payload for a new run.
type IngestMessage struct {
	Source         string
	ThreadKey      string
	UserKey        string
	DeliveryMode   DeliveryMode
	IdempotencyKey string
	InputText      string
	Images         []IngestImage

	// ClaimPendingScope, when set, atomically binds all pending images in
	// the scope to the created run inside the same transaction. Used by
	// the chat-gateway source.
	ClaimPendingScope *ImageScope
}

// IngestResult reports the run an ingest resolved to and whether the
// idempotency key matched a prior ingest.
type IngestResult struct {
	Run          *Run
	Deduplicated bool
}

// payloadHash fingerprints the ingest payload (text plus image bytes)
// so idempotency-key reuse with a different payload can be rejected.
func payloadHash(msg *IngestMessage) string {
	h := sha256.New()
	h.Write([]byte(msg.InputText))
	for _, img := range msg.Images {
		h.Write([]byte{0})
		sum := sha256.Sum256(img.Bytes)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest creates a run inside a single transaction: idempotency lookup,
// run insert, ingest-key insert, bound image inserts and (for the
// chat-gateway source) pending image claim. A reused idempotency key with
// an identical payload returns the original run with Deduplicated=true;
// a different payload fails with ErrIdempotencyPayloadMismatch.
func (s *Store) Ingest(ctx context.Context, msg *IngestMessage) (*IngestResult, error) {
	if msg.DeliveryMode == "" {
		msg.DeliveryMode = DeliveryFollowUp
	}
	hash := payloadHash(msg)

	var result *IngestResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.ingestTx(ctx, tx, msg, hash)
		return err
	})
	if isUniqueViolation(err) {
		// Concurrent ingest won the race on the ingest key: second read.
		run, readErr := s.lookupIngestKey(ctx, msg.Source, msg.IdempotencyKey, hash)
		if readErr != nil {
			return nil, readErr
		}
		return &IngestResult{Run: run, Deduplicated: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ingestTx(ctx context.Context, tx *sql.Tx, msg *IngestMessage, hash string) (*IngestResult, error) {
	now := time.Now()
	nowISO := FormatTime(now)

	if msg.IdempotencyKey != "" {
		var runID, priorHash string
		err := tx.QueryRowContext(ctx,
			`SELECT run_id, payload_hash FROM message_ingest WHERE source = ? AND idempotency_key = ?`,
			msg.Source, msg.IdempotencyKey,
		).Scan(&runID, &priorHash)
		switch {
		case err == nil:
			if priorHash != hash {
				return nil, ErrIdempotencyPayloadMismatch
			}
			run, err := scanRun(tx.QueryRowContext(ctx, runSelect+` WHERE run_id = ?`, runID))
			if err != nil {
				return nil, err
			}
			return &IngestResult{Run: run, Deduplicated: true}, nil
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("ingest key lookup: %w", err)
		}
	}

	run := &Run{
		RunID:        uuid.Must(uuid.NewV7()).String(),
		Source:       msg.Source,
		ThreadKey:    msg.ThreadKey,
		UserKey:      msg.UserKey,
		DeliveryMode: msg.DeliveryMode,
		Status:       RunStatusRunning,
		InputText:    msg.InputText,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, thread_key, user_key, delivery_mode, status, input_text, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Source, run.ThreadKey, nullStr(run.UserKey),
		string(run.DeliveryMode), string(run.Status), run.InputText, nowISO, nowISO,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if msg.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_ingest (source, idempotency_key, run_id, payload_hash, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			msg.Source, msg.IdempotencyKey, run.RunID, hash, nowISO,
		)
		if err != nil {
			return nil, fmt.Errorf("insert ingest key: %w", err)
		}
	}

	if len(msg.Images) > 0 {
		if err := insertRunInputImagesTx(ctx, tx, run.RunID, msg, now); err != nil {
			return nil, err
		}
	}

	if scope := msg.ClaimPendingScope; scope != nil {
		if err := claimPendingImagesTx(ctx, tx, *scope, run.RunID, now); err != nil {
			return nil, err
		}
	}

	return &IngestResult{Run: run}, nil
}

// lookupIngestKey re-reads the ingest key after a concurrent insert,
// still enforcing the payload-match invariant.
func (s *Store) lookupIngestKey(ctx context.Context, source, key, hash string) (*Run, error) {
	var runID, priorHash string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, payload_hash FROM message_ingest WHERE source = ? AND idempotency_key = ?`,
		source, key,
	).Scan(&runID, &priorHash)
	if err != nil {
		return nil, fmt.Errorf("ingest key re-read: %w", err)
	}
	if priorHash != hash {
		return nil, ErrIdempotencyPayloadMismatch
	}
	return s.GetRun(ctx, runID)
}

const runSelect = `SELECT run_id, source, thread_key, user_key, delivery_mode, status, input_text, output_json, error_message, delivered_at, created_at, updated_at FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var userKey, outputJSON, errMsg, deliveredAt *string
	var mode, status, createdAt, updatedAt string
	err := row.Scan(&r.RunID, &r.Source, &r.ThreadKey, &userKey, &mode, &status,
		&r.InputText, &outputJSON, &errMsg, &deliveredAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.UserKey = derefStr(userKey)
	r.DeliveryMode = DeliveryMode(mode)
	r.Status = RunStatus(status)
	r.ErrorMessage = derefStr(errMsg)
	r.DeliveredAt = parseTimePtr(deliveredAt)
	r.CreatedAt = mustParseTime(createdAt)
	r.UpdatedAt = mustParseTime(updatedAt)
	if outputJSON != nil && *outputJSON != "" {
		var out RunOutput
		if err := json.Unmarshal([]byte(*outputJSON), &out); err == nil {
			r.Output = &out
		}
	}
	return &r, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE run_id = ?`, runID))
}

// GetActiveRun returns the newest running run on a thread, or
// ErrRunNotFound when the thread is idle.
func (s *Store) GetActiveRun(ctx context.Context, threadKey string) (*Run, error) {
	return scanRun(s.db.QueryRowContext(ctx,
		runSelect+` WHERE thread_key = ? AND status = ? ORDER BY created_at DESC, run_id DESC LIMIT 1`,
		threadKey, string(RunStatusRunning)))
}

// ListRunningRuns returns up to limit runs still in the running state,
// oldest first. Used at boot for crash recovery.
func (s *Store) ListRunningRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		runSelect+` WHERE status = ? ORDER BY created_at, run_id LIMIT ?`,
		string(RunStatusRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkRunDelivered claims a run's single delivery slot. The first
// caller wins; later calls, including ones from a restarted process,
// see false and must not re-send the output.
func (s *Store) MarkRunDelivered(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET delivered_at = ? WHERE run_id = ? AND delivered_at IS NULL`,
		FormatTime(time.Now()), runID)
	if err != nil {
		return false, fmt.Errorf("mark run delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListUndeliveredRuns returns a source's runs without a delivery
// marker, oldest first. Terminal rows settled without their output
// reaching the chat (a crash between settle and send); running rows
// are recovering dispatches that need a follower re-attached.
func (s *Store) ListUndeliveredRuns(ctx context.Context, source string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		runSelect+` WHERE source = ? AND delivered_at IS NULL ORDER BY created_at, run_id LIMIT ?`,
		source, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkSucceeded transitions a run from running to succeeded with its
// output. Compare-and-swap: if the run already left the running state the
// row is unchanged and a TerminalStateError names the current status.
func (s *Store) MarkSucceeded(ctx context.Context, runID string, output *RunOutput) error {
	outJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return s.markTerminal(ctx, runID, RunStatusSucceeded, string(outJSON), "")
}

// MarkFailed transitions a run from running to failed. Same CAS
// semantics as MarkSucceeded.
func (s *Store) MarkFailed(ctx context.Context, runID string, errorMessage string) error {
	return s.markTerminal(ctx, runID, RunStatusFailed, "", errorMessage)
}

func (s *Store) markTerminal(ctx context.Context, runID string, status RunStatus, outputJSON, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output_json = ?, error_message = ?, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		string(status), nullStr(outputJSON), nullStr(errorMessage),
		FormatTime(time.Now()), runID, string(RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("mark run %s: %w", status, err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return &TerminalStateError{RunID: runID, Status: run.Status}
}

// --- thread sessions ---

// GetThreadSession loads the session record for a thread key.
func (s *Store) GetThreadSession(ctx context.Context, threadKey string) (*ThreadSession, error) {
	var ts ThreadSession
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_key, session_id, session_file, created_at, updated_at
		 FROM thread_sessions WHERE thread_key = ?`, threadKey,
	).Scan(&ts.ThreadKey, &ts.SessionID, &ts.SessionFile, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread session: %w", err)
	}
	ts.CreatedAt = mustParseTime(createdAt)
	ts.UpdatedAt = mustParseTime(updatedAt)
	return &ts, nil
}

// UpsertThreadSession records (or replaces) the resumable session for a
// thread key.
func (s *Store) UpsertThreadSession(ctx context.Context, threadKey, sessionID, sessionFile string) error {
	now := FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_sessions (thread_key, session_id, session_file, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (thread_key) DO UPDATE SET session_id = excluded.session_id,
		   session_file = excluded.session_file, updated_at = excluded.updated_at`,
		threadKey, sessionID, sessionFile, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert thread session: %w", err)
	}
	return nil
}

// DeleteThreadSession removes the session record so the next run starts a
// fresh agent context. Deleting a missing session is a no-op.
func (s *Store) DeleteThreadSession(ctx context.Context, threadKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_sessions WHERE thread_key = ?`, threadKey)
	if err != nil {
		return fmt.Errorf("delete thread session: %w", err)
	}
	return nil
}
