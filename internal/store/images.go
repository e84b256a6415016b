package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxInputImageCount caps buffered images per pending scope.
	MaxInputImageCount = 10

	// MaxInputImageTotalBytes caps buffered bytes per pending scope
	// (Telegram Bot API file download limit).
	MaxInputImageTotalBytes = 20 * 1024 * 1024

	// PendingImageTTL is how long an unclaimed pending image survives.
	PendingImageTTL = 30 * time.Minute
)

// PendingImageStats describes a scope's buffer after an operation.
type PendingImageStats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}

// PendingInsert is the payload for buffering images ahead of a text
// ingest in the same scope.
type PendingInsert struct {
	Scope            ImageScope
	ExternalUpdateID string
	MediaGroupID     string
	Images           []IngestImage
}

// InsertPendingImages buffers images for a scope inside one transaction:
// expired rows are purged first, a repeated external update id is a
// no-op, and the count/byte limits are enforced before any row lands.
func (s *Store) InsertPendingImages(ctx context.Context, ins *PendingInsert) (*PendingImageStats, error) {
	var stats *PendingImageStats
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if _, err := purgeExpiredTx(ctx, tx, ins.Scope, now); err != nil {
			return err
		}

		if ins.ExternalUpdateID != "" {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM input_images
				 WHERE source = ? AND thread_key = ? AND user_key = ? AND external_update_id = ?`,
				ins.Scope.Source, ins.Scope.ThreadKey, ins.Scope.UserKey, ins.ExternalUpdateID,
			).Scan(&n)
			if err != nil {
				return fmt.Errorf("dedup check: %w", err)
			}
			if n > 0 {
				var err error
				stats, err = pendingStatsTx(ctx, tx, ins.Scope)
				return err
			}
		}

		cur, err := pendingStatsTx(ctx, tx, ins.Scope)
		if err != nil {
			return err
		}
		var newBytes int64
		for _, img := range ins.Images {
			newBytes += int64(len(img.Bytes))
		}
		if cur.Count+len(ins.Images) > MaxInputImageCount ||
			cur.TotalBytes+newBytes > MaxInputImageTotalBytes {
			return ErrImageBufferLimitExceeded
		}

		var maxPos sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(position) FROM input_images
			 WHERE source = ? AND thread_key = ? AND user_key = ? AND run_id IS NULL`,
			ins.Scope.Source, ins.Scope.ThreadKey, ins.Scope.UserKey,
		).Scan(&maxPos)
		if err != nil {
			return fmt.Errorf("max position: %w", err)
		}
		pos := int(maxPos.Int64)
		if !maxPos.Valid {
			pos = -1
		}

		nowISO := FormatTime(now)
		expiresISO := FormatTime(now.Add(PendingImageTTL))
		for _, img := range ins.Images {
			pos++
			_, err := tx.ExecContext(ctx,
				`INSERT INTO input_images (input_image_id, source, thread_key, user_key,
				   external_update_id, media_group_id, mime_type, filename, byte_size,
				   image_bytes, position, created_at, expires_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.Must(uuid.NewV7()).String(), ins.Scope.Source, ins.Scope.ThreadKey,
				ins.Scope.UserKey, nullStr(ins.ExternalUpdateID), nullStr(ins.MediaGroupID),
				img.MimeType, nullStr(img.Filename), len(img.Bytes), img.Bytes,
				pos, nowISO, expiresISO,
			)
			if err != nil {
				return fmt.Errorf("insert pending image: %w", err)
			}
		}

		stats, err = pendingStatsTx(ctx, tx, ins.Scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// PendingImageStats returns the current buffer stats for a scope.
func (s *Store) PendingImageStats(ctx context.Context, scope ImageScope) (*PendingImageStats, error) {
	var stats *PendingImageStats
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		stats, err = pendingStatsTx(ctx, tx, scope)
		return err
	})
	return stats, err
}

func pendingStatsTx(ctx context.Context, tx *sql.Tx, scope ImageScope) (*PendingImageStats, error) {
	var stats PendingImageStats
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM input_images
		 WHERE source = ? AND thread_key = ? AND user_key = ? AND run_id IS NULL`,
		scope.Source, scope.ThreadKey, scope.UserKey,
	).Scan(&stats.Count, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("pending stats: %w", err)
	}
	return &stats, nil
}

// claimPendingImagesTx binds every pending image in scope to runID and
// refreshes its TTL. Idempotent via the run_id IS NULL predicate: a row
// is claimed at most once and never reassigned.
func claimPendingImagesTx(ctx context.Context, tx *sql.Tx, scope ImageScope, runID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE input_images SET run_id = ?, expires_at = ?
		 WHERE source = ? AND thread_key = ? AND user_key = ? AND run_id IS NULL`,
		runID, FormatTime(now.Add(PendingImageTTL)),
		scope.Source, scope.ThreadKey, scope.UserKey,
	)
	if err != nil {
		return fmt.Errorf("claim pending images: %w", err)
	}
	return nil
}

// insertRunInputImagesTx inserts images already bound to a run (the
// non-chat ingest path), positions 0..n-1.
func insertRunInputImagesTx(ctx context.Context, tx *sql.Tx, runID string, msg *IngestMessage, now time.Time) error {
	nowISO := FormatTime(now)
	expiresISO := FormatTime(now.Add(PendingImageTTL))
	for i, img := range msg.Images {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO input_images (input_image_id, source, thread_key, user_key,
			   run_id, mime_type, filename, byte_size, image_bytes, position, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.Must(uuid.NewV7()).String(), msg.Source, msg.ThreadKey, msg.UserKey,
			runID, img.MimeType, nullStr(img.Filename), len(img.Bytes), img.Bytes,
			i, nowISO, expiresISO,
		)
		if err != nil {
			return fmt.Errorf("insert run input image: %w", err)
		}
	}
	return nil
}

// ListRunInputImages returns the images bound to a run, ordered by
// (position, id).
func (s *Store) ListRunInputImages(ctx context.Context, runID string) ([]*InputImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT input_image_id, source, thread_key, user_key, external_update_id,
		   media_group_id, run_id, mime_type, filename, byte_size, image_bytes,
		   position, created_at, expires_at
		 FROM input_images WHERE run_id = ? ORDER BY position, input_image_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run input images: %w", err)
	}
	defer rows.Close()

	var images []*InputImage
	for rows.Next() {
		img, err := scanInputImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func scanInputImage(rows *sql.Rows) (*InputImage, error) {
	var img InputImage
	var extID, groupID, runID, filename *string
	var createdAt, expiresAt string
	err := rows.Scan(&img.InputImageID, &img.Source, &img.ThreadKey, &img.UserKey,
		&extID, &groupID, &runID, &img.MimeType, &filename, &img.ByteSize,
		&img.ImageBytes, &img.Position, &createdAt, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("scan input image: %w", err)
	}
	img.ExternalUpdateID = derefStr(extID)
	img.MediaGroupID = derefStr(groupID)
	img.RunID = derefStr(runID)
	img.Filename = derefStr(filename)
	img.CreatedAt = mustParseTime(createdAt)
	img.ExpiresAt = mustParseTime(expiresAt)
	return &img, nil
}

// DeleteRunInputImages removes the images bound to a run after a
// successful delivery. Returns the number of rows deleted.
func (s *Store) DeleteRunInputImages(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM input_images WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("delete run input images: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeExpiredInputImages removes every image whose TTL elapsed,
// regardless of scope. Expired rows that were already bound to a run are
// an anomaly (a delivery should have cleaned them up) and logged apart.
func (s *Store) PurgeExpiredInputImages(ctx context.Context) (int, error) {
	now := time.Now()
	var purged int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var bound int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM input_images WHERE expires_at <= ? AND run_id IS NOT NULL`,
			FormatTime(now),
		).Scan(&bound)
		if err != nil {
			return fmt.Errorf("count expired bound images: %w", err)
		}
		if bound > 0 {
			slog.Warn("purging expired images that were already bound to runs", "count", bound)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM input_images WHERE expires_at <= ?`, FormatTime(now))
		if err != nil {
			return fmt.Errorf("purge expired images: %w", err)
		}
		n, _ := res.RowsAffected()
		purged = int(n)
		return nil
	})
	return purged, err
}

// purgeExpiredTx removes expired rows for one scope; runs at the top of
// every pending insert.
func purgeExpiredTx(ctx context.Context, tx *sql.Tx, scope ImageScope, now time.Time) (int, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM input_images
		 WHERE source = ? AND thread_key = ? AND user_key = ? AND expires_at <= ?`,
		scope.Source, scope.ThreadKey, scope.UserKey, FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired scope images: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
