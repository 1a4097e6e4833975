package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingImageTTL is how long a buffered chat image survives before it is
// purged if never claimed onto a run (§4.6), and how long a claimed image's
// expiry is refreshed to once bound.
const PendingImageTTL = 10 * time.Minute

// MaxInputImageCount and MaxInputImageTotalBytes bound a run's (or a
// pending scope's) images. §9 notes these come from a shared constants
// module not present in the distilled spec; SPEC_FULL.md's open-question
// resolution picks values consistent with common chat-attachment limits.
const (
	MaxInputImageCount      = 10
	MaxInputImageTotalBytes = 20 * 1024 * 1024
)

// ErrImageCountExceeded and ErrImageTotalBytesExceeded guard images attached
// directly to an ingest (non-chat sources), matching the §7 validation
// codes image_count_exceeded / image_total_bytes_exceeded.
var (
	ErrImageCountExceeded      = errors.New("image_count_exceeded")
	ErrImageTotalBytesExceeded = errors.New("image_total_bytes_exceeded")
)

// ErrImageBufferLimitExceeded is returned by InsertPendingTelegramImages when
// buffering new images would push the scope's pending count or byte total
// past the configured limit (§7 image_buffer_limit_exceeded).
var ErrImageBufferLimitExceeded = errors.New("image_buffer_limit_exceeded")

// InputImage is a persisted image bound to a run.
type InputImage struct {
	InputImageID string
	RunID        string
	MimeType     string
	Filename     string
	ByteSize     int
	ImageBytes   []byte
	Position     int
}

// PendingImageBufferStats reports a scope's current pending-image buffer
// occupancy, returned by InsertPendingTelegramImages.
type PendingImageBufferStats struct {
	Count      int
	TotalBytes int
}

// insertBoundImagesTx inserts images that arrive bound to a run directly at
// ingest time (i.e. not via the pending chat-image buffer).
func insertBoundImagesTx(ctx context.Context, tx *sql.Tx, runID, source, threadKey, userKey string, images []IngestImage, now time.Time) error {
	if len(images) > MaxInputImageCount {
		return ErrImageCountExceeded
	}
	var total int
	for _, img := range images {
		total += len(img.Bytes)
	}
	if total > MaxInputImageTotalBytes {
		return ErrImageTotalBytesExceeded
	}
	for i, img := range images {
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO input_images (input_image_id, source, thread_key, user_key, run_id,
				mime_type, filename, byte_size, image_bytes, position, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, source, threadKey, userKey, runID, img.MimeType, nullable(img.Filename),
			len(img.Bytes), img.Bytes, i, now, now.Add(PendingImageTTL)); err != nil {
			return fmt.Errorf("insert bound image: %w", err)
		}
	}
	return nil
}

// InsertPendingTelegramImages implements insertPendingTelegramImages (§4.6):
// inside one transaction it purges expired pending rows in scope, no-ops on
// a repeated telegramUpdateId, rejects the whole batch (no partial mutation)
// if it would exceed the buffer limits, then inserts each image at the next
// free position.
func (s *Store) InsertPendingTelegramImages(ctx context.Context, source, threadKey, userKey, telegramUpdateID, mediaGroupID string, images []IngestImage) (PendingImageBufferStats, error) {
	var stats PendingImageBufferStats
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pending image tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowUTC()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM input_images WHERE source = ? AND thread_key = ? AND user_key = ?
				AND run_id IS NULL AND expires_at <= ?;
		`, source, threadKey, userKey, now); err != nil {
			return fmt.Errorf("purge expired pending images: %w", err)
		}

		if telegramUpdateID != "" {
			var exists int
			err := tx.QueryRowContext(ctx, `
				SELECT 1 FROM input_images
				WHERE source = ? AND thread_key = ? AND user_key = ? AND run_id IS NULL
					AND external_update_id = ? LIMIT 1;
			`, source, threadKey, userKey, telegramUpdateID).Scan(&exists)
			switch {
			case err == nil:
				stats, err = pendingBufferStatsTx(ctx, tx, source, threadKey, userKey)
				if err != nil {
					return err
				}
				return nil
			case errors.Is(err, sql.ErrNoRows):
				// not yet buffered, continue
			default:
				return fmt.Errorf("check duplicate telegram update id: %w", err)
			}
		}

		current, err := pendingBufferStatsTx(ctx, tx, source, threadKey, userKey)
		if err != nil {
			return err
		}
		var newBytes int
		for _, img := range images {
			newBytes += len(img.Bytes)
		}
		if current.Count+len(images) > MaxInputImageCount || current.TotalBytes+newBytes > MaxInputImageTotalBytes {
			return ErrImageBufferLimitExceeded
		}

		var nextPos int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM input_images
			WHERE source = ? AND thread_key = ? AND user_key = ? AND run_id IS NULL;
		`, source, threadKey, userKey).Scan(&nextPos); err != nil {
			return fmt.Errorf("compute pending image position: %w", err)
		}
		for i, img := range images {
			id := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO input_images (input_image_id, source, thread_key, user_key, external_update_id,
					media_group_id, run_id, mime_type, filename, byte_size, image_bytes, position, created_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?);
			`, id, source, threadKey, userKey, nullable(telegramUpdateID), nullable(mediaGroupID),
				img.MimeType, nullable(img.Filename), len(img.Bytes), img.Bytes, nextPos+i, now, now.Add(PendingImageTTL)); err != nil {
				return fmt.Errorf("insert pending image: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit pending image tx: %w", err)
		}
		stats = PendingImageBufferStats{Count: current.Count + len(images), TotalBytes: current.TotalBytes + newBytes}
		return nil
	})
	return stats, err
}

func pendingBufferStatsTx(ctx context.Context, tx *sql.Tx, source, threadKey, userKey string) (PendingImageBufferStats, error) {
	var stats PendingImageBufferStats
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM input_images
		WHERE source = ? AND thread_key = ? AND user_key = ? AND run_id IS NULL;
	`, source, threadKey, userKey).Scan(&stats.Count, &stats.TotalBytes); err != nil {
		return stats, fmt.Errorf("compute pending buffer stats: %w", err)
	}
	return stats, nil
}

// claimPendingImagesToRunTx atomically moves all unclaimed, unexpired
// pending images in (source, threadKey, userKey) scope onto runID,
// refreshing their expiry. Safe to call with no pending images (no-op);
// `run_id IS NULL` makes repeat calls for the same run idempotent.
func claimPendingImagesToRunTx(ctx context.Context, tx *sql.Tx, source, threadKey, userKey, runID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE input_images SET run_id = ?, expires_at = ?
		WHERE source = ? AND thread_key = ? AND user_key = ? AND run_id IS NULL AND expires_at > ?;
	`, runID, now.Add(PendingImageTTL), source, threadKey, userKey, now)
	if err != nil {
		return fmt.Errorf("claim pending images: %w", err)
	}
	return nil
}

// ListRunInputImages returns the images bound to a run, ordered by
// (position, inputImageId) per §4.6.
func (s *Store) ListRunInputImages(ctx context.Context, runID string) ([]InputImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT input_image_id, run_id, mime_type, COALESCE(filename, ''), byte_size, image_bytes, position
		FROM input_images WHERE run_id = ? ORDER BY position ASC, input_image_id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run input images: %w", err)
	}
	defer rows.Close()

	var out []InputImage
	for rows.Next() {
		var img InputImage
		if err := rows.Scan(&img.InputImageID, &img.RunID, &img.MimeType, &img.Filename,
			&img.ByteSize, &img.ImageBytes, &img.Position); err != nil {
			return nil, fmt.Errorf("scan input image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// DeleteRunInputImages removes the persisted bytes for a run's images once
// the agent turn that consumed them has completed, per §4.6's storage
// lifecycle (images are not retained past the run that used them). Returns
// the number of rows deleted.
func (s *Store) DeleteRunInputImages(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM input_images WHERE run_id = ?;`, runID)
		if err != nil {
			return fmt.Errorf("delete run input images: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PurgeExpiredInputImages removes all rows whose expiresAt has elapsed,
// including any anomalous already-bound rows (which the caller should log
// as a signal that a run's cleanup never ran).
func (s *Store) PurgeExpiredInputImages(ctx context.Context) (total int64, boundAnomalies int64, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		now := nowUTC()
		if scanErr := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM input_images WHERE expires_at <= ? AND run_id IS NOT NULL;
		`, now).Scan(&boundAnomalies); scanErr != nil {
			return fmt.Errorf("count expired bound images: %w", scanErr)
		}
		res, execErr := s.db.ExecContext(ctx, `DELETE FROM input_images WHERE expires_at <= ?;`, now)
		if execErr != nil {
			return fmt.Errorf("purge expired images: %w", execErr)
		}
		total, execErr = res.RowsAffected()
		return execErr
	})
	return total, boundAnomalies, err
}
