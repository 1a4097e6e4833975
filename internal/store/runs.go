package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/google/uuid"
)

// Delivery modes (§3 Run).
const (
	DeliveryModeFollowUp = "followUp"
	DeliveryModeSteer    = "steer"
)

// Run statuses (§3 Run).
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run is the persisted row for one user-to-agent request/response cycle.
type Run struct {
	RunID        string
	Source       string
	ThreadKey    string
	UserKey      string
	DeliveryMode string
	Status       string
	InputText    string
	Output       json.RawMessage
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IngestImage is one image attached to an ingest, either uploaded directly
// (non-chat sources) or claimed from the pending input-image buffer.
type IngestImage struct {
	MimeType string
	Filename string
	Bytes    []byte
}

// IngestMessage is the input to Ingest: a single user request from any
// front end (CLI, chat gateway, scheduled task engine).
type IngestMessage struct {
	Source         string
	ThreadKey      string
	UserKey        string
	DeliveryMode   string
	IdempotencyKey string // empty = no idempotency tracking
	InputText      string
	Images         []IngestImage
	// ClaimChatImages, when true, atomically claims any pending buffered
	// images in (Source, ThreadKey, UserKey) scope onto the new run. Used
	// by the chat-gateway ingest path (§4.1).
	ClaimChatImages bool
}

// IngestResult is returned by Ingest.
type IngestResult struct {
	Run          Run
	Deduplicated bool
}

// ErrIdempotencyPayloadMismatch is returned when a repeated
// (source, idempotencyKey) pair arrives with a different payload.
var ErrIdempotencyPayloadMismatch = errors.New("idempotency payload mismatch")

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunNotRunningError is returned by MarkSucceeded/MarkFailed when the run is
// already terminal; it names the current status per §4.1.
type RunNotRunningError struct {
	RunID         string
	CurrentStatus string
}

func (e *RunNotRunningError) Error() string {
	return fmt.Sprintf("run %s is not running (current status: %s)", e.RunID, e.CurrentStatus)
}

// Ingest implements §4.1: idempotent run creation, optional bound-image
// insertion, and (for chat sources) atomic claim of pending buffered images.
func (s *Store) Ingest(ctx context.Context, msg IngestMessage) (*IngestResult, error) {
	if msg.DeliveryMode == "" {
		msg.DeliveryMode = DeliveryModeFollowUp
	}
	payloadHash := hashPayload(msg.InputText, msg.Images)

	var result *IngestResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ingest tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if msg.IdempotencyKey != "" {
			var existingRunID, existingHash string
			err := tx.QueryRowContext(ctx, `
				SELECT run_id, payload_hash FROM message_ingest
				WHERE source = ? AND idempotency_key = ?;
			`, msg.Source, msg.IdempotencyKey).Scan(&existingRunID, &existingHash)
			switch {
			case err == nil:
				if existingHash != payloadHash {
					return ErrIdempotencyPayloadMismatch
				}
				run, err := getRunTx(ctx, tx, existingRunID)
				if err != nil {
					return err
				}
				result = &IngestResult{Run: *run, Deduplicated: true}
				return nil
			case errors.Is(err, sql.ErrNoRows):
				// fall through to create a new run
			default:
				return fmt.Errorf("query message_ingest: %w", err)
			}
		}

		runID := uuid.NewString()
		now := nowUTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, source, thread_key, user_key, delivery_mode, status, input_text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, runID, msg.Source, msg.ThreadKey, nullable(msg.UserKey), msg.DeliveryMode, RunStatusRunning, msg.InputText, now, now); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		if msg.IdempotencyKey != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_ingest (source, idempotency_key, run_id, payload_hash, created_at)
				VALUES (?, ?, ?, ?, ?);
			`, msg.Source, msg.IdempotencyKey, runID, payloadHash, now); err != nil {
				// A concurrent ingest may have raced us to the unique key;
				// fall back to reading the row it wrote (§4.1 failure semantics).
				run, readErr := readIngestedRunTx(ctx, tx, msg.Source, msg.IdempotencyKey)
				if readErr == nil {
					result = &IngestResult{Run: *run, Deduplicated: true}
					return nil
				}
				return fmt.Errorf("insert message_ingest: %w", err)
			}
		}

		if len(msg.Images) > 0 {
			if err := insertBoundImagesTx(ctx, tx, runID, msg.Source, msg.ThreadKey, msg.UserKey, msg.Images, now); err != nil {
				return err
			}
		}

		if msg.ClaimChatImages {
			if err := claimPendingImagesToRunTx(ctx, tx, msg.Source, msg.ThreadKey, msg.UserKey, runID, now); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit ingest tx: %w", err)
		}

		result = &IngestResult{
			Run: Run{
				RunID: runID, Source: msg.Source, ThreadKey: msg.ThreadKey, UserKey: msg.UserKey,
				DeliveryMode: msg.DeliveryMode, Status: RunStatusRunning, InputText: msg.InputText,
				CreatedAt: now, UpdatedAt: now,
			},
			Deduplicated: false,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func readIngestedRunTx(ctx context.Context, tx *sql.Tx, source, idempotencyKey string) (*Run, error) {
	var runID string
	if err := tx.QueryRowContext(ctx, `
		SELECT run_id FROM message_ingest WHERE source = ? AND idempotency_key = ?;
	`, source, idempotencyKey).Scan(&runID); err != nil {
		return nil, err
	}
	return getRunTx(ctx, tx, runID)
}

// hashPayload computes a stable fingerprint of the ingest payload (text plus
// image byte hashes, in order) used to detect idempotency-key reuse with a
// different payload (§3 MessageIngestKey invariant).
func hashPayload(text string, images []IngestImage) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, img := range images {
		h.Write([]byte{0})
		h.Write(img.Bytes)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func getRunTx(ctx context.Context, tx *sql.Tx, runID string) (*Run, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT run_id, source, thread_key, COALESCE(user_key, ''), delivery_mode, status,
			input_text, output, COALESCE(error_message, ''), created_at, updated_at
		FROM runs WHERE run_id = ?;
	`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var output sql.NullString
	if err := row.Scan(&r.RunID, &r.Source, &r.ThreadKey, &r.UserKey, &r.DeliveryMode, &r.Status,
		&r.InputText, &output, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	return &r, nil
}

// GetRun fetches a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, source, thread_key, COALESCE(user_key, ''), delivery_mode, status,
			input_text, output, COALESCE(error_message, ''), created_at, updated_at
		FROM runs WHERE run_id = ?;
	`, runID)
	return scanRun(row)
}

// ListRunningRuns returns up to limit runs currently in the running state,
// used at boot for crash recovery (§4.5).
func (s *Store) ListRunningRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, thread_key, COALESCE(user_key, ''), delivery_mode, status,
			input_text, output, COALESCE(error_message, ''), created_at, updated_at
		FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT ?;
	`, RunStatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var output sql.NullString
		if err := rows.Scan(&r.RunID, &r.Source, &r.ThreadKey, &r.UserKey, &r.DeliveryMode, &r.Status,
			&r.InputText, &output, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		if output.Valid {
			r.Output = json.RawMessage(output.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSucceeded performs the running -> succeeded compare-and-swap (§4.1).
func (s *Store) MarkSucceeded(ctx context.Context, runID string, output json.RawMessage) error {
	return s.markTerminal(ctx, runID, RunStatusSucceeded, output, "")
}

// MarkFailed performs the running -> failed compare-and-swap (§4.1).
func (s *Store) MarkFailed(ctx context.Context, runID string, errorMessage string) error {
	return s.markTerminal(ctx, runID, RunStatusFailed, nil, errorMessage)
}

func (s *Store) markTerminal(ctx context.Context, runID, status string, output json.RawMessage, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		now := nowUTC()
		var outputArg interface{}
		if output != nil {
			outputArg = string(output)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, output = COALESCE(?, output), error_message = ?, updated_at = ?
			WHERE run_id = ? AND status = ?;
		`, status, outputArg, nullable(errMsg), now, runID, RunStatusRunning)
		if err != nil {
			return fmt.Errorf("mark terminal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			run, getErr := s.GetRun(ctx, runID)
			if getErr != nil {
				return getErr
			}
			return &RunNotRunningError{RunID: runID, CurrentStatus: run.Status}
		}
		if s.bus != nil {
			topic := bus.TopicRunSucceeded
			if status == RunStatusFailed {
				topic = bus.TopicRunFailed
			}
			s.bus.Publish(topic, bus.RunProgressEvent{RunID: runID, Kind: status})
		}
		return nil
	})
}
