// To handle all database interactions. This is our
// data access layer, keeping SQL queries separate from business logic.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scanproof/scanproof-go/internal/models"
)

// ErrNotFound is returned when a job id has no row in the database.
var ErrNotFound = errors.New("job not found")

// Store provides all functions to interact with the database.
type Store struct {
	db *sql.DB
}

// New creates a new Store instance.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job row in the "processing" state.
func (s *Store) CreateJob(job *models.ReceiptJob) error {
	now := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.db.Exec(
		"INSERT INTO jobs (id, submitter_id, image_url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		job.ID, job.SubmitterID, job.ImageURL, job.Status, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob returns the current job record, or ErrNotFound.
func (s *Store) GetJob(id string) (*models.ReceiptJob, error) {
	row := s.db.QueryRow(`
		SELECT id, submitter_id, image_url, status, summary, processing_time_ms,
		       error, anchor_tx_id, anchor_consensus_ts, anchor_explorer_url,
		       created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// CompleteJob transitions a job to "completed" and writes its sidecar in the
// same transaction. Readers never observe one document without the other.
func (s *Store) CompleteJob(id string, summary *models.Summary, processingTimeMs int64, sidecarPayload map[string]any) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	payloadJSON, err := json.Marshal(sidecarPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		"UPDATE jobs SET status = ?, summary = ?, processing_time_ms = ?, error = NULL, updated_at = ? WHERE id = ?",
		models.StatusCompleted, string(summaryJSON), processingTimeMs, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(
		"INSERT INTO sidecars (job_id, payload, created_at) VALUES (?, ?, ?)",
		id, string(payloadJSON), now,
	)
	if err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}

	return tx.Commit()
}

// FailJob transitions a job to "failed" with a human-readable message.
func (s *Store) FailJob(id string, message string, processingTimeMs int64) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET status = ?, error = ?, processing_time_ms = ?, updated_at = ? WHERE id = ?",
		models.StatusFailed, message, processingTimeMs, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAnchor records the ledger anchor on an existing job. This is a partial
// update; it never touches status, summary or error.
func (s *Store) UpdateAnchor(id string, anchor *models.LedgerAnchor) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET anchor_tx_id = ?, anchor_consensus_ts = ?, anchor_explorer_url = ?, updated_at = ? WHERE id = ?",
		anchor.TransactionID, anchor.ConsensusTimestamp, anchor.ExplorerURL, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update anchor: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSidecar returns the heavy sidecar record for a job, or ErrNotFound.
func (s *Store) GetSidecar(jobID string) (*models.Sidecar, error) {
	var payloadJSON string
	sc := &models.Sidecar{JobID: jobID}
	err := s.db.QueryRow(
		"SELECT payload, created_at FROM sidecars WHERE job_id = ?", jobID,
	).Scan(&payloadJSON, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &sc.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode sidecar payload: %w", err)
	}
	return sc, nil
}

// ListUnanchored returns completed jobs that have no ledger anchor yet, oldest
// first. The anchor-retry sweep feeds on this.
func (s *Store) ListUnanchored(limit int) ([]*models.ReceiptJob, error) {
	rows, err := s.db.Query(`
		SELECT id, submitter_id, image_url, status, summary, processing_time_ms,
		       error, anchor_tx_id, anchor_consensus_ts, anchor_explorer_url,
		       created_at, updated_at
		FROM jobs
		WHERE status = ? AND anchor_tx_id IS NULL
		ORDER BY created_at ASC
		LIMIT ?`, models.StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ReceiptJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobs returns per-status job counts, for the health endpoint.
func (s *Store) CountJobs() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// rowScanner lets scanJob work for both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ReceiptJob, error) {
	var job models.ReceiptJob
	var summaryJSON, errMsg, anchorTx, anchorTs, anchorURL sql.NullString
	err := row.Scan(
		&job.ID, &job.SubmitterID, &job.ImageURL, &job.Status, &summaryJSON,
		&job.ProcessingTimeMs, &errMsg, &anchorTx, &anchorTs, &anchorURL,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if summaryJSON.Valid {
		var summary models.Summary
		if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
		job.Summary = &summary
	}
	job.Error = errMsg.String
	if anchorTx.Valid {
		job.LedgerAnchor = &models.LedgerAnchor{
			TransactionID:      anchorTx.String,
			ConsensusTimestamp: anchorTs.String,
			ExplorerURL:        anchorURL.String,
		}
	}
	return &job, nil
}
