package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/errors"
)

// JobStatus is the lifecycle state of a report job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobRequest is a report-job submission.
type JobRequest struct {
	Dataset         string   `json:"dataset"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	Format          string   `json:"format"`
	Columns         []string `json:"columns"`
	TimestampColumn string   `json:"timestamp_column"`
	IdempotencyKey  string   `json:"idempotency_key"`
}

// Validate rejects malformed submissions before they reach the job table.
func (r *JobRequest) Validate() error {
	if r.Dataset == "" {
		return errors.New(errors.CodeRequestRejected, "dataset is required")
	}
	if r.IdempotencyKey == "" {
		return errors.New(errors.CodeRequestRejected, "idempotency_key is required")
	}
	if r.TimestampColumn == "" {
		return errors.New(errors.CodeRequestRejected, "timestamp_column is required")
	}
	if !model.IsCanonicalTimestamp(r.StartTime) || !model.IsCanonicalTimestamp(r.EndTime) {
		return errors.New(errors.CodeRequestRejected, "window bounds must be canonical UTC timestamps")
	}
	if r.StartTime >= r.EndTime {
		return errors.New(errors.CodeRequestRejected, "start_time must precede end_time")
	}
	switch r.Format {
	case "csv", "xlsx":
	default:
		return errors.New(errors.CodeRequestRejected, "unknown format").
			WithContext("format", r.Format)
	}
	return nil
}

// Job is the persisted state of a report job.
type Job struct {
	ID              string    `json:"job_id"`
	Dataset         string    `json:"dataset"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	Format          string    `json:"format"`
	Columns         []string  `json:"columns"`
	TimestampColumn string    `json:"timestamp_column"`
	IdempotencyKey  string    `json:"idempotency_key"`
	Status          JobStatus `json:"status"`
	Filename        string    `json:"filename,omitempty"`
	RowCount        int64     `json:"row_count,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
}

// CreateJob submits a job with at-most-once semantics per idempotency key.
// Lookup and creation happen under the store mutex, so two concurrent
// submissions with the same key can never create two jobs.
//
// Resubmission policy: a key whose job is running or succeeded returns that
// job unchanged. A key whose job is failed is reset to queued and re-enqueued
// under the same key, so the scheduler can retry terminal failures without
// minting new keys. A key whose job is still queued returns it with
// enqueue=true as well: the earlier submission may have hit a full queue, and
// re-enqueueing is harmless because ClaimJob no-ops on anything not queued.
//
// The second return value is true when the job should be (re-)enqueued.
func (s *Store) CreateJob(ctx context.Context, req JobRequest) (*Job, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	if _, ok := s.registry.Get(req.Dataset); !ok {
		return nil, false, errors.New(errors.CodeSchemaUnknown, "unknown dataset").
			WithContext("dataset", req.Dataset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.jobByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Status == JobQueued {
			return existing, true, nil
		}
		if existing.Status != JobFailed {
			return existing, false, nil
		}
		// Failed job resubmitted under the same key: reset and re-enqueue.
		now := model.FormatTimestamp(time.Now())
		_, err := s.db.ExecContext(ctx,
			`UPDATE report_jobs SET status = ?, error = NULL, filename = NULL,
			 row_count = NULL, updated_at = ? WHERE job_id = ?`,
			string(JobQueued), now, existing.ID)
		if err != nil {
			return nil, false, errors.Wrap(err, errors.CodeStorageWrite, "requeue job")
		}
		existing.Status = JobQueued
		existing.Error = ""
		existing.Filename = ""
		existing.RowCount = 0
		existing.UpdatedAt = now
		return existing, true, nil
	}

	now := model.FormatTimestamp(time.Now())
	job := &Job{
		ID:              uuid.NewString(),
		Dataset:         req.Dataset,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Format:          req.Format,
		Columns:         req.Columns,
		TimestampColumn: req.TimestampColumn,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          JobQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	cols, _ := json.Marshal(job.Columns)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO report_jobs
		 (job_id, dataset, start_time, end_time, format, columns, timestamp_column,
		  idempotency_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Dataset, job.StartTime, job.EndTime, job.Format, string(cols),
		job.TimestampColumn, job.IdempotencyKey, string(job.Status),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.CodeStorageWrite, "create job")
	}
	return job, true, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.jobWhere(ctx, "job_id = ?", id)
}

func (s *Store) jobByKey(ctx context.Context, key string) (*Job, error) {
	job, err := s.jobWhere(ctx, "idempotency_key = ?", key)
	if errors.IsCode(err, errors.CodeFileNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *Store) jobWhere(ctx context.Context, where string, arg interface{}) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, dataset, start_time, end_time, format, columns,
		        timestamp_column, idempotency_key, status, filename, row_count,
		        error, created_at, updated_at
		 FROM report_jobs WHERE `+where, arg)

	var job Job
	var cols string
	var filename, errMsg sql.NullString
	var rowCount sql.NullInt64
	var status string
	err := row.Scan(&job.ID, &job.Dataset, &job.StartTime, &job.EndTime,
		&job.Format, &cols, &job.TimestampColumn, &job.IdempotencyKey,
		&status, &filename, &rowCount, &errMsg, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeFileNotFound, "job not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageQuery, "load job")
	}

	job.Status = JobStatus(status)
	json.Unmarshal([]byte(cols), &job.Columns)
	job.Filename = filename.String
	job.RowCount = rowCount.Int64
	job.Error = errMsg.String
	return &job, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM report_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageQuery, "list jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageQuery, "scan job id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageQuery, "iterate jobs")
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimJob transitions a job queued -> running. Returns the claimed job, or
// nil if the job is not claimable (already running or terminal).
func (s *Store) ClaimJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != JobQueued {
		return nil, nil
	}

	now := model.FormatTimestamp(time.Now())
	_, err = s.db.ExecContext(ctx,
		`UPDATE report_jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
		string(JobRunning), now, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageWrite, "claim job")
	}
	job.Status = JobRunning
	job.UpdatedAt = now
	return job, nil
}

// CompleteJob finalizes a job running -> succeeded with artifact metadata.
// A job that is not running (reset or finalized concurrently) is an error.
func (s *Store) CompleteJob(ctx context.Context, id, filename string, rowCount int64) error {
	now := model.FormatTimestamp(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE report_jobs SET status = ?, filename = ?, row_count = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		string(JobSucceeded), filename, rowCount, now, id, string(JobRunning))
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageWrite, "complete job")
	}
	return checkTransition(res, id, JobSucceeded)
}

// FailJob finalizes a job running -> failed with the error cause recorded.
// A job that is not running (reset or finalized concurrently) is an error.
func (s *Store) FailJob(ctx context.Context, id, reason string) error {
	now := model.FormatTimestamp(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE report_jobs SET status = ?, error = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		string(JobFailed), reason, now, id, string(JobRunning))
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageWrite, "fail job")
	}
	return checkTransition(res, id, JobFailed)
}

// checkTransition verifies a guarded status update actually matched a row.
func checkTransition(res sql.Result, id string, to JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageWrite, "check job transition")
	}
	if n == 0 {
		return errors.New(errors.CodeStorageWrite, "job not running").
			WithContext("job_id", id).
			WithContext("to", string(to))
	}
	return nil
}
