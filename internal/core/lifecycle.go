package core

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lawnflow/fieldsync/internal/db"
	"github.com/lawnflow/fieldsync/internal/telemetry"
)

type JobStatus string

const (
	JobScheduled  JobStatus = "scheduled"
	JobEnRoute    JobStatus = "en_route"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobSkipped    JobStatus = "skipped"
)

type Job struct {
	ID            string        `json:"id"`
	OrgID         string        `json:"org_id"`
	TechnicianID  string        `json:"technician_id"`
	Status        JobStatus     `json:"status"`
	ScheduledDate string        `json:"scheduled_date"`
	Notes         string        `json:"notes"`
	SkipReason    string        `json:"skip_reason,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Photos        []db.JobPhoto `json:"photos,omitempty"`
}

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrSkipReasonRequired = errors.New("skip reason is required when skipping a job")
	ErrTransitionConflict = errors.New("another transition is in progress for this job")
	ErrInvalidPhotoType   = errors.New("photo type must be before, after, or issue")
)

// TransitionError reports the specific violated rule.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

// legalTransitions is the full set of accepted (from, to) pairs. Anything
// absent is rejected; terminal states accept nothing.
var legalTransitions = map[JobStatus]map[JobStatus]bool{
	JobScheduled:  {JobEnRoute: true, JobSkipped: true},
	JobEnRoute:    {JobInProgress: true, JobSkipped: true},
	JobInProgress: {JobCompleted: true, JobSkipped: true},
}

func validStatus(s JobStatus) bool {
	switch s {
	case JobScheduled, JobEnRoute, JobInProgress, JobCompleted, JobSkipped:
		return true
	}
	return false
}

var validPhotoTypes = map[string]bool{"before": true, "after": true, "issue": true}

// Lifecycle is the server-side authority for job status. All job mutation
// goes through it.
type Lifecycle struct {
	db *sql.DB
}

func NewLifecycle(database *sql.DB) *Lifecycle {
	return &Lifecycle{db: database}
}

// CreateJob is the seam used by the scheduling subsystem; jobs always start
// in scheduled state.
func (l *Lifecycle) CreateJob(id, orgID, technicianID, scheduledDate, notes string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:            id,
		OrgID:         orgID,
		TechnicianID:  technicianID,
		Status:        JobScheduled,
		ScheduledDate: scheduledDate,
		Notes:         notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := l.db.Exec(`
		INSERT INTO jobs (id, org_id, technician_id, status, scheduled_date, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.OrgID, job.TechnicianID, job.Status, job.ScheduledDate, job.Notes, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

const jobColumns = `id, org_id, technician_id, status, scheduled_date, notes, skip_reason, started_at, completed_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	job := &Job{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.OrgID, &job.TechnicianID, &job.Status, &job.ScheduledDate,
		&job.Notes, &job.SkipReason, &startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func (l *Lifecycle) GetJob(id string) (*Job, error) {
	job, err := scanJob(l.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	photos, err := l.listPhotos(id)
	if err != nil {
		return nil, err
	}
	job.Photos = photos
	return job, nil
}

func (l *Lifecycle) ListJobs(status JobStatus, scheduledDate string, limit, offset int) ([]*Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if scheduledDate != "" {
		query += ` AND scheduled_date = ?`
		args = append(args, scheduledDate)
	}
	query += ` ORDER BY scheduled_date ASC, created_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transition applies one status change. The update is guarded by the
// previous status, so a second request racing the same job loses the guard
// and gets a conflict instead of being queued.
func (l *Lifecycle) Transition(jobID string, target JobStatus, skipReason, actor string) (*Job, error) {
	if !validStatus(target) {
		telemetry.TransitionsRejected.Inc()
		return nil, fmt.Errorf("unknown status %q", target)
	}

	job, err := l.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	if !legalTransitions[job.Status][target] {
		telemetry.TransitionsRejected.Inc()
		return nil, &TransitionError{From: job.Status, To: target}
	}

	skipReason = strings.TrimSpace(skipReason)
	if target == JobSkipped && skipReason == "" {
		telemetry.TransitionsRejected.Inc()
		return nil, ErrSkipReasonRequired
	}

	// Server-authoritative timestamps.
	now := time.Now().UTC()
	startedAt := job.StartedAt
	completedAt := job.CompletedAt
	if target == JobInProgress {
		startedAt = &now
	}
	if target == JobCompleted || target == JobSkipped {
		completedAt = &now
	}
	reason := job.SkipReason
	if target == JobSkipped {
		reason = skipReason
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE jobs
		SET status = ?, skip_reason = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, target, reason, nullTime(startedAt), nullTime(completedAt), now, jobID, job.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		telemetry.TransitionsRejected.Inc()
		return nil, ErrTransitionConflict
	}

	_, err = tx.Exec(`
		INSERT INTO job_audit (job_id, previous_status, new_status, actor, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, job.Status, target, actor, now)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	telemetry.TransitionsAccepted.Inc()

	job.Status = target
	job.SkipReason = reason
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	job.UpdatedAt = now
	return job, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (l *Lifecycle) Audit(jobID string) ([]db.AuditRecord, error) {
	rows, err := l.db.Query(`
		SELECT id, job_id, previous_status, new_status, actor, recorded_at
		FROM job_audit WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []db.AuditRecord
	for rows.Next() {
		var rec db.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.PreviousStatus, &rec.NewStatus, &rec.Actor, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AttachPhoto records a photo against a job, deduplicating by the
// client-supplied operation id so an at-least-once replay has exactly-once
// effect. The second return reports whether the insert was a duplicate.
func (l *Lifecycle) AttachPhoto(jobID, photoType, contentHash, contentType string, sizeBytes int64, operationID string) (*db.JobPhoto, bool, error) {
	if !validPhotoTypes[photoType] {
		return nil, false, ErrInvalidPhotoType
	}
	if _, err := l.GetJob(jobID); err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	result, err := l.db.Exec(`
		INSERT INTO job_photos (job_id, photo_type, content_hash, content_type, size_bytes, operation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id) DO NOTHING
	`, jobID, photoType, contentHash, contentType, sizeBytes, operationID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert photo: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	photo := &db.JobPhoto{}
	err = l.db.QueryRow(`
		SELECT id, job_id, photo_type, content_hash, content_type, size_bytes, operation_id, created_at
		FROM job_photos WHERE operation_id = ?
	`, operationID).Scan(
		&photo.ID, &photo.JobID, &photo.PhotoType, &photo.ContentHash,
		&photo.ContentType, &photo.SizeBytes, &photo.OperationID, &photo.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back photo: %w", err)
	}

	deduped := affected == 0
	if deduped {
		telemetry.PhotoDedupHits.Inc()
	} else {
		telemetry.PhotoUploads.Inc()
	}
	return photo, deduped, nil
}

func (l *Lifecycle) listPhotos(jobID string) ([]db.JobPhoto, error) {
	rows, err := l.db.Query(`
		SELECT id, job_id, photo_type, content_hash, content_type, size_bytes, operation_id, created_at
		FROM job_photos WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	var photos []db.JobPhoto
	for rows.Next() {
		var p db.JobPhoto
		if err := rows.Scan(&p.ID, &p.JobID, &p.PhotoType, &p.ContentHash, &p.ContentType, &p.SizeBytes, &p.OperationID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}
