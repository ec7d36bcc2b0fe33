package core

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrNotPending        = errors.New("operation is not pending")
	ErrNotDeadLetter     = errors.New("operation is not dead-lettered")
)

// QueueStore persists queued operations so they survive an abrupt process
// or device restart. Deletion is the only way a record disappears.
type QueueStore struct {
	db *sql.DB
}

func NewQueueStore(database *sql.DB) *QueueStore {
	return &QueueStore{db: database}
}

// Recover resets rows left in_flight by a crash back to pending. Combined
// with server-side dedup by operation id this keeps delivery at-least-once.
func (s *QueueStore) Recover() error {
	_, err := s.db.Exec(`
		UPDATE queued_operations SET status = 'pending' WHERE status = 'in_flight'
	`)
	if err != nil {
		return fmt.Errorf("failed to reset in-flight operations: %w", err)
	}
	return nil
}

// Create inserts a new pending operation. The insert is a single statement
// inside a transaction, so a crash either leaves the full record or nothing.
func (s *QueueStore) Create(targetEndpoint, resource, payloadJSON string) (*QueuedOperation, error) {
	op := &QueuedOperation{
		ID:             uuid.New().String(),
		TargetEndpoint: targetEndpoint,
		Resource:       resource,
		PayloadJSON:    payloadJSON,
		Status:         OperationPending,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq sql.NullInt64
	err = tx.QueryRow(`
		SELECT MAX(seq) FROM queued_operations WHERE resource = ?
	`, resource).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource sequence: %w", err)
	}
	op.Seq = seq.Int64 + 1

	_, err = tx.Exec(`
		INSERT INTO queued_operations (id, target_endpoint, resource, seq, payload_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.TargetEndpoint, op.Resource, op.Seq, op.PayloadJSON, op.Status, op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit operation: %w", err)
	}

	return op, nil
}

const operationColumns = `id, target_endpoint, resource, seq, payload_json, status, attempt_count, last_attempt_at, last_error, created_at`

func scanOperation(row interface{ Scan(...any) error }) (*QueuedOperation, error) {
	op := &QueuedOperation{}
	var lastAttemptAt sql.NullTime
	err := row.Scan(
		&op.ID, &op.TargetEndpoint, &op.Resource, &op.Seq, &op.PayloadJSON,
		&op.Status, &op.AttemptCount, &lastAttemptAt, &op.LastError, &op.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastAttemptAt.Valid {
		op.LastAttemptAt = &lastAttemptAt.Time
	}
	return op, nil
}

func (s *QueueStore) Get(id string) (*QueuedOperation, error) {
	op, err := scanOperation(s.db.QueryRow(`
		SELECT `+operationColumns+` FROM queued_operations WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}
	return op, nil
}

// ListPending returns pending operations in enqueue order (oldest first),
// with the per-resource sequence as tiebreak.
func (s *QueueStore) ListPending() ([]*QueuedOperation, error) {
	return s.listByStatus(OperationPending)
}

func (s *QueueStore) ListDeadLetter() ([]*QueuedOperation, error) {
	return s.listByStatus(OperationDeadLetter)
}

func (s *QueueStore) listByStatus(status OperationStatus) ([]*QueuedOperation, error) {
	rows, err := s.db.Query(`
		SELECT `+operationColumns+` FROM queued_operations
		WHERE status = ?
		ORDER BY created_at ASC, seq ASC, id ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// List returns every stored operation for UI status queries.
func (s *QueueStore) List() ([]*QueuedOperation, error) {
	rows, err := s.db.Query(`
		SELECT ` + operationColumns + ` FROM queued_operations
		ORDER BY created_at ASC, seq ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkInFlight claims a pending operation for a delivery attempt.
func (s *QueueStore) MarkInFlight(id string) error {
	result, err := s.db.Exec(`
		UPDATE queued_operations SET status = 'in_flight' WHERE id = ? AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark operation in flight: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkAttempted records a failed attempt and returns the record to pending.
func (s *QueueStore) MarkAttempted(id string, attemptErr string) error {
	_, err := s.db.Exec(`
		UPDATE queued_operations
		SET status = 'pending', attempt_count = attempt_count + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, time.Now().UTC(), attemptErr, id)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// MarkDeadLetter parks an operation for explicit user action. It is never
// deleted or retried automatically from this state.
func (s *QueueStore) MarkDeadLetter(id string, reason string) error {
	_, err := s.db.Exec(`
		UPDATE queued_operations
		SET status = 'dead_letter', attempt_count = attempt_count + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, time.Now().UTC(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter operation: %w", err)
	}
	return nil
}

// Quarantine pulls a locally corrupt record out of the active pending set
// so the user can be told data was lost instead of it being dropped.
func (s *QueueStore) Quarantine(id string, reason string) error {
	_, err := s.db.Exec(`
		UPDATE queued_operations SET status = 'quarantined', last_error = ? WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to quarantine operation: %w", err)
	}
	return nil
}

// Delete removes a confirmed-delivered operation.
func (s *QueueStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM queued_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

// Cancel removes a still-pending operation. In-flight records must resolve
// first, so cancelling one is an error rather than a race.
func (s *QueueStore) Cancel(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM queued_operations WHERE id = ? AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		return ErrNotPending
	}
	return nil
}

// RetryDeadLetter returns a dead-lettered operation to the pending set with
// its attempt budget reset.
func (s *QueueStore) RetryDeadLetter(id string) error {
	result, err := s.db.Exec(`
		UPDATE queued_operations
		SET status = 'pending', attempt_count = 0, last_error = ''
		WHERE id = ? AND status = 'dead_letter'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to retry operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		return ErrNotDeadLetter
	}
	return nil
}

// DiscardDeadLetter drops a dead-lettered operation on explicit user action.
func (s *QueueStore) DiscardDeadLetter(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM queued_operations WHERE id = ? AND status = 'dead_letter'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to discard operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		return ErrNotDeadLetter
	}
	return nil
}

func (s *QueueStore) Stats() (*QueueStats, error) {
	stats := &QueueStats{}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM queued_operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		stats.Total += count
		switch OperationStatus(status) {
		case OperationPending:
			stats.Pending = count
		case OperationInFlight:
			stats.InFlight = count
		case OperationDeadLetter:
			stats.DeadLetter = count
		case OperationQuarantined:
			stats.Quarantined = count
		}
	}

	return stats, nil
}
