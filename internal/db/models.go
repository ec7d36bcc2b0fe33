package db

import (
	"time"
)

type Technician struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type JobPhoto struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	PhotoType   string    `json:"photo_type"`
	ContentHash string    `json:"content_hash"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	OperationID string    `json:"operation_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditRecord struct {
	ID             int64     `json:"id"`
	JobID          string    `json:"job_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Actor          string    `json:"actor"`
	RecordedAt     time.Time `json:"recorded_at"`
}
