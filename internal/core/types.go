package core

import (
	"time"
)

type OperationStatus string

const (
	OperationPending     OperationStatus = "pending"
	OperationInFlight    OperationStatus = "in_flight"
	OperationDeadLetter  OperationStatus = "dead_letter"
	OperationQuarantined OperationStatus = "quarantined"
)

// QueuedOperation is a persisted, not-yet-confirmed write awaiting delivery.
type QueuedOperation struct {
	ID             string          `json:"id"`
	TargetEndpoint string          `json:"target_endpoint"`
	Resource       string          `json:"resource"`
	Seq            int64           `json:"seq"`
	PayloadJSON    string          `json:"-"`
	Status         OperationStatus `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type QueueStats struct {
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	DeadLetter  int `json:"dead_letter"`
	Quarantined int `json:"quarantined"`
	Total       int `json:"total"`
}
