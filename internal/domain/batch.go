package domain

import "time"

type BatchStatus string

const (
	StatusQueued  BatchStatus = "queued"
	StatusRunning BatchStatus = "running"
	StatusDone    BatchStatus = "done"
	StatusFailed  BatchStatus = "failed"
	StatusDelayed BatchStatus = "delayed"
)

// BatchJob is an asynchronous batch request carried over the queue.
type BatchJob struct {
	ID          string      `json:"id"`
	Numbers     []string    `json:"numbers"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Status      BatchStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	NextRunAt   time.Time   `json:"next_run_at"`
}

// BatchResult summarises one StartBatch call.
type BatchResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}
