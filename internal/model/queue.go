package model

import "time"

// QueueStatus is the client-visible state of a queue item
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusRunning QueueStatus = "running"
	QueueStatusDone    QueueStatus = "done"
	QueueStatusFailed  QueueStatus = "failed"
)

// QueueItem tracks one generation request through the queue state machine.
// Transitions are strictly pending→running→{done|failed}; failed→pending
// only via retry, done is terminal.
type QueueItem struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Status    QueueStatus    `json:"status"`
	Params    GenerateParams `json:"paramsSnapshot"`
	TaskID    string         `json:"taskId,omitempty"`
	Progress  int            `json:"progress"`
	Error     string         `json:"error,omitempty"`
	Timeout   bool           `json:"timeout,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// QueueConfig bounds concurrent dispatch and toggles automatic dispatch.
type QueueConfig struct {
	MaxConcurrency int  `json:"maxConcurrency" validate:"gte=1,lte=8"`
	AutoRun        bool `json:"autoRun"`
}

// QueueCounts aggregates item statuses for display.
type QueueCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// QueueSnapshot is what queue subscribers receive on every change.
type QueueSnapshot struct {
	Items  []QueueItem `json:"items"`
	Counts QueueCounts `json:"counts"`
	Config QueueConfig `json:"config"`
}
