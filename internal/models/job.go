package models

import (
	"encoding/json"
	"time"
)

// Job is the persisted record for one scheduled unit of work.
type Job struct {
	ID          string
	Topic       string
	Payload     json.RawMessage
	ExecuteAt   time.Time
	Retries     int
	MaxRetries  int
	IsProcessed bool
	IsExecuted  bool
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// View returns the projection handed to handlers.
func (j Job) View() JobView {
	return JobView{
		ID:        j.ID,
		ExecuteAt: j.ExecuteAt,
		Payload:   j.Payload,
	}
}

// JobView is what a handler sees when a job fires.
type JobView struct {
	ID        string          `json:"id"`
	ExecuteAt time.Time       `json:"execute_at"`
	Payload   json.RawMessage `json:"payload"`
}

// JobStatus is the public projection returned by status lookups.
type JobStatus struct {
	ID         string          `json:"id"`
	ExecuteAt  time.Time       `json:"execute_at"`
	Payload    json.RawMessage `json:"payload"`
	IsExecuted bool            `json:"is_executed"`
}
