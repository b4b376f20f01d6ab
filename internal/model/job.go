package model

import "time"

// JobType selects which sync workflow a job runs.
type JobType string

const (
	JobTypeFull        JobType = "full"
	JobTypeIncremental JobType = "incremental"
	JobTypeImage       JobType = "image"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeFull, JobTypeIncremental, JobTypeImage:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// SyncJob is the durable record of one pipeline invocation.
type SyncJob struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Source      string     `json:"source"`
	PetType     *PetType   `json:"petType,omitempty"`
	BatchSize   int        `json:"batchSize"`
	Status      JobStatus  `json:"status"`
	Progress    float64    `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
