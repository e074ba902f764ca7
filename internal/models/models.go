// Package models defines the core data structures shared across the
// automation pipeline: campaigns, jobs, devices, data records, and the
// envelopes exchanged with remote agents.
package models

import (
	"errors"
	"time"
)

// Job priority bounds and defaults.
const (
	MinJobPriority     = 0
	MaxJobPriority     = 10
	DefaultJobPriority = 5
	DefaultMaxRetries  = 3
)

// Error variables for better error handling and testability
var (
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrFlowNotFound       = errors.New("flow not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrCollectionNotFound = errors.New("data collection not found")
	ErrInvalidJobStatus   = errors.New("invalid job status transition")
	ErrEmptyDeviceID      = errors.New("device id cannot be empty")
	ErrEmptyFlowID        = errors.New("flow id cannot be empty")
	ErrInvalidPriority    = errors.New("priority must be between 0 and 10")
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidJobStatus checks if the given job status is supported.
func IsValidJobStatus(s JobStatus) bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state. Terminal jobs
// are never mutated again except by explicit external cleanup.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CampaignStatus represents the run state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusStopped   CampaignStatus = "stopped"
)

// RecordFilterMode selects how a campaign narrows its data collection.
type RecordFilterMode string

const (
	RecordFilterAll   RecordFilterMode = "all"
	RecordFilterLimit RecordFilterMode = "limit"
	RecordFilterIDs   RecordFilterMode = "ids"
)

// RecordFilter narrows the record set a campaign run operates on.
// The zero value means "all records".
type RecordFilter struct {
	Mode      RecordFilterMode `json:"mode,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	RecordIDs []string         `json:"record_ids,omitempty"`
}

// PoolStrategy selects how pool variables are sampled from their collection.
type PoolStrategy string

const (
	PoolStrategySequential PoolStrategy = "sequential"
	PoolStrategyRandom     PoolStrategy = "random"
)

// PoolVariable is a named variable seeded once per job from a secondary
// collection, independent of the job's primary data record.
type PoolVariable struct {
	Name         string       `json:"name"`
	CollectionID string       `json:"collection_id"`
	Strategy     PoolStrategy `json:"strategy,omitempty"`
}

// PoolConfig holds the pool variables attached to a campaign.
type PoolConfig struct {
	Variables []PoolVariable `json:"variables,omitempty"`
}

// CampaignWorkflow is one entry of a campaign's ordered workflow list.
type CampaignWorkflow struct {
	FlowID              string `json:"flow_id"`
	Sequence            int    `json:"sequence"`
	RepeatCount         int    `json:"repeat_count,omitempty"`
	DelayBetweenRepeats int    `json:"delay_between_repeats,omitempty"` // seconds
	IterationStrategy   string `json:"iteration_strategy,omitempty"`
}

// Campaign is a batch run definition pairing devices, workflows, and an
// optional data source. It owns zero or more Jobs.
type Campaign struct {
	ID               string              `json:"id"`
	AccountID        string              `json:"account_id"`
	Name             string              `json:"name"`
	DeviceIDs        []string            `json:"device_ids"`
	Workflows        []CampaignWorkflow  `json:"workflows"`
	DataCollectionID string              `json:"data_collection_id,omitempty"`
	RecordFilter     RecordFilter        `json:"record_filter,omitempty"`
	PoolConfig       *PoolConfig         `json:"pool_config,omitempty"`
	Assignments      map[string][]string `json:"assignments,omitempty"` // deviceID -> record ids (manual mode)
	RecordsPerDevice int                 `json:"records_per_device,omitempty"`
	Priority         int                 `json:"priority,omitempty"`
	Status           CampaignStatus      `json:"status"`
	TotalJobs        int                 `json:"total_jobs"`
	CompletedJobs    int                 `json:"completed_jobs"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Job is one persisted unit of work targeting exactly one device for one
// workflow-chain position. Jobs are created by the campaign assigner (batch)
// or direct single-task creation, and mutated only by the dispatcher.
type Job struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	DeviceID      string           `json:"device_id"`
	FlowID        string           `json:"flow_id"`
	CampaignID    string           `json:"campaign_id,omitempty"`
	Status        JobStatus        `json:"status"`
	WorkflowChain []string         `json:"workflow_chain"`
	CurrentIndex  int              `json:"current_index"`
	RecordID      string           `json:"record_id,omitempty"`
	RecordIndex   int              `json:"record_index"`
	TotalRecords  int              `json:"total_records"`
	Priority      int              `json:"priority"`
	RetryCount    int              `json:"retry_count"`
	MaxRetries    int              `json:"max_retries"`
	ScheduledAt   time.Time        `json:"scheduled_at"`
	ChainContext  map[string]any   `json:"chain_context,omitempty"`
	Variables     map[string]any   `json:"variables,omitempty"`
	CompiledTasks []CompiledAction `json:"compiled_tasks,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Validate performs basic validation on a Job before persistence.
func (j *Job) Validate() error {
	if j.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	if j.FlowID == "" {
		return ErrEmptyFlowID
	}
	if j.Priority < MinJobPriority || j.Priority > MaxJobPriority {
		return ErrInvalidPriority
	}
	return nil
}

// Device is a remote agent (physical or emulated mobile device).
// Connected is the durable, eventually-consistent flag maintained by the
// presence reconciliation pass; the live authority is the presence tracker.
type Device struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Name       string     `json:"name,omitempty"`
	Serial     string     `json:"serial,omitempty"`
	Connected  bool       `json:"connected"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// DataRecord is one row of a data collection, keyed by collection.
type DataRecord struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Position     int            `json:"position"`
	Fields       map[string]any `json:"fields"`
}

// Flow is an authored automation script: a node/edge graph plus flow-level
// base variables (e.g. resolved file-input paths).
type Flow struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	Name      string         `json:"name"`
	Graph     FlowGraph      `json:"graph"`
	Variables map[string]any `json:"variables,omitempty"`
	OnError   string         `json:"on_error,omitempty"`
}

// JobLogEntry is a job-scoped log line. Dispatch failures are silent at the
// protocol level and only visible through these entries.
type JobLogEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
