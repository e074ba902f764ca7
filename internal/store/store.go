// Package store provides storage backends for the automation pipeline.
//
// It persists flows, devices, campaigns, jobs, and data records, with
// PostgreSQL and SQLite backends plus an in-memory store for tests.
package store

import (
	"strings"
	"time"

	"github.com/trihai306/agentphone/internal/models"
)

// Store is the durable persistence surface consumed by the campaign
// assigner, the dispatcher, the presence reconciliation pass, and the API.
type Store interface {
	// GetCampaign retrieves a campaign by id, or models.ErrCampaignNotFound.
	GetCampaign(id string) (*models.Campaign, error)

	// MarkCampaignRunning transitions a campaign into its active run state,
	// records the batch size, and resets its progress counters.
	MarkCampaignRunning(id string, totalJobs int) error

	// GetFlow retrieves a flow by id, or models.ErrFlowNotFound.
	GetFlow(id string) (*models.Flow, error)

	// GetDevice retrieves a device by id, or models.ErrDeviceNotFound.
	GetDevice(id string) (*models.Device, error)

	// GetDevices retrieves the devices with the given ids; unknown ids are
	// omitted from the result.
	GetDevices(ids []string) ([]models.Device, error)

	// SyncConnectedDevices marks exactly the given device ids connected and
	// all other devices disconnected, inside one transaction.
	SyncConnectedDevices(onlineIDs []string) error

	// CreateJobs inserts a batch of jobs inside one transaction. A failure
	// partway through leaves no job visible.
	CreateJobs(jobs []models.Job) error

	// GetJob retrieves a job by id, or models.ErrJobNotFound.
	GetJob(id string) (*models.Job, error)

	// UpdateJobStatus sets a job's status.
	UpdateJobStatus(id string, status models.JobStatus) error

	// ClaimDueJobs returns up to limit pending jobs whose scheduled time is
	// at or before now, highest priority first, then oldest. It does not
	// mutate them; a job only leaves pending when a dispatch attempt
	// succeeds.
	ClaimDueJobs(now time.Time, limit int) ([]models.Job, error)

	// AppendJobLog records a job-scoped log entry.
	AppendJobLog(jobID, level, message string) error

	// GetRecords retrieves a collection's records narrowed by the filter,
	// ordered by position.
	GetRecords(collectionID string, filter models.RecordFilter) ([]models.DataRecord, error)

	// GetRecordsByIDs retrieves records by explicit ids; unknown ids are
	// omitted.
	GetRecordsByIDs(ids []string) ([]models.DataRecord, error)

	// Close releases the underlying database resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3" so callers can
// pick a backend from a single configuration value.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}
