// Package store provides storage backends for the automation pipeline.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"
	"github.com/trihai306/agentphone/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

func (s *PostgresStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrCampaignNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore.GetCampaign failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) MarkCampaignRunning(id string, totalJobs int) error {
	res, err := s.db.Exec(`UPDATE campaigns
		SET status = $1, total_jobs = $2, completed_jobs = 0, updated_at = now()
		WHERE id = $3`, models.CampaignStatusRunning, totalJobs, id)
	if err != nil {
		slog.Error("PostgresStore.MarkCampaignRunning failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark campaign %s running: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, models.ErrCampaignNotFound)
	}
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	var f models.Flow
	var graph, variables sql.NullString
	err := s.db.QueryRow(`SELECT id, account_id, name, graph, variables, on_error FROM flows WHERE id = $1`, id).
		Scan(&f.ID, &f.AccountID, &f.Name, &graph, &variables, &f.OnError)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore.GetFlow failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load flow %s: %w", id, err)
	}
	if graph.Valid {
		f.Graph = models.ParseFlowGraph([]byte(graph.String))
	}
	unmarshalInto(variables, &f.Variables)
	return &f, nil
}

func (s *PostgresStore) GetDevice(id string) (*models.Device, error) {
	devices, err := s.GetDevices([]string{id})
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("device %s: %w", id, models.ErrDeviceNotFound)
	}
	return &devices[0], nil
}

func (s *PostgresStore) GetDevices(ids []string) ([]models.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT id, account_id, name, serial, connected, last_seen_at
		FROM devices WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		slog.Error("PostgresStore.GetDevices query failed", "error", err)
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()
	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Name, &d.Serial, &d.Connected, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		if lastSeen.Valid {
			d.LastSeenAt = &lastSeen.Time
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SyncConnectedDevices marks exactly the given ids connected and everything
// else disconnected, in one transaction so readers never observe a half
// reconciled fleet.
func (s *PostgresStore) SyncConnectedDevices(onlineIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE devices SET connected = FALSE WHERE connected = TRUE AND NOT (id = ANY($1))`, pq.Array(onlineIDs)); err != nil {
		slog.Error("PostgresStore.SyncConnectedDevices disconnect pass failed", "error", err)
		return fmt.Errorf("failed to mark devices disconnected: %w", err)
	}
	if len(onlineIDs) > 0 {
		if _, err := tx.Exec(`UPDATE devices SET connected = TRUE, last_seen_at = now() WHERE id = ANY($1)`, pq.Array(onlineIDs)); err != nil {
			slog.Error("PostgresStore.SyncConnectedDevices connect pass failed", "error", err)
			return fmt.Errorf("failed to mark devices connected: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device sync: %w", err)
	}
	slog.Debug("PostgresStore.SyncConnectedDevices succeeded", "online", len(onlineIDs))
	return nil
}

const insertJobSQL = `INSERT INTO jobs (` + jobColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

// CreateJobs inserts the whole batch inside one transaction.
func (s *PostgresStore) CreateJobs(jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin job batch transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertJobSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare job insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, j := range jobs {
		args, err := jobInsertArgs(j, now)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(args...); err != nil {
			slog.Error("PostgresStore.CreateJobs insert failed", "error", err, "job_id", j.ID)
			return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job batch: %w", err)
	}
	slog.Debug("PostgresStore.CreateJobs succeeded", "count", len(jobs))
	return nil
}

// jobInsertArgs flattens a job into the insert argument list shared by both
// SQL backends.
func jobInsertArgs(j models.Job, now time.Time) ([]interface{}, error) {
	chainContext, err := jsonOrNil(j.ChainContext)
	if err != nil {
		return nil, err
	}
	variables, err := jsonOrNil(j.Variables)
	if err != nil {
		return nil, err
	}
	compiledTasks, err := jsonOrNil(j.CompiledTasks)
	if err != nil {
		return nil, err
	}
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	scheduledAt := j.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	return []interface{}{
		j.ID, j.AccountID, j.DeviceID, j.FlowID, nilIfEmpty(j.CampaignID), j.Status,
		mustJSON(j.WorkflowChain, "[]"), j.CurrentIndex, nilIfEmpty(j.RecordID),
		j.RecordIndex, j.TotalRecords, j.Priority, j.RetryCount, j.MaxRetries,
		scheduledAt, chainContext, variables, compiledTasks, j.LastError,
		createdAt, now,
	}, nil
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore.GetJob failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJobStatus(id string, status models.JobStatus) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		slog.Error("PostgresStore.UpdateJobStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update job %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	return nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $3`, models.JobStatusPending, now, limit)
	if err != nil {
		slog.Error("PostgresStore.ClaimDueJobs query failed", "error", err)
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) AppendJobLog(jobID, level, message string) error {
	_, err := s.db.Exec(`INSERT INTO job_logs (job_id, level, message) VALUES ($1, $2, $3)`, jobID, level, message)
	if err != nil {
		slog.Error("PostgresStore.AppendJobLog failed", "error", err, "job_id", jobID)
		return fmt.Errorf("failed to append log for job %s: %w", jobID, err)
	}
	return nil
}

func (s *PostgresStore) GetRecords(collectionID string, filter models.RecordFilter) ([]models.DataRecord, error) {
	if filter.Mode == models.RecordFilterIDs {
		return s.GetRecordsByIDs(filter.RecordIDs)
	}
	query := `SELECT id, collection_id, position, fields FROM data_records
		WHERE collection_id = $1 ORDER BY position ASC`
	args := []interface{}{collectionID}
	if filter.Mode == models.RecordFilterLimit && filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.GetRecords query failed", "error", err, "collection_id", collectionID)
		return nil, fmt.Errorf("failed to query records for collection %s: %w", collectionID, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) GetRecordsByIDs(ids []string) ([]models.DataRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT id, collection_id, position, fields FROM data_records
		WHERE id = ANY($1) ORDER BY position ASC`, pq.Array(ids))
	if err != nil {
		slog.Error("PostgresStore.GetRecordsByIDs query failed", "error", err)
		return nil, fmt.Errorf("failed to query records by ids: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]models.DataRecord, error) {
	var records []models.DataRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
