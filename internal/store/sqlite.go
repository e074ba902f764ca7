// Package store provides storage backends for the automation pipeline.
//
// This file implements the SQLite-backed store, used for single-node
// deployments and local development.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/trihai306/agentphone/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// placeholders builds a "?, ?, ?" list for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrCampaignNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore.GetCampaign failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) MarkCampaignRunning(id string, totalJobs int) error {
	res, err := s.db.Exec(`UPDATE campaigns
		SET status = ?, total_jobs = ?, completed_jobs = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, models.CampaignStatusRunning, totalJobs, id)
	if err != nil {
		slog.Error("SQLiteStore.MarkCampaignRunning failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark campaign %s running: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, models.ErrCampaignNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	var f models.Flow
	var graph, variables sql.NullString
	err := s.db.QueryRow(`SELECT id, account_id, name, graph, variables, on_error FROM flows WHERE id = ?`, id).
		Scan(&f.ID, &f.AccountID, &f.Name, &graph, &variables, &f.OnError)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore.GetFlow failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load flow %s: %w", id, err)
	}
	if graph.Valid {
		f.Graph = models.ParseFlowGraph([]byte(graph.String))
	}
	unmarshalInto(variables, &f.Variables)
	return &f, nil
}

func (s *SQLiteStore) GetDevice(id string) (*models.Device, error) {
	devices, err := s.GetDevices([]string{id})
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("device %s: %w", id, models.ErrDeviceNotFound)
	}
	return &devices[0], nil
}

func (s *SQLiteStore) GetDevices(ids []string) ([]models.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, account_id, name, serial, connected, last_seen_at
		FROM devices WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.Query(query, stringArgs(ids)...)
	if err != nil {
		slog.Error("SQLiteStore.GetDevices query failed", "error", err)
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

func (s *SQLiteStore) SyncConnectedDevices(onlineIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	if len(onlineIDs) == 0 {
		if _, err := tx.Exec(`UPDATE devices SET connected = 0 WHERE connected = 1`); err != nil {
			return fmt.Errorf("failed to mark devices disconnected: %w", err)
		}
	} else {
		ph := placeholders(len(onlineIDs))
		args := stringArgs(onlineIDs)
		if _, err := tx.Exec(`UPDATE devices SET connected = 0 WHERE connected = 1 AND id NOT IN (`+ph+`)`, args...); err != nil {
			return fmt.Errorf("failed to mark devices disconnected: %w", err)
		}
		if _, err := tx.Exec(`UPDATE devices SET connected = 1, last_seen_at = CURRENT_TIMESTAMP WHERE id IN (`+ph+`)`, args...); err != nil {
			return fmt.Errorf("failed to mark devices connected: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device sync: %w", err)
	}
	slog.Debug("SQLiteStore.SyncConnectedDevices succeeded", "online", len(onlineIDs))
	return nil
}

const insertJobSQLite = `INSERT INTO jobs (` + jobColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func (s *SQLiteStore) CreateJobs(jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin job batch transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertJobSQLite)
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
			slog.Error("SQLiteStore.CreateJobs insert failed", "error", err, "job_id", j.ID)
			return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job batch: %w", err)
	}
	slog.Debug("SQLiteStore.CreateJobs succeeded", "count", len(jobs))
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore.GetJob failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return &j, nil
}

func (s *SQLiteStore) UpdateJobStatus(id string, status models.JobStatus) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		slog.Error("SQLiteStore.UpdateJobStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update job %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	return nil
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT ?`, models.JobStatusPending, now, limit)
	if err != nil {
		slog.Error("SQLiteStore.ClaimDueJobs query failed", "error", err)
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

func (s *SQLiteStore) AppendJobLog(jobID, level, message string) error {
	_, err := s.db.Exec(`INSERT INTO job_logs (job_id, level, message) VALUES (?, ?, ?)`, jobID, level, message)
	if err != nil {
		slog.Error("SQLiteStore.AppendJobLog failed", "error", err, "job_id", jobID)
		return fmt.Errorf("failed to append log for job %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRecords(collectionID string, filter models.RecordFilter) ([]models.DataRecord, error) {
	if filter.Mode == models.RecordFilterIDs {
		return s.GetRecordsByIDs(filter.RecordIDs)
	}
	query := `SELECT id, collection_id, position, fields FROM data_records
		WHERE collection_id = ? ORDER BY position ASC`
	args := []interface{}{collectionID}
	if filter.Mode == models.RecordFilterLimit && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.GetRecords query failed", "error", err, "collection_id", collectionID)
		return nil, fmt.Errorf("failed to query records for collection %s: %w", collectionID, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *SQLiteStore) GetRecordsByIDs(ids []string) ([]models.DataRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, collection_id, position, fields FROM data_records
		WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY position ASC`
	rows, err := s.db.Query(query, stringArgs(ids)...)
	if err != nil {
		slog.Error("SQLiteStore.GetRecordsByIDs query failed", "error", err)
		return nil, fmt.Errorf("failed to query records by ids: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}
