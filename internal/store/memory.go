// Package store provides storage backends for the automation pipeline.
//
// This file implements an in-memory store. It backs unit tests and
// single-process experiments; production deployments use Postgres or SQLite.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trihai306/agentphone/internal/models"
)

type InMemoryStore struct {
	mu        sync.RWMutex
	campaigns map[string]models.Campaign
	flows     map[string]models.Flow
	devices   map[string]models.Device
	jobs      map[string]models.Job
	jobOrder  []string
	records   map[string]models.DataRecord
	logs      []models.JobLogEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		campaigns: make(map[string]models.Campaign),
		flows:     make(map[string]models.Flow),
		devices:   make(map[string]models.Device),
		jobs:      make(map[string]models.Job),
		records:   make(map[string]models.DataRecord),
	}
}

// Seed helpers used by tests and local setups.

func (s *InMemoryStore) AddCampaign(c models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *InMemoryStore) AddFlow(f models.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
}

func (s *InMemoryStore) AddDevice(d models.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

func (s *InMemoryStore) AddRecord(r models.DataRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrCampaignNotFound)
	}
	return &c, nil
}

func (s *InMemoryStore) MarkCampaignRunning(id string, totalJobs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, models.ErrCampaignNotFound)
	}
	c.Status = models.CampaignStatusRunning
	c.TotalJobs = totalJobs
	c.CompletedJobs = 0
	c.UpdatedAt = time.Now().UTC()
	s.campaigns[id] = c
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", id, models.ErrFlowNotFound)
	}
	return &f, nil
}

func (s *InMemoryStore) GetDevice(id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, models.ErrDeviceNotFound)
	}
	return &d, nil
}

func (s *InMemoryStore) GetDevices(ids []string) ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var devices []models.Device
	for _, id := range ids {
		if d, ok := s.devices[id]; ok {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func (s *InMemoryStore) SyncConnectedDevices(onlineIDs []string) error {
	online := make(map[string]bool, len(onlineIDs))
	for _, id := range onlineIDs {
		online[id] = true
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices {
		d.Connected = online[id]
		if d.Connected {
			d.LastSeenAt = &now
		}
		s.devices[id] = d
	}
	return nil
}

func (s *InMemoryStore) CreateJobs(jobs []models.Job) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.ScheduledAt.IsZero() {
			j.ScheduledAt = now
		}
		j.UpdatedAt = now
		s.jobs[j.ID] = j
		s.jobOrder = append(s.jobOrder, j.ID)
	}
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	return &j, nil
}

func (s *InMemoryStore) UpdateJobStatus(id string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status == models.JobStatusPending && !j.ScheduledAt.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].ScheduledAt.Before(due[k].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) AppendJobLog(jobID, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, models.JobLogEntry{
		ID:        int64(len(s.logs) + 1),
		JobID:     jobID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *InMemoryStore) GetRecords(collectionID string, filter models.RecordFilter) ([]models.DataRecord, error) {
	if filter.Mode == models.RecordFilterIDs {
		return s.GetRecordsByIDs(filter.RecordIDs)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []models.DataRecord
	for _, r := range s.records {
		if r.CollectionID == collectionID {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, k int) bool { return records[i].Position < records[k].Position })
	if filter.Mode == models.RecordFilterLimit && filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (s *InMemoryStore) GetRecordsByIDs(ids []string) ([]models.DataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []models.DataRecord
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, k int) bool { return records[i].Position < records[k].Position })
	return records, nil
}

// JobsByCampaign returns the jobs created for one campaign, in insertion
// order. Inspection helper for tests.
func (s *InMemoryStore) JobsByCampaign(campaignID string) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.Job
	for _, id := range s.jobOrder {
		if j := s.jobs[id]; j.CampaignID == campaignID {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// JobLogs returns the log entries recorded for one job.
func (s *InMemoryStore) JobLogs(jobID string) []models.JobLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []models.JobLogEntry
	for _, e := range s.logs {
		if e.JobID == jobID {
			entries = append(entries, e)
		}
	}
	return entries
}

func (s *InMemoryStore) Close() error { return nil }
