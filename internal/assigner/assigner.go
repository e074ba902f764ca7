// Package assigner generates the full batch of persisted jobs for one
// campaign run.
//
// Assignment pairs devices with workflows, and with data records when the
// campaign has a data source: either through an explicit device-to-record
// map or automatically in contiguous blocks. The whole batch is written in
// one transaction, so a crash partway through never leaves a partial job
// set visible.
package assigner

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/trihai306/agentphone/internal/models"
	"github.com/trihai306/agentphone/internal/store"
)

// Precondition failure reasons returned to campaign owners.
const (
	ReasonNoDevices   = "no connected devices available"
	ReasonNoWorkflows = "campaign has no workflows attached"
	ReasonNoRecords   = "no records matched the campaign filter"
)

// Result is the outcome of one campaign run invocation.
type Result struct {
	Success     bool   `json:"success"`
	JobCount    int    `json:"job_count,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// Assigner builds job batches for campaign runs.
type Assigner struct {
	store store.Store
}

// NewAssigner creates an Assigner over the given store.
func NewAssigner(st store.Store) *Assigner {
	return &Assigner{store: st}
}

// pair is one (device, record) assignment before job expansion. Record is
// nil for campaigns without a data source.
type pair struct {
	device models.Device
	record *models.DataRecord
	index  int
}

// Run generates the job batch for one campaign. Precondition failures
// return Result{Success:false} with zero side effects; a missing campaign
// surfaces as an error. Run is not idempotent: each invocation appends a
// fresh batch.
func (a *Assigner) Run(campaignID string) (Result, error) {
	campaign, err := a.store.GetCampaign(campaignID)
	if err != nil {
		return Result{}, err
	}

	devices, err := a.store.GetDevices(campaign.DeviceIDs)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load campaign devices: %w", err)
	}
	eligible := make([]models.Device, 0, len(devices))
	for _, d := range devices {
		if d.AccountID != campaign.AccountID {
			slog.Warn("Assigner.Run: device belongs to another account, excluding", "campaign_id", campaignID, "device_id", d.ID)
			continue
		}
		if d.Connected {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		slog.Warn("Assigner.Run: no eligible devices", "campaign_id", campaignID, "attached", len(devices))
		return Result{Success: false, ErrorReason: ReasonNoDevices}, nil
	}
	if len(campaign.Workflows) == 0 {
		slog.Warn("Assigner.Run: no workflows attached", "campaign_id", campaignID)
		return Result{Success: false, ErrorReason: ReasonNoWorkflows}, nil
	}

	pairs, err := a.buildPairs(campaign, eligible)
	if err != nil {
		return Result{}, err
	}
	if len(pairs) == 0 {
		slog.Warn("Assigner.Run: assignment yielded no pairs", "campaign_id", campaignID)
		return Result{Success: false, ErrorReason: ReasonNoRecords}, nil
	}

	jobs, err := a.expandJobs(campaign, pairs)
	if err != nil {
		return Result{}, err
	}
	if err := a.store.CreateJobs(jobs); err != nil {
		return Result{}, fmt.Errorf("failed to persist job batch: %w", err)
	}
	if err := a.store.MarkCampaignRunning(campaign.ID, len(jobs)); err != nil {
		return Result{}, err
	}
	slog.Info("Assigner.Run: campaign batch created", "campaign_id", campaignID, "jobs", len(jobs), "devices", len(eligible))
	return Result{Success: true, JobCount: len(jobs)}, nil
}

// buildPairs resolves the (device, record) assignments for the run.
func (a *Assigner) buildPairs(campaign *models.Campaign, devices []models.Device) ([]pair, error) {
	if campaign.DataCollectionID == "" {
		pairs := make([]pair, len(devices))
		for i, d := range devices {
			pairs[i] = pair{device: d}
		}
		return pairs, nil
	}

	records, err := a.store.GetRecords(campaign.DataCollectionID, campaign.RecordFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve campaign records: %w", err)
	}
	if len(campaign.Assignments) > 0 {
		return manualPairs(campaign, devices, records), nil
	}
	return autoPairs(campaign, devices, records), nil
}

// manualPairs intersects each device's assigned record ids with the
// filtered set. Pairs outside the filter are dropped without a surfaced
// warning; the count is logged at debug for operators.
func manualPairs(campaign *models.Campaign, devices []models.Device, records []models.DataRecord) []pair {
	byID := make(map[string]*models.DataRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}
	var pairs []pair
	dropped := 0
	total := len(records)
	for _, d := range devices {
		for _, recordID := range campaign.Assignments[d.ID] {
			record, ok := byID[recordID]
			if !ok {
				dropped++
				continue
			}
			pairs = append(pairs, pair{device: d, record: record, index: record.Position})
		}
	}
	if dropped > 0 {
		slog.Debug("Assigner: manual assignments outside filtered set dropped", "campaign_id", campaign.ID, "dropped", dropped, "filtered", total)
	}
	return pairs
}

// autoPairs assigns records to devices in contiguous blocks. With an
// explicit RecordsPerDevice override, fixed blocks of that size rotate
// through the devices. Otherwise blocks are balanced: every device gets
// floor(records/devices) records and the first records%devices devices
// take one extra.
func autoPairs(campaign *models.Campaign, devices []models.Device, records []models.DataRecord) []pair {
	if len(records) == 0 {
		return nil
	}
	pairs := make([]pair, 0, len(records))
	if blockSize := campaign.RecordsPerDevice; blockSize > 0 {
		deviceIdx := 0
		filled := 0
		for i := range records {
			pairs = append(pairs, pair{device: devices[deviceIdx], record: &records[i], index: i})
			filled++
			if filled == blockSize {
				deviceIdx = (deviceIdx + 1) % len(devices)
				filled = 0
			}
		}
		return pairs
	}
	base := len(records) / len(devices)
	extra := len(records) % len(devices)
	i := 0
	for d := range devices {
		size := base
		if d < extra {
			size++
		}
		for end := i + size; i < end; i++ {
			pairs = append(pairs, pair{device: devices[d], record: &records[i], index: i})
		}
	}
	return pairs
}

// expandJobs turns assignment pairs into persisted job rows: one job per
// workflow repeat, offset by the configured delay, seeded with pool
// variables.
func (a *Assigner) expandJobs(campaign *models.Campaign, pairs []pair) ([]models.Job, error) {
	pools, err := a.loadPools(campaign)
	if err != nil {
		return nil, err
	}
	priority := campaign.Priority
	if priority < models.MinJobPriority || priority > models.MaxJobPriority {
		priority = models.DefaultJobPriority
	}
	now := time.Now().UTC()
	totalRecords := countRecords(pairs)

	// The workflow list is ordered by its sequence numbers, not by whatever
	// order the row's JSON happened to store them in.
	workflows := append([]models.CampaignWorkflow(nil), campaign.Workflows...)
	sort.SliceStable(workflows, func(i, j int) bool {
		return workflows[i].Sequence < workflows[j].Sequence
	})

	var jobs []models.Job
	for _, p := range pairs {
		for _, wf := range workflows {
			repeats := wf.RepeatCount
			if repeats <= 0 {
				repeats = 1
			}
			for i := 0; i < repeats; i++ {
				job := models.Job{
					ID:            uuid.NewString(),
					AccountID:     campaign.AccountID,
					DeviceID:      p.device.ID,
					FlowID:        wf.FlowID,
					CampaignID:    campaign.ID,
					Status:        models.JobStatusPending,
					WorkflowChain: []string{wf.FlowID},
					CurrentIndex:  0,
					Priority:      priority,
					MaxRetries:    models.DefaultMaxRetries,
					ScheduledAt:   now.Add(time.Duration(i*wf.DelayBetweenRepeats) * time.Second),
					ChainContext:  pools.sample(len(jobs)),
					TotalRecords:  totalRecords,
				}
				if p.record != nil {
					job.RecordID = p.record.ID
					job.RecordIndex = p.index
				}
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

func countRecords(pairs []pair) int {
	seen := make(map[string]bool)
	for _, p := range pairs {
		if p.record != nil {
			seen[p.record.ID] = true
		}
	}
	return len(seen)
}

// poolSource holds the resolved records for the campaign's pool variables.
type poolSource struct {
	variables []models.PoolVariable
	records   map[string][]models.DataRecord
}

// loadPools resolves each pool variable's secondary collection once per run.
func (a *Assigner) loadPools(campaign *models.Campaign) (*poolSource, error) {
	src := &poolSource{records: make(map[string][]models.DataRecord)}
	if campaign.PoolConfig == nil {
		return src, nil
	}
	src.variables = campaign.PoolConfig.Variables
	for _, v := range src.variables {
		records, err := a.store.GetRecords(v.CollectionID, models.RecordFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve pool collection %s: %w", v.CollectionID, err)
		}
		src.records[v.CollectionID] = records
	}
	return src, nil
}

// sample builds one job's chain context from the pool variables. Sequential
// pools rotate through their collection in job order; random pools draw
// uniformly.
func (p *poolSource) sample(jobSeq int) map[string]any {
	if len(p.variables) == 0 {
		return nil
	}
	ctx := make(map[string]any, len(p.variables))
	for _, v := range p.variables {
		records := p.records[v.CollectionID]
		if len(records) == 0 {
			continue
		}
		var record models.DataRecord
		if v.Strategy == models.PoolStrategyRandom {
			record = records[rand.Intn(len(records))]
		} else {
			record = records[jobSeq%len(records)]
		}
		ctx[v.Name] = record.Fields
	}
	return ctx
}
