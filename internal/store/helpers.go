package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trihai306/agentphone/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// jsonOrNil marshals v for a nullable JSON column; nil/empty values map to
// SQL NULL.
func jsonOrNil(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	s := string(b)
	if s == "null" || s == "{}" || s == "[]" {
		return nil, nil
	}
	return s, nil
}

// mustJSON marshals v for a NOT NULL JSON column, substituting the given
// empty literal when v has no content.
func mustJSON(v interface{}, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

// unmarshalInto decodes a nullable JSON column into dst, ignoring NULLs.
func unmarshalInto(src sql.NullString, dst interface{}) {
	if !src.Valid || src.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(src.String), dst)
}

// jobScanner abstracts sql.Row and sql.Rows for the shared job scan path.
type jobScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one jobs row in column order.
func scanJob(row jobScanner) (models.Job, error) {
	var j models.Job
	var campaignID, recordID sql.NullString
	var chain, chainContext, variables, compiledTasks sql.NullString
	err := row.Scan(
		&j.ID, &j.AccountID, &j.DeviceID, &j.FlowID, &campaignID, &j.Status,
		&chain, &j.CurrentIndex, &recordID, &j.RecordIndex, &j.TotalRecords,
		&j.Priority, &j.RetryCount, &j.MaxRetries, &j.ScheduledAt,
		&chainContext, &variables, &compiledTasks, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.CampaignID = campaignID.String
	j.RecordID = recordID.String
	unmarshalInto(chain, &j.WorkflowChain)
	unmarshalInto(chainContext, &j.ChainContext)
	unmarshalInto(variables, &j.Variables)
	unmarshalInto(compiledTasks, &j.CompiledTasks)
	return j, nil
}

// jobColumns is the canonical column list matching scanJob.
const jobColumns = `id, account_id, device_id, flow_id, campaign_id, status,
	workflow_chain, current_index, record_id, record_index, total_records,
	priority, retry_count, max_retries, scheduled_at,
	chain_context, variables, compiled_tasks, last_error,
	created_at, updated_at`

// scanCampaign scans one campaigns row in column order.
func scanCampaign(row jobScanner) (models.Campaign, error) {
	var c models.Campaign
	var collectionID sql.NullString
	var deviceIDs, workflows, recordFilter, poolConfig, assignments sql.NullString
	err := row.Scan(
		&c.ID, &c.AccountID, &c.Name, &deviceIDs, &workflows, &collectionID,
		&recordFilter, &poolConfig, &assignments, &c.RecordsPerDevice,
		&c.Priority, &c.Status, &c.TotalJobs, &c.CompletedJobs,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.DataCollectionID = collectionID.String
	unmarshalInto(deviceIDs, &c.DeviceIDs)
	unmarshalInto(workflows, &c.Workflows)
	unmarshalInto(recordFilter, &c.RecordFilter)
	unmarshalInto(poolConfig, &c.PoolConfig)
	unmarshalInto(assignments, &c.Assignments)
	return c, nil
}

const campaignColumns = `id, account_id, name, device_ids, workflows, data_collection_id,
	record_filter, pool_config, assignments, records_per_device,
	priority, status, total_jobs, completed_jobs, created_at, updated_at`

// scanRecord scans one data_records row.
func scanRecord(row jobScanner) (models.DataRecord, error) {
	var r models.DataRecord
	var fields sql.NullString
	if err := row.Scan(&r.ID, &r.CollectionID, &r.Position, &fields); err != nil {
		return r, err
	}
	unmarshalInto(fields, &r.Fields)
	return r, nil
}
