// Package dispatch owns job state transitions and delivery of compiled
// action scripts to device channels.
//
// Dispatch is gated by a final presence check: a job is never handed to the
// transport unless the tracker affirms the device is online at the moment of
// send. The check and the send are not atomic as a pair; the residual race
// is accepted, and delivery failures leave the job eligible for a later
// retry by the scheduling loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trihai306/agentphone/internal/compiler"
	"github.com/trihai306/agentphone/internal/models"
	"github.com/trihai306/agentphone/internal/presence"
	"github.com/trihai306/agentphone/internal/store"
	"github.com/trihai306/agentphone/internal/transport"
)

// Dispatcher compiles job payloads and hands them to device channels.
type Dispatcher struct {
	store     store.Store
	tracker   *presence.Tracker
	transport transport.Transport
}

// NewDispatcher creates a Dispatcher. All dependencies are required; none
// resolve from a global default.
func NewDispatcher(st store.Store, tracker *presence.Tracker, tr transport.Transport) *Dispatcher {
	return &Dispatcher{store: st, tracker: tracker, transport: tr}
}

// Dispatch delivers one job to its device. It returns true only when the
// envelope reached the device's channel. On a false return the job ends up
// PENDING again (or untouched when the device was offline), so the
// scheduling loop can retry later. Errors are recorded in the job's log and
// never propagate to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job) bool {
	online, err := d.tracker.IsOnline(ctx, job.AccountID, job.DeviceID)
	if err != nil {
		slog.Error("Dispatcher.Dispatch: presence check failed", "error", err, "job_id", job.ID, "device_id", job.DeviceID)
		return false
	}
	if !online {
		slog.Info("Dispatcher.Dispatch: device offline, skipping", "job_id", job.ID, "device_id", job.DeviceID)
		return false
	}

	if err := d.deliver(ctx, job); err != nil {
		slog.Error("Dispatcher.Dispatch: delivery failed", "error", err, "job_id", job.ID, "device_id", job.DeviceID)
		if logErr := d.store.AppendJobLog(job.ID, "error", err.Error()); logErr != nil {
			slog.Error("Dispatcher.Dispatch: failed to record job log", "error", logErr, "job_id", job.ID)
		}
		d.requeue(job)
		return false
	}
	slog.Info("Dispatcher.Dispatch: job dispatched", "job_id", job.ID, "device_id", job.DeviceID, "tier", models.TierForPriority(job.Priority))
	return true
}

// deliver performs steps 2-7 of the dispatch protocol; any error aborts.
func (d *Dispatcher) deliver(ctx context.Context, job *models.Job) error {
	if err := d.store.UpdateJobStatus(job.ID, models.JobStatusQueued); err != nil {
		return fmt.Errorf("failed to queue job: %w", err)
	}
	job.Status = models.JobStatusQueued

	envelope, err := d.buildEnvelope(job)
	if err != nil {
		return err
	}
	frame := transport.Frame{
		Event:    models.EventJobDispatch,
		Priority: models.TierForPriority(job.Priority),
		Payload:  envelope,
	}
	if err := d.transport.SendToDevice(ctx, job.DeviceID, frame); err != nil {
		return fmt.Errorf("failed to send job to device channel: %w", err)
	}
	return nil
}

// requeue reverts a failed delivery's QUEUED transition so the poll loop
// can claim the job again. Only PENDING jobs are claimable, so without the
// revert a transient fault would strand the job.
func (d *Dispatcher) requeue(job *models.Job) {
	if job.Status != models.JobStatusQueued {
		return
	}
	if err := d.store.UpdateJobStatus(job.ID, models.JobStatusPending); err != nil {
		slog.Error("Dispatcher.requeue: failed to restore pending status", "error", err, "job_id", job.ID)
		return
	}
	job.Status = models.JobStatusPending
}

// buildEnvelope assembles the wire payload for one job. A persisted task
// list is preferred for reproducibility across retries; otherwise the flow
// graph is compiled against the job's current context.
func (d *Dispatcher) buildEnvelope(job *models.Job) (*models.DispatchEnvelope, error) {
	flow, err := d.store.GetFlow(job.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve flow %s: %w", job.FlowID, err)
	}

	var record *models.DataRecord
	if job.RecordID != "" {
		records, err := d.store.GetRecordsByIDs([]string{job.RecordID})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve record %s: %w", job.RecordID, err)
		}
		if len(records) > 0 {
			record = &records[0]
		}
	}

	variables := mergeVariables(flow, job, record)

	var actions []models.CompiledAction
	if len(job.CompiledTasks) > 0 {
		actions = compiler.InterpolateActions(job.CompiledTasks, variables)
	} else {
		actions = compiler.Compile(flow.Graph, variables)
	}

	envelope := &models.DispatchEnvelope{
		Version:      models.EnvelopeVersion,
		JobID:        job.ID,
		FlowID:       flow.ID,
		FlowName:     flow.Name,
		Actions:      actions,
		OnError:      flow.OnError,
		Variables:    variables,
		RecordID:     job.RecordID,
		RecordIndex:  job.RecordIndex,
		TotalRecords: job.TotalRecords,
		CreatedAt:    time.Now().UTC(),
	}
	if record != nil {
		envelope.RecordData = record.Fields
	}
	return envelope, nil
}

// mergeVariables combines the variable sources with override precedence,
// lowest to highest: flow-level base context, job-level configured
// variables (including chain context), active record field values.
func mergeVariables(flow *models.Flow, job *models.Job, record *models.DataRecord) map[string]any {
	merged := make(map[string]any)
	for k, v := range flow.Variables {
		merged[k] = v
	}
	for k, v := range job.ChainContext {
		merged[k] = v
	}
	for k, v := range job.Variables {
		merged[k] = v
	}
	if record != nil {
		for k, v := range record.Fields {
			merged[k] = v
		}
	}
	return merged
}

// Cancel sends a job:cancel control message and marks the job CANCELLED
// unconditionally and immediately; no device acknowledgment is awaited.
// Calling it on an already-terminal job is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, job *models.Job) error {
	if job.Status.IsTerminal() {
		slog.Debug("Dispatcher.Cancel: job already terminal, ignoring", "job_id", job.ID, "status", job.Status)
		return nil
	}
	d.sendControl(ctx, job, models.EventJobCancel)
	if err := d.store.UpdateJobStatus(job.ID, models.JobStatusCancelled); err != nil {
		return fmt.Errorf("failed to mark job %s cancelled: %w", job.ID, err)
	}
	job.Status = models.JobStatusCancelled
	slog.Info("Dispatcher.Cancel: job cancelled", "job_id", job.ID)
	return nil
}

// Pause sends an advisory job:pause control message. Persisted status does
// not change; the device is the source of truth for paused execution.
func (d *Dispatcher) Pause(ctx context.Context, job *models.Job) error {
	d.sendControl(ctx, job, models.EventJobPause)
	return nil
}

// Resume sends an advisory job:resume control message.
func (d *Dispatcher) Resume(ctx context.Context, job *models.Job) error {
	d.sendControl(ctx, job, models.EventJobResume)
	return nil
}

// sendControl fires a control frame at the job's device. Control messages
// are fire-and-forget: a delivery failure is logged and otherwise ignored.
func (d *Dispatcher) sendControl(ctx context.Context, job *models.Job, event string) {
	frame := transport.Frame{Event: event, Payload: models.ControlMessage{JobID: job.ID}}
	if err := d.transport.SendToDevice(ctx, job.DeviceID, frame); err != nil {
		if !errors.Is(err, transport.ErrDeviceNotConnected) {
			slog.Error("Dispatcher.sendControl: send failed", "error", err, "job_id", job.ID, "event", event)
			return
		}
		slog.Debug("Dispatcher.sendControl: device not connected", "job_id", job.ID, "event", event)
	}
}
