// Package api provides HTTP handlers for the automation pipeline endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/trihai306/agentphone/internal/models"
)

// requirePost rejects non-POST methods.
func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// statusForLookupError maps reference errors onto 404 and everything else
// onto 500.
func statusForLookupError(err error) int {
	switch {
	case errors.Is(err, models.ErrCampaignNotFound),
		errors.Is(err, models.ErrFlowNotFound),
		errors.Is(err, models.ErrDeviceNotFound),
		errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) runCampaignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req struct {
		CampaignID string `json:"campaign_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.runCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.CampaignID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: campaign_id"))
		return
	}
	result, err := s.assigner.Run(req.CampaignID)
	if err != nil {
		slog.Error("Server.runCampaignHandler: run failed", "error", err, "campaign_id", req.CampaignID)
		writeJSONResponse(w, statusForLookupError(err), models.Error(err.Error()))
		return
	}
	if !result.Success {
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.SuccessWithMessage(result.ErrorReason, result))
		return
	}
	slog.Info("Server.runCampaignHandler: campaign run started", "campaign_id", req.CampaignID, "jobs", result.JobCount)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// decodeJobRequest loads the job referenced by a {"job_id": ...} body.
func (s *Server) decodeJobRequest(w http.ResponseWriter, r *http.Request) *models.Job {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.decodeJobRequest: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return nil
	}
	if req.JobID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: job_id"))
		return nil
	}
	job, err := s.store.GetJob(req.JobID)
	if err != nil {
		writeJSONResponse(w, statusForLookupError(err), models.Error(err.Error()))
		return nil
	}
	return job
}

func (s *Server) dispatchJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	job := s.decodeJobRequest(w, r)
	if job == nil {
		return
	}
	if s.dispatcher.Dispatch(r.Context(), job) {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Job dispatched", map[string]any{"job_id": job.ID}))
		return
	}
	// The job stays pending; the scheduling loop will retry it.
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Job not dispatched, device unavailable", map[string]any{"job_id": job.ID, "status": job.Status}))
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	job := s.decodeJobRequest(w, r)
	if job == nil {
		return
	}
	if err := s.dispatcher.Cancel(r.Context(), job); err != nil {
		slog.Error("Server.cancelJobHandler: cancel failed", "error", err, "job_id", job.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel job"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Job cancelled", map[string]any{"job_id": job.ID}))
}

func (s *Server) pauseJobHandler(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, models.EventJobPause)
}

func (s *Server) resumeJobHandler(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, models.EventJobResume)
}

func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request, event string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	job := s.decodeJobRequest(w, r)
	if job == nil {
		return
	}
	var err error
	if event == models.EventJobPause {
		err = s.dispatcher.Pause(r.Context(), job)
	} else {
		err = s.dispatcher.Resume(r.Context(), job)
	}
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send control message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Control message sent", map[string]any{"job_id": job.ID, "event": event}))
}

// createTaskHandler creates one job directly, outside any campaign.
func (s *Server) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req struct {
		AccountID string         `json:"account_id"`
		DeviceID  string         `json:"device_id"`
		FlowID    string         `json:"flow_id"`
		Priority  *int           `json:"priority,omitempty"`
		Variables map[string]any `json:"variables,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createTaskHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if _, err := s.store.GetFlow(req.FlowID); err != nil {
		writeJSONResponse(w, statusForLookupError(err), models.Error(err.Error()))
		return
	}
	if _, err := s.store.GetDevice(req.DeviceID); err != nil {
		writeJSONResponse(w, statusForLookupError(err), models.Error(err.Error()))
		return
	}
	priority := models.DefaultJobPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	job := models.Job{
		ID:            uuid.NewString(),
		AccountID:     req.AccountID,
		DeviceID:      req.DeviceID,
		FlowID:        req.FlowID,
		Status:        models.JobStatusPending,
		WorkflowChain: []string{req.FlowID},
		Priority:      priority,
		MaxRetries:    models.DefaultMaxRetries,
		Variables:     req.Variables,
	}
	if err := job.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.store.CreateJobs([]models.Job{job}); err != nil {
		slog.Error("Server.createTaskHandler: persist failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create task"))
		return
	}
	slog.Info("Server.createTaskHandler: task created", "job_id", job.ID, "device_id", job.DeviceID)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]any{"job_id": job.ID}))
}

// onlineDevicesHandler reports live presence for one account's devices.
func (s *Server) onlineDevicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: account_id"))
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID != "" {
		online, err := s.tracker.IsOnline(r.Context(), accountID, deviceID)
		if err != nil {
			slog.Error("Server.onlineDevicesHandler: presence check failed", "error", err, "device_id", deviceID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Presence store unavailable"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"device_id": deviceID, "online": online}))
		return
	}
	writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: device_id"))
}
