package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/trihai306/agentphone/internal/assigner"
	"github.com/trihai306/agentphone/internal/dispatch"
	"github.com/trihai306/agentphone/internal/models"
	"github.com/trihai306/agentphone/internal/presence"
	"github.com/trihai306/agentphone/internal/store"
	"github.com/trihai306/agentphone/internal/transport"
)

type testEnv struct {
	store     *store.InMemoryStore
	tracker   *presence.Tracker
	transport *transport.MemoryTransport
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	tracker := presence.NewTracker(presence.NewMemoryClient(), st)
	tr := transport.NewMemoryTransport()
	dispatcher := dispatch.NewDispatcher(st, tracker, tr)
	asn := assigner.NewAssigner(st)
	server := NewServer(st, asn, dispatcher, tracker, nil)
	return &testEnv{store: st, tracker: tracker, transport: tr, handler: server.Handler()}
}

func (e *testEnv) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestRunCampaignEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.store.AddDevice(models.Device{ID: "d1", AccountID: "acct", Connected: true})
	e.store.AddCampaign(models.Campaign{
		ID:        "c1",
		AccountID: "acct",
		DeviceIDs: []string{"d1"},
		Workflows: []models.CampaignWorkflow{{FlowID: "f1"}},
	})

	w := e.post(t, "/campaigns/run", `{"campaign_id":"c1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if jobs := e.store.JobsByCampaign("c1"); len(jobs) != 1 {
		t.Errorf("expected 1 job created, got %d", len(jobs))
	}
}

func TestRunCampaignPreconditionFailure(t *testing.T) {
	e := newTestEnv(t)
	e.store.AddDevice(models.Device{ID: "d1", AccountID: "acct", Connected: false})
	e.store.AddCampaign(models.Campaign{
		ID:        "c1",
		DeviceIDs: []string{"d1"},
		Workflows: []models.CampaignWorkflow{{FlowID: "f1"}},
	})

	w := e.post(t, "/campaigns/run", `{"campaign_id":"c1"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	resp := decodeResponse(t, w)
	if !strings.Contains(resp.Message, "no connected devices") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestRunCampaignNotFound(t *testing.T) {
	e := newTestEnv(t)
	if w := e.post(t, "/campaigns/run", `{"campaign_id":"ghost"}`); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRunCampaignBadRequests(t *testing.T) {
	e := newTestEnv(t)
	if w := e.post(t, "/campaigns/run", `{broken`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: status = %d, want 400", w.Code)
	}
	if w := e.post(t, "/campaigns/run", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing campaign_id: status = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/campaigns/run", nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", w.Code)
	}
}

func TestDispatchJobEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.store.AddFlow(models.Flow{ID: "f1", Name: "flow"})
	if err := e.store.CreateJobs([]models.Job{
		{ID: "j1", AccountID: "acct", DeviceID: "d1", FlowID: "f1", Status: models.JobStatusPending},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Offline device: accepted but not dispatched.
	w := e.post(t, "/jobs/dispatch", `{"job_id":"j1"}`)
	if w.Code != http.StatusAccepted {
		t.Errorf("offline dispatch: status = %d, want 202", w.Code)
	}
	j, _ := e.store.GetJob("j1")
	if j.Status != models.JobStatusPending {
		t.Errorf("offline dispatch mutated status: %s", j.Status)
	}

	if err := e.tracker.MarkOnline(context.Background(), "acct", "d1", "int-1"); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	w = e.post(t, "/jobs/dispatch", `{"job_id":"j1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("online dispatch: status = %d, body = %s", w.Code, w.Body.String())
	}
	j, _ = e.store.GetJob("j1")
	if j.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	e := newTestEnv(t)
	if err := e.store.CreateJobs([]models.Job{
		{ID: "j1", AccountID: "acct", DeviceID: "d1", FlowID: "f1", Status: models.JobStatusRunning},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := e.post(t, "/jobs/cancel", `{"job_id":"j1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	j, _ := e.store.GetJob("j1")
	if j.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", j.Status)
	}

	if w := e.post(t, "/jobs/cancel", `{"job_id":"ghost"}`); w.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", w.Code)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	e := newTestEnv(t)
	if err := e.store.CreateJobs([]models.Job{
		{ID: "j1", AccountID: "acct", DeviceID: "d1", FlowID: "f1", Status: models.JobStatusRunning},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if w := e.post(t, "/jobs/pause", `{"job_id":"j1"}`); w.Code != http.StatusOK {
		t.Errorf("pause: status = %d", w.Code)
	}
	if w := e.post(t, "/jobs/resume", `{"job_id":"j1"}`); w.Code != http.StatusOK {
		t.Errorf("resume: status = %d", w.Code)
	}
	j, _ := e.store.GetJob("j1")
	if j.Status != models.JobStatusRunning {
		t.Errorf("advisory control changed status: %s", j.Status)
	}
	frames := e.transport.Frames("d1")
	if len(frames) != 2 || frames[0].Event != models.EventJobPause || frames[1].Event != models.EventJobResume {
		t.Errorf("expected pause+resume frames, got %v", frames)
	}
}

func TestCreateTaskEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.store.AddFlow(models.Flow{ID: "f1", Name: "flow"})
	e.store.AddDevice(models.Device{ID: "d1", AccountID: "acct"})

	w := e.post(t, "/tasks", `{"account_id":"acct","device_id":"d1","flow_id":"f1","priority":8}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result shape wrong: %v", resp.Result)
	}
	jobID, _ := result["job_id"].(string)
	j, err := e.store.GetJob(jobID)
	if err != nil {
		t.Fatalf("created job not found: %v", err)
	}
	if j.Priority != 8 || j.Status != models.JobStatusPending {
		t.Errorf("task fields wrong: %+v", j)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	e := newTestEnv(t)
	e.store.AddFlow(models.Flow{ID: "f1"})
	e.store.AddDevice(models.Device{ID: "d1"})

	if w := e.post(t, "/tasks", `{"device_id":"d1","flow_id":"ghost"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown flow: status = %d, want 404", w.Code)
	}
	if w := e.post(t, "/tasks", `{"device_id":"ghost","flow_id":"f1"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d, want 404", w.Code)
	}
	if w := e.post(t, "/tasks", `{"device_id":"d1","flow_id":"f1","priority":99}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid priority: status = %d, want 400", w.Code)
	}
}

func TestOnlineDevicesEndpoint(t *testing.T) {
	e := newTestEnv(t)
	if err := e.tracker.MarkOnline(context.Background(), "acct", "d1", "int-1"); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, req)
		return w
	}

	w := get("/devices/online?account_id=acct&device_id=d1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	result := resp.Result.(map[string]any)
	if result["online"] != true {
		t.Errorf("device should be online: %v", result)
	}

	w = get("/devices/online?account_id=acct&device_id=d2")
	result = decodeResponse(t, w).Result.(map[string]any)
	if result["online"] != false {
		t.Errorf("unknown device should be offline: %v", result)
	}

	if w := get("/devices/online"); w.Code != http.StatusBadRequest {
		t.Errorf("missing account_id: status = %d, want 400", w.Code)
	}
}
