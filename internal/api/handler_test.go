package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/uploadgate/uploadgate/internal/config"
	"github.com/uploadgate/uploadgate/internal/events"
	"github.com/uploadgate/uploadgate/internal/job"
	"github.com/uploadgate/uploadgate/internal/upload"
	"github.com/uploadgate/uploadgate/internal/webhook"
)

const (
	testAPIKey = "test-api-key"
	testSecret = "super-secret-webhook-key"
)

// fakeSigner avoids a live object store in handler tests.
type fakeSigner struct{}

func (fakeSigner) PresignUpload(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.example.com/presigned/" + key, nil
}

func (fakeSigner) PublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

// testConfig returns a minimal config suitable for handler tests.
func testConfig() *config.Config {
	return &config.Config{
		APIKeys:       []string{testAPIKey},
		WebhookSecret: testSecret,
		MaxFileSize:   20 << 20,
		PresignTTL:    time.Hour,
		WorkerURL:     "https://worker.example.com/process",
	}
}

// newTestServer builds an httptest.Server with a real MemoryStore and the
// production middleware chain.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *job.MemoryStore) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	store := job.NewMemoryStore()
	initiator := upload.NewInitiator(store, fakeSigner{}, cfg.WorkerURL, cfg.MaxFileSize, cfg.PresignTTL)
	receiver := webhook.NewReceiver(store, cfg.WebhookSecret, cfg.AllowedWebhookIPs, cfg.AllowUnsignedWebhooks)
	notifier := webhook.NewNotifier(cfg.WebhookSecret)
	hub := events.NewHub()

	mux := http.NewServeMux()
	h := NewHandler(store, initiator, receiver, notifier, hub, cfg)
	h.RegisterRoutes(mux)

	handler := Chain(mux,
		CORS(cfg.CORSOrigins),
		RequestID,
		Auth(cfg.APIKeys),
	)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
	} else {
		req, err = http.NewRequest(method, srv.URL+path, nil)
	}
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	return resp
}

func authed() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func initiateUpload(t *testing.T, srv *httptest.Server) upload.InitResponse {
	t.Helper()
	body, _ := json.Marshal(upload.InitRequest{
		FileName: "a.pdf",
		FileSize: 1000,
		FileType: "application/pdf",
	})
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/uploads", body, authed())
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initiate: status = %d, want 200", resp.StatusCode)
	}
	var out upload.InitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode init response: %v", err)
	}
	return out
}

// signedCallback builds a valid webhook body for the given transition.
func signedCallback(t *testing.T, jobID, status string, result json.RawMessage, errMsg *string) []byte {
	t.Helper()
	ts := time.Now().UTC().Format(time.RFC3339)
	p := webhook.Payload{
		JobID:     jobID,
		Status:    status,
		Result:    result,
		Error:     errMsg,
		Timestamp: ts,
		Signature: webhook.Sign(testSecret, jobID, status, result, errMsg, ts),
	}
	body, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	return body
}

func TestInitiateUpload_Returns200WithJobID(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	out := initiateUpload(t, srv)
	if out.JobID == "" {
		t.Fatal("response missing jobId")
	}
	if !strings.Contains(out.UploadURL, out.JobID) {
		t.Errorf("UploadURL %q does not embed the job id", out.UploadURL)
	}
	if out.PublicURL != "https://cdn.example.com/"+out.Key {
		t.Errorf("PublicURL = %q", out.PublicURL)
	}
	if out.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", out.ExpiresIn)
	}

	// The job must be immediately resolvable as pending.
	getResp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/"+out.JobID, nil, authed())
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", getResp.StatusCode)
	}
	var j job.Job
	json.NewDecoder(getResp.Body).Decode(&j)
	if j.Status != job.StatusPending {
		t.Errorf("Status = %q, want pending", j.Status)
	}
	if cc := getResp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestInitiateUpload_ValidationErrors(t *testing.T) {
	srv, store := newTestServer(t, nil)

	tests := []struct {
		name string
		req  upload.InitRequest
	}{
		{"zero size", upload.InitRequest{FileName: "a.pdf", FileSize: 0, FileType: "application/pdf"}},
		{"oversize", upload.InitRequest{FileName: "a.pdf", FileSize: 20<<20 + 1, FileType: "application/pdf"}},
		{"type mismatch", upload.InitRequest{FileName: "a.pdf", FileSize: 100, FileType: "image/png"}},
		{"unsupported extension", upload.InitRequest{FileName: "a.exe", FileSize: 100, FileType: "application/octet-stream"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			resp := doRequest(t, srv, http.MethodPost, "/api/v1/uploads", body, authed())
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	if _, total, _ := store.List(context.Background(), 10, 0); total != 0 {
		t.Errorf("store has %d jobs after rejected initiations, want 0", total)
	}
}

func TestAuth_NoAPIKey_Returns401(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body, _ := json.Marshal(upload.InitRequest{FileName: "a.pdf", FileSize: 100, FileType: "application/pdf"})
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/uploads", body, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth_ExemptFromAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/health", nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health without key: status = %d, want 200", resp.StatusCode)
	}
}

func TestGetJob_MalformedID_Returns400(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil, authed())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJob_Unknown_Returns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil, authed())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhook_EndToEnd(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	out := initiateUpload(t, srv)

	body := signedCallback(t, out.JobID, "complete", json.RawMessage(`{"url":"https://x/a.pdf"}`), nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", body, map[string]string{
		webhook.SecretHeader: testSecret,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook: status = %d, want 200", resp.StatusCode)
	}
	var ack map[string]any
	json.NewDecoder(resp.Body).Decode(&ack)
	if ack["success"] != true || ack["jobId"] != out.JobID || ack["status"] != "complete" {
		t.Errorf("ack = %v", ack)
	}

	getResp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/"+out.JobID, nil, authed())
	defer getResp.Body.Close()
	var j job.Job
	json.NewDecoder(getResp.Body).Decode(&j)
	if j.Status != job.StatusComplete {
		t.Errorf("Status = %q, want complete", j.Status)
	}
	if j.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	var result map[string]string
	json.Unmarshal(j.Result, &result)
	if result["url"] != "https://x/a.pdf" {
		t.Errorf("result url = %q", result["url"])
	}
}

func TestWebhook_MissingSecret_Returns401(t *testing.T) {
	srv, store := newTestServer(t, nil)
	out := initiateUpload(t, srv)

	body := signedCallback(t, out.JobID, "complete", nil, nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", body, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	j, _ := store.Get(context.Background(), out.JobID)
	if j.Status != job.StatusPending {
		t.Errorf("Status = %q after rejected callback, want pending", j.Status)
	}
}

func TestWebhook_WrongSecret_Returns401(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	out := initiateUpload(t, srv)

	body := signedCallback(t, out.JobID, "complete", nil, nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", body, map[string]string{
		webhook.SecretHeader: "not-the-secret",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebhook_IPGate_Returns401(t *testing.T) {
	// httptest connects from loopback; an allow-list elsewhere must reject it.
	srv, store := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedWebhookIPs = []string{"203.0.113.*"}
	})
	out := initiateUpload(t, srv)

	body := signedCallback(t, out.JobID, "complete", nil, nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", body, map[string]string{
		webhook.SecretHeader: testSecret,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	j, _ := store.Get(context.Background(), out.JobID)
	if j.Status != job.StatusPending {
		t.Errorf("Status = %q after IP rejection, want pending", j.Status)
	}
}

func TestWebhook_IPGate_LoopbackAllowed(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedWebhookIPs = []string{"127.0.0.1", "::1"}
	})
	out := initiateUpload(t, srv)

	body := signedCallback(t, out.JobID, "processing", nil, nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", body, map[string]string{
		webhook.SecretHeader: testSecret,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebhook_UnknownJob_Returns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	id := uuid.New().String()
	body := signedCallback(t, id, "complete", nil, nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", body, map[string]string{
		webhook.SecretHeader: testSecret,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhook_StaleCallback_Returns409(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	out := initiateUpload(t, srv)

	complete := signedCallback(t, out.JobID, "complete", nil, nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", complete, map[string]string{
		webhook.SecretHeader: testSecret,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete callback: status = %d", resp.StatusCode)
	}

	stale := signedCallback(t, out.JobID, "processing", nil, nil)
	resp2 := doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/jobs", stale, map[string]string{
		webhook.SecretHeader: testSecret,
	})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("stale callback: status = %d, want 409", resp2.StatusCode)
	}
}

func TestDispatch_UnknownJob_Returns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/uploads/"+uuid.New().String()+"/dispatch", nil, authed())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDispatch_NoWorkerConfigured_Returns503(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) { cfg.WorkerURL = "" })
	out := initiateUpload(t, srv)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/uploads/"+out.JobID+"/dispatch", nil, authed())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestListJobs_EmptyArray(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs", nil, authed())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Jobs  []*job.Job `json:"jobs"`
		Total int        `json:"total"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Jobs == nil {
		t.Error("jobs is null, want empty array")
	}
	if out.Total != 0 {
		t.Errorf("total = %d, want 0", out.Total)
	}
}

func TestDeleteJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	out := initiateUpload(t, srv)

	resp := doRequest(t, srv, http.MethodDelete, "/api/v1/jobs/"+out.JobID, nil, authed())
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want 204", resp.StatusCode)
	}

	resp2 := doRequest(t, srv, http.MethodDelete, "/api/v1/jobs/"+out.JobID, nil, authed())
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want 404", resp2.StatusCode)
	}
}

func TestStreamSSE_TerminalJobSendsResultImmediately(t *testing.T) {
	cfg := testConfig()
	store := job.NewMemoryStore()
	initiator := upload.NewInitiator(store, fakeSigner{}, cfg.WorkerURL, cfg.MaxFileSize, cfg.PresignTTL)
	receiver := webhook.NewReceiver(store, cfg.WebhookSecret, nil, false)
	hub := events.NewHub()
	h := NewHandler(store, initiator, receiver, webhook.NewNotifier(cfg.WebhookSecret), hub, cfg)

	id := uuid.New().String()
	now := time.Now().UTC()
	store.Create(context.Background(), &job.Job{
		ID: id, FileName: "a.pdf", FileSize: 1, FileType: "application/pdf",
		Status: job.StatusPending, CreatedAt: now, UpdatedAt: now,
	})
	if _, err := store.Apply(context.Background(), id, job.Update{
		Status: job.StatusComplete,
		Result: json.RawMessage(`{"url":"https://x/a.pdf"}`),
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/sse", nil)
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	h.StreamSSE(rr, req)

	body := rr.Body.String()
	if !strings.HasPrefix(body, "event: result\n") {
		t.Errorf("SSE body = %q, want a result event", body)
	}
	if !strings.Contains(body, `"status":"complete"`) {
		t.Errorf("SSE body missing terminal status: %q", body)
	}
}
