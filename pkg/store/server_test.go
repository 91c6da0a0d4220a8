package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*Server, chan string) {
	t.Helper()
	queue := make(chan string, 8)
	return NewServer(newTestStore(t), queue), queue
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	return resp
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp["status"])
	}
}

func TestServer_InsertAndQuery(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"rows":[
		{"call_id":"c-1","duration":10,"ts":"2025-01-15T01:00:00Z"},
		{"call_id":"c-2","duration":20,"ts":"2025-01-16T01:00:00Z"}
	]}`
	w := doJSON(t, s, "POST", "/tables/calls/rows", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Insert: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["inserted"] != float64(2) {
		t.Errorf("inserted = %v", resp["inserted"])
	}

	w = doJSON(t, s, "GET",
		"/tables/calls/rows?timestamp_column=ts&start_time=2025-01-15T00:00:00Z&end_time=2025-01-16T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Query: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["row_count"] != float64(1) {
		t.Errorf("row_count = %v, want 1", resp["row_count"])
	}
}

func TestServer_Query_RejectsNonCanonicalBounds(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET",
		"/tables/calls/rows?timestamp_column=ts&start_time=2025-01-15&end_time=2025-01-16T00:00:00Z", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestServer_Insert_UnknownDataset(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "POST", "/tables/orders/rows", `{"rows":[{"x":1}]}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_Delete(t *testing.T) {
	s, _ := newTestServer(t)

	doJSON(t, s, "POST", "/tables/calls/rows",
		`{"rows":[{"call_id":"c-1","duration":10,"ts":"2025-01-15T01:00:00Z"}]}`)

	w := doJSON(t, s, "DELETE",
		"/tables/calls/rows?timestamp_column=ts&start_time=2025-01-15T00:00:00Z&end_time=2025-01-16T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["deleted"] != float64(1) {
		t.Errorf("deleted = %v", resp["deleted"])
	}
}

func TestServer_IngestionLog(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"rows":[{"filename":"calls_2025-01-15.csv","dataset":"calls"}]}`
	w := doJSON(t, s, "POST", "/tables/ingestion_log/rows", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["inserted"] != float64(1) {
		t.Errorf("inserted = %v", resp["inserted"])
	}

	// Same entry again: recorded exactly once.
	w = doJSON(t, s, "POST", "/tables/ingestion_log/rows", body)
	if resp := decode(t, w); resp["inserted"] != float64(0) {
		t.Errorf("Duplicate insert = %v, want 0", resp["inserted"])
	}

	w = doJSON(t, s, "GET",
		"/tables/ingestion_log/rows?dataset=calls&filename=calls_2025-01-15.csv", "")
	if resp := decode(t, w); resp["ingested"] != true {
		t.Errorf("ingested = %v", resp["ingested"])
	}

	w = doJSON(t, s, "GET",
		"/tables/ingestion_log/rows?dataset=calls&filename=never-seen.csv", "")
	if resp := decode(t, w); resp["ingested"] != false {
		t.Errorf("ingested = %v for unseen file", resp["ingested"])
	}
}

func TestServer_SubmitJob(t *testing.T) {
	s, queue := newTestServer(t)

	body := `{
		"dataset": "calls",
		"start_time": "2025-01-15T00:00:00Z",
		"end_time": "2025-01-16T00:00:00Z",
		"format": "csv",
		"timestamp_column": "ts",
		"idempotency_key": "calls:w1:csv"
	}`
	w := doJSON(t, s, "POST", "/reports/jobs", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	jobID, _ := resp["job_id"].(string)
	if jobID == "" {
		t.Fatal("No job_id in response")
	}
	if resp["status"] != "queued" {
		t.Errorf("status = %v", resp["status"])
	}

	select {
	case id := <-queue:
		if id != jobID {
			t.Errorf("Enqueued %q, want %q", id, jobID)
		}
	default:
		t.Error("Job was not enqueued")
	}

	// Duplicate submission returns the same job. The job is still queued, so
	// it is re-enqueued; workers de-duplicate through the claim.
	w = doJSON(t, s, "POST", "/reports/jobs", body)
	if resp := decode(t, w); resp["job_id"] != jobID {
		t.Errorf("Duplicate submission job_id = %v", resp["job_id"])
	}
	select {
	case id := <-queue:
		if id != jobID {
			t.Errorf("Re-enqueued %q, want %q", id, jobID)
		}
	default:
		t.Error("Duplicate of a queued job was not re-enqueued")
	}
}

func TestServer_SubmitJob_QueueFull(t *testing.T) {
	st := newTestStore(t)
	queue := make(chan string) // unbuffered, nobody reading
	s := NewServer(st, queue)

	body := `{
		"dataset": "calls",
		"start_time": "2025-01-15T00:00:00Z",
		"end_time": "2025-01-16T00:00:00Z",
		"format": "csv",
		"timestamp_column": "ts",
		"idempotency_key": "calls:w1:csv"
	}`
	w := doJSON(t, s, "POST", "/reports/jobs", body)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_SubmitJob_RequeuesAfterQueueFull(t *testing.T) {
	st := newTestStore(t)
	queue := make(chan string, 1)
	s := NewServer(st, queue)
	queue <- "occupied" // fill the queue so the first submission bounces

	body := `{
		"dataset": "calls",
		"start_time": "2025-01-15T00:00:00Z",
		"end_time": "2025-01-16T00:00:00Z",
		"format": "csv",
		"timestamp_column": "ts",
		"idempotency_key": "calls:w1:csv"
	}`
	w := doJSON(t, s, "POST", "/reports/jobs", body)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}

	// The row was persisted before the bounce.
	jobs, err := st.ListJobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != JobQueued {
		t.Fatalf("jobs = %+v, want one queued job", jobs)
	}

	// Once capacity returns, a resubmission under the same key gets the job
	// onto the queue instead of leaving it stranded.
	<-queue
	w = doJSON(t, s, "POST", "/reports/jobs", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Resubmit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["job_id"] != jobs[0].ID {
		t.Errorf("Resubmit job_id = %v, want %s", resp["job_id"], jobs[0].ID)
	}
	select {
	case id := <-queue:
		if id != jobs[0].ID {
			t.Errorf("Enqueued %q, want %q", id, jobs[0].ID)
		}
	default:
		t.Error("Resubmission did not enqueue the stranded job")
	}
}

func TestServer_SubmitJob_Invalid(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "POST", "/reports/jobs", `{"dataset":"calls","format":"csv"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_GetJob(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "POST", "/reports/jobs", `{
		"dataset": "calls",
		"start_time": "2025-01-15T00:00:00Z",
		"end_time": "2025-01-16T00:00:00Z",
		"format": "csv",
		"timestamp_column": "ts",
		"idempotency_key": "calls:w1:csv"
	}`)
	jobID := decode(t, w)["job_id"].(string)

	w = doJSON(t, s, "GET", fmt.Sprintf("/reports/jobs/%s", jobID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["dataset"] != "calls" {
		t.Errorf("dataset = %v", resp["dataset"])
	}

	w = doJSON(t, s, "GET", "/reports/jobs/no-such-job", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestServer_ListJobs(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/reports/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
}
