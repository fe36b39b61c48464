package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/domain"
	"batchd/internal/executor"
	"batchd/internal/http/handlers"
	"batchd/internal/http/httpapi"
	"batchd/internal/orchestrator"
	"batchd/internal/storage"
)

func newTestServer(t *testing.T, exec executor.Executor) *httptest.Server {
	t.Helper()
	if exec == nil {
		exec = executor.Func(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		})
	}
	logger := zerolog.Nop()
	engine, err := orchestrator.New(storage.NewMemoryStore(), exec, logger, orchestrator.WithPersistRetry(1, time.Millisecond))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})

	srv := httptest.NewServer(httpapi.NewRouter(handlers.NewApp(engine, logger), logger))
	t.Cleanup(srv.Close)
	return srv
}

func createPayload(ops int, start bool) string {
	var b strings.Builder
	b.WriteString(`{"name":"nightly","kind":"bulk_pipeline_execution","policy":{"parallel":true,"max_parallel":2},"operations":[`)
	for i := 0; i < ops; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"pipeline":"p-%d"}`, i)
	}
	b.WriteString(`]`)
	if start {
		b.WriteString(`,"start":true`)
	}
	b.WriteString(`}`)
	return b.String()
}

func decodeJob(t *testing.T, resp *http.Response) *domain.Job {
	t.Helper()
	defer resp.Body.Close()
	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &job
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func waitTerminal(t *testing.T, srv *httptest.Server, id string) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/v1/jobs/" + id)
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		job := decodeJob(t, resp)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status", id)
	return nil
}

func TestCreateStartAndGetJob(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/jobs", createPayload(3, true))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	job := decodeJob(t, resp)
	if job.ID == "" {
		t.Fatal("expected a job id")
	}

	final := waitTerminal(t, srv, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Progress.Percent != 100 {
		t.Fatalf("percent = %v, want 100", final.Progress.Percent)
	}
}

func TestCreateWithoutStartStaysPending(t *testing.T) {
	srv := newTestServer(t, nil)

	job := decodeJob(t, postJSON(t, srv.URL+"/v1/jobs", createPayload(2, false)))
	if job.Status != domain.JobStatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}

	resp := postJSON(t, srv.URL+"/v1/jobs/"+job.ID+"/start", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()
	waitTerminal(t, srv, job.ID)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	srv := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"name":`},
		{"unknown kind", `{"name":"x","kind":"mystery","operations":[{"a":1}]}`},
		{"no operations", `{"name":"x","kind":"bulk_pipeline_execution","operations":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/jobs", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestJobNotFoundMapsTo404(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteRunningJobConflicts(t *testing.T) {
	block := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return json.RawMessage(`{}`), nil
	})
	srv := newTestServer(t, exec)

	job := decodeJob(t, postJSON(t, srv.URL+"/v1/jobs", createPayload(1, true)))

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/jobs/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete running status = %d, want 409", resp.StatusCode)
	}

	close(block)
	waitTerminal(t, srv, job.ID)

	resp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete terminal status = %d, want 204", resp.StatusCode)
	}
}

func TestCancelPendingJob(t *testing.T) {
	srv := newTestServer(t, nil)

	job := decodeJob(t, postJSON(t, srv.URL+"/v1/jobs", createPayload(2, false)))

	resp := postJSON(t, srv.URL+"/v1/jobs/"+job.ID+"/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", resp.StatusCode)
	}
	got := decodeJob(t, resp)
	if got.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Cancelling again is an invalid transition.
	resp = postJSON(t, srv.URL+"/v1/jobs/"+job.ID+"/cancel", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	exec := executor.Func(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
		if failing.Load() {
			return nil, fmt.Errorf("transient failure")
		}
		return json.RawMessage(`{}`), nil
	})
	srv := newTestServer(t, exec)

	job := decodeJob(t, postJSON(t, srv.URL+"/v1/jobs", createPayload(1, true)))
	final := waitTerminal(t, srv, job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	failing.Store(false)
	resp := postJSON(t, srv.URL+"/v1/jobs/"+job.ID+"/retry", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("retry status = %d, want 202", resp.StatusCode)
	}
	final = waitTerminal(t, srv, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("status after retry = %s, want completed", final.Status)
	}
}

func TestListFiltersAndStats(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		job := decodeJob(t, postJSON(t, srv.URL+"/v1/jobs", createPayload(1, true)))
		waitTerminal(t, srv, job.ID)
	}
	decodeJob(t, postJSON(t, srv.URL+"/v1/jobs", createPayload(1, false)))

	resp, err := http.Get(srv.URL + "/v1/jobs?status=completed")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	defer resp.Body.Close()
	var list struct {
		Jobs  []*domain.Job `json:"jobs"`
		Count int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 3 {
		t.Fatalf("completed count = %d, want 3", list.Count)
	}

	resp, err = http.Get(srv.URL + "/v1/jobs?limit=-1")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	var stats orchestrator.Statistics
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalJobs != 4 {
		t.Fatalf("total jobs = %d, want 4", stats.TotalJobs)
	}
	if stats.ByStatus[domain.JobStatusCompleted] != 3 {
		t.Fatalf("completed = %d, want 3", stats.ByStatus[domain.JobStatusCompleted])
	}
}

func TestExportJob(t *testing.T) {
	srv := newTestServer(t, nil)

	job := decodeJob(t, postJSON(t, srv.URL+"/v1/jobs", createPayload(2, true)))
	waitTerminal(t, srv, job.ID)

	resp, err := http.Get(srv.URL + "/v1/jobs/" + job.ID + "/export")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d, want 200", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, job.ID) {
		t.Fatalf("content disposition %q does not name the job", cd)
	}
	var exported domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&exported); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if exported.ID != job.ID || len(exported.Operations) != 2 {
		t.Fatalf("export mismatch: id=%s ops=%d", exported.ID, len(exported.Operations))
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
