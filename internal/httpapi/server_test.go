package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperio-dev/aperio/internal/health"
	"github.com/aperio-dev/aperio/internal/metrics"
	"github.com/aperio-dev/aperio/internal/permits"
	"github.com/aperio-dev/aperio/internal/queue"
	"github.com/aperio-dev/aperio/internal/scheduler"
	"github.com/aperio-dev/aperio/internal/store"
	"github.com/aperio-dev/aperio/internal/validate"
)

func writeFakeBinary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func newTestServer(t *testing.T, download scheduler.DownloadFunc, process scheduler.ProcessFunc) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "aperio-test.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New()
	gate := permits.New(2, 2, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(st, q, gate, logger, download, process, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	validator := validate.New(validate.Config{
		MaxURLLength:   2048,
		AllowedDomains: []string{"youtube.com", "www.youtube.com"},
	})

	fake := writeFakeBinary(t)
	hc := health.New(st, fake, fake, t.TempDir())

	reg := prometheus.NewRegistry()
	mc := metrics.New(reg, q, gate)

	srv := New(st, validator, sched, mc, hc, reg, q, gate, nil, logger, Config{
		CORSOrigins: []string{"*"},
		StoragePath: t.TempDir(),
	})
	return srv, st
}

func TestSubmitHappyPathReturns202(t *testing.T) {
	download := func(ctx context.Context, jobID, url string) (string, int64, error) {
		return "/work/" + jobID + "/source.mp4", 10, nil
	}
	process := func(ctx context.Context, jobID, inputPath string) (string, error) {
		return "/storage/" + jobID + ".mp4", nil
	}
	srv, st := newTestServer(t, download, process)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ"})
	resp, err := http.Post(ts.URL+"/process", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var view JobView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "pending", view.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.Get(context.Background(), view.ID)
		require.NoError(t, err)
		if job.Status == store.StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached Completed")
}

func TestSubmitDomainRejection(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"url": "https://example.invalid/v"})
	resp, err := http.Post(ts.URL+"/process", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var eb errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	assert.Equal(t, "InvalidUrl", eb.Error)
	assert.Equal(t, "domain not allowed", eb.Reason)
}

func TestSubmitSchemeRejection(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"url": "http://youtube.com/watch?v=1"})
	resp, err := http.Post(ts.URL+"/process", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	assert.Equal(t, "scheme", eb.Reason)
}

func TestStatusUnknownJobReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusMalformedIDReturns400(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelUnknownJobReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/jobs/00000000-0000-0000-0000-000000000000", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTerminalJobReturns409(t *testing.T) {
	srv, st := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=z", store.PriorityNormal)
	require.NoError(t, err)
	ok, err := st.Transition(context.Background(), job.ID, store.StatusPending, store.StatusCompleted, store.Mutation{})
	require.NoError(t, err)
	require.True(t, ok)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/jobs/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestVideoNonCompletedJobReturns409(t *testing.T) {
	srv, st := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=z", store.PriorityNormal)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/video/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListJobsInvalidPageSizeReturns400(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs?page_size=500")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthLiveAlwaysOK(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthReadyOKWhenDepsPresent(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitBurstReturns503QueueFull(t *testing.T) {
	download := func(ctx context.Context, jobID, url string) (string, int64, error) {
		return "/work/" + jobID + "/source.mp4", 10, nil
	}
	process := func(ctx context.Context, jobID, inputPath string) (string, error) {
		return "/storage/" + jobID + ".mp4", nil
	}
	srv, _ := newTestServer(t, download, process)
	srv.admitLimiter.SetBurst(1)
	srv.admitLimiter.SetLimit(0)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ"})

	resp, err := http.Post(ts.URL+"/process", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp2, err := http.Post(ts.URL+"/process", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)

	var eb errorBody
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&eb))
	assert.Equal(t, "QueueFull", eb.Error)
}

func TestMetricsPrometheusServesExposition(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
