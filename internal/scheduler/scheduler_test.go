package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperio-dev/aperio/internal/jobserr"
	"github.com/aperio-dev/aperio/internal/permits"
	"github.com/aperio-dev/aperio/internal/queue"
	"github.com/aperio-dev/aperio/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/aperio-test.db", 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForStatus(t *testing.T, st *store.Store, jobID string, want store.Status, timeout time.Duration) store.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := st.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return *job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return store.Job{}
}

func TestSchedulerHappyPath(t *testing.T) {
	st := newTestStore(t)
	q := queue.New()
	gate := permits.New(2, 2, 4)

	download := func(ctx context.Context, jobID, url string) (string, int64, error) {
		return "/work/" + jobID + "/source.mp4", 1024, nil
	}
	process := func(ctx context.Context, jobID, inputPath string) (string, error) {
		return "/storage/" + jobID + ".mp4", nil
	}

	sched := New(st, q, gate, testLogger(), download, process, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=x", store.PriorityNormal)
	require.NoError(t, err)
	sched.NotifyAdmitted(job.ID, job.Priority)

	got := waitForStatus(t, st, job.ID, store.StatusCompleted, 2*time.Second)
	require.NotNil(t, got.ProcessedPath)
	assert.Equal(t, "/storage/"+job.ID+".mp4", *got.ProcessedPath)
}

func TestSchedulerDownloadFailure(t *testing.T) {
	st := newTestStore(t)
	q := queue.New()
	gate := permits.New(2, 2, 4)

	download := func(ctx context.Context, jobID, url string) (string, int64, error) {
		return "", 0, jobserr.New(jobserr.KindDownloadFailed, "boom")
	}
	process := func(ctx context.Context, jobID, inputPath string) (string, error) {
		t.Fatal("process should not run after a download failure")
		return "", nil
	}

	sched := New(st, q, gate, testLogger(), download, process, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=y", store.PriorityNormal)
	require.NoError(t, err)
	sched.NotifyAdmitted(job.ID, job.Priority)

	got := waitForStatus(t, st, job.ID, store.StatusFailed, 2*time.Second)
	require.NotNil(t, got.ErrorMessage)

	snap := gate.Snapshot()
	assert.Equal(t, 0, snap.DownloadInUse)
	assert.Equal(t, 0, snap.TotalActiveInUse)
}

func TestSchedulerRespectsDownloadCapacity(t *testing.T) {
	st := newTestStore(t)
	q := queue.New()
	gate := permits.New(1, 1, 4)

	release := make(chan struct{})
	started := make(chan string, 4)

	download := func(ctx context.Context, jobID, url string) (string, int64, error) {
		started <- jobID
		<-release
		return "/work/" + jobID + "/source.mp4", 10, nil
	}
	process := func(ctx context.Context, jobID, inputPath string) (string, error) {
		return "/storage/" + jobID + ".mp4", nil
	}

	sched := New(st, q, gate, testLogger(), download, process, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	var jobIDs []string
	for i := 0; i < 2; i++ {
		job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=z", store.PriorityNormal)
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
		sched.NotifyAdmitted(job.ID, job.Priority)
	}

	first := <-started
	assert.Contains(t, jobIDs, first)

	select {
	case <-started:
		t.Fatal("a second download started while the download permit (limit 1) was held")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
}

func TestSchedulerCancelPendingJob(t *testing.T) {
	st := newTestStore(t)
	q := queue.New()
	gate := permits.New(0, 0, 0) // no capacity: job stays Pending in the queue

	download := func(ctx context.Context, jobID, url string) (string, int64, error) {
		t.Fatal("download must not run for a job with no permit capacity")
		return "", 0, nil
	}
	process := func(ctx context.Context, jobID, inputPath string) (string, error) {
		return "", nil
	}

	sched := New(st, q, gate, testLogger(), download, process, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=w", store.PriorityNormal)
	require.NoError(t, err)
	sched.NotifyAdmitted(job.ID, job.Priority)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sched.Cancel(context.Background(), job.ID))

	got := waitForStatus(t, st, job.ID, store.StatusCancelled, time.Second)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Equal(t, 0, q.Len())
}

func TestSchedulerCancelDuringProcessingIsHonored(t *testing.T) {
	st := newTestStore(t)
	q := queue.New()
	gate := permits.New(2, 2, 4)

	processStarted := make(chan struct{})

	download := func(ctx context.Context, jobID, url string) (string, int64, error) {
		return "/work/" + jobID + "/source.mp4", 10, nil
	}
	process := func(ctx context.Context, jobID, inputPath string) (string, error) {
		close(processStarted)
		<-ctx.Done()
		return "", jobserr.Wrap(jobserr.KindCancelled, "processing cancelled", ctx.Err())
	}

	sched := New(st, q, gate, testLogger(), download, process, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=cancel-processing", store.PriorityNormal)
	require.NoError(t, err)
	sched.NotifyAdmitted(job.ID, job.Priority)

	<-processStarted
	waitForStatus(t, st, job.ID, store.StatusProcessing, time.Second)

	require.NoError(t, sched.Cancel(context.Background(), job.ID))

	got := waitForStatus(t, st, job.ID, store.StatusCancelled, time.Second)
	assert.Nil(t, got.ErrorMessage)

	snap := gate.Snapshot()
	assert.Equal(t, 0, snap.ProcessInUse)
	assert.Equal(t, 0, snap.TotalActiveInUse)
}

func TestSchedulerCancelAlreadyTerminalReturnsError(t *testing.T) {
	st := newTestStore(t)
	q := queue.New()
	gate := permits.New(2, 2, 4)

	sched := New(st, q, gate, testLogger(), nil, nil, nil)

	job, err := st.Create(context.Background(), "https://www.youtube.com/watch?v=v", store.PriorityNormal)
	require.NoError(t, err)
	ok, err := st.Transition(context.Background(), job.ID, store.StatusPending, store.StatusCompleted, store.Mutation{})
	require.NoError(t, err)
	require.True(t, ok)

	err = sched.Cancel(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, jobserr.KindNotInExpectedState, jobserr.KindOf(err))
}
