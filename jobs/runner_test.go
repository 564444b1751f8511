package jobs_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

func newRunner(now *time.Time) (*jobs.Runner, *memory.Store) {
	st := memory.New()
	r := jobs.NewRunner(st, zerolog.Nop())
	r.Now = func() time.Time { return *now }
	r.MaxAttempts = 3
	return r, st
}

func mustEnqueue(t *testing.T, st *memory.Store, typ jobs.Type, key string, runAt time.Time) jobs.Job {
	t.Helper()
	j, err := jobs.New(typ, jobs.ApplicationPayload{ApplicationID: "app-1"}, key, runAt)
	require.NoError(t, err)
	require.NoError(t, st.EnqueueJob(context.Background(), j))
	return j
}

func TestRunner_RunsOnlyDueJobs(t *testing.T) {
	ctx := context.Background()
	now := t0
	r, st := newRunner(&now)

	var seen []string
	r.Handle(jobs.TypePayout, func(_ context.Context, j jobs.Job) error {
		var p jobs.ApplicationPayload
		require.NoError(t, j.Decode(&p))
		seen = append(seen, p.ApplicationID)
		return nil
	})

	mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0.Add(time.Hour))

	n, err := r.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	now = t0.Add(time.Hour)
	n, err = r.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"app-1"}, seen)

	job, err := st.GetJobByKey(ctx, "payout:app-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRunner_DuplicateKeyEnqueuedOnce(t *testing.T) {
	ctx := context.Background()
	now := t0
	r, st := newRunner(&now)

	var calls int32
	r.Handle(jobs.TypePayout, func(context.Context, jobs.Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0)
	mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0)

	_, err := r.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestRunner_RetriesWithBackoffThenFails(t *testing.T) {
	// GIVEN: A handler that always fails and MaxAttempts = 3
	// WHEN: The runner keeps polling as time passes
	// THEN: Attempts are spaced by the backoff and the job ends failed

	ctx := context.Background()
	now := t0
	r, st := newRunner(&now)
	r.Handle(jobs.TypePayout, func(context.Context, jobs.Job) error { return errors.New("gateway timeout") })
	mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0)

	_, err := r.RunNow(ctx)
	require.NoError(t, err)
	job, _ := st.GetJobByKey(ctx, "payout:app-1")
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, t0.Add(10*time.Second), job.RunAt)
	assert.Equal(t, "gateway timeout", job.LastError)

	now = t0.Add(10 * time.Second)
	_, err = r.RunNow(ctx)
	require.NoError(t, err)
	job, _ = st.GetJobByKey(ctx, "payout:app-1")
	assert.Equal(t, now.Add(20*time.Second), job.RunAt)

	now = now.Add(20 * time.Second)
	_, err = r.RunNow(ctx)
	require.NoError(t, err)
	job, _ = st.GetJobByKey(ctx, "payout:app-1")
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestRunner_PermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	now := t0
	r, st := newRunner(&now)
	r.Handle(jobs.TypeMatchShift, func(context.Context, jobs.Job) error {
		return jobs.Permanent(errors.New("shift gone"))
	})
	mustEnqueue(t, st, jobs.TypeMatchShift, "match:s1", t0)

	_, err := r.RunNow(ctx)
	require.NoError(t, err)
	job, _ := st.GetJobByKey(ctx, "match:s1")
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRunner_UnknownTypeAndPanicsAreContained(t *testing.T) {
	ctx := context.Background()
	now := t0
	r, st := newRunner(&now)
	r.Handle(jobs.TypePayout, func(context.Context, jobs.Job) error { panic("nil map") })

	mustEnqueue(t, st, jobs.TypeAutoApproveStart, "auto:1", t0)
	mustEnqueue(t, st, jobs.TypePayout, "payout:1", t0)

	assert.NotPanics(t, func() {
		_, err := r.RunNow(ctx)
		require.NoError(t, err)
	})

	unknown, _ := st.GetJobByKey(ctx, "auto:1")
	assert.Equal(t, jobs.StatusFailed, unknown.Status)
	panicked, _ := st.GetJobByKey(ctx, "payout:1")
	assert.Equal(t, jobs.StatusPending, panicked.Status)
	assert.Contains(t, panicked.LastError, "panic")
}

func TestRunner_ReclaimsExpiredLease(t *testing.T) {
	// A job claimed by a runner that crashed stays running until its lease
	// expires, then is picked up again.
	ctx := context.Background()
	now := t0
	r, st := newRunner(&now)
	mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0)

	claimed, err := st.ClaimDueJobs(ctx, t0, r.Lease, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var calls int32
	r.Handle(jobs.TypePayout, func(context.Context, jobs.Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	n, _ := r.RunNow(ctx)
	assert.Equal(t, 0, n, "lease still held")

	now = t0.Add(r.Lease + time.Second)
	n, _ = r.RunNow(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), calls)
}

func TestRunner_FailedJobRearmedByEnqueue(t *testing.T) {
	ctx := context.Background()
	now := t0
	_, st := newRunner(&now)
	j := mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0)
	require.NoError(t, st.FailJob(ctx, j.ID, "boom"))

	mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0.Add(time.Hour))

	got, err := st.GetJobByKey(ctx, "payout:app-1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, t0.Add(time.Hour), got.RunAt)
}

func TestRunner_StartStop(t *testing.T) {
	now := t0
	r, st := newRunner(&now)
	r.PollInterval = 10 * time.Millisecond

	done := make(chan struct{})
	r.Handle(jobs.TypePayout, func(context.Context, jobs.Job) error {
		close(done)
		return nil
	})
	var sweeps int32
	r.Every("count", time.Hour, func(context.Context) error {
		atomic.AddInt32(&sweeps, 1)
		return nil
	})
	mustEnqueue(t, st, jobs.TypePayout, "payout:app-1", t0)

	r.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job not run")
	}
	r.Stop()
	r.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&sweeps), "sweep interval not yet elapsed on the fixed clock")
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, jobs.Backoff(1))
	assert.Equal(t, 20*time.Second, jobs.Backoff(2))
	assert.Equal(t, 80*time.Second, jobs.Backoff(4))
	assert.Equal(t, time.Hour, jobs.Backoff(20))
}
