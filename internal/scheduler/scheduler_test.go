package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossable/fossdb/internal/ingest"
	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/scheduler"
)

type fakeSource struct {
	name string

	mu         sync.Mutex
	candidates []models.Candidate
	err        error
	fetches    int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchRecent(context.Context) ([]models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeIngestor struct {
	mu       sync.Mutex
	ingested []string
	sweeps   int
	err      error
}

func (f *fakeIngestor) Ingest(_ context.Context, cand models.Candidate) (ingest.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ingest.Outcome{}, f.err
	}
	f.ingested = append(f.ingested, cand.Name)
	return ingest.Outcome{Status: ingest.StatusInserted}, nil
}

func (f *fakeIngestor) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0
}

func (f *fakeIngestor) ingestedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ingested...)
}

func (f *fakeIngestor) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func startScheduler(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func TestScheduler_PollsAllSourcesImmediately(t *testing.T) {
	t.Parallel()

	crates := &fakeSource{name: "crates.io", candidates: []models.Candidate{{Name: "serde"}}}
	npm := &fakeSource{name: "npm", candidates: []models.Candidate{{Name: "express"}}}
	ingestor := &fakeIngestor{}

	s := scheduler.New([]scheduler.Entry{
		{Source: crates, Interval: time.Hour},
		{Source: npm, Interval: time.Hour},
	}, ingestor, nil)
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		names := ingestor.ingestedNames()
		return len(names) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"serde", "express"}, ingestor.ingestedNames())
	assert.Equal(t, 1, crates.fetchCount())
	assert.Equal(t, 1, npm.fetchCount())
}

func TestScheduler_PollsOnInterval(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "crates.io"}
	s := scheduler.New([]scheduler.Entry{
		{Source: src, Interval: 20 * time.Millisecond},
	}, &fakeIngestor{}, nil)
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		return src.fetchCount() >= 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_FetchFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "npm", err: errors.New("registry down")}
	ingestor := &fakeIngestor{}
	s := scheduler.New([]scheduler.Entry{
		{Source: src, Interval: 20 * time.Millisecond},
	}, ingestor, nil)
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		return src.fetchCount() >= 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, ingestor.ingestedNames())
}

func TestScheduler_IngestFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "crates.io", candidates: []models.Candidate{
		{Name: "a"}, {Name: "b"},
	}}
	ingestor := &fakeIngestor{err: errors.New("store unavailable")}
	s := scheduler.New([]scheduler.Entry{
		{Source: src, Interval: time.Hour},
	}, ingestor, nil)
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		return src.fetchCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_RunsLockSweep(t *testing.T) {
	t.Parallel()

	ingestor := &fakeIngestor{}
	s := scheduler.New([]scheduler.Entry{
		{Source: &fakeSource{name: "crates.io"}, Interval: time.Hour},
	}, ingestor, nil, scheduler.WithSweepInterval(10*time.Millisecond))
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		return ingestor.sweepCount() >= 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_StopWaitsForLoops(t *testing.T) {
	t.Parallel()

	s := scheduler.New([]scheduler.Entry{
		{Source: &fakeSource{name: "npm"}, Interval: time.Hour},
	}, &fakeIngestor{}, nil)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()

	// Give the loops a moment to start, then stop.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Stop())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
