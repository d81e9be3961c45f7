// Package scheduler runs the per-registry poll loops that feed the
// ingestion coordinator, plus the periodic idle-lock sweep.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fossable/fossdb/internal/ingest"
	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/sources"
	"github.com/fossable/fossdb/internal/telemetry"
)

// DefaultSweepInterval is how often idle per-package locks are collected.
const DefaultSweepInterval = 5 * time.Minute

// Ingestor is the slice of the ingestion coordinator the scheduler uses.
type Ingestor interface {
	Ingest(ctx context.Context, cand models.Candidate) (ingest.Outcome, error)
	Sweep() int
}

// Entry pairs a source with its poll interval.
type Entry struct {
	Source   sources.Source
	Interval time.Duration
}

// Scheduler drives each registry source on its own jittered interval. The
// sources run as independent tasks and share nothing but the coordinator.
type Scheduler struct {
	entries  []Entry
	ingestor Ingestor
	logger   *slog.Logger
	metrics  *telemetry.IngestMetrics

	sweepInterval time.Duration

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithSweepInterval overrides the idle-lock sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithMetrics attaches ingestion metrics.
func WithMetrics(m *telemetry.IngestMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler over the given entries.
func New(entries []Entry, ingestor Ingestor, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		entries:       entries,
		ingestor:      ingestor,
		logger:        logger.With("component", "scheduler"),
		sweepInterval: DefaultSweepInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs all poll loops and the sweep loop, blocking until the context
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "sources", len(s.entries))

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	defer func() {
		close(s.done)
		s.logger.Info("Scheduler shut down")
	}()

	var wg sync.WaitGroup
	for _, entry := range s.entries {
		wg.Add(1)
		go func(entry Entry) {
			defer wg.Done()
			s.runPollLoop(schedCtx, entry)
		}(entry)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runSweepLoop(schedCtx)
	}()

	wg.Wait()
	return nil
}

// Stop cancels the loops and waits for them to finish.
func (s *Scheduler) Stop() error {
	if s.cancelFunc != nil {
		s.logger.Info("Stopping scheduler")
		s.cancelFunc()
		<-s.done
	}
	return nil
}

// jittered offsets the interval by up to ±10% to keep the poll loops from
// lining up against the same registry.
func jittered(interval time.Duration) time.Duration {
	maxOffset := int64(interval / 10)
	if maxOffset == 0 {
		return interval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	offset := time.Duration(rand.Int64N(2*maxOffset) - maxOffset)
	return interval + offset
}

func (s *Scheduler) runPollLoop(ctx context.Context, entry Entry) {
	logger := s.logger.With("registry", entry.Source.Name())
	interval := jittered(entry.Interval)
	logger.Info("Configured poll loop",
		"base_interval", entry.Interval, "actual_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.pollOnce(ctx, entry.Source, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Poll loop stopping")
			return
		case <-ticker.C:
			s.pollOnce(ctx, entry.Source, logger)
			ticker.Reset(jittered(entry.Interval))
		}
	}
}

// pollOnce fetches one batch and feeds it through the coordinator. A fetch
// failure skips this cycle; the next tick retries. Per-candidate ingest
// failures are logged and do not abort the batch.
func (s *Scheduler) pollOnce(ctx context.Context, src sources.Source, logger *slog.Logger) {
	start := time.Now()
	candidates, err := src.FetchRecent(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.FetchErrors.WithLabelValues(src.Name()).Inc()
		}
		logger.Error("Failed to fetch from registry", "error", err)
		return
	}

	var inserted, skipped, failed int
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.ingestor.Ingest(ctx, cand)
		if err != nil {
			failed++
			logger.Error("Failed to ingest candidate",
				"package", cand.Name, "error", err)
			continue
		}
		switch outcome.Status {
		case ingest.StatusInserted:
			inserted++
		case ingest.StatusSkipped:
			skipped++
		}
	}

	logger.Info("Poll cycle complete",
		"candidates", len(candidates),
		"inserted", inserted,
		"skipped", skipped,
		"failed", failed,
		"duration", time.Since(start))
}

func (s *Scheduler) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.ingestor.Sweep(); removed > 0 {
				s.logger.Debug("Swept idle package locks", "removed", removed)
			}
		}
	}
}
