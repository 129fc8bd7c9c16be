package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
	"tubebroker/internal/metrics"
)

// Scheduler defaults.
const (
	DefaultWorkers    = 4
	DefaultJobTimeout = 30 * time.Minute
)

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	Workers    int
	JobTimeout time.Duration
}

// Scheduler runs a fixed pool of workers that drain the registry queue
// through the fetcher, one job per worker at a time.
type Scheduler struct {
	registry *Registry
	fetcher  ports.Fetcher
	cfg      SchedulerConfig
	logger   logger.Logger
	metrics  *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler. Call Start to launch the workers.
func NewScheduler(
	registry *Registry,
	fetcher ports.Fetcher,
	cfg SchedulerConfig,
	log logger.Logger,
	m *metrics.Metrics,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	return &Scheduler{
		registry: registry,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
	}
}

// Start launches the workers. They run until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := range s.cfg.Workers {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.logger.Info("Scheduler started", logger.Int("workers", s.cfg.Workers))
}

// Stop cancels in-flight fetches and waits for every worker to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		job, err := s.registry.Next(ctx)
		if err != nil {
			return
		}
		s.run(ctx, job, id)
	}
}

// run drives one job to a terminal state. Failures, including panics in the
// fetcher, end up in the job record and never escape the worker.
func (s *Scheduler) run(ctx context.Context, job domain.JobRecord, worker int) {
	log := s.logger.With(
		logger.String("token", job.Token),
		logger.String("video_id", job.Spec.VideoID),
		logger.Int("worker", worker),
	)
	started := time.Now()
	s.metrics.WorkersBusy.Inc()
	s.observe()
	defer func() {
		s.metrics.WorkersBusy.Dec()
		s.observe()
	}()

	finished := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("Fetcher panicked", logger.Any("panic", r))
			if !finished {
				s.fail(log, job.Token, fmt.Sprintf("fetcher crashed: %v", r), started)
			}
		}
	}()

	log.Info("Job picked up")
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	events, err := s.fetcher.Fetch(jobCtx, ports.FetchRequest{
		Token:        job.Token,
		VideoID:      job.Spec.VideoID,
		Format:       job.Spec.Format,
		MaxHeight:    job.Spec.MaxHeight,
		AudioBitrate: job.Spec.AudioBitrate,
	})
	if err != nil {
		finished = true
		s.fail(log, job.Token, describeFailure(jobCtx, err), started)
		return
	}

	for ev := range events {
		if finished {
			continue
		}
		switch ev.Kind {
		case domain.EventProgress, domain.EventProcessing:
			if err := s.registry.UpdateProgress(job.Token, ev.Progress, ev.Kind == domain.EventProcessing); err != nil {
				log.Warn("Progress update rejected", logger.Error(err))
			}
		case domain.EventDone:
			finished = true
			s.succeed(log, job.Token, ev.Path, started)
		case domain.EventFailed:
			finished = true
			s.fail(log, job.Token, describeFailure(jobCtx, ev.Err), started)
		}
	}

	if !finished {
		finished = true
		detail := "fetcher ended without a result"
		if jobCtx.Err() != nil {
			detail = describeFailure(jobCtx, jobCtx.Err())
		}
		s.fail(log, job.Token, detail, started)
	}
}

func (s *Scheduler) succeed(log logger.Logger, token, path string, started time.Time) {
	if err := s.registry.MarkDone(token, path); err != nil {
		log.Error("Failed to mark job done", logger.Error(err))
		return
	}
	s.record(domain.StateDone, started)
	log.Info("Job completed", logger.String("artifact", path), logger.Duration("elapsed", time.Since(started)))
}

func (s *Scheduler) fail(log logger.Logger, token, detail string, started time.Time) {
	if err := s.registry.MarkError(token, detail); err != nil {
		log.Error("Failed to mark job failed", logger.Error(err))
		return
	}
	s.record(domain.StateError, started)
	log.Warn("Job failed", logger.String("detail", detail))
}

func (s *Scheduler) record(state domain.State, started time.Time) {
	s.metrics.JobsFinished.WithLabelValues(string(state)).Inc()
	s.metrics.JobDuration.WithLabelValues(string(state)).Observe(time.Since(started).Seconds())
}

func (s *Scheduler) observe() {
	observeRegistry(s.metrics, s.registry)
}

// describeFailure turns a fetch error into the detail stored on the job.
func describeFailure(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timed out waiting for the fetcher"
	case errors.Is(ctx.Err(), context.Canceled):
		return "broker shutting down"
	case err == nil:
		return domain.ErrFetchFailure.Error()
	default:
		return err.Error()
	}
}

// observeRegistry refreshes the queue and active gauges.
func observeRegistry(m *metrics.Metrics, r *Registry) {
	stats := r.Stats()
	m.QueueDepth.Set(float64(stats[domain.StateQueued]))
	m.JobsActive.Set(float64(stats[domain.StateDownloading] + stats[domain.StateProcessing]))
}
