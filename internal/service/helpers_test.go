package service_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tubebroker/internal/adapters/localstorage"
	"tubebroker/internal/adapters/memquota"
	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
	"tubebroker/internal/metrics"
	"tubebroker/internal/service"
)

const (
	ipA = "203.0.113.10"
	ipB = "198.51.100.7"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeFetcher runs fn for every job. start, if set, runs synchronously
// inside Fetch.
type fakeFetcher struct {
	start func(req ports.FetchRequest)
	fn    func(ctx context.Context, req ports.FetchRequest, emit func(domain.FetchEvent))

	mu     sync.Mutex
	active int
	peak   int
	seen   []ports.FetchRequest
}

func (f *fakeFetcher) Fetch(ctx context.Context, req ports.FetchRequest) (<-chan domain.FetchEvent, error) {
	if f.start != nil {
		f.start(req)
	}
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.active++
	f.peak = max(f.peak, f.active)
	f.mu.Unlock()

	ch := make(chan domain.FetchEvent)
	go func() {
		defer close(ch)
		defer func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
		}()
		f.fn(ctx, req, func(ev domain.FetchEvent) { ch <- ev })
	}()
	return ch, nil
}

func (f *fakeFetcher) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeFetcher) Seen() []ports.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.FetchRequest(nil), f.seen...)
}

// writeArtifact returns a fetch function that writes a small file where
// storage expects it and reports done.
func writeArtifact(t *testing.T, storage ports.Storage) func(context.Context, ports.FetchRequest, func(domain.FetchEvent)) {
	t.Helper()
	return func(_ context.Context, req ports.FetchRequest, emit func(domain.FetchEvent)) {
		total := int64(1000)
		emit(domain.FetchEvent{Kind: domain.EventProgress, Progress: domain.Progress{
			Percent: 50, DownloadedBytes: 500, TotalBytes: &total,
		}})
		emit(domain.FetchEvent{Kind: domain.EventProcessing})
		path := storage.ArtifactPath(req.Token, req.Format)
		if err := os.WriteFile(path, []byte("artifact "+req.VideoID), 0o600); err != nil {
			emit(domain.FetchEvent{Kind: domain.EventFailed, Err: err})
			return
		}
		emit(domain.FetchEvent{Kind: domain.EventDone, Path: path})
	}
}

type harness struct {
	clock     *fakeClock
	registry  *service.Registry
	storage   *localstorage.LocalStorage
	quota     *memquota.Store
	limiter   *service.Limiter
	broker    *service.Orchestrator
	reaper    *service.Reaper
	scheduler *service.Scheduler
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, fetcher *fakeFetcher, workers int) *harness {
	t.Helper()

	clock := newFakeClock()
	storage, err := localstorage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	if fetcher.fn == nil {
		fetcher.fn = writeArtifact(t, storage)
	}

	h := &harness{
		clock:    clock,
		registry: service.NewRegistry(clock.Now),
		storage:  storage,
		quota:    memquota.NewStore(),
		metrics:  metrics.Noop(),
	}
	h.limiter = service.NewLimiter(h.quota, service.DefaultDailyLimit, clock.Now)
	h.broker = service.NewOrchestrator(h.registry, h.limiter, storage, clock.Now, logger.NewNop(), h.metrics)
	h.reaper = service.NewReaper(h.registry, storage, h.limiter, service.ReaperConfig{
		Interval:     time.Hour,
		TokenTTL:     5 * time.Minute,
		FileDeadline: 6 * time.Minute,
	}, clock.Now, logger.NewNop(), h.metrics)
	h.scheduler = service.NewScheduler(h.registry, fetcher, service.SchedulerConfig{
		Workers:    workers,
		JobTimeout: time.Minute,
	}, logger.NewNop(), h.metrics)

	h.scheduler.Start(context.Background())
	t.Cleanup(h.scheduler.Stop)
	return h
}

func (h *harness) submit(t *testing.T, videoID, ip string) string {
	t.Helper()
	token, err := h.broker.Submit(context.Background(), service.SubmitRequest{
		Spec: domain.RequestSpec{VideoID: videoID},
		IP:   ip,
	})
	require.NoError(t, err)
	return token
}

func (h *harness) waitState(t *testing.T, token, ip string, want domain.State) domain.JobRecord {
	t.Helper()
	var rec domain.JobRecord
	require.Eventually(t, func() bool {
		r, err := h.registry.Get(token, ip)
		if err != nil {
			return false
		}
		rec = r
		return r.State == want
	}, waitFor, tick, "job %s never reached %s", token, want)
	return rec
}
