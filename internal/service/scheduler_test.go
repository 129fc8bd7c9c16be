package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
	"tubebroker/internal/metrics"
	"tubebroker/internal/service"
)

func TestScheduler_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher, 4)
	complete := writeArtifact(t, h.storage)
	fetcher.fn = func(ctx context.Context, req ports.FetchRequest, emit func(domain.FetchEvent)) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		complete(ctx, req, emit)
	}

	tokens := make([]string, 5)
	for i := range tokens {
		tokens[i] = h.submit(t, fmt.Sprintf("vid%d", i), ipA)
	}

	require.Eventually(t, func() bool {
		stats := h.registry.Stats()
		return stats[domain.StateDownloading] == 4 && stats[domain.StateQueued] == 1 && fetcher.Peak() == 4
	}, waitFor, tick)

	rec, err := h.registry.Get(tokens[4], ipA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, rec.State, "the fifth job waits for a free worker")
	assert.InDelta(t, 4.0, testutil.ToFloat64(h.metrics.WorkersBusy), 0)

	close(release)
	for _, tok := range tokens {
		h.waitState(t, tok, ipA, domain.StateDone)
	}
	assert.Equal(t, 4, fetcher.Peak())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.JobsFinished.WithLabelValues("done")) == 5
	}, waitFor, tick)
}

func TestScheduler_PanicIsolated(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{start: func(req ports.FetchRequest) {
		if req.VideoID == "crash" {
			panic("decoder exploded")
		}
	}}
	h := newHarness(t, fetcher, 1)

	bad := h.submit(t, "crash", ipA)
	rec := h.waitState(t, bad, ipA, domain.StateError)
	assert.Contains(t, rec.ErrorDetail, "fetcher crashed")
	assert.Contains(t, rec.ErrorDetail, "decoder exploded")

	good := h.submit(t, "fine", ipA)
	h.waitState(t, good, ipA, domain.StateDone)
}

func TestScheduler_FailureDetails(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		fn   func(ctx context.Context, req ports.FetchRequest, emit func(domain.FetchEvent))
		want string
	}{
		{
			name: "fetch error",
			fn: func(_ context.Context, _ ports.FetchRequest, emit func(domain.FetchEvent)) {
				emit(domain.FetchEvent{Kind: domain.EventFailed, Err: errors.New("network failure: connection reset")})
			},
			want: "network failure: connection reset",
		},
		{
			name: "stream closed without result",
			fn: func(_ context.Context, _ ports.FetchRequest, emit func(domain.FetchEvent)) {
				emit(domain.FetchEvent{Kind: domain.EventProgress, Progress: domain.Progress{Percent: 10}})
			},
			want: "fetcher ended without a result",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &fakeFetcher{fn: tc.fn}, 1)
			token := h.submit(t, "vid", ipA)
			rec := h.waitState(t, token, ipA, domain.StateError)
			assert.Equal(t, tc.want, rec.ErrorDetail)
		})
	}
}

func TestScheduler_JobTimeout(t *testing.T) {
	t.Parallel()

	registry := service.NewRegistry(nil)
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ ports.FetchRequest, _ func(domain.FetchEvent)) {
		<-ctx.Done()
	}}
	scheduler := service.NewScheduler(registry, fetcher, service.SchedulerConfig{
		Workers:    1,
		JobTimeout: 30 * time.Millisecond,
	}, logger.NewNop(), metrics.Noop())
	scheduler.Start(context.Background())
	t.Cleanup(scheduler.Stop)

	token, err := registry.Create("", ipA, spec)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	rec, err := registry.Wait(ctx, token, ipA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, rec.State)
	assert.Equal(t, "timed out waiting for the fetcher", rec.ErrorDetail)
}

func TestScheduler_StopAbortsInFlight(t *testing.T) {
	t.Parallel()

	registry := service.NewRegistry(nil)
	started := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ ports.FetchRequest, _ func(domain.FetchEvent)) {
		close(started)
		<-ctx.Done()
	}}
	scheduler := service.NewScheduler(registry, fetcher, service.SchedulerConfig{Workers: 2}, logger.NewNop(), metrics.Noop())
	scheduler.Start(context.Background())

	token, err := registry.Create("", ipA, spec)
	require.NoError(t, err)
	<-started
	scheduler.Stop()

	rec, err := registry.Get(token, ipA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, rec.State)
	assert.Equal(t, "broker shutting down", rec.ErrorDetail)
}

func TestScheduler_ForwardsSpecToFetcher(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher, 1)

	token, err := h.broker.Submit(context.Background(), service.SubmitRequest{
		Spec: domain.RequestSpec{VideoID: "fwd1", Format: domain.FormatWEBM, MaxHeight: 720, AudioBitrate: 128},
		IP:   ipA,
	})
	require.NoError(t, err)
	h.waitState(t, token, ipA, domain.StateDone)

	seen := fetcher.Seen()
	require.Len(t, seen, 1)
	assert.Equal(t, ports.FetchRequest{
		Token:        token,
		VideoID:      "fwd1",
		Format:       domain.FormatWEBM,
		MaxHeight:    720,
		AudioBitrate: 128,
	}, seen[0])
}
