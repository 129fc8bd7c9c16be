package service

import (
	"context"
	"fmt"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
	"tubebroker/internal/metrics"
)

// SubmitRequest is one admission attempt.
type SubmitRequest struct {
	Spec  domain.RequestSpec
	Token string // optional, client chosen
	IP    string
}

// Orchestrator is the request-facing side of the broker: admission, polling,
// retrieval and blocking waits.
type Orchestrator struct {
	registry *Registry
	limiter  *Limiter
	storage  ports.Storage
	now      Clock
	logger   logger.Logger
	metrics  *metrics.Metrics
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	registry *Registry,
	limiter *Limiter,
	storage ports.Storage,
	clock Clock,
	log logger.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		limiter:  limiter,
		storage:  storage,
		now:      clock.orNow(),
		logger:   log,
		metrics:  m,
	}
}

// Submit validates, rate limits and enqueues a job. It returns the token.
// No record is created when it fails.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.Spec.Validate(); err != nil {
		o.admission("invalid")
		return "", err
	}
	if req.Token != "" {
		if err := ValidateToken(req.Token); err != nil {
			o.admission("invalid")
			return "", err
		}
		if o.registry.InUse(req.Token) {
			o.admission("token_in_use")
			return "", domain.ErrTokenInUse
		}
	}

	ok, err := o.limiter.Admit(ctx, req.IP)
	if err != nil {
		o.admission("quota_error")
		return "", fmt.Errorf("check quota: %w", err)
	}
	if !ok {
		o.admission("quota_exceeded")
		return "", domain.ErrQuotaExceeded
	}

	token, err := o.registry.Create(req.Token, req.IP, req.Spec)
	if err != nil {
		o.admission("token_in_use")
		return "", err
	}

	o.admission("accepted")
	o.metrics.JobsSubmitted.WithLabelValues(string(req.Spec.Format)).Inc()
	observeRegistry(o.metrics, o.registry)
	o.logger.Info("Job queued",
		logger.String("token", token),
		logger.String("video_id", req.Spec.VideoID),
		logger.String("format", string(req.Spec.Format)),
		logger.Int("max_height", req.Spec.MaxHeight),
		logger.Int("audio_bitrate", req.Spec.AudioBitrate),
	)
	return token, nil
}

func (o *Orchestrator) admission(outcome string) {
	o.metrics.Admissions.WithLabelValues(outcome).Inc()
}

// Poll returns the poll projection for a token owned by ip.
func (o *Orchestrator) Poll(token, ip string) (domain.Projection, error) {
	rec, err := o.registry.Get(token, ip)
	if err != nil {
		return domain.Projection{}, err
	}
	return rec.Project(o.now()), nil
}

// Retrieve opens the artifact of a done job owned by ip. The caller closes it.
func (o *Orchestrator) Retrieve(token, ip string) (*ports.Artifact, error) {
	var art *ports.Artifact
	err := o.registry.WithArtifact(token, ip, func(path string) error {
		opened, err := o.storage.Open(path)
		if err != nil {
			return fmt.Errorf("open artifact: %w", err)
		}
		art = opened
		return nil
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// Wait blocks until the job is terminal or ctx ends. Ending ctx leaves the
// job running.
func (o *Orchestrator) Wait(ctx context.Context, token, ip string) (domain.JobRecord, error) {
	return o.registry.Wait(ctx, token, ip)
}

// Stats counts jobs per state.
func (o *Orchestrator) Stats() map[domain.State]int {
	return o.registry.Stats()
}
