package service

import (
	"context"
	"sync"
	"time"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
	"tubebroker/internal/metrics"
)

// Retention defaults.
const (
	DefaultSweepInterval = 5 * time.Second
	DefaultTokenTTL      = 5 * time.Minute
	DefaultFileDeadline  = 6 * time.Minute
)

// ReaperConfig sets the retention windows.
type ReaperConfig struct {
	Interval     time.Duration
	TokenTTL     time.Duration
	FileDeadline time.Duration
}

// SweepResult summarizes one sweep. Pending counts claimed artifacts whose
// delete failed and will be retried on the next sweep.
type SweepResult struct {
	Expired int
	Deleted int
	Dropped int
	Purged  int
	Pending int
}

// pendingDelete is a claimed artifact that could not be removed yet.
type pendingDelete struct {
	path     string
	deadline time.Time
	overdue  bool
}

// Reaper expires finished jobs and deletes their files. State expiry and
// deletion happen in the same sweep, so a file is gone by TokenTTL plus one
// Interval after completion.
type Reaper struct {
	registry *Registry
	storage  ports.Storage
	limiter  *Limiter
	cfg      ReaperConfig
	now      Clock
	logger   logger.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]pendingDelete
}

// NewReaper creates a Reaper. A nil limiter skips quota pruning.
func NewReaper(
	registry *Registry,
	storage ports.Storage,
	limiter *Limiter,
	cfg ReaperConfig,
	clock Clock,
	log logger.Logger,
	m *metrics.Metrics,
) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.FileDeadline <= 0 {
		cfg.FileDeadline = DefaultFileDeadline
	}
	return &Reaper{
		registry: registry,
		storage:  storage,
		limiter:  limiter,
		cfg:      cfg,
		now:      clock.orNow(),
		logger:   log,
		metrics:  m,
		pending:  make(map[string]pendingDelete),
	}
}

// Run sweeps on every tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reclamation pass. Failed deletes from earlier sweeps
// are retried first.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res SweepResult
	now := r.now()
	res.Deleted = r.retryPending(now)

	for _, c := range r.registry.Expirable(now, r.cfg.TokenTTL) {
		switch c.State {
		case domain.StateDone:
			path, claimed := r.registry.ClaimForDelete(c.Token)
			if !claimed {
				continue
			}
			res.Expired++
			if path == "" {
				continue
			}
			if r.deleteArtifact(c.Token, path) {
				res.Deleted++
				continue
			}
			// The claim already cleared the record's path, so the reaper owns it now.
			r.pending[c.Token] = pendingDelete{
				path:     path,
				deadline: now.Add(r.cfg.FileDeadline - r.cfg.TokenTTL),
			}
		case domain.StateError:
			if !r.registry.DropFailed(c.Token) {
				continue
			}
			res.Dropped++
			r.purgeLeftovers(c.Token)
		}
	}

	res.Pending = len(r.pending)
	res.Purged = r.registry.PurgeExpired(now.Add(-r.cfg.FileDeadline))
	r.metrics.RecordsPurged.Add(float64(res.Purged + res.Dropped))

	if r.limiter != nil {
		if err := r.limiter.Prune(ctx); err != nil {
			r.logger.Warn("Quota prune failed", logger.Error(err))
		}
	}
	observeRegistry(r.metrics, r.registry)

	if res != (SweepResult{}) {
		r.logger.Debug("Sweep finished",
			logger.Int("expired", res.Expired),
			logger.Int("deleted", res.Deleted),
			logger.Int("dropped", res.Dropped),
			logger.Int("purged", res.Purged),
			logger.Int("pending", res.Pending),
		)
	}
	return res
}

// retryPending retries failed deletes and reports how many succeeded. An
// artifact still on disk past its file deadline is logged once and kept on
// the list. A token reused by a new job owns its path again, so its entry is
// dropped without deleting.
func (r *Reaper) retryPending(now time.Time) int {
	deleted := 0
	for token, p := range r.pending {
		if r.registry.InUse(token) {
			delete(r.pending, token)
			continue
		}
		if r.deleteArtifact(token, p.path) {
			delete(r.pending, token)
			deleted++
			continue
		}
		if !p.overdue && now.After(p.deadline) {
			r.logger.Error("Artifact outlived its file deadline",
				logger.String("token", token),
				logger.String("path", p.path),
			)
			p.overdue = true
			r.pending[token] = p
		}
	}
	return deleted
}

// deleteArtifact removes a claimed artifact. Only the reaper that claimed it
// calls it.
func (r *Reaper) deleteArtifact(token, path string) bool {
	if err := r.storage.Delete(path); err != nil {
		r.metrics.ReapErrors.Inc()
		r.logger.Error("Artifact delete failed",
			logger.String("token", token),
			logger.String("path", path),
			logger.Error(err),
		)
		return false
	}
	r.metrics.ArtifactsReaped.Inc()
	r.purgeLeftovers(token)
	return true
}

// purgeLeftovers removes partial or intermediate files of a token.
func (r *Reaper) purgeLeftovers(token string) {
	n, err := r.storage.PurgeToken(token)
	if err != nil {
		r.logger.Warn("Leftover purge failed", logger.String("token", token), logger.Error(err))
		return
	}
	if n > 0 {
		r.logger.Debug("Removed leftover files", logger.String("token", token), logger.Int("count", n))
	}
}
