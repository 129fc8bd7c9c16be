package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tubebroker/internal/core/domain"
)

// Clock returns the current time. Nil means time.Now.
type Clock func() time.Time

func (c Clock) orNow() Clock {
	if c == nil {
		return time.Now
	}
	return c
}

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateToken rejects client tokens that are unsafe to use as file names.
func ValidateToken(token string) error {
	if !tokenPattern.MatchString(token) {
		return fmt.Errorf("%w: malformed token", domain.ErrInvalidInput)
	}
	return nil
}

// entry is the registry's private record holder.
type entry struct {
	rec  domain.JobRecord
	done chan struct{} // closed once rec reaches done or error
}

// Candidate is a terminal record due for reclamation.
type Candidate struct {
	Token string
	State domain.State
}

// Registry is the authoritative token → job map. It owns every state
// transition and hands queued jobs to workers in creation order.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	queue   []string
	wake    chan struct{} // closed and replaced on every enqueue
	now     Clock
}

// NewRegistry creates an empty registry.
func NewRegistry(clock Clock) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}),
		now:     clock.orNow(),
	}
}

// InUse reports whether token is bound to a live record.
func (r *Registry) InUse(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	return ok && e.rec.State != domain.StateExpired
}

// Create inserts a queued record. An empty token gets a fresh one.
func (r *Registry) Create(token, ip string, spec domain.RequestSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token == "" {
		token = r.freshTokenLocked()
	} else if e, ok := r.entries[token]; ok && e.rec.State != domain.StateExpired {
		return "", domain.ErrTokenInUse
	}

	r.entries[token] = &entry{
		rec: domain.JobRecord{
			Token:     token,
			OwnerIP:   ip,
			Spec:      spec,
			State:     domain.StateQueued,
			CreatedAt: r.now(),
		},
		done: make(chan struct{}),
	}
	r.queue = append(r.queue, token)
	close(r.wake)
	r.wake = make(chan struct{})
	return token, nil
}

func (r *Registry) freshTokenLocked() string {
	for {
		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, taken := r.entries[token]; !taken {
			return token
		}
	}
}

// authorize is the single access check for every caller-facing path.
func authorize(e *entry, ip string) error {
	if e == nil || e.rec.State == domain.StateExpired {
		return domain.ErrNotFound
	}
	if e.rec.OwnerIP != ip {
		return domain.ErrForbidden
	}
	return nil
}

// Get returns a snapshot of the record owned by ip.
func (r *Registry) Get(token, ip string) (domain.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[token]
	if err := authorize(e, ip); err != nil {
		return domain.JobRecord{}, err
	}
	return e.rec, nil
}

// Next blocks until a queued job exists, then hands it to the caller in
// downloading state. Each job is handed out exactly once.
func (r *Registry) Next(ctx context.Context) (domain.JobRecord, error) {
	for {
		r.mu.Lock()
		for len(r.queue) > 0 {
			token := r.queue[0]
			r.queue[0] = ""
			r.queue = r.queue[1:]
			e, ok := r.entries[token]
			if !ok || e.rec.State != domain.StateQueued {
				continue
			}
			e.rec.State = domain.StateDownloading
			e.rec.StartedAt = r.now()
			rec := e.rec
			r.mu.Unlock()
			return rec, nil
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.JobRecord{}, ctx.Err()
		case <-wake:
		}
	}
}

// UpdateProgress merges progress from the owning worker. When processing is
// set the job moves to processing; the state never moves backwards.
func (r *Registry) UpdateProgress(token string, p domain.Progress, processing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if !ok || !e.rec.State.IsActive() {
		return fmt.Errorf("update progress %s: job not active", token)
	}
	if processing {
		e.rec.State = domain.StateProcessing
	}
	if e.rec.State == domain.StateProcessing {
		p.Percent = 100
	}
	e.rec.Progress = mergeProgress(e.rec.Progress, p)
	return nil
}

func mergeProgress(cur, next domain.Progress) domain.Progress {
	cur.Percent = next.Percent
	cur.SpeedBps = next.SpeedBps
	cur.ETASeconds = next.ETASeconds
	if next.DownloadedBytes > 0 {
		cur.DownloadedBytes = next.DownloadedBytes
	}
	if next.TotalBytes != nil {
		cur.TotalBytes = next.TotalBytes
	}
	return cur
}

// MarkDone records the finished artifact.
func (r *Registry) MarkDone(token, path string) error {
	return r.finish(token, domain.StateDone, func(rec *domain.JobRecord) {
		rec.ArtifactPath = path
		rec.Progress.Percent = 100
		rec.Progress.SpeedBps = nil
		rec.Progress.ETASeconds = nil
	})
}

// MarkError records a failed fetch.
func (r *Registry) MarkError(token, detail string) error {
	return r.finish(token, domain.StateError, func(rec *domain.JobRecord) {
		rec.ErrorDetail = detail
		rec.Progress.SpeedBps = nil
		rec.Progress.ETASeconds = nil
	})
}

func (r *Registry) finish(token string, state domain.State, apply func(*domain.JobRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if !ok {
		return fmt.Errorf("finish %s: %w", token, domain.ErrNotFound)
	}
	if !e.rec.State.CanTransition(state) {
		return fmt.Errorf("finish %s: cannot move from %s to %s", token, e.rec.State, state)
	}
	e.rec.State = state
	e.rec.CompletedAt = r.now()
	apply(&e.rec)
	close(e.done)
	return nil
}

// Wait blocks until the record owned by ip is terminal or ctx ends.
// The job itself is unaffected by ctx.
func (r *Registry) Wait(ctx context.Context, token, ip string) (domain.JobRecord, error) {
	r.mu.Lock()
	e := r.entries[token]
	if err := authorize(e, ip); err != nil {
		r.mu.Unlock()
		return domain.JobRecord{}, err
	}
	done := e.done
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return domain.JobRecord{}, ctx.Err()
	case <-done:
	}
	return r.Get(token, ip)
}

// WithArtifact runs fn with the artifact path while the record is held in
// done state, so the reaper cannot claim it until fn returns.
func (r *Registry) WithArtifact(token, ip string, fn func(path string) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[token]
	if err := authorize(e, ip); err != nil {
		return err
	}
	if e.rec.State != domain.StateDone {
		return domain.ErrNotReady
	}
	return fn(e.rec.ArtifactPath)
}

// ClaimForDelete moves a done record to expired and returns its artifact
// path. Only the first claim for a token gets the path.
func (r *Registry) ClaimForDelete(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if !ok || !e.rec.State.CanTransition(domain.StateExpired) {
		return "", false
	}
	path := e.rec.ArtifactPath
	e.rec.State = domain.StateExpired
	e.rec.ArtifactPath = ""
	return path, true
}

// Expirable lists done and error records completed more than ttl before now.
func (r *Registry) Expirable(now time.Time, ttl time.Duration) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Candidate
	for token, e := range r.entries {
		if e.rec.State.IsTerminal() && now.Sub(e.rec.CompletedAt) > ttl {
			out = append(out, Candidate{Token: token, State: e.rec.State})
		}
	}
	return out
}

// DropFailed removes an error record. It reports whether it did.
func (r *Registry) DropFailed(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if !ok || e.rec.State != domain.StateError {
		return false
	}
	delete(r.entries, token)
	return true
}

// PurgeExpired drops expired records completed before cutoff.
func (r *Registry) PurgeExpired(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, e := range r.entries {
		if e.rec.State == domain.StateExpired && e.rec.CompletedAt.Before(cutoff) {
			delete(r.entries, token)
			n++
		}
	}
	return n
}

// Stats counts records per state.
func (r *Registry) Stats() map[domain.State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.State]int)
	for _, e := range r.entries {
		out[e.rec.State]++
	}
	return out
}
