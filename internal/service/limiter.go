package service

import (
	"context"
	"fmt"
	"time"

	"tubebroker/internal/core/ports"
)

// DefaultDailyLimit is the number of jobs an IP may submit per UTC day.
const DefaultDailyLimit = 10

// DayBucket is the quota key for t: its UTC calendar date.
func DayBucket(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// Limiter enforces the daily per-IP quota.
type Limiter struct {
	store ports.QuotaStore
	limit int
	now   Clock
}

// NewLimiter creates a limiter over store. A non-positive limit uses the default.
func NewLimiter(store ports.QuotaStore, limit int, clock Clock) *Limiter {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &Limiter{store: store, limit: limit, now: clock.orNow()}
}

// Admit counts one job for ip if today's quota allows it.
func (l *Limiter) Admit(ctx context.Context, ip string) (bool, error) {
	ok, err := l.store.Admit(ctx, ip, DayBucket(l.now()), l.limit)
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", ip, err)
	}
	return ok, nil
}

// Prune forgets counters from previous days.
func (l *Limiter) Prune(ctx context.Context) error {
	return l.store.Prune(ctx, DayBucket(l.now()))
}
