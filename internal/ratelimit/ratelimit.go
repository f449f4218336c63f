// Package ratelimit enforces per-tenant, per-tier usage quotas over rolling
// windows, backed by durable usage records so accounting survives restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/storage"
)

// Quota is the ceiling for one usage category within its rolling window.
// A zero ceiling means the tier has no access to the category at all.
type Quota struct {
	Ceiling int64
	Window  time.Duration
}

const (
	windowMonth = 30 * 24 * time.Hour
	windowDay   = 24 * time.Hour
)

// tierQuotas maps each tier to its category ceilings. Posts and reads are
// accounted over a 30-day rolling window, follows over a 1-day window.
var tierQuotas = map[storage.Tier]map[storage.UsageCategory]Quota{
	storage.TierFree: {
		storage.UsagePost:   {Ceiling: 1500, Window: windowMonth},
		storage.UsageRead:   {Ceiling: 0, Window: windowMonth},
		storage.UsageFollow: {Ceiling: 0, Window: windowDay},
	},
	storage.TierBasic: {
		storage.UsagePost:   {Ceiling: 50000, Window: windowMonth},
		storage.UsageRead:   {Ceiling: 10000, Window: windowMonth},
		storage.UsageFollow: {Ceiling: 400, Window: windowDay},
	},
	storage.TierPro: {
		storage.UsagePost:   {Ceiling: 300000, Window: windowMonth},
		storage.UsageRead:   {Ceiling: 1000000, Window: windowMonth},
		storage.UsageFollow: {Ceiling: 1000, Window: windowDay},
	},
	storage.TierEnterprise: {
		storage.UsagePost:   {Ceiling: 1000000, Window: windowMonth},
		storage.UsageRead:   {Ceiling: 10000000, Window: windowMonth},
		storage.UsageFollow: {Ceiling: 5000, Window: windowDay},
	},
}

// QuotaFor returns the quota for a tier and category. Unknown tiers fall
// back to free.
func QuotaFor(tier storage.Tier, cat storage.UsageCategory) Quota {
	t, ok := tierQuotas[tier]
	if !ok {
		t = tierQuotas[storage.TierFree]
	}
	return t[cat]
}

// usageCounter is the slice of storage.Store the limiter needs.
type usageCounter interface {
	CountUsageSince(ctx context.Context, tenantID uint, cat storage.UsageCategory, cutoff time.Time) (int64, error)
	RecordUsage(ctx context.Context, r *storage.UsageRecord) error
}

// Limiter answers admission questions and records consumption. Admission is
// advisory: Allow and Record are separate calls and two concurrent callers
// near the ceiling may both pass. The ceilings carry enough slack that a
// one-off overshoot is harmless.
type Limiter struct {
	store usageCounter
	clk   clock.Clock

	mu     sync.Mutex
	pacers map[uint]*rate.Limiter // per-tenant follow pacing
}

func New(store usageCounter, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.System()
	}
	return &Limiter{store: store, clk: clk, pacers: make(map[uint]*rate.Limiter)}
}

// Allow reports whether the tenant may perform one more action in the
// category. A zero ceiling denies categorically without touching the store.
func (l *Limiter) Allow(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error {
	q := QuotaFor(tier, cat)
	if q.Ceiling <= 0 {
		return errdefs.Quotaf("tier %s has no %s access", tier, cat)
	}
	cutoff := l.clk.Now().Add(-q.Window)
	used, err := l.store.CountUsageSince(ctx, tenantID, cat, cutoff)
	if err != nil {
		return err
	}
	if used >= q.Ceiling {
		return errdefs.Quotaf("%s quota exhausted for tenant %d: %d/%d in window", cat, tenantID, used, q.Ceiling)
	}
	return nil
}

// Record persists one unit of consumption. Call after the platform action
// succeeded.
func (l *Limiter) Record(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error {
	return l.store.RecordUsage(ctx, &storage.UsageRecord{
		TenantID:  tenantID,
		Category:  cat,
		Tier:      tier,
		CreatedAt: l.clk.Now().UTC(),
	})
}

// Remaining returns how many actions are left in the category's window.
func (l *Limiter) Remaining(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) (int64, error) {
	q := QuotaFor(tier, cat)
	if q.Ceiling <= 0 {
		return 0, nil
	}
	used, err := l.store.CountUsageSince(ctx, tenantID, cat, l.clk.Now().Add(-q.Window))
	if err != nil {
		return 0, err
	}
	if used >= q.Ceiling {
		return 0, nil
	}
	return q.Ceiling - used, nil
}

// PaceFollow blocks until the tenant's follow pacer grants a token. Each
// tenant gets an independent token bucket so a burst from one tenant cannot
// starve the others.
func (l *Limiter) PaceFollow(ctx context.Context, tenantID uint, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	l.mu.Lock()
	p, ok := l.pacers[tenantID]
	if !ok {
		p = rate.NewLimiter(rate.Every(interval), 1)
		l.pacers[tenantID] = p
	}
	l.mu.Unlock()
	return p.Wait(ctx)
}
