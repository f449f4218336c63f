// Package analytics periodically pulls engagement counters for published
// posts. Reads are billable: each fetch passes read admission first, so
// tiers without read access are skipped instead of hammering the platform.
package analytics

import (
	"context"
	"errors"

	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/platform"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

// DefaultBatchLimit bounds how many posts one pass refreshes.
const DefaultBatchLimit = 100

type store interface {
	PostedPosts(ctx context.Context, limit int) ([]storage.Post, error)
	GetTenant(ctx context.Context, id uint) (*storage.Tenant, error)
	CreatePostMetrics(ctx context.Context, m *storage.PostMetrics) error
}

type metricsAPI interface {
	PostMetrics(ctx context.Context, creds platform.Credentials, remoteID string) (platform.Metrics, error)
}

type credsProvider interface {
	Fresh(ctx context.Context, tenantID uint) (platform.Credentials, error)
}

type admission interface {
	Allow(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error
	Record(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error
}

type Collector struct {
	store   store
	api     metricsAPI
	creds   credsProvider
	limiter admission
	clk     clock.Clock
	log     logx.Logger
	limit   int
}

func New(st store, api metricsAPI, creds credsProvider, lim admission, clk clock.Clock, log logx.Logger) *Collector {
	if clk == nil {
		clk = clock.System()
	}
	return &Collector{store: st, api: api, creds: creds, limiter: lim, clk: clk, log: log, limit: DefaultBatchLimit}
}

// Run refreshes metrics for the most recent published posts. Per-tenant
// context (tier, credentials, quota denial) is cached for the pass so each
// tenant is resolved once.
func (c *Collector) Run(ctx context.Context) error {
	posts, err := c.store.PostedPosts(ctx, c.limit)
	if err != nil {
		return err
	}

	type tenantCtx struct {
		tier  storage.Tier
		creds platform.Credentials
		skip  bool
	}
	cache := map[uint]*tenantCtx{}

	var collected, skipped int
	for i := range posts {
		p := &posts[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		tc, ok := cache[p.TenantID]
		if !ok {
			tc = &tenantCtx{}
			cache[p.TenantID] = tc
			tenant, err := c.store.GetTenant(ctx, p.TenantID)
			if err != nil {
				tc.skip = true
				c.log.Warn("tenant lookup failed", logx.Int64("tenant_id", int64(p.TenantID)), logx.Err(err))
			} else {
				tc.tier = tenant.Tier
				creds, err := c.creds.Fresh(ctx, p.TenantID)
				if err != nil {
					tc.skip = true
					c.log.Debug("no usable credentials; skipping tenant metrics",
						logx.Int64("tenant_id", int64(p.TenantID)), logx.Err(err))
				} else {
					tc.creds = creds
				}
			}
		}
		if tc.skip {
			skipped++
			continue
		}

		if err := c.limiter.Allow(ctx, p.TenantID, tc.tier, storage.UsageRead); err != nil {
			if errors.Is(err, errdefs.ErrQuota) {
				tc.skip = true
				skipped++
				continue
			}
			return err
		}

		m, err := c.api.PostMetrics(ctx, tc.creds, p.RemoteID)
		if err != nil {
			skipped++
			c.log.Debug("metrics fetch failed",
				logx.Int64("post_id", int64(p.ID)),
				logx.String("remote_id", p.RemoteID),
				logx.Err(err),
			)
			continue
		}
		_ = c.limiter.Record(ctx, p.TenantID, tc.tier, storage.UsageRead)

		if err := c.store.CreatePostMetrics(ctx, &storage.PostMetrics{
			PostID:      p.ID,
			Impressions: m.Impressions,
			Likes:       m.Likes,
			Reposts:     m.Reposts,
			Replies:     m.Replies,
			CollectedAt: c.clk.Now().UTC(),
		}); err != nil {
			return err
		}
		collected++
	}

	if collected > 0 || skipped > 0 {
		c.log.Info("analytics pass done", logx.Int("collected", collected), logx.Int("skipped", skipped))
	}
	return nil
}
