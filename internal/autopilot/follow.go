package autopilot

import (
	"context"
	"errors"

	"xpilot/internal/errdefs"
	"xpilot/internal/settings"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

// RunAutoFollow executes one auto-follow pass over all active tenants.
func (d *Dispatcher) RunAutoFollow(ctx context.Context) error {
	tenants, err := d.store.ActiveTenants(ctx)
	if err != nil {
		return err
	}
	for i := range tenants {
		t := &tenants[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.autoFollowTenant(ctx, t); err != nil {
			d.log.Warn("auto-follow failed for tenant",
				logx.Int64("tenant_id", int64(t.ID)),
				logx.Err(err),
			)
		}
	}
	return nil
}

func (d *Dispatcher) autoFollowTenant(ctx context.Context, t *storage.Tenant) error {
	if !d.settings.GetBool(ctx, t.ID, settings.KeyAutoPilotEnabled) ||
		!d.settings.GetBool(ctx, t.ID, settings.KeyAutoFollowEnabled) {
		return nil
	}

	keywords := d.settings.Keywords(ctx, t.ID, settings.KeyAutoFollowKeywords)
	if len(keywords) == 0 {
		return nil
	}

	dailyCap := d.settings.GetInt(ctx, t.ID, settings.KeyAutoFollowDailyLimit, defaultFollowCap)
	done, err := d.store.CountUsageSince(ctx, t.ID, storage.UsageFollow, d.startOfDay())
	if err != nil {
		return err
	}
	budget := int64(dailyCap) - done
	if budget <= 0 {
		d.log.Debug("auto-follow daily cap reached", logx.Int64("tenant_id", int64(t.ID)))
		return nil
	}

	creds, err := d.creds.Fresh(ctx, t.ID)
	if err != nil {
		return err
	}
	me, err := d.api.Me(ctx, creds)
	if err != nil {
		return err
	}

	var followed int64
	for _, kw := range keywords {
		if followed >= budget {
			break
		}
		users, err := d.api.SearchUsers(ctx, creds, kw, int(budget))
		if err != nil {
			// Search read access depends on tier; a denial here ends the
			// tenant pass but is not an engine failure.
			d.log.Debug("user search failed", logx.Int64("tenant_id", int64(t.ID)), logx.String("keyword", kw), logx.Err(err))
			continue
		}

		for _, u := range users {
			if followed >= budget {
				break
			}
			if u.ID == "" || u.ID == me.ID {
				continue
			}
			seen, err := d.store.FollowTargetExists(ctx, u.ID)
			if err != nil {
				return err
			}
			if seen {
				continue
			}

			if err := d.limiter.Allow(ctx, t.ID, t.Tier, storage.UsageFollow); err != nil {
				if errors.Is(err, errdefs.ErrQuota) {
					d.log.Debug("follow quota exhausted", logx.Int64("tenant_id", int64(t.ID)))
					return nil
				}
				return err
			}
			if err := d.limiter.PaceFollow(ctx, t.ID, d.followPause); err != nil {
				return err
			}

			target := &storage.FollowTarget{
				TenantID:     t.ID,
				RemoteUserID: u.ID,
				Handle:       u.Handle,
				Keyword:      kw,
			}
			if err := d.api.Follow(ctx, creds, me.ID, u.ID); err != nil {
				// Record the attempt anyway so the target is never retried.
				target.Status = storage.FollowFailed
				if saveErr := d.store.CreateFollowTarget(ctx, target); saveErr != nil {
					return saveErr
				}
				d.log.Debug("follow failed",
					logx.Int64("tenant_id", int64(t.ID)),
					logx.String("handle", u.Handle),
					logx.Err(err),
				)
				continue
			}

			now := d.clk.Now().UTC()
			target.Status = storage.FollowCompleted
			target.FollowedAt = &now
			if err := d.store.CreateFollowTarget(ctx, target); err != nil {
				return err
			}
			_ = d.limiter.Record(ctx, t.ID, t.Tier, storage.UsageFollow)
			followed++
		}
	}

	if followed > 0 {
		d.log.Info("auto-follow pass done",
			logx.Int64("tenant_id", int64(t.ID)),
			logx.Int64("followed", followed),
		)
	}
	return nil
}
