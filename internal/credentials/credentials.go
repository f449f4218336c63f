// Package credentials keeps refreshable platform tokens alive. A periodic
// sweep refreshes every token expiring within the horizon; Fresh resolves
// usable credentials for a single tenant on demand, refreshing inline when
// the stored token is already stale.
package credentials

import (
	"context"
	"time"

	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/platform"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

const DefaultHorizon = 30 * time.Minute

type credStore interface {
	CredentialForTenant(ctx context.Context, tenantID uint) (*storage.CredentialRecord, error)
	CredentialsByMethod(ctx context.Context, m storage.AuthMethod) ([]storage.CredentialRecord, error)
	SaveCredential(ctx context.Context, c *storage.CredentialRecord) error
}

type tokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (platform.Token, error)
}

type Refresher struct {
	store   credStore
	api     tokenRefresher
	clk     clock.Clock
	log     logx.Logger
	horizon time.Duration
}

func New(store credStore, api tokenRefresher, horizon time.Duration, clk clock.Clock, log logx.Logger) *Refresher {
	if clk == nil {
		clk = clock.System()
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Refresher{store: store, api: api, clk: clk, log: log, horizon: horizon}
}

// Run sweeps all refreshable credentials once. A failing record is logged
// and skipped; the sweep continues with the rest.
func (r *Refresher) Run(ctx context.Context) error {
	creds, err := r.store.CredentialsByMethod(ctx, storage.AuthRefreshable)
	if err != nil {
		return err
	}

	var refreshed, skipped, failed int
	for i := range creds {
		c := &creds[i]
		if !r.expiring(c) {
			skipped++
			continue
		}
		if err := r.refreshOne(ctx, c); err != nil {
			failed++
			r.log.Warn("credential refresh failed",
				logx.Int64("tenant_id", int64(c.TenantID)),
				logx.Err(err),
			)
			continue
		}
		refreshed++
	}

	if refreshed > 0 || failed > 0 {
		r.log.Info("credential sweep done",
			logx.Int("refreshed", refreshed),
			logx.Int("skipped", skipped),
			logx.Int("failed", failed),
		)
	}
	return nil
}

// expiring reports whether the record's token expires within the horizon.
// Records without an expiry never refresh proactively.
func (r *Refresher) expiring(c *storage.CredentialRecord) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.After(r.clk.Now().Add(r.horizon))
}

func (r *Refresher) refreshOne(ctx context.Context, c *storage.CredentialRecord) error {
	if c.RefreshToken == "" {
		return errdefs.Configf("credential has no refresh token")
	}
	tok, err := r.api.RefreshToken(ctx, c.RefreshToken)
	if err != nil {
		return err
	}

	c.AccessToken = tok.AccessToken
	// The platform may not rotate the refresh token; keep the old one then.
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		exp := r.clk.Now().Add(tok.ExpiresIn).UTC()
		c.ExpiresAt = &exp
	}
	return r.store.SaveCredential(ctx, c)
}

// Fresh returns usable credentials for the tenant. Static keys pass through
// untouched; a refreshable token already past (or within 1 minute of) expiry
// is refreshed inline before returning.
func (r *Refresher) Fresh(ctx context.Context, tenantID uint) (platform.Credentials, error) {
	c, err := r.store.CredentialForTenant(ctx, tenantID)
	if err != nil {
		return platform.Credentials{}, errdefs.Configf("tenant %d has no platform credentials: %v", tenantID, err)
	}

	if c.Method == storage.AuthRefreshable && c.ExpiresAt != nil &&
		!c.ExpiresAt.After(r.clk.Now().Add(time.Minute)) {
		if err := r.refreshOne(ctx, c); err != nil {
			return platform.Credentials{}, err
		}
	}

	access, err := platform.FreshestToken(c.AccessToken, c.ExpiresAt, r.clk.Now())
	if err != nil {
		return platform.Credentials{}, err
	}
	return platform.Credentials{AccessToken: access}, nil
}
