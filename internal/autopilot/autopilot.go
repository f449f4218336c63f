// Package autopilot runs the hands-off content loops: periodic AI-generated
// posts shaped by the tenant's strategy, and keyword-driven account follows.
// Tenants are processed sequentially and independently; one tenant's failure
// never blocks the rest.
package autopilot

import (
	"context"
	"encoding/json"
	"time"

	"xpilot/internal/ai"
	"xpilot/internal/clock"
	"xpilot/internal/format"
	"xpilot/internal/platform"
	"xpilot/internal/settings"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

const (
	defaultPostCap     = 3
	defaultFollowCap   = 10
	defaultFollowPause = 5 * time.Second
)

type store interface {
	ActiveTenants(ctx context.Context) ([]storage.Tenant, error)
	ActiveStrategy(ctx context.Context, tenantID uint) (*storage.Strategy, error)
	ActivePersona(ctx context.Context, tenantID uint) (*storage.Persona, error)
	CountAIPostsSince(ctx context.Context, tenantID uint, cutoff time.Time) (int64, error)
	CreatePost(ctx context.Context, p *storage.Post) error
	FollowTargetExists(ctx context.Context, remoteUserID string) (bool, error)
	CreateFollowTarget(ctx context.Context, t *storage.FollowTarget) error
	CountUsageSince(ctx context.Context, tenantID uint, cat storage.UsageCategory, cutoff time.Time) (int64, error)
}

type publisher interface {
	Publish(ctx context.Context, post *storage.Post, tier storage.Tier, creds platform.Credentials) error
}

type credsProvider interface {
	Fresh(ctx context.Context, tenantID uint) (platform.Credentials, error)
}

type generator interface {
	GeneratePost(ctx context.Context, req ai.Request) (string, error)
	GenerateThread(ctx context.Context, req ai.Request) ([]string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

type socialAPI interface {
	Me(ctx context.Context, creds platform.Credentials) (platform.User, error)
	SearchUsers(ctx context.Context, creds platform.Credentials, keyword string, limit int) ([]platform.User, error)
	Follow(ctx context.Context, creds platform.Credentials, selfID, targetID string) error
}

type limiter interface {
	Allow(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error
	Record(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error
	PaceFollow(ctx context.Context, tenantID uint, interval time.Duration) error
}

type Config struct {
	// FollowPause spaces consecutive follow calls per tenant. Default 5s.
	FollowPause time.Duration
}

type Dispatcher struct {
	store     store
	publisher publisher
	creds     credsProvider
	gen       generator
	api       socialAPI
	limiter   limiter
	settings  *settings.Resolver
	selector  *format.Selector
	clk       clock.Clock
	log       logx.Logger

	followPause time.Duration
}

func New(
	st store,
	pub publisher,
	creds credsProvider,
	gen generator,
	api socialAPI,
	lim limiter,
	res *settings.Resolver,
	sel *format.Selector,
	clk clock.Clock,
	log logx.Logger,
	cfg Config,
) *Dispatcher {
	if clk == nil {
		clk = clock.System()
	}
	pause := cfg.FollowPause
	if pause <= 0 {
		pause = defaultFollowPause
	}
	return &Dispatcher{
		store:       st,
		publisher:   pub,
		creds:       creds,
		gen:         gen,
		api:         api,
		limiter:     lim,
		settings:    res,
		selector:    sel,
		clk:         clk,
		log:         log,
		followPause: pause,
	}
}

// startOfDay is the UTC midnight before now; daily caps reset there.
func (d *Dispatcher) startOfDay() time.Time {
	now := d.clk.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// RunAutoPost executes one auto-post pass over all active tenants.
func (d *Dispatcher) RunAutoPost(ctx context.Context) error {
	tenants, err := d.store.ActiveTenants(ctx)
	if err != nil {
		return err
	}
	for i := range tenants {
		t := &tenants[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.autoPostTenant(ctx, t); err != nil {
			d.log.Warn("auto-post failed for tenant",
				logx.Int64("tenant_id", int64(t.ID)),
				logx.Err(err),
			)
		}
	}
	return nil
}

func (d *Dispatcher) autoPostTenant(ctx context.Context, t *storage.Tenant) error {
	if !d.settings.GetBool(ctx, t.ID, settings.KeyAutoPilotEnabled) ||
		!d.settings.GetBool(ctx, t.ID, settings.KeyAutoPostEnabled) {
		return nil
	}

	strat, err := d.store.ActiveStrategy(ctx, t.ID)
	if err != nil {
		return err
	}
	if strat == nil {
		d.log.Debug("no active strategy; skipping auto-post", logx.Int64("tenant_id", int64(t.ID)))
		return nil
	}

	cap := d.settings.GetInt(ctx, t.ID, settings.KeyAutoPostCount, defaultPostCap)
	used, err := d.store.CountAIPostsSince(ctx, t.ID, d.startOfDay())
	if err != nil {
		return err
	}
	if used >= int64(cap) {
		d.log.Debug("auto-post daily cap reached",
			logx.Int64("tenant_id", int64(t.ID)),
			logx.Int64("used", used),
			logx.Int("cap", cap),
		)
		return nil
	}

	persona, err := d.store.ActivePersona(ctx, t.ID)
	if err != nil {
		return err
	}

	post, err := d.composePost(ctx, t, strat, persona)
	if err != nil {
		return err
	}
	if err := d.store.CreatePost(ctx, post); err != nil {
		return err
	}

	creds, err := d.creds.Fresh(ctx, t.ID)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, post, t.Tier, creds)
}

func (d *Dispatcher) composePost(ctx context.Context, t *storage.Tenant, strat *storage.Strategy, persona *storage.Persona) (*storage.Post, error) {
	mix := parseMix(strat.MixRaw)
	pillars := parsePillars(strat.PillarsRaw)
	chosen := d.selector.Select(mix)

	req := ai.Request{
		Prompt:   "Write one engaging post drawing on your content pillars. Vary the angle from previous posts.",
		Pillars:  pillars,
		Language: d.settings.Get(ctx, t.ID, settings.KeyLanguage),
	}
	if persona != nil {
		req.Persona = ai.Persona{
			Name:     persona.Name,
			Tone:     persona.Tone,
			Audience: persona.Audience,
			Style:    persona.Style,
		}
	}

	post := &storage.Post{
		TenantID:    t.ID,
		Format:      chosen,
		Status:      storage.PostDraft,
		AIGenerated: true,
	}
	if persona != nil {
		post.PersonaID = &persona.ID
	}

	switch chosen {
	case storage.FormatThread:
		segments, err := d.gen.GenerateThread(ctx, req)
		if err != nil {
			return nil, err
		}
		post.Body = segments[0]
		post.Segments = make([]storage.ThreadSegment, len(segments))
		for i, s := range segments {
			post.Segments[i] = storage.ThreadSegment{Body: s, OrderIdx: i}
		}
	case storage.FormatLongForm:
		req.MaxChars = d.settings.GetInt(ctx, t.ID, settings.KeyLongFormLimit, 25000)
		body, err := d.gen.GeneratePost(ctx, req)
		if err != nil {
			return nil, err
		}
		post.Body = body
	default:
		req.MaxChars = d.settings.GetInt(ctx, t.ID, settings.KeyShortLimit, 280)
		body, err := d.gen.GeneratePost(ctx, req)
		if err != nil {
			return nil, err
		}
		post.Body = body
	}

	// Image is best-effort garnish; a failure never blocks the post.
	if chosen != storage.FormatThread && d.settings.GetBool(ctx, t.ID, settings.KeyAutoPostWithImage) {
		url, err := d.gen.GenerateImage(ctx, post.Body)
		if err != nil {
			d.log.Debug("image generation failed; posting without image",
				logx.Int64("tenant_id", int64(t.ID)),
				logx.Err(err),
			)
		} else {
			post.ImageURL = url
		}
	}
	return post, nil
}

func parseMix(raw string) map[storage.PostFormat]float64 {
	out := map[storage.PostFormat]float64{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func parsePillars(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
