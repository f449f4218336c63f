// Package publish drives a draft post to its terminal state: validated,
// admitted against the tenant's quota, then sent with bounded retries.
//
// The pipeline is strictly ordered. Validation failures never reach the
// platform; quota denials never consume an attempt; only transient remote
// failures are retried, with the retry counter persisted after every
// attempt so a crash mid-retry is visible in the store.
package publish

import (
	"context"
	"errors"
	"time"

	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/platform"
	"xpilot/internal/settings"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

const (
	// DefaultMaxAttempts bounds remote sends per logical publish unit.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the first retry delay; it doubles per attempt.
	DefaultBaseDelay = 2 * time.Second

	shortCeiling    = 280
	longFormCeiling = 25000
)

type poster interface {
	CreatePost(ctx context.Context, creds platform.Credentials, body, inReplyTo, mediaID string) (string, error)
	UploadMedia(ctx context.Context, creds platform.Credentials, imageURL string) (string, error)
}

type admission interface {
	Allow(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error
	Record(ctx context.Context, tenantID uint, tier storage.Tier, cat storage.UsageCategory) error
}

type postStore interface {
	SavePost(ctx context.Context, p *storage.Post) error
	SaveSegment(ctx context.Context, seg *storage.ThreadSegment) error
}

type Config struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 2s
}

type Publisher struct {
	store    postStore
	api      poster
	limiter  admission
	settings *settings.Resolver
	clk      clock.Clock
	log      logx.Logger

	maxAttempts int
	baseDelay   time.Duration
}

func New(store postStore, api poster, limiter admission, res *settings.Resolver, clk clock.Clock, log logx.Logger, cfg Config) *Publisher {
	if clk == nil {
		clk = clock.System()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Publisher{
		store:       store,
		api:         api,
		limiter:     limiter,
		settings:    res,
		clk:         clk,
		log:         log,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Publish runs the full pipeline for one post. The post row is mutated and
// persisted as it moves: posted with a remote ID on success, failed with the
// last error otherwise. The returned error carries the taxonomy sentinel.
func (p *Publisher) Publish(ctx context.Context, post *storage.Post, tier storage.Tier, creds platform.Credentials) error {
	if err := p.validate(ctx, post); err != nil {
		return p.fail(ctx, post, err)
	}
	if err := p.limiter.Allow(ctx, post.TenantID, tier, storage.UsagePost); err != nil {
		return p.fail(ctx, post, err)
	}

	var err error
	if post.Format == storage.FormatThread {
		err = p.publishThread(ctx, post, tier, creds)
	} else {
		err = p.publishSingle(ctx, post, tier, creds)
	}
	if err != nil {
		return p.fail(ctx, post, err)
	}

	now := p.clk.Now().UTC()
	post.Status = storage.PostPosted
	post.PostedAt = &now
	post.LastError = ""
	if saveErr := p.store.SavePost(ctx, post); saveErr != nil {
		return saveErr
	}
	p.log.Info("post published",
		logx.Int64("post_id", int64(post.ID)),
		logx.Int64("tenant_id", int64(post.TenantID)),
		logx.String("format", string(post.Format)),
		logx.String("remote_id", post.RemoteID),
		logx.Int("attempts", post.RetryCount),
	)
	return nil
}

// validate applies the local content rules. It never touches the network.
func (p *Publisher) validate(ctx context.Context, post *storage.Post) error {
	switch post.Format {
	case storage.FormatThread:
		if len(post.Segments) == 0 {
			return errdefs.Validationf("thread has no segments")
		}
		limit := p.ceiling(ctx, post.TenantID, settings.KeyShortLimit, shortCeiling)
		for i, seg := range post.Segments {
			n := len([]rune(seg.Body))
			if n == 0 {
				return errdefs.Validationf("thread segment %d is empty", i+1)
			}
			if n > limit {
				return errdefs.Validationf("thread segment %d is %d chars, limit %d", i+1, n, limit)
			}
		}
		return nil
	case storage.FormatLongForm:
		return p.checkBody(ctx, post, settings.KeyLongFormLimit, longFormCeiling)
	case storage.FormatShort, "":
		return p.checkBody(ctx, post, settings.KeyShortLimit, shortCeiling)
	default:
		return errdefs.Validationf("unknown post format %q", post.Format)
	}
}

func (p *Publisher) checkBody(ctx context.Context, post *storage.Post, key string, def int) error {
	n := len([]rune(post.Body))
	if n == 0 {
		return errdefs.Validationf("post body is empty")
	}
	limit := p.ceiling(ctx, post.TenantID, key, def)
	if n > limit {
		return errdefs.Validationf("post body is %d chars, limit %d", n, limit)
	}
	return nil
}

func (p *Publisher) ceiling(ctx context.Context, tenantID uint, key string, def int) int {
	if p.settings == nil {
		return def
	}
	return p.settings.GetInt(ctx, tenantID, key, def)
}

func (p *Publisher) publishSingle(ctx context.Context, post *storage.Post, tier storage.Tier, creds platform.Credentials) error {
	remoteID, err := p.send(ctx, post, creds, post.Body, "", p.uploadImage(ctx, post, creds))
	if err != nil {
		return err
	}
	post.RemoteID = remoteID
	_ = p.limiter.Record(ctx, post.TenantID, tier, storage.UsagePost)
	return nil
}

// uploadImage turns a generated image URL into an attachable media ID. The
// attachment is best effort: an upload failure is logged and the post goes
// out without the image.
func (p *Publisher) uploadImage(ctx context.Context, post *storage.Post, creds platform.Credentials) string {
	if post.ImageURL == "" {
		return ""
	}
	mediaID, err := p.api.UploadMedia(ctx, creds, post.ImageURL)
	if err != nil {
		p.log.Warn("image upload failed; publishing without media",
			logx.Int64("post_id", int64(post.ID)),
			logx.Err(err),
		)
		return ""
	}
	return mediaID
}

// publishThread sends segments in order as a reply chain. A failure halts
// the chain: already-published segments keep their remote IDs and are never
// rolled back or re-sent.
func (p *Publisher) publishThread(ctx context.Context, post *storage.Post, tier storage.Tier, creds platform.Credentials) error {
	prev := ""
	for i := range post.Segments {
		seg := &post.Segments[i]
		if seg.RemoteID != "" {
			// already published on a previous run; resume after it
			prev = seg.RemoteID
			continue
		}
		if i > 0 {
			// Each chained segment is its own billable action.
			if err := p.limiter.Allow(ctx, post.TenantID, tier, storage.UsagePost); err != nil {
				return err
			}
		}
		remoteID, err := p.send(ctx, post, creds, seg.Body, prev, "")
		if err != nil {
			return err
		}
		seg.RemoteID = remoteID
		if err := p.store.SaveSegment(ctx, seg); err != nil {
			return err
		}
		_ = p.limiter.Record(ctx, post.TenantID, tier, storage.UsagePost)
		if post.RemoteID == "" {
			post.RemoteID = remoteID
			_ = p.store.SavePost(ctx, post)
		}
		prev = remoteID
	}
	if post.RemoteID == "" {
		return errdefs.Permanentf("thread produced no remote id")
	}
	return nil
}

// send performs one remote create with the bounded retry loop. The post's
// retry counter is persisted after every attempt.
func (p *Publisher) send(ctx context.Context, post *storage.Post, creds platform.Credentials, body, inReplyTo, mediaID string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		remoteID, err := p.api.CreatePost(ctx, creds, body, inReplyTo, mediaID)
		if err == nil {
			return remoteID, nil
		}
		lastErr = err

		post.RetryCount++
		if saveErr := p.store.SavePost(ctx, post); saveErr != nil {
			p.log.Error("failed persisting retry counter", logx.Int64("post_id", int64(post.ID)), logx.Err(saveErr))
		}

		if !errdefs.Retryable(err) || attempt == p.maxAttempts {
			return "", err
		}

		delay := p.baseDelay << (attempt - 1)
		p.log.Debug("publish attempt failed; backing off",
			logx.Int64("post_id", int64(post.ID)),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if err := p.clk.Sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// fail moves the post to its failed terminal state, keeping the original
// error for the caller.
func (p *Publisher) fail(ctx context.Context, post *storage.Post, cause error) error {
	post.Status = storage.PostFailed
	post.LastError = cause.Error()
	if err := p.store.SavePost(ctx, post); err != nil {
		return errors.Join(cause, err)
	}
	p.log.Warn("post failed",
		logx.Int64("post_id", int64(post.ID)),
		logx.Int64("tenant_id", int64(post.TenantID)),
		logx.Int("attempts", post.RetryCount),
		logx.Err(cause),
	)
	return cause
}
