// Package app assembles the engine: storage, the platform client, the
// publish pipeline and the background jobs that drive them. It owns process
// lifecycle; the packages it wires own their own behavior.
package app

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"xpilot/internal/ai"
	"xpilot/internal/analytics"
	"xpilot/internal/autopilot"
	"xpilot/internal/clock"
	"xpilot/internal/config"
	"xpilot/internal/credentials"
	"xpilot/internal/eventbus"
	"xpilot/internal/format"
	"xpilot/internal/kvstore"
	"xpilot/internal/observability/debugsrv"
	"xpilot/internal/platform"
	"xpilot/internal/publish"
	"xpilot/internal/ratelimit"
	"xpilot/internal/reconcile"
	"xpilot/internal/scheduler"
	"xpilot/internal/settings"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

// System job IDs. They live outside the schedule: prefix so reconciliation
// never removes them.
const (
	jobAutoPost   = "system:auto_post"
	jobAutoFollow = "system:auto_follow"
)

const stopTimeout = 10 * time.Second

// fireStore is the slice of the store FireSchedule reads and writes.
type fireStore interface {
	GetTenant(ctx context.Context, id uint) (*storage.Tenant, error)
	GetTemplate(ctx context.Context, id uint) (*storage.Template, error)
	ActivePersona(ctx context.Context, tenantID uint) (*storage.Persona, error)
	CreatePost(ctx context.Context, p *storage.Post) error
}

type contentGen interface {
	GeneratePost(ctx context.Context, req ai.Request) (string, error)
}

type credsProvider interface {
	Fresh(ctx context.Context, tenantID uint) (platform.Credentials, error)
}

type poster interface {
	Publish(ctx context.Context, post *storage.Post, tier storage.Tier, creds platform.Credentials) error
}

// Engine is the assembled process.
type Engine struct {
	cfg     *config.Config
	timings config.EngineTimings
	logSvc  *logx.Service
	log     logx.Logger
	clk     clock.Clock

	store    *storage.Store
	settings *settings.Resolver
	limiter  *ratelimit.Limiter
	api      *platform.Client
	kv       kvstore.KV

	// interface fields so tests can stub the fire path
	fstore fireStore
	gen    contentGen
	creds  credsProvider
	pub    poster

	refresher  *credentials.Refresher
	dispatcher *autopilot.Dispatcher
	collector  *analytics.Collector
	sched      *scheduler.Service
	recon      *reconcile.Reconciler
	bus        eventbus.Bus
	debug      *debugsrv.Service

	wg sync.WaitGroup
}

// New builds the engine from a validated config. Nothing starts running
// until Run.
func New(cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*Engine, error) {
	timings, err := cfg.Engine.Timings()
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	clk := clock.System()
	res := settings.NewResolver(store, cfg.Defaults)
	limiter := ratelimit.New(store, clk)

	platformTimeout, err := config.ParseDurationOrDefault("platform.timeout", cfg.Platform.Timeout, config.DefaultPlatformTimeout)
	if err != nil {
		return nil, err
	}
	api := platform.NewClient(platform.ClientConfig{
		BaseURL:      cfg.Platform.BaseURL,
		Timeout:      platformTimeout,
		RatePerSec:   cfg.Platform.RatePerSec,
		ClientID:     cfg.Platform.ClientID,
		ClientSecret: cfg.Platform.ClientSecret,
	}, log.With(logx.String("component", "platform")))

	gen := ai.NewGenerator(ai.Config{
		APIKey:     cfg.AI.APIKey,
		BaseURL:    cfg.AI.BaseURL,
		Model:      cfg.AI.Model,
		ImageModel: cfg.AI.ImageModel,
	}, log.With(logx.String("component", "ai")))

	pub := publish.New(store, api, limiter, res, clk,
		log.With(logx.String("component", "publish")), publish.Config{})

	refresher := credentials.New(store, api, timings.CredentialHorizon, clk,
		log.With(logx.String("component", "credentials")))

	sel := format.New(rand.NewSource(clk.Now().UnixNano()))
	dispatcher := autopilot.New(store, pub, refresher, gen, api, limiter, res, sel, clk,
		log.With(logx.String("component", "autopilot")), autopilot.Config{})

	collector := analytics.New(store, api, refresher, limiter, clk,
		log.With(logx.String("component", "analytics")))

	sched := scheduler.New(scheduler.Config{
		Workers:   timings.Workers,
		QueueSize: timings.QueueSize,
		Timezone:  cfg.Engine.Timezone,
	}, clk, log.With(logx.String("component", "scheduler")))

	e := &Engine{
		cfg:        cfg,
		timings:    timings,
		logSvc:     logSvc,
		log:        log,
		clk:        clk,
		store:      store,
		settings:   res,
		limiter:    limiter,
		api:        api,
		kv:         kvstore.NewDurable(store, clk),
		fstore:     store,
		gen:        gen,
		creds:      refresher,
		pub:        pub,
		refresher:  refresher,
		dispatcher: dispatcher,
		collector:  collector,
		sched:      sched,
		bus:        eventbus.New(),
		debug:      debugsrv.New(debugConfig(cfg.Debug), log.With(logx.String("component", "debug"))),
	}
	e.recon = reconcile.New(store, sched, e, clk, log.With(logx.String("component", "reconcile")))
	return e, nil
}

// Run starts all background work and blocks until ctx is canceled. Config
// updates arriving on updates are applied in place; a nil channel disables
// hot reload.
func (e *Engine) Run(ctx context.Context, updates <-chan *config.Config) error {
	if err := e.debug.Start(); err != nil {
		return err
	}
	e.startEventLogger(ctx)

	if e.cfg.Engine.Enabled {
		e.sched.Start(ctx)
		if err := e.startJobs(ctx); err != nil {
			return err
		}
	} else {
		e.log.Warn("engine disabled; only the debug endpoint is active")
	}

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case cfg, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			e.applyUpdate(cfg)
		}
	}
}

// startJobs registers the system jobs and runs the first reconciliation
// eagerly so stored schedules are live before the first tick.
func (e *Engine) startJobs(ctx context.Context) error {
	if err := e.recon.Run(ctx); err != nil {
		e.log.Error("initial reconciliation failed", logx.Err(err))
	}

	if err := e.sched.AddRecurring(jobAutoPost, e.timings.AutoPostCron, e.dispatcher.RunAutoPost); err != nil {
		return fmt.Errorf("register auto-post job: %w", err)
	}
	if err := e.sched.AddRecurring(jobAutoFollow, e.timings.AutoFollowCron, e.dispatcher.RunAutoFollow); err != nil {
		return fmt.Errorf("register auto-follow job: %w", err)
	}

	// Interval jobs run on plain tickers; only tenant schedules and the
	// cron-line auto-pilot jobs go through the scheduler.
	e.every(ctx, "reconcile", e.timings.ReconcileInterval, e.recon.Run)
	e.every(ctx, "credential_refresh", e.timings.CredentialRefresh, e.refresher.Run)
	e.every(ctx, "analytics", e.timings.AnalyticsInterval, e.collector.Run)

	for _, name := range []string{"reconcile", "credential_refresh", "analytics"} {
		if last, ok := e.lastJobRun(ctx, name); ok {
			e.log.Info("job resumed",
				logx.String("job", name),
				logx.String("last_run", last.UTC().Format(time.RFC3339)),
			)
		}
	}
	return nil
}

// jobRunTTL bounds how long last-run markers outlive an idle job.
const jobRunTTL = 30 * 24 * time.Hour

// recordJobRun persists a last-run marker so restart logs can show how stale
// each periodic job is.
func (e *Engine) recordJobRun(ctx context.Context, name string) {
	if e.kv == nil {
		return
	}
	stamp := e.clk.Now().UTC().Format(time.RFC3339)
	if err := e.kv.Put(ctx, "job:"+name+":last_run", stamp, jobRunTTL); err != nil {
		e.log.Debug("failed recording job run", logx.String("job", name), logx.Err(err))
	}
}

func (e *Engine) lastJobRun(ctx context.Context, name string) (time.Time, bool) {
	if e.kv == nil {
		return time.Time{}, false
	}
	v, ok, err := e.kv.Get(ctx, "job:"+name+":last_run")
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (e *Engine) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := fn(ctx)
				if err == nil {
					e.recordJobRun(ctx, name)
					continue
				}
				if ctx.Err() == nil {
					e.log.Warn("periodic job failed", logx.String("job", name), logx.Err(err))
				}
			}
		}
	}()
}

// startEventLogger drains the bus so engine events show up in the log even
// with no other subscriber attached.
func (e *Engine) startEventLogger(ctx context.Context) {
	ch, unsub := e.bus.Subscribe(64)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	}()
}

func (e *Engine) applyUpdate(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if e.logSvc != nil {
		e.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := e.debug.Reconfigure(ctx, debugConfig(cfg.Debug)); err != nil {
		e.log.Error("debug server reconfigure failed", logx.Err(err))
	}
	e.log.Info("configuration reloaded")
}

func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	e.sched.Stop(ctx)
	if err := e.debug.Stop(ctx); err != nil {
		e.log.Warn("debug server stop", logx.Err(err))
	}
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		return err
	}
	e.log.Info("engine stopped")
	return nil
}

// debugConfig translates file config into the debug server's parsed form.
// Validation already proved the duration strings parse.
func debugConfig(dc config.DebugConfig) debugsrv.Config {
	read, _ := config.ParseDurationField("debug.read_timeout", dc.ReadTimeout)
	write, _ := config.ParseDurationField("debug.write_timeout", dc.WriteTimeout)
	idle, _ := config.ParseDurationField("debug.idle_timeout", dc.IdleTimeout)
	return debugsrv.Config{
		Enabled:       dc.Enabled,
		Addr:          dc.Addr,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}
