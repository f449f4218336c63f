// Package scheduler runs the engine's timed work: recurring cron entries and
// one-shot timers, both keyed by stable string IDs, feeding a bounded queue
// drained by a small worker pool.
//
// The live ID set is process-local state; the reconciler rebuilds it from
// the store and this package never persists anything itself.
package scheduler

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"xpilot/internal/clock"
	logx "xpilot/pkg/logx"
)

type Config struct {
	Workers   int
	QueueSize int
	Timezone  string // IANA TZ; empty means UTC
}

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

type task struct {
	id  string
	run JobFunc
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	clk clock.Clock

	parser  cron.Parser
	c       *cron.Cron
	entries map[string]cron.EntryID

	// one-shot timers; runtime only, definitions live in the store
	tmu    sync.Mutex
	timers map[string]*time.Timer
	onceAt map[string]time.Time

	queue     chan task
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		cfg: cfg,
		log: log,
		clk: clk,
		// 5-field specs only; descriptors like @daily are rejected up front
		// by ParseSpec so a bad schedule definition cannot slip through.
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		entries: map[string]cron.EntryID{},
		timers:  map[string]*time.Timer{},
		onceAt:  map[string]time.Time{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return // already running
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	// Fresh queue per run so stale tasks from a previous run never execute.
	s.queue = make(chan task, queueSize)

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.Int("queue_size", queueSize),
		logx.String("tz", loc.String()),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.stopCh = nil
	s.runCtx = nil
	s.runCancel = nil
	s.queue = nil
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	// Stop runtime timers; their definitions survive in the store and the
	// reconciler re-arms them on the next run.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.onceAt = map[string]time.Time{}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; workers finishing in background")
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := s.cfg.Timezone
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; dropping task", logx.String("task", t.id))
		return
	}
	select {
	case q <- t:
	default:
		s.log.Warn("scheduler queue full; dropping task",
			logx.String("task", t.id),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
		)
		jobDropped.Inc()
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t, idx)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task, idx int) {
	defer func() {
		if r := recover(); r != nil {
			jobRuns.WithLabelValues("panic").Inc()
			s.log.Error("panic in scheduled job",
				logx.String("task", t.id),
				logx.Int("worker", idx),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	start := s.clk.Now()
	err := t.run(ctx)
	dur := s.clk.Since(start)
	jobDuration.Observe(dur.Seconds())

	if err != nil {
		jobRuns.WithLabelValues("error").Inc()
		s.log.Warn("job failed", logx.String("task", t.id), logx.Err(err), logx.Duration("dur", dur))
		return
	}
	jobRuns.WithLabelValues("ok").Inc()
	if dur >= 750*time.Millisecond {
		s.log.Info("job completed", logx.String("task", t.id), logx.Duration("dur", dur))
	} else {
		s.log.Debug("job completed", logx.String("task", t.id), logx.Duration("dur", dur))
	}
}

// IDs returns the sorted union of recurring and one-shot job IDs currently
// registered. The reconciler diffs this against the stored definitions.
func (s *Service) IDs() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.entries)+8)
	for id := range s.entries {
		out = append(out, id)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for id := range s.timers {
		out = append(out, id)
	}
	s.tmu.Unlock()

	sort.Strings(out)
	return out
}

// Has reports whether id is registered as either kind of job.
func (s *Service) Has(id string) bool {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if ok {
		return true
	}
	s.tmu.Lock()
	_, ok = s.timers[id]
	s.tmu.Unlock()
	return ok
}
