package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"xpilot/internal/errdefs"
	logx "xpilot/pkg/logx"
)

// ParseSpec validates a 5-field cron expression (minute hour dom month dow).
// Anything else, including descriptors and 6-field second-resolution specs,
// is a configuration error.
func (s *Service) ParseSpec(spec string) (cron.Schedule, error) {
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, errdefs.Configf("cron spec %q must have exactly 5 fields, got %d", spec, len(fields))
	}
	sched, err := s.parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, errdefs.Configf("cron spec %q: %v", spec, err)
	}
	return sched, nil
}

// AddRecurring registers (or replaces) a cron-driven job under id. The
// returned error is a configuration error when the spec is invalid; the
// job itself runs on the worker pool.
func (s *Service) AddRecurring(id, spec string, fn func(ctx context.Context) error) error {
	if _, err := s.ParseSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errdefs.Configf("scheduler is not running")
	}
	if old, ok := s.entries[id]; ok {
		s.c.Remove(old)
		delete(s.entries, id)
	}
	entryID, err := s.c.AddFunc(spec, func() {
		s.enqueue(task{id: id, run: fn})
	})
	if err != nil {
		return errdefs.Configf("cron spec %q: %v", spec, err)
	}
	s.entries[id] = entryID
	s.log.Debug("recurring job registered", logx.String("task", id), logx.String("spec", spec))
	return nil
}

// AddOneShot arms a timer that fires once at the given time. A past-due time
// fires immediately. Re-adding an id replaces the previous timer.
func (s *Service) AddOneShot(id string, at time.Time, fn func(ctx context.Context) error) {
	delay := at.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.timers[id]; ok {
		_ = old.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		delete(s.timers, id)
		delete(s.onceAt, id)
		s.tmu.Unlock()
		s.enqueue(task{id: id, run: fn})
	})
	s.onceAt[id] = at
	s.log.Debug("one-shot job armed", logx.String("task", id), logx.Time("at", at), logx.Duration("in", delay))
}

// Remove drops a job of either kind. Removing an unknown id is a no-op.
func (s *Service) Remove(id string) {
	s.mu.Lock()
	if s.c != nil {
		if entryID, ok := s.entries[id]; ok {
			s.c.Remove(entryID)
			delete(s.entries, id)
		}
	} else {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
		delete(s.onceAt, id)
	}
	s.tmu.Unlock()
	s.log.Debug("job removed", logx.String("task", id))
}

// NextRun reports the pending fire time for a one-shot id, if armed.
func (s *Service) NextRun(id string) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	at, ok := s.onceAt[id]
	return at, ok
}
