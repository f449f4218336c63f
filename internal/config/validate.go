package config

import (
	"fmt"
	"strings"
	"time"
)

// EngineTimings is the engine cadence block with durations parsed and
// defaults applied.
type EngineTimings struct {
	ReconcileInterval time.Duration
	CredentialRefresh time.Duration
	CredentialHorizon time.Duration
	AnalyticsInterval time.Duration
	AutoPostCron      string
	AutoFollowCron    string
	Workers           int
	QueueSize         int
}

// Timings parses the engine duration fields and fills defaults.
func (e EngineConfig) Timings() (EngineTimings, error) {
	var t EngineTimings
	var err error

	if t.ReconcileInterval, err = ParseDurationOrDefault("engine.reconcile_interval", e.ReconcileInterval, DefaultReconcileInterval); err != nil {
		return t, err
	}
	if t.CredentialRefresh, err = ParseDurationOrDefault("engine.credential_refresh_interval", e.CredentialRefreshInterval, DefaultCredentialRefresh); err != nil {
		return t, err
	}
	if t.CredentialHorizon, err = ParseDurationOrDefault("engine.credential_horizon", e.CredentialHorizon, DefaultCredentialHorizon); err != nil {
		return t, err
	}
	if t.AnalyticsInterval, err = ParseDurationOrDefault("engine.analytics_interval", e.AnalyticsInterval, DefaultAnalyticsInterval); err != nil {
		return t, err
	}

	t.AutoPostCron = strings.TrimSpace(e.AutoPostCron)
	if t.AutoPostCron == "" {
		t.AutoPostCron = DefaultAutoPostCron
	}
	t.AutoFollowCron = strings.TrimSpace(e.AutoFollowCron)
	if t.AutoFollowCron == "" {
		t.AutoFollowCron = DefaultAutoFollowCron
	}

	t.Workers = e.Workers
	if t.Workers <= 0 {
		t.Workers = DefaultWorkers
	}
	t.QueueSize = e.QueueSize
	if t.QueueSize <= 0 {
		t.QueueSize = DefaultQueueSize
	}
	return t, nil
}

// Validate checks the whole config for structural problems: missing storage
// path, bad durations, unparsable debug timeouts. Cron expressions are
// validated where they are compiled.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := c.Engine.Timings(); err != nil {
		return err
	}
	if _, err := ParseDurationField("platform.timeout", c.Platform.Timeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Debug.Enabled && !c.Debug.AllowInsecure && strings.TrimSpace(c.Debug.Token) == "" {
		if !isLoopbackAddr(c.Debug.Addr) {
			return fmt.Errorf("debug.addr %q is non-loopback: set debug.token or debug.allow_insecure", c.Debug.Addr)
		}
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true // default bind is 127.0.0.1
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasPrefix(host, "127.")
}
