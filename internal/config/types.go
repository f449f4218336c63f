package config

import "time"

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Engine controls the background jobs: reconciliation cadence, publish
	// retry policy, auto-pilot cron lines and the worker pool.
	Engine EngineConfig `json:"engine"`

	Platform PlatformConfig `json:"platform"`
	AI       AIConfig       `json:"ai,omitempty"`
	Debug    DebugConfig    `json:"debug,omitempty"`

	// Defaults seeds the process-wide settings layer; tenants override
	// individual keys in the store.
	Defaults map[string]string `json:"defaults,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EngineConfig holds job cadences as Go duration strings and the auto-pilot
// cron lines as 5-field expressions. Zero values fall back to the defaults
// listed per field.
type EngineConfig struct {
	Enabled bool `json:"enabled"`

	// ReconcileInterval is how often the live timer set is reconciled with
	// the stored schedule definitions. Default "5m".
	ReconcileInterval string `json:"reconcile_interval,omitempty"`

	// AutoPostCron drives the auto-post dispatcher; AutoFollowCron the
	// auto-follow pass. Defaults "0 7,12,17,21 * * *" and "30 9 * * *".
	AutoPostCron   string `json:"auto_post_cron,omitempty"`
	AutoFollowCron string `json:"auto_follow_cron,omitempty"`

	// CredentialRefreshInterval / CredentialHorizon control the token
	// refresher. Defaults "30m" / "30m".
	CredentialRefreshInterval string `json:"credential_refresh_interval,omitempty"`
	CredentialHorizon         string `json:"credential_horizon,omitempty"`

	// AnalyticsInterval is the metrics collection cadence. Default "6h".
	AnalyticsInterval string `json:"analytics_interval,omitempty"`

	Workers   int    `json:"workers,omitempty"`    // default 2
	QueueSize int    `json:"queue_size,omitempty"` // default 256
	Timezone  string `json:"timezone,omitempty"`   // default UTC
}

type PlatformConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default https://api.x.com/2
	Timeout string `json:"timeout,omitempty"`  // default "30s"
	// RatePerSec caps outbound request rate to the platform. 0 disables.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	// App-level OAuth client, used by the token refresher.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type AIConfig struct {
	APIKey     string `json:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model,omitempty"`       // default gpt-4o-mini
	ImageModel string `json:"image_model,omitempty"` // default dall-e-3
}

// DebugConfig controls the optional debug HTTP server (pprof + Prometheus
// metrics).
//
// Prefer binding to localhost. If you bind to a non-loopback address, set a
// token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Engine cadence defaults.
const (
	DefaultReconcileInterval = 5 * time.Minute
	DefaultCredentialRefresh = 30 * time.Minute
	DefaultCredentialHorizon = 30 * time.Minute
	DefaultAnalyticsInterval = 6 * time.Hour
	DefaultAutoPostCron      = "0 7,12,17,21 * * *"
	DefaultAutoFollowCron    = "30 9 * * *"
	DefaultWorkers           = 2
	DefaultQueueSize         = 256
	DefaultPlatformTimeout   = 30 * time.Second
)
