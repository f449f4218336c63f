// Package settings resolves per-tenant configuration with a fallback chain:
// per-tenant override in the store, then the process-wide default.
package settings

import (
	"context"
	"strconv"
	"strings"

	"xpilot/internal/storage"
)

// Well-known setting keys.
const (
	KeyAutoPilotEnabled     = "auto_pilot_enabled"
	KeyAutoPostEnabled      = "auto_post_enabled"
	KeyAutoPostCount        = "auto_post_count"
	KeyAutoPostWithImage    = "auto_post_with_image"
	KeyAutoFollowEnabled    = "auto_follow_enabled"
	KeyAutoFollowKeywords   = "auto_follow_keywords"
	KeyAutoFollowDailyLimit = "auto_follow_daily_limit"
	KeyLanguage             = "language"
	KeyAIAPIKey             = "ai_api_key"
	KeyAIModel              = "ai_model"
	KeyShortLimit           = "max_short_length"
	KeyLongFormLimit        = "max_long_form_length"
)

// Defaults applied when neither the tenant nor the operator has set a value.
var builtinDefaults = map[string]string{
	KeyAutoPilotEnabled:     "false",
	KeyAutoPostEnabled:      "true",
	KeyAutoPostCount:        "3",
	KeyAutoPostWithImage:    "true",
	KeyAutoFollowEnabled:    "false",
	KeyAutoFollowKeywords:   "",
	KeyAutoFollowDailyLimit: "10",
	KeyLanguage:             "en",
	KeyShortLimit:           "280",
	KeyLongFormLimit:        "25000",
}

type Resolver struct {
	store    *storage.Store
	defaults map[string]string // process-wide overrides (config/env)
}

func NewResolver(store *storage.Store, defaults map[string]string) *Resolver {
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Resolver{store: store, defaults: d}
}

// Get returns the value for (tenantID, key): tenant override, then process
// default, then builtin default. Store errors degrade to the fallback chain
// rather than failing the caller.
func (r *Resolver) Get(ctx context.Context, tenantID uint, key string) string {
	if r.store != nil {
		if v, ok, err := r.store.GetSetting(ctx, tenantID, key); err == nil && ok && v != "" {
			return v
		}
	}
	if v, ok := r.defaults[key]; ok && v != "" {
		return v
	}
	return builtinDefaults[key]
}

func (r *Resolver) GetBool(ctx context.Context, tenantID uint, key string) bool {
	return strings.EqualFold(r.Get(ctx, tenantID, key), "true")
}

func (r *Resolver) GetInt(ctx context.Context, tenantID uint, key string, def int) int {
	v := strings.TrimSpace(r.Get(ctx, tenantID, key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Keywords splits a comma-separated keyword list, dropping empties.
func (r *Resolver) Keywords(ctx context.Context, tenantID uint, key string) []string {
	raw := r.Get(ctx, tenantID, key)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
