// Package storage is the persisted source of truth for the engine: schedule
// definitions, posts and thread segments, credentials, usage records and
// per-tenant settings, backed by GORM over SQLite.
//
// The live timer set is deliberately NOT stored here; it is process-local
// and rebuilt from these records on every reconciliation pass.
package storage
