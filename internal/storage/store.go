package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience.
var ErrNotFound = gorm.ErrRecordNotFound

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Store wraps the GORM handle. Methods are thin CRUD; business rules live in
// the engine components.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database, applies PRAGMAs and migrates
// the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busy.Milliseconds()))

	// SQLite prefers a small number of concurrent writers.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	st := &Store{db: db}
	if err := st.migrate(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&Tenant{},
		&ScheduleDefinition{},
		&Template{},
		&Post{},
		&ThreadSegment{},
		&CredentialRecord{},
		&UsageRecord{},
		&FollowTarget{},
		&Persona{},
		&Strategy{},
		&Setting{},
		&PostMetrics{},
		&KVEntry{},
	)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- Tenants ----

func (s *Store) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	var out []Tenant
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&out).Error
	return out, err
}

func (s *Store) GetTenant(ctx context.Context, id uint) (*Tenant, error) {
	var t Tenant
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// ---- Schedule definitions ----

func (s *Store) ActiveSchedules(ctx context.Context) ([]ScheduleDefinition, error) {
	var out []ScheduleDefinition
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&out).Error
	return out, err
}

func (s *Store) GetSchedule(ctx context.Context, id uint) (*ScheduleDefinition, error) {
	var d ScheduleDefinition
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) CreateSchedule(ctx context.Context, d *ScheduleDefinition) error {
	return s.db.WithContext(ctx).Create(d).Error
}

// DeactivateSchedule flips the active flag; used after a one-shot fires.
func (s *Store) DeactivateSchedule(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).
		Model(&ScheduleDefinition{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

func (s *Store) GetTemplate(ctx context.Context, id uint) (*Template, error) {
	var t Template
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ---- Posts ----

func (s *Store) CreatePost(ctx context.Context, p *Post) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// SavePost persists the post row only (not its segments).
func (s *Store) SavePost(ctx context.Context, p *Post) error {
	return s.db.WithContext(ctx).Omit("Segments").Save(p).Error
}

func (s *Store) GetPost(ctx context.Context, id uint) (*Post, error) {
	var p Post
	err := s.db.WithContext(ctx).
		Preload("Segments", func(db *gorm.DB) *gorm.DB { return db.Order("order_idx asc") }).
		First(&p, id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveSegment(ctx context.Context, seg *ThreadSegment) error {
	return s.db.WithContext(ctx).Save(seg).Error
}

// PostedPosts returns posts with an assigned remote ID, newest first, for
// the analytics collector.
func (s *Store) PostedPosts(ctx context.Context, limit int) ([]Post, error) {
	var out []Post
	q := s.db.WithContext(ctx).
		Where("status = ? AND remote_id <> ''", PostPosted).
		Order("posted_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountAIPostsSince counts AI-generated posts for a tenant created at or
// after cutoff, regardless of publish outcome (a failed attempt still
// consumes the daily budget).
func (s *Store) CountAIPostsSince(ctx context.Context, tenantID uint, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Post{}).
		Where("tenant_id = ? AND ai_generated = ? AND created_at >= ?", tenantID, true, cutoff).
		Count(&n).Error
	return n, err
}

// ---- Credentials ----

func (s *Store) CredentialForTenant(ctx context.Context, tenantID uint) (*CredentialRecord, error) {
	var c CredentialRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CredentialsByMethod(ctx context.Context, m AuthMethod) ([]CredentialRecord, error) {
	var out []CredentialRecord
	err := s.db.WithContext(ctx).Where("method = ?", m).Find(&out).Error
	return out, err
}

func (s *Store) SaveCredential(ctx context.Context, c *CredentialRecord) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// ---- Usage records ----

func (s *Store) RecordUsage(ctx context.Context, r *UsageRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) CountUsageSince(ctx context.Context, tenantID uint, cat UsageCategory, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("tenant_id = ? AND category = ? AND created_at > ?", tenantID, cat, cutoff).
		Count(&n).Error
	return n, err
}

// ---- Follow targets ----

func (s *Store) FollowTargetExists(ctx context.Context, remoteUserID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&FollowTarget{}).
		Where("remote_user_id = ?", remoteUserID).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) CreateFollowTarget(ctx context.Context, t *FollowTarget) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) SaveFollowTarget(ctx context.Context, t *FollowTarget) error {
	return s.db.WithContext(ctx).Save(t).Error
}

// ---- Personas & strategies ----

// ActiveStrategy returns nil, nil when the tenant has no active strategy
// (absence is a skip for auto-post, not an error).
func (s *Store) ActiveStrategy(ctx context.Context, tenantID uint) (*Strategy, error) {
	var st Strategy
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) ActivePersona(ctx context.Context, tenantID uint) (*Persona, error) {
	var p Persona
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateStrategy(ctx context.Context, st *Strategy) error {
	return s.db.WithContext(ctx).Create(st).Error
}

func (s *Store) CreatePersona(ctx context.Context, p *Persona) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// ---- Settings ----

// GetSetting returns the value for (tenantID, key). ok is false when no row
// exists; the caller decides the fallback.
func (s *Store) GetSetting(ctx context.Context, tenantID uint, key string) (string, bool, error) {
	var row Setting
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND key = ?", tenantID, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, tenantID uint, key, value string) error {
	var row Setting
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND key = ?", tenantID, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&Setting{TenantID: tenantID, Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	row.Value = value
	return s.db.WithContext(ctx).Save(&row).Error
}

// ---- Post metrics ----

func (s *Store) CreatePostMetrics(ctx context.Context, m *PostMetrics) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// ---- TTL key-value ----

func (s *Store) KVPut(ctx context.Context, key, value string, until time.Time) error {
	e := KVEntry{Key: key, Value: value, ExpiresAt: until.UnixMilli()}
	return s.db.WithContext(ctx).Save(&e).Error
}

// KVGet returns ok=false for a missing or expired key. Expired rows are
// pruned opportunistically.
func (s *Store) KVGet(ctx context.Context, key string, now time.Time) (string, bool, error) {
	var e KVEntry
	err := s.db.WithContext(ctx).First(&e, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if e.ExpiresAt <= now.UnixMilli() {
		_ = s.db.WithContext(ctx).Delete(&KVEntry{}, "key = ?", key).Error
		return "", false, nil
	}
	return e.Value, true, nil
}

func (s *Store) KVDelete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&KVEntry{}, "key = ?", key).Error
}
