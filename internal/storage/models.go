package storage

import "time"

type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

type ScheduleKind string

const (
	ScheduleOneShot   ScheduleKind = "one_shot"
	ScheduleRecurring ScheduleKind = "recurring"
)

type ContentSource string

const (
	SourceFreeform ContentSource = "freeform"
	SourceAIPrompt ContentSource = "ai_prompt"
	SourceTemplate ContentSource = "template"
)

type PostStatus string

const (
	PostDraft  PostStatus = "draft"
	PostPosted PostStatus = "posted"
	PostFailed PostStatus = "failed"
)

type PostFormat string

const (
	FormatShort    PostFormat = "short"
	FormatLongForm PostFormat = "long_form"
	FormatThread   PostFormat = "thread"
)

type AuthMethod string

const (
	AuthStaticKeys  AuthMethod = "static_keys"
	AuthRefreshable AuthMethod = "refreshable_token"
)

type UsageCategory string

const (
	UsagePost   UsageCategory = "post"
	UsageRead   UsageCategory = "read"
	UsageFollow UsageCategory = "follow"
)

type FollowStatus string

const (
	FollowPending   FollowStatus = "pending"
	FollowCompleted FollowStatus = "completed"
	FollowFailed    FollowStatus = "failed"
)

// Tenant is an isolated account whose schedules, posts and credentials are
// independent of all others.
type Tenant struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Email     string `gorm:"size:255;uniqueIndex;not null"`
	Name      string `gorm:"size:255;not null"`
	Tier      Tier   `gorm:"size:20;not null;default:free"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleDefinition is read-only to the engine; the excluded API layer owns
// create/edit. A recurring definition carries a 5-field cron expression, a
// one-shot definition an absolute timestamp.
type ScheduleDefinition struct {
	ID          uint         `gorm:"primaryKey;autoIncrement"`
	TenantID    uint         `gorm:"index;not null"`
	Name        string       `gorm:"size:255;not null"`
	Kind        ScheduleKind `gorm:"size:20;not null"`
	CronExpr    string       `gorm:"size:100"`
	ScheduledAt *time.Time
	IsActive    bool          `gorm:"not null;default:true;index"`
	Source      ContentSource `gorm:"size:20;not null;default:freeform"`
	Body        string        `gorm:"type:text"` // freeform body or AI prompt
	TemplateID  *uint
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Template struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TenantID  uint   `gorm:"index;not null"`
	Name      string `gorm:"size:255;not null"`
	Body      string `gorm:"type:text;not null"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Post is one logical publish unit. A thread-format Post owns ordered
// ThreadSegment children; the first published segment's remote ID becomes
// the Post's own RemoteID.
type Post struct {
	ID         uint       `gorm:"primaryKey;autoIncrement"`
	TenantID   uint       `gorm:"index;not null"`
	Body       string     `gorm:"type:text;not null"`
	Format     PostFormat `gorm:"size:20;not null;default:short"`
	Status     PostStatus `gorm:"size:20;not null;default:draft;index"`
	RemoteID   string     `gorm:"size:64"`
	RetryCount int        `gorm:"not null;default:0"`
	AIGenerated bool      `gorm:"not null;default:false"`
	ImageURL   string     `gorm:"type:text"`
	ScheduleID *uint
	PersonaID  *uint
	PostedAt   *time.Time
	LastError  string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Segments []ThreadSegment `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE"`
}

// ThreadSegment is immutable once RemoteID is assigned.
type ThreadSegment struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	PostID    uint   `gorm:"index;not null"`
	Body      string `gorm:"type:text;not null"`
	OrderIdx  int    `gorm:"not null"`
	RemoteID  string `gorm:"size:64"`
	CreatedAt time.Time
}

// CredentialRecord holds a tenant's platform credentials. Mutated only by
// the credential refresher and the excluded connect/disconnect flow.
type CredentialRecord struct {
	ID           uint       `gorm:"primaryKey;autoIncrement"`
	TenantID     uint       `gorm:"uniqueIndex;not null"`
	Method       AuthMethod `gorm:"size:32;not null"`
	AccessToken  string     `gorm:"type:text;not null"`
	RefreshToken string     `gorm:"type:text"`
	ExpiresAt    *time.Time
	Handle       string `gorm:"size:255"`
	RemoteUserID string `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UsageRecord is one billable action; admission math counts rows in the
// rolling window so accounting survives restarts.
type UsageRecord struct {
	ID        uint          `gorm:"primaryKey;autoIncrement"`
	TenantID  uint          `gorm:"index:idx_usage_tenant_cat;not null"`
	Category  UsageCategory `gorm:"size:16;index:idx_usage_tenant_cat;not null"`
	Tier      Tier          `gorm:"size:20;not null"`
	CreatedAt time.Time     `gorm:"index"`
}

type FollowTarget struct {
	ID           uint         `gorm:"primaryKey;autoIncrement"`
	TenantID     uint         `gorm:"index;not null"`
	RemoteUserID string       `gorm:"size:64;uniqueIndex;not null"`
	Handle       string       `gorm:"size:255;not null"`
	Status       FollowStatus `gorm:"size:20;not null;default:pending"`
	Keyword      string       `gorm:"size:255"`
	FollowedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Persona struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TenantID  uint   `gorm:"index;not null"`
	Name      string `gorm:"size:255;not null"`
	Tone      string `gorm:"size:100"`
	Audience  string `gorm:"size:500"`
	Style     string `gorm:"size:100"`
	IsActive  bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Strategy carries the content mix used by the format selector, e.g.
// {"short": 70, "thread": 20, "long_form": 10}. Mix and pillars are stored
// as JSON text so the schema stays portable across SQLite and Postgres.
type Strategy struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TenantID   uint   `gorm:"index;not null"`
	Name       string `gorm:"size:255;not null"`
	PillarsRaw string `gorm:"type:text"` // JSON array of topic strings
	MixRaw     string `gorm:"type:text"` // JSON object format -> weight
	IsActive   bool   `gorm:"not null;default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Setting is a per-tenant key/value override; TenantID 0 rows are
// process-wide defaults.
type Setting struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TenantID  uint   `gorm:"index:idx_setting_tenant_key,unique;not null"`
	Key       string `gorm:"size:255;index:idx_setting_tenant_key,unique;not null"`
	Value     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PostMetrics struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	PostID      uint `gorm:"index;not null"`
	Impressions int  `gorm:"not null;default:0"`
	Likes       int  `gorm:"not null;default:0"`
	Reposts     int  `gorm:"not null;default:0"`
	Replies     int  `gorm:"not null;default:0"`
	CollectedAt time.Time
}

// KVEntry backs the TTL key-value capability (OAuth/PKCE state and similar
// short-lived handshake data).
type KVEntry struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"type:text;not null"`
	ExpiresAt int64  `gorm:"not null;index"` // unix millis
}
