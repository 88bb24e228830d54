package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/recasthq/recast/transform"
)

// JSONMap stores a free-form JSON object in a jsonb column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(data, m)
}

// DocumentStatus tracks content extraction progress.
type DocumentStatus string

const (
	DocumentPending DocumentStatus = "pending"
	DocumentReady   DocumentStatus = "ready"
	DocumentFailed  DocumentStatus = "failed"
)

// TransformationStatus is the job lifecycle state.
type TransformationStatus string

const (
	TransformationPending   TransformationStatus = "pending"
	TransformationRunning   TransformationStatus = "running"
	TransformationCompleted TransformationStatus = "completed"
	TransformationFailed    TransformationStatus = "failed"
	TransformationCancelled TransformationStatus = "cancelled"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s TransformationStatus) Terminal() bool {
	switch s {
	case TransformationCompleted, TransformationFailed, TransformationCancelled:
		return true
	}
	return false
}

// DefaultPlan is the plan every new workspace starts on.
const DefaultPlan = "free"

// Workspace is the tenant boundary. Every owned entity carries its id.
// Workspaces are never hard-deleted, only marked via DeletedAt.
type Workspace struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string         `gorm:"size:255;not null" json:"name"`
	Plan      string         `gorm:"size:50;not null;default:free" json:"plan"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// User is a workspace member. Email is unique across the system.
// Deactivated users keep their rows; login and refresh refuse them.
type User struct {
	ID           string         `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID  string         `gorm:"type:uuid;not null;index" json:"workspace_id"`
	Email        string         `gorm:"size:255;not null;uniqueIndex" json:"email"`
	PasswordHash string         `gorm:"size:255;not null" json:"-"`
	Name         string         `gorm:"size:255" json:"name,omitempty"`
	Role         string         `gorm:"size:32;not null;default:member" json:"role"`
	IsActive     bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastLoginAt  *time.Time     `json:"last_login_at,omitempty"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// Session is one link in a refresh-token rotation chain. The refresh
// credential itself is never stored; LookupKey is a deterministic
// digest used for retrieval and RefreshHash is the bcrypt hash checked
// on presentation. ChainID names the chain root so a whole chain can
// be revoked in one statement.
type Session struct {
	ID              string     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          string     `gorm:"type:uuid;not null;index" json:"user_id"`
	WorkspaceID     string     `gorm:"type:uuid;not null;index" json:"workspace_id"`
	ChainID         string     `gorm:"type:uuid;not null;index" json:"-"`
	ParentSessionID *string    `gorm:"type:uuid;index" json:"-"`
	LookupKey       string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	RefreshHash     string     `gorm:"size:255;not null" json:"-"`
	Revoked         bool       `gorm:"not null;default:false" json:"revoked"`
	IssuedAt        time.Time  `gorm:"not null" json:"issued_at"`
	ExpiresAt       time.Time  `gorm:"not null;index" json:"expires_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

// Document is uploaded source material. The raw bytes live in the
// blob store under BlobRef and the extracted text under a key derived
// from it; only metadata is kept here.
type Document struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID      string         `gorm:"type:uuid;not null;index:idx_documents_ws" json:"workspace_id"`
	UserID           string         `gorm:"type:uuid;not null" json:"user_id"`
	Title            string         `gorm:"size:512;not null" json:"title"`
	Description      string         `gorm:"size:2048" json:"description,omitempty"`
	OriginalFilename string         `gorm:"size:512" json:"original_filename"`
	ContentType      string         `gorm:"size:128" json:"content_type"`
	BlobRef          string         `gorm:"size:1024" json:"-"`
	ContentHash      string         `gorm:"size:64;index" json:"content_hash"`
	SizeBytes        int64          `json:"size_bytes"`
	Status           DocumentStatus `gorm:"size:16;not null;default:pending" json:"status"`
	ErrorReason      string         `gorm:"size:1024" json:"error_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// Transformation is one AI conversion job.
type Transformation struct {
	ID           string               `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID  string               `gorm:"type:uuid;not null;index:idx_transformations_ws" json:"workspace_id"`
	UserID       string               `gorm:"type:uuid;not null" json:"user_id"`
	DocumentID   *string              `gorm:"type:uuid;index" json:"document_id,omitempty"`
	PresetID     *string              `gorm:"type:uuid" json:"preset_id,omitempty"`
	Kind         transform.Kind       `gorm:"size:32;not null" json:"kind"`
	Parameters   JSONMap              `gorm:"type:jsonb;not null;default:'{}'" json:"parameters"`
	Status       TransformationStatus `gorm:"size:16;not null;default:pending;index" json:"status"`
	Result       *string              `gorm:"type:text" json:"result,omitempty"`
	ErrorReason  *string              `gorm:"size:1024" json:"error_reason,omitempty"`
	ProviderUsed *string              `gorm:"size:64" json:"provider_used,omitempty"`
	TokensUsed   *int                 `json:"tokens_used,omitempty"`
	Attempts     int                  `gorm:"not null;default:0" json:"attempts"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	DeletedAt    gorm.DeletedAt       `gorm:"index" json:"-"`
}

// Preset is a reusable parameter bundle for one transformation kind.
// Shared presets are readable by the whole workspace; private ones
// only by their owner.
type Preset struct {
	ID          string         `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID string         `gorm:"type:uuid;not null;index:idx_presets_ws" json:"workspace_id"`
	UserID      string         `gorm:"type:uuid;not null" json:"user_id"`
	Name        string         `gorm:"size:255;not null" json:"name"`
	Description string         `gorm:"size:1024" json:"description,omitempty"`
	Kind        transform.Kind `gorm:"size:32;not null" json:"kind"`
	Parameters  JSONMap        `gorm:"type:jsonb;not null;default:'{}'" json:"parameters"`
	IsShared    bool           `gorm:"not null;default:false" json:"is_shared"`
	UsageCount  int            `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName keeps the historical table name.
func (Preset) TableName() string { return "transformation_presets" }

// QueuedTask is the durable queue row for one pending transformation.
// Its id equals the transformation id. The payload snapshot carries
// the effective parameters materialized at enqueue time.
type QueuedTask struct {
	ID              string     `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID     string     `gorm:"type:uuid;not null;index" json:"workspace_id"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	NotBefore       time.Time  `gorm:"not null;index:idx_queued_tasks_eligible" json:"not_before"`
	ClaimOwner      *string    `gorm:"size:128" json:"claim_owner,omitempty"`
	ClaimExpiresAt  *time.Time `gorm:"index" json:"claim_expires_at,omitempty"`
	CancelRequested bool       `gorm:"not null;default:false" json:"cancel_requested"`
	Payload         JSONMap    `gorm:"type:jsonb;not null;default:'{}'" json:"payload"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SessionInfo is the sanitized view returned by the session listing
// endpoint.
type SessionInfo struct {
	ID         string     `json:"id"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Current    bool       `json:"current"`
}

// Info converts a Session for API exposure. current is decided by the
// caller from its own session id.
func (s *Session) Info(current bool) SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		IssuedAt:   s.IssuedAt,
		ExpiresAt:  s.ExpiresAt,
		LastUsedAt: s.LastUsedAt,
		Current:    current,
	}
}
