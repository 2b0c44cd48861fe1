package telemetry

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// LongText maps to LONGTEXT under MySQL and TEXT everywhere else, so a
// captured request/response body never gets truncated by a dialect's
// default VARCHAR limit.
type LongText string

func (LongText) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql":
		return "longtext"
	default:
		return "text"
	}
}

// BaseModel is embedded by every telemetry row. Timestamps are Unix
// milliseconds rather than time.Time so the same column type round-trips
// identically across sqlite, mysql and postgres.
type BaseModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt int64
	UpdatedAt int64
}

func (m *BaseModel) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	return nil
}

func (m *BaseModel) BeforeUpdate(tx *gorm.DB) error {
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// ProxyRequest is one client-facing /v1/messages call, spanning every
// upstream attempt made while serving it.
type ProxyRequest struct {
	BaseModel
	RequestID     string `gorm:"size:64;index"`
	ClientType    string `gorm:"size:32"`
	RequestModel  string `gorm:"size:128"`
	ResponseModel string `gorm:"size:128"`
	StartTime     int64
	EndTime       int64
	DurationMs    int64
	Status        string `gorm:"size:32;index"`
	RequestInfo   LongText
	ResponseInfo  LongText
	Error         LongText
	AttemptCount  uint64
	FinalAttempts uint64
	InputTokens   uint64
	OutputTokens  uint64
	CacheRead     uint64
	CacheWrite    uint64
	IsStream      bool
	StatusCode    int
}

func (ProxyRequest) TableName() string { return "proxy_requests" }

// ProxyUpstreamAttempt is one lease-and-dispatch attempt against a Kiro
// credential within a ProxyRequest's retry loop.
type ProxyUpstreamAttempt struct {
	BaseModel
	ProxyRequestID  uint64 `gorm:"index"`
	CredentialID    string `gorm:"size:64;index"`
	RequestModel    string `gorm:"size:128"`
	UpstreamModelID string `gorm:"size:128"`
	Outcome         string `gorm:"size:32"`
	Error           LongText
	StartTime       int64
	EndTime         int64
	DurationMs      int64
}

func (ProxyUpstreamAttempt) TableName() string { return "proxy_upstream_attempts" }

func AllModels() []any {
	return []any{
		&ProxyRequest{},
		&ProxyUpstreamAttempt{},
	}
}
