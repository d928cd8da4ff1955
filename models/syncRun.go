package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// SyncRun is one end-to-end pipeline invocation for a tenant.
type SyncRun struct {
	ID            uint                        `gorm:"primary_key" json:"id"`
	TenantId      string                      `gorm:"index;size:64;not null" json:"tenant_id"`
	ConnectionId  uint                        `gorm:"index;not null" json:"connection_id"`
	Status        string                      `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string                      `gorm:"size:20" json:"triggered_by"`
	Modules       datatypes.JSONSlice[string] `gorm:"type:json" json:"modules"`
	Stats         datatypes.JSONMap           `gorm:"type:json" json:"stats"`
	BatchId       string                      `gorm:"size:64" json:"batch_id"`
	SessionId     string                      `gorm:"size:64" json:"session_id"`
	RecordsSynced int                         `json:"records_synced"`
	ErrorCount    int                         `json:"error_count"`
	Message       string                      `gorm:"type:text" json:"message"`
	ParentRunId   *uint                       `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time                  `json:"started_at"`
	FinishedAt    *time.Time                  `json:"finished_at"`
	DurationMs    int64                       `json:"duration_ms"`
	CreatedAt     time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncError is one record-local failure of a run.
type SyncError struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncRunId  uint      `gorm:"index;not null" json:"sync_run_id"`
	TenantId   string    `gorm:"index;size:64;not null" json:"tenant_id"`
	Phase      string    `gorm:"size:32" json:"phase"`
	EntityType string    `gorm:"size:50" json:"entity_type"`
	ExternalId string    `gorm:"size:128" json:"external_id"`
	Message    string    `gorm:"type:text" json:"message"`
	Retryable  bool      `gorm:"default:false" json:"retryable"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetSyncRun(ctx context.Context, db *gorm.DB, tenantId string, id uint) (*SyncRun, error) {
	var run SyncRun
	err := db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantId, id).Take(&run).Error
	return takeOrNil(&run, err)
}

func ListSyncRuns(ctx context.Context, db *gorm.DB, tenantId string, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []SyncRun
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

func ListSyncErrors(ctx context.Context, db *gorm.DB, tenantId string, runId uint) ([]SyncError, error) {
	var rows []SyncError
	err := db.WithContext(ctx).Where("tenant_id = ? AND sync_run_id = ?", tenantId, runId).Order("id asc").Find(&rows).Error
	return rows, err
}
