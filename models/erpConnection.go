package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const ErpProviderOdoo = "odoo"

const (
	ErpConnectionConnected    = "connected"
	ErpConnectionDisconnected = "disconnected"
	ErpConnectionError        = "error"
)

// ErpConnection holds the remote ledger credentials for a tenant.
type ErpConnection struct {
	ID                uint              `gorm:"primary_key" json:"id"`
	TenantId          string            `gorm:"uniqueIndex;size:64;not null" json:"tenant_id"`
	Provider          string            `gorm:"size:50;not null" json:"provider"`
	Status            string            `gorm:"size:20;not null" json:"status"`
	Url               string            `gorm:"size:255;not null" json:"url"`
	DatabaseName      string            `gorm:"size:128;not null" json:"database_name"`
	Username          string            `gorm:"size:128;not null" json:"username"`
	ApiKey            string            `gorm:"type:text" json:"-"`
	Settings          datatypes.JSONMap `gorm:"type:json" json:"settings"`
	LastFetchCursor   datatypes.JSONMap `gorm:"type:json" json:"last_fetch_cursor"`
	LastError         string            `gorm:"type:text" json:"last_error"`
	LastSyncAt        *time.Time        `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time        `json:"last_success_sync_at"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetConnection returns nil when the tenant has no connection row.
func GetConnection(ctx context.Context, db *gorm.DB, tenantId string) (*ErpConnection, error) {
	var conn ErpConnection
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).Take(&conn).Error
	return takeOrNil(&conn, err)
}

// ModuleEnabled reports whether settings.modules lists the module. An empty list enables all.
func (c *ErpConnection) ModuleEnabled(module string) bool {
	raw, ok := c.Settings["modules"].([]interface{})
	if !ok || len(raw) == 0 {
		return true
	}
	for _, m := range raw {
		if s, ok := m.(string); ok && s == module {
			return true
		}
	}
	return false
}

// FetchSince returns the write-date lower bound for a model's next fetch.
func (c *ErpConnection) FetchSince(model string, windowDays int, now time.Time) time.Time {
	if s, ok := c.LastFetchCursor[model].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	if c.LastSuccessSyncAt != nil {
		return *c.LastSuccessSyncAt
	}
	return now.AddDate(0, 0, -windowDays)
}

// MarkSynced records a finished sync. The fetch cursor only advances on success.
func MarkSynced(ctx context.Context, db *gorm.DB, conn *ErpConnection, at time.Time, success bool, cursors map[string]time.Time, lastError string) error {
	updates := map[string]interface{}{
		"last_sync_at": at,
		"last_error":   lastError,
	}
	if success {
		cursor := datatypes.JSONMap{}
		for k, v := range conn.LastFetchCursor {
			cursor[k] = v
		}
		for model, t := range cursors {
			cursor[model] = t.UTC().Format(time.RFC3339)
		}
		updates["last_success_sync_at"] = at
		updates["last_fetch_cursor"] = cursor
		updates["status"] = ErpConnectionConnected
	} else {
		updates["status"] = ErpConnectionError
	}
	return db.WithContext(ctx).Model(conn).Where("tenant_id = ?", conn.TenantId).Updates(updates).Error
}
