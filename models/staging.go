package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StagedInvoice is a raw invoice exactly as fetched from the remote ledger.
type StagedInvoice struct {
	ID               uint              `gorm:"primary_key" json:"id"`
	TenantId         string            `gorm:"uniqueIndex:idx_staged_invoice_ext,priority:1;size:64;not null" json:"tenant_id"`
	ExternalId       int64             `gorm:"uniqueIndex:idx_staged_invoice_ext,priority:2;not null" json:"external_id"`
	RawPayload       datatypes.JSONMap `gorm:"type:json" json:"raw_payload"`
	BatchId          string            `gorm:"index;size:64" json:"batch_id"`
	SessionId        string            `gorm:"size:64" json:"session_id"`
	ProcessingStatus ProcessingStatus  `gorm:"index;type:varchar(20);not null" json:"processing_status"`
	ErrorMessage     string            `gorm:"type:text" json:"error_message"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// StagedInvoiceLine is a raw invoice line owned by a StagedInvoice.
type StagedInvoiceLine struct {
	ID                uint              `gorm:"primary_key" json:"id"`
	TenantId          string            `gorm:"uniqueIndex:idx_staged_line_ext,priority:1;size:64;not null" json:"tenant_id"`
	ExternalLineId    int64             `gorm:"uniqueIndex:idx_staged_line_ext,priority:2;not null" json:"external_line_id"`
	ExternalInvoiceId int64             `gorm:"index;not null" json:"external_invoice_id"`
	StagedInvoiceId   uint              `gorm:"index;not null" json:"staged_invoice_id"`
	RawPayload        datatypes.JSONMap `gorm:"type:json" json:"raw_payload"`
	BatchId           string            `gorm:"size:64" json:"batch_id"`
	SessionId         string            `gorm:"size:64" json:"session_id"`
	ProcessingStatus  ProcessingStatus  `gorm:"index;type:varchar(20);not null" json:"processing_status"`
	ErrorMessage      string            `gorm:"type:text" json:"error_message"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// StagedPartner is a raw counterparty as fetched from the remote ledger.
type StagedPartner struct {
	ID               uint              `gorm:"primary_key" json:"id"`
	TenantId         string            `gorm:"uniqueIndex:idx_staged_partner_ext,priority:1;size:64;not null" json:"tenant_id"`
	ExternalId       int64             `gorm:"uniqueIndex:idx_staged_partner_ext,priority:2;not null" json:"external_id"`
	RawPayload       datatypes.JSONMap `gorm:"type:json" json:"raw_payload"`
	BatchId          string            `gorm:"index;size:64" json:"batch_id"`
	SessionId        string            `gorm:"size:64" json:"session_id"`
	ProcessingStatus ProcessingStatus  `gorm:"index;type:varchar(20);not null" json:"processing_status"`
	IntegrationNotes string            `gorm:"type:text" json:"integration_notes"`
	LastIntegratedAt *time.Time        `json:"last_integrated_at"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// StageMeta carries the run identifiers stamped on every staged row.
type StageMeta struct {
	TenantId  string
	BatchId   string
	SessionId string
}

// UpsertStagedInvoice lands one raw invoice. An existing (external_id, tenant_id)
// row gets its payload and run identifiers overwritten and its status reset to pending.
func UpsertStagedInvoice(ctx context.Context, db *gorm.DB, meta StageMeta, externalId int64, payload map[string]interface{}) (*StagedInvoice, error) {
	var existing StagedInvoice
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ?", meta.TenantId, externalId).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec := StagedInvoice{
			TenantId:         meta.TenantId,
			ExternalId:       externalId,
			RawPayload:       datatypes.JSONMap(payload),
			BatchId:          meta.BatchId,
			SessionId:        meta.SessionId,
			ProcessingStatus: ProcessingStatusPending,
		}
		if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	}

	if err := db.WithContext(ctx).Model(&existing).
		Where("tenant_id = ?", meta.TenantId).
		Updates(map[string]interface{}{
			"raw_payload":       datatypes.JSONMap(payload),
			"batch_id":          meta.BatchId,
			"session_id":        meta.SessionId,
			"processing_status": ProcessingStatusPending,
			"error_message":     "",
		}).Error; err != nil {
		return nil, err
	}
	existing.RawPayload = datatypes.JSONMap(payload)
	existing.BatchId = meta.BatchId
	existing.SessionId = meta.SessionId
	existing.ProcessingStatus = ProcessingStatusPending
	existing.ErrorMessage = ""
	return &existing, nil
}

// UpsertStagedInvoiceLine lands one raw line under its staged parent invoice.
func UpsertStagedInvoiceLine(ctx context.Context, db *gorm.DB, meta StageMeta, parent *StagedInvoice, externalLineId int64, payload map[string]interface{}) (*StagedInvoiceLine, error) {
	if parent == nil {
		return nil, errors.New("staged line requires a parent invoice")
	}
	var existing StagedInvoiceLine
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND external_line_id = ?", meta.TenantId, externalLineId).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec := StagedInvoiceLine{
			TenantId:          meta.TenantId,
			ExternalLineId:    externalLineId,
			ExternalInvoiceId: parent.ExternalId,
			StagedInvoiceId:   parent.ID,
			RawPayload:        datatypes.JSONMap(payload),
			BatchId:           meta.BatchId,
			SessionId:         meta.SessionId,
			ProcessingStatus:  ProcessingStatusPending,
		}
		if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	}

	if err := db.WithContext(ctx).Model(&existing).
		Where("tenant_id = ?", meta.TenantId).
		Updates(map[string]interface{}{
			"raw_payload":         datatypes.JSONMap(payload),
			"external_invoice_id": parent.ExternalId,
			"staged_invoice_id":   parent.ID,
			"batch_id":            meta.BatchId,
			"session_id":          meta.SessionId,
			"processing_status":   ProcessingStatusPending,
			"error_message":       "",
		}).Error; err != nil {
		return nil, err
	}
	existing.RawPayload = datatypes.JSONMap(payload)
	existing.ExternalInvoiceId = parent.ExternalId
	existing.StagedInvoiceId = parent.ID
	existing.ProcessingStatus = ProcessingStatusPending
	existing.ErrorMessage = ""
	return &existing, nil
}

// UpsertStagedPartner lands one raw counterparty.
func UpsertStagedPartner(ctx context.Context, db *gorm.DB, meta StageMeta, externalId int64, payload map[string]interface{}) (*StagedPartner, error) {
	var existing StagedPartner
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ?", meta.TenantId, externalId).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec := StagedPartner{
			TenantId:         meta.TenantId,
			ExternalId:       externalId,
			RawPayload:       datatypes.JSONMap(payload),
			BatchId:          meta.BatchId,
			SessionId:        meta.SessionId,
			ProcessingStatus: ProcessingStatusPending,
		}
		if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	}

	if err := db.WithContext(ctx).Model(&existing).
		Where("tenant_id = ?", meta.TenantId).
		Updates(map[string]interface{}{
			"raw_payload":       datatypes.JSONMap(payload),
			"batch_id":          meta.BatchId,
			"session_id":        meta.SessionId,
			"processing_status": ProcessingStatusPending,
		}).Error; err != nil {
		return nil, err
	}
	existing.RawPayload = datatypes.JSONMap(payload)
	existing.BatchId = meta.BatchId
	existing.SessionId = meta.SessionId
	existing.ProcessingStatus = ProcessingStatusPending
	return &existing, nil
}

// ListStagedInvoices returns up to limit rows in the given statuses with id > afterId,
// oldest first.
func ListStagedInvoices(ctx context.Context, db *gorm.DB, tenantId string, statuses []ProcessingStatus, afterId uint, limit int) ([]StagedInvoice, error) {
	var rows []StagedInvoice
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND processing_status IN ? AND id > ?", tenantId, statuses, afterId).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// ListStagedPartners mirrors ListStagedInvoices for counterparties.
func ListStagedPartners(ctx context.Context, db *gorm.DB, tenantId string, statuses []ProcessingStatus, afterId uint, limit int) ([]StagedPartner, error) {
	var rows []StagedPartner
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND processing_status IN ? AND id > ?", tenantId, statuses, afterId).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// ListStagedLines returns the lines staged under one invoice, oldest first.
func ListStagedLines(ctx context.Context, db *gorm.DB, tenantId string, stagedInvoiceId uint) ([]StagedInvoiceLine, error) {
	var rows []StagedInvoiceLine
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND staged_invoice_id = ?", tenantId, stagedInvoiceId).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

// TransitionStagedInvoice moves rec to next, guarded on its current status so a
// concurrent writer is detected instead of overwritten.
func TransitionStagedInvoice(ctx context.Context, db *gorm.DB, rec *StagedInvoice, next ProcessingStatus, message string) error {
	if !rec.ProcessingStatus.CanTransitionTo(next) {
		return fmt.Errorf("staged invoice %d: illegal transition %s -> %s", rec.ExternalId, rec.ProcessingStatus, next)
	}
	res := db.WithContext(ctx).Model(&StagedInvoice{}).
		Where("id = ? AND tenant_id = ? AND processing_status = ?", rec.ID, rec.TenantId, rec.ProcessingStatus).
		Updates(map[string]interface{}{
			"processing_status": next,
			"error_message":     message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("staged invoice %d: status changed concurrently", rec.ExternalId)
	}
	rec.ProcessingStatus = next
	rec.ErrorMessage = message
	return nil
}

// SettleStagedLines stamps every line of a staged invoice with status; lines
// inherit the parent's outcome regardless of their individual diff.
func SettleStagedLines(ctx context.Context, db *gorm.DB, tenantId string, stagedInvoiceId uint, status ProcessingStatus, message string) error {
	return db.WithContext(ctx).Model(&StagedInvoiceLine{}).
		Where("tenant_id = ? AND staged_invoice_id = ?", tenantId, stagedInvoiceId).
		Updates(map[string]interface{}{
			"processing_status": status,
			"error_message":     message,
		}).Error
}

// TransitionStagedPartner records a partner's outcome along with a readable note.
func TransitionStagedPartner(ctx context.Context, db *gorm.DB, rec *StagedPartner, next ProcessingStatus, note string) error {
	if !rec.ProcessingStatus.CanTransitionTo(next) {
		return fmt.Errorf("staged partner %d: illegal transition %s -> %s", rec.ExternalId, rec.ProcessingStatus, next)
	}
	now := time.Now()
	updates := map[string]interface{}{
		"processing_status": next,
		"integration_notes": note,
	}
	if next == ProcessingStatusProcessed || next == ProcessingStatusError {
		updates["last_integrated_at"] = now
	}
	res := db.WithContext(ctx).Model(&StagedPartner{}).
		Where("id = ? AND tenant_id = ? AND processing_status = ?", rec.ID, rec.TenantId, rec.ProcessingStatus).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("staged partner %d: status changed concurrently", rec.ExternalId)
	}
	rec.ProcessingStatus = next
	rec.IntegrationNotes = note
	if _, ok := updates["last_integrated_at"]; ok {
		rec.LastIntegratedAt = &now
	}
	return nil
}

// CountStagedByStatus is used by run stats and admin tooling.
func CountStagedByStatus(ctx context.Context, db *gorm.DB, model interface{}, tenantId string) (map[ProcessingStatus]int64, error) {
	var rows []struct {
		ProcessingStatus ProcessingStatus
		Total            int64
	}
	if err := db.WithContext(ctx).Model(model).
		Select("processing_status, COUNT(*) AS total").
		Where("tenant_id = ?", tenantId).
		Group("processing_status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[ProcessingStatus]int64, len(rows))
	for _, r := range rows {
		out[r.ProcessingStatus] = r.Total
	}
	return out, nil
}
