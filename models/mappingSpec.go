package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrMappingSpecNotFound = errors.New("mapping spec not found")

// MappingEntry derives one target field from one source field.
type MappingEntry struct {
	TargetField          string          `json:"targetField"`
	SourceField          string          `json:"sourceField"`
	TransformationType   string          `json:"transformationType"`
	TransformationConfig json.RawMessage `json:"transformationConfig,omitempty"`
}

// MappingSpec is authored outside the pipeline. Entries keep their configured order.
type MappingSpec struct {
	ID          uint                              `gorm:"primary_key" json:"id"`
	TenantId    string                            `gorm:"index:idx_mapping_spec,priority:1;size:64;not null" json:"tenant_id"`
	SourceModel string                            `gorm:"index:idx_mapping_spec,priority:2;size:128;not null" json:"source_model"`
	TargetTable string                            `gorm:"index:idx_mapping_spec,priority:3;size:128;not null" json:"target_table"`
	IsActive    bool                              `gorm:"index:idx_mapping_spec,priority:4;not null;default:false" json:"is_active"`
	Version     int                               `gorm:"not null;default:1" json:"version"`
	Entries     datatypes.JSONSlice[MappingEntry] `gorm:"type:json" json:"entries"`
	CreatedAt   time.Time                         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time                         `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetActiveMappingSpec returns the highest active version for the triple.
func GetActiveMappingSpec(ctx context.Context, db *gorm.DB, tenantId, sourceModel, targetTable string) (*MappingSpec, error) {
	var spec MappingSpec
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND source_model = ? AND target_table = ? AND is_active = ?", tenantId, sourceModel, targetTable, true).
		Order("version desc, id desc").
		Take(&spec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrMappingSpecNotFound, sourceModel, targetTable)
		}
		return nil, err
	}
	return &spec, nil
}

// SaveMappingSpec stores a new active version and deactivates older ones.
func SaveMappingSpec(ctx context.Context, db *gorm.DB, spec *MappingSpec) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		if err := tx.Model(&MappingSpec{}).
			Where("tenant_id = ? AND source_model = ? AND target_table = ?", spec.TenantId, spec.SourceModel, spec.TargetTable).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		if err := tx.Model(&MappingSpec{}).
			Where("tenant_id = ? AND source_model = ? AND target_table = ? AND is_active = ?", spec.TenantId, spec.SourceModel, spec.TargetTable, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		spec.ID = 0
		spec.Version = latest + 1
		spec.IsActive = true
		return tx.Create(spec).Error
	})
}
