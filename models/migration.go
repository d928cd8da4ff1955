package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every pipeline table.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&ErpConnection{}, &MappingSpec{},
		&StagedInvoice{}, &StagedInvoiceLine{}, &StagedPartner{},
		&Company{}, &ClientEntity{}, &Invoice{}, &InvoiceLine{},
		&SyncRun{}, &SyncError{},
	)
}
