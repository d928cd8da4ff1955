package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const SourceTypeOdoo = "odoo"

// Company is a tenant's own legal entity as known to the ledger.
type Company struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	TenantId   string    `gorm:"uniqueIndex:idx_company_ext,priority:1;size:64;not null" json:"tenant_id"`
	ExternalId *int64    `gorm:"uniqueIndex:idx_company_ext,priority:2" json:"external_id"`
	Name       string    `gorm:"size:255" json:"name"`
	TaxId      string    `gorm:"size:64" json:"tax_id"`
	Currency   string    `gorm:"size:10" json:"currency"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ClientEntity is an integrated counterparty. ExternalId is nullable so rows
// created by hand before any sync can be matched later by tax id.
type ClientEntity struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	TenantId   string    `gorm:"uniqueIndex:idx_client_entity_ext,priority:1;index:idx_client_entity_tax,priority:1;size:64;not null" json:"tenant_id"`
	ExternalId *int64    `gorm:"uniqueIndex:idx_client_entity_ext,priority:2" json:"external_id"`
	TaxId      string    `gorm:"index:idx_client_entity_tax,priority:2;size:64" json:"tax_id"`
	Name       string    `gorm:"size:255" json:"name"`
	Email      string    `gorm:"size:255" json:"email"`
	Phone      string    `gorm:"size:64" json:"phone"`
	Street     string    `gorm:"size:255" json:"street"`
	City       string    `gorm:"size:128" json:"city"`
	Country    string    `gorm:"size:128" json:"country"`
	IsCompany  bool      `json:"is_company"`
	SourceType string    `gorm:"size:20" json:"source_type"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Invoice is the canonical, business-authoritative invoice row.
type Invoice struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"uniqueIndex:idx_invoice_ext,priority:1;size:64;not null" json:"tenant_id"`
	ExternalId     int64           `gorm:"uniqueIndex:idx_invoice_ext,priority:2;not null" json:"external_id"`
	SourceType     string          `gorm:"size:20" json:"source_type"`
	InvoiceNumber  string          `gorm:"size:128" json:"invoice_number"`
	Reference      string          `gorm:"size:255" json:"reference"`
	MoveType       string          `gorm:"size:32" json:"move_type"`
	InvoiceDate    *time.Time      `json:"invoice_date"`
	DueDate        *time.Time      `json:"due_date"`
	CompanyId      *uint           `gorm:"index" json:"company_id"`
	ClientEntityId *uint           `gorm:"index" json:"client_entity_id"`
	Currency       string          `gorm:"size:10" json:"currency"`
	AmountUntaxed  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount_untaxed"`
	AmountTax      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount_tax"`
	AmountTotal    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount_total"`
	AmountResidual decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount_residual"`
	Status         string          `gorm:"size:20" json:"status"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvoiceLine is a canonical invoice line.
type InvoiceLine struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"index:idx_invoice_line_ext,priority:1;size:64;not null" json:"tenant_id"`
	InvoiceId      uint            `gorm:"index;not null" json:"invoice_id"`
	ExternalLineId *int64          `gorm:"index:idx_invoice_line_ext,priority:2" json:"external_line_id"`
	Description    string          `gorm:"type:text" json:"description"`
	ProductRef     string          `gorm:"size:255" json:"product_ref"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"quantity"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"unit_price"`
	Discount       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"discount"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"subtotal"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Writable columns per canonical table. Identity and audit columns are not listed.
var (
	InvoiceColumns = ColumnSet{
		"invoice_number":   ColumnString,
		"reference":        ColumnString,
		"move_type":        ColumnString,
		"invoice_date":     ColumnDate,
		"due_date":         ColumnDate,
		"company_id":       ColumnRef,
		"client_entity_id": ColumnRef,
		"currency":         ColumnString,
		"amount_untaxed":   ColumnDecimal,
		"amount_tax":       ColumnDecimal,
		"amount_total":     ColumnDecimal,
		"amount_residual":  ColumnDecimal,
		"status":           ColumnString,
	}
	InvoiceLineColumns = ColumnSet{
		"description": ColumnString,
		"product_ref": ColumnString,
		"quantity":    ColumnDecimal,
		"unit_price":  ColumnDecimal,
		"discount":    ColumnDecimal,
		"subtotal":    ColumnDecimal,
		"total":       ColumnDecimal,
	}
	ClientEntityColumns = ColumnSet{
		"tax_id":     ColumnString,
		"name":       ColumnString,
		"email":      ColumnString,
		"phone":      ColumnString,
		"street":     ColumnString,
		"city":       ColumnString,
		"country":    ColumnString,
		"is_company": ColumnBool,
	}
)

// FieldValues exposes the writable columns with their typed current values.
func (i Invoice) FieldValues() map[string]interface{} {
	return map[string]interface{}{
		"invoice_number":   i.InvoiceNumber,
		"reference":        i.Reference,
		"move_type":        i.MoveType,
		"invoice_date":     timeOrNil(i.InvoiceDate),
		"due_date":         timeOrNil(i.DueDate),
		"company_id":       uintOrNil(i.CompanyId),
		"client_entity_id": uintOrNil(i.ClientEntityId),
		"currency":         i.Currency,
		"amount_untaxed":   i.AmountUntaxed,
		"amount_tax":       i.AmountTax,
		"amount_total":     i.AmountTotal,
		"amount_residual":  i.AmountResidual,
		"status":           i.Status,
	}
}

func (l InvoiceLine) FieldValues() map[string]interface{} {
	return map[string]interface{}{
		"description": l.Description,
		"product_ref": l.ProductRef,
		"quantity":    l.Quantity,
		"unit_price":  l.UnitPrice,
		"discount":    l.Discount,
		"subtotal":    l.Subtotal,
		"total":       l.Total,
	}
}

func (c ClientEntity) FieldValues() map[string]interface{} {
	return map[string]interface{}{
		"tax_id":     c.TaxId,
		"name":       c.Name,
		"email":      c.Email,
		"phone":      c.Phone,
		"street":     c.Street,
		"city":       c.City,
		"country":    c.Country,
		"is_company": c.IsCompany,
	}
}

// Assign copies coerced column values onto the struct.
func (i *Invoice) Assign(values map[string]interface{}) {
	for column, v := range values {
		switch column {
		case "invoice_number":
			i.InvoiceNumber, _ = v.(string)
		case "reference":
			i.Reference, _ = v.(string)
		case "move_type":
			i.MoveType, _ = v.(string)
		case "invoice_date":
			i.InvoiceDate = timePtr(v)
		case "due_date":
			i.DueDate = timePtr(v)
		case "company_id":
			i.CompanyId = uintPtr(v)
		case "client_entity_id":
			i.ClientEntityId = uintPtr(v)
		case "currency":
			i.Currency, _ = v.(string)
		case "amount_untaxed":
			i.AmountUntaxed, _ = v.(decimal.Decimal)
		case "amount_tax":
			i.AmountTax, _ = v.(decimal.Decimal)
		case "amount_total":
			i.AmountTotal, _ = v.(decimal.Decimal)
		case "amount_residual":
			i.AmountResidual, _ = v.(decimal.Decimal)
		case "status":
			i.Status, _ = v.(string)
		}
	}
}

func (l *InvoiceLine) Assign(values map[string]interface{}) {
	for column, v := range values {
		switch column {
		case "description":
			l.Description, _ = v.(string)
		case "product_ref":
			l.ProductRef, _ = v.(string)
		case "quantity":
			l.Quantity, _ = v.(decimal.Decimal)
		case "unit_price":
			l.UnitPrice, _ = v.(decimal.Decimal)
		case "discount":
			l.Discount, _ = v.(decimal.Decimal)
		case "subtotal":
			l.Subtotal, _ = v.(decimal.Decimal)
		case "total":
			l.Total, _ = v.(decimal.Decimal)
		}
	}
}

func (c *ClientEntity) Assign(values map[string]interface{}) {
	for column, v := range values {
		switch column {
		case "tax_id":
			c.TaxId, _ = v.(string)
		case "name":
			c.Name, _ = v.(string)
		case "email":
			c.Email, _ = v.(string)
		case "phone":
			c.Phone, _ = v.(string)
		case "street":
			c.Street, _ = v.(string)
		case "city":
			c.City, _ = v.(string)
		case "country":
			c.Country, _ = v.(string)
		case "is_company":
			c.IsCompany, _ = v.(bool)
		}
	}
}

func timePtr(v interface{}) *time.Time {
	if t, ok := v.(time.Time); ok {
		return &t
	}
	return nil
}

func uintPtr(v interface{}) *uint {
	if n, ok := v.(uint); ok {
		return &n
	}
	return nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func uintOrNil(v *uint) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func FindCompanyByExternalId(ctx context.Context, db *gorm.DB, tenantId string, externalId int64) (*Company, error) {
	var row Company
	err := db.WithContext(ctx).Where("tenant_id = ? AND external_id = ?", tenantId, externalId).Take(&row).Error
	return takeOrNil(&row, err)
}

// UpsertCompany inserts or refreshes a company keyed by (tenant_id, external_id).
func UpsertCompany(ctx context.Context, db *gorm.DB, company *Company) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "tax_id", "currency", "updated_at"}),
	}).Create(company).Error
}

func FindClientEntityByExternalId(ctx context.Context, db *gorm.DB, tenantId string, externalId int64) (*ClientEntity, error) {
	var row ClientEntity
	err := db.WithContext(ctx).Where("tenant_id = ? AND external_id = ?", tenantId, externalId).Take(&row).Error
	return takeOrNil(&row, err)
}

func FindClientEntityByTaxAndExternalId(ctx context.Context, db *gorm.DB, tenantId string, taxId string, externalId int64) (*ClientEntity, error) {
	var row ClientEntity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND tax_id = ? AND external_id = ?", tenantId, taxId, externalId).
		Take(&row).Error
	return takeOrNil(&row, err)
}

// FindClientEntityByTaxId matches on tax id alone. Entities with no external
// id yet (created before any sync) are preferred, then the oldest row.
func FindClientEntityByTaxId(ctx context.Context, db *gorm.DB, tenantId string, taxId string) (*ClientEntity, error) {
	var row ClientEntity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND tax_id = ?", tenantId, taxId).
		Order("CASE WHEN external_id IS NULL THEN 0 ELSE 1 END, id asc").
		Take(&row).Error
	return takeOrNil(&row, err)
}

func FindInvoiceByExternalId(ctx context.Context, db *gorm.DB, tenantId string, externalId int64) (*Invoice, error) {
	var row Invoice
	err := db.WithContext(ctx).Where("tenant_id = ? AND external_id = ?", tenantId, externalId).Take(&row).Error
	return takeOrNil(&row, err)
}

func FindInvoiceLineByExternalId(ctx context.Context, db *gorm.DB, tenantId string, externalLineId int64) (*InvoiceLine, error) {
	var row InvoiceLine
	err := db.WithContext(ctx).Where("tenant_id = ? AND external_line_id = ?", tenantId, externalLineId).Take(&row).Error
	return takeOrNil(&row, err)
}

// FindInvoiceLineByContent matches lines that carry no external id.
func FindInvoiceLineByContent(ctx context.Context, db *gorm.DB, tenantId string, invoiceId uint, description string, quantity, total decimal.Decimal) (*InvoiceLine, error) {
	var row InvoiceLine
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND invoice_id = ? AND description = ? AND quantity = ? AND total = ?",
			tenantId, invoiceId, description, quantity, total).
		Order("id asc").
		Take(&row).Error
	return takeOrNil(&row, err)
}

func takeOrNil[T any](row *T, err error) (*T, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}
