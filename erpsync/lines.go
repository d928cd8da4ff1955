package erpsync

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type preparedLine struct {
	externalLineId int64
	values         map[string]interface{}
}

// prepareLines maps and coerces staged lines before any canonical write.
func (p *Pipeline) prepareLines(ctx context.Context, spec *models.MappingSpec, staged []models.StagedInvoiceLine) ([]preparedLine, error) {
	out := make([]preparedLine, 0, len(staged))
	for _, line := range staged {
		res := p.resolver.ApplyMapping(ctx, line.RawPayload, spec, line.TenantId)
		if err := res.UnsyncedReference(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line.ExternalLineId, err)
		}
		mapped := make(map[string]interface{}, len(res.Values))
		for k, v := range res.Values {
			if !identityColumns[k] {
				mapped[k] = v
			}
		}
		values, unknown, err := models.InvoiceLineColumns.CoerceAll(mapped)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line.ExternalLineId, err)
		}
		if len(unknown) > 0 {
			p.log(ctx, "prepareLines").WithField("columns", unknown).Warn("dropping mapped fields with no invoice line column")
		}
		out = append(out, preparedLine{externalLineId: line.ExternalLineId, values: values})
	}
	return out, nil
}

// applyLine matches an existing canonical line by external id, then by
// (invoice, description, quantity, total), and writes only changed columns.
func applyLine(ctx context.Context, tx *gorm.DB, tenantId string, invoiceId uint, line preparedLine) error {
	existing, err := models.FindInvoiceLineByExternalId(ctx, tx, tenantId, line.externalLineId)
	if err != nil {
		return err
	}
	if existing == nil {
		description, _ := line.values["description"].(string)
		quantity := decimalOrZero(line.values["quantity"])
		total := decimalOrZero(line.values["total"])
		existing, err = models.FindInvoiceLineByContent(ctx, tx, tenantId, invoiceId, description, quantity, total)
		if err != nil {
			return err
		}
	}

	if existing == nil {
		extId := line.externalLineId
		row := models.InvoiceLine{TenantId: tenantId, InvoiceId: invoiceId, ExternalLineId: &extId}
		row.Assign(line.values)
		return tx.WithContext(ctx).Create(&row).Error
	}

	changes := map[string]interface{}{}
	current := existing.FieldValues()
	for column, v := range line.values {
		if !ValuesEqual(v, current[column]) {
			changes[column] = v
		}
	}
	if existing.ExternalLineId == nil {
		changes["external_line_id"] = line.externalLineId
	}
	if existing.InvoiceId != invoiceId {
		changes["invoice_id"] = invoiceId
	}
	if len(changes) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(existing).Where("tenant_id = ?", tenantId).Updates(changes).Error
}

func decimalOrZero(v interface{}) decimal.Decimal {
	if d, ok := v.(decimal.Decimal); ok {
		return d
	}
	return decimal.Zero
}
