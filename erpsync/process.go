package erpsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessInvoices writes every staged invoice classified create or update into
// the canonical tables. A failing record is marked error and the loop moves on.
func (p *Pipeline) ProcessInvoices(ctx context.Context, tenantId string) (Summary, error) {
	sum := newSummary()
	ctx, err := p.tenantContext(ctx, tenantId)
	if err != nil {
		sum.abort(err)
		return sum, err
	}
	spec, err := models.GetActiveMappingSpec(ctx, p.db, tenantId, p.settings.InvoiceModel, p.settings.InvoiceTable)
	if err != nil {
		sum.abort(err)
		return sum, err
	}
	lineSpec, err := models.GetActiveMappingSpec(ctx, p.db, tenantId, p.settings.InvoiceLineModel, p.settings.InvoiceLineTable)
	if err != nil {
		if !errors.Is(err, models.ErrMappingSpecNotFound) {
			sum.abort(err)
			return sum, err
		}
		lineSpec = nil
		p.log(ctx, "ProcessInvoices").Warn("no invoice line mapping configured; lines stay staged")
	}

	statuses := []models.ProcessingStatus{models.ProcessingStatusCreate, models.ProcessingStatusUpdate}
	var afterId uint
	for {
		batch, err := models.ListStagedInvoices(ctx, p.db, tenantId, statuses, afterId, p.settings.BatchSize)
		if err != nil {
			sum.abort(err)
			return sum, err
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			rec := &batch[i]
			afterId = rec.ID
			action := string(rec.ProcessingStatus)

			if err := p.processInvoice(ctx, spec, lineSpec, rec); err != nil {
				p.recordFailure(ctx, tenantId, "process", "invoice", rec.ExternalId, err)
				p.settle(ctx, rec, models.ProcessingStatusError, err.Error(), lineSpec != nil)
				sum.fail(rec.ExternalId, err)
				continue
			}
			p.settle(ctx, rec, models.ProcessingStatusProcessed, "", lineSpec != nil)
			sum.ok(rec.ExternalId, action)
		}
	}

	sum.finish("invoices processed")
	p.log(ctx, "ProcessInvoices").WithFields(logrus.Fields{"processed": sum.Processed, "errors": sum.Errors}).Info(sum.Message)
	return sum, nil
}

func (p *Pipeline) settle(ctx context.Context, rec *models.StagedInvoice, status models.ProcessingStatus, message string, withLines bool) {
	if err := models.TransitionStagedInvoice(ctx, p.db, rec, status, message); err != nil {
		p.log(ctx, "settle").WithField("external_id", rec.ExternalId).WithError(err).Warn("could not update staging status")
		return
	}
	if !withLines {
		return
	}
	if err := models.SettleStagedLines(ctx, p.db, rec.TenantId, rec.ID, status, message); err != nil {
		p.log(ctx, "settle").WithField("external_id", rec.ExternalId).WithError(err).Warn("could not update staged line status")
	}
}

func (p *Pipeline) processInvoice(ctx context.Context, spec, lineSpec *models.MappingSpec, rec *models.StagedInvoice) error {
	values := p.mapInvoice(ctx, spec, rec)
	if err := values.mapped.UnsyncedReference(); err != nil {
		return err
	}
	if len(values.invalid) > 0 {
		return invalidColumnsError(values.invalid)
	}
	if len(values.unknown) > 0 {
		p.log(ctx, "processInvoice").WithFields(logrus.Fields{
			"external_id": rec.ExternalId,
			"columns":     values.unknown,
		}).Warn("dropping mapped fields with no invoice column")
	}

	var lines []preparedLine
	if lineSpec != nil {
		staged, err := models.ListStagedLines(ctx, p.db, rec.TenantId, rec.ID)
		if err != nil {
			return fmt.Errorf("load staged lines: %w", err)
		}
		lines, err = p.prepareLines(ctx, lineSpec, staged)
		if err != nil {
			return err
		}
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoiceId, err := upsertInvoice(ctx, tx, rec, values.coerced)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := applyLine(ctx, tx, rec.TenantId, invoiceId, line); err != nil {
				return fmt.Errorf("line %d: %w", line.externalLineId, err)
			}
		}
		return nil
	})
}

// upsertInvoice inserts the invoice or, on (tenant_id, external_id) conflict,
// overwrites the mapped columns. It returns the canonical id.
func upsertInvoice(ctx context.Context, tx *gorm.DB, rec *models.StagedInvoice, values map[string]interface{}) (uint, error) {
	inv := models.Invoice{
		TenantId:   rec.TenantId,
		ExternalId: rec.ExternalId,
		SourceType: models.SourceTypeOdoo,
	}
	inv.Assign(values)

	updateColumns := make([]string, 0, len(values)+2)
	for column := range values {
		updateColumns = append(updateColumns, column)
	}
	sort.Strings(updateColumns)
	updateColumns = append(updateColumns, "source_type", "updated_at")

	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(&inv).Error; err != nil {
		return 0, fmt.Errorf("upsert invoice: %w", err)
	}

	stored, err := models.FindInvoiceByExternalId(ctx, tx, rec.TenantId, rec.ExternalId)
	if err != nil {
		return 0, err
	}
	if stored == nil {
		return 0, fmt.Errorf("invoice %d missing after upsert", rec.ExternalId)
	}
	return stored.ID, nil
}

func invalidColumnsError(invalid map[string]error) error {
	columns := make([]string, 0, len(invalid))
	for c := range invalid {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	msgs := make([]string, 0, len(columns))
	for _, c := range columns {
		msgs = append(msgs, fmt.Sprintf("%s: %v", c, invalid[c]))
	}
	return fmt.Errorf("invalid mapped values: %s", strings.Join(msgs, "; "))
}
