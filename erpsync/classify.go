package erpsync

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/erpsync_backend/models"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionSkip   = "skip"
)

// ClassifyInvoices labels every pending staged invoice create, update or skip
// against the canonical invoices table. It never writes canonical rows.
func (p *Pipeline) ClassifyInvoices(ctx context.Context, tenantId string) (Summary, error) {
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

	var afterId uint
	for {
		batch, err := models.ListStagedInvoices(ctx, p.db, tenantId, []models.ProcessingStatus{models.ProcessingStatusPending}, afterId, p.settings.BatchSize)
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

			action, err := p.classifyInvoice(ctx, spec, rec)
			if err == nil {
				err = models.TransitionStagedInvoice(ctx, p.db, rec, statusForAction(action), "")
			}
			if err != nil {
				p.recordFailure(ctx, tenantId, "classify", "invoice", rec.ExternalId, err)
				if tErr := models.TransitionStagedInvoice(ctx, p.db, rec, models.ProcessingStatusError, err.Error()); tErr != nil {
					p.log(ctx, "ClassifyInvoices").WithError(tErr).Warn("could not mark staged invoice as error")
				}
				sum.fail(rec.ExternalId, err)
				continue
			}
			sum.ok(rec.ExternalId, action)
		}
	}

	sum.finish("invoices classified")
	p.log(ctx, "ClassifyInvoices").WithField("counts", sum.Counts).Info(sum.Message)
	return sum, nil
}

// statusForAction maps a decision to the persisted staging status. A skipped
// record is already integrated, so it is stored as processed.
func statusForAction(action string) models.ProcessingStatus {
	switch action {
	case ActionCreate:
		return models.ProcessingStatusCreate
	case ActionUpdate:
		return models.ProcessingStatusUpdate
	}
	return models.ProcessingStatusProcessed
}

func (p *Pipeline) classifyInvoice(ctx context.Context, spec *models.MappingSpec, rec *models.StagedInvoice) (string, error) {
	values := p.mapInvoice(ctx, spec, rec)

	existing, err := models.FindInvoiceByExternalId(ctx, p.db, rec.TenantId, rec.ExternalId)
	if err != nil {
		return "", fmt.Errorf("lookup canonical invoice: %w", err)
	}
	if existing == nil {
		return ActionCreate, nil
	}

	current := existing.FieldValues()
	for column, raw := range values.raw {
		mapped, ok := values.coerced[column]
		if !ok {
			mapped = raw
		}
		if !ValuesEqual(mapped, current[column]) {
			return ActionUpdate, nil
		}
	}
	return ActionSkip, nil
}
