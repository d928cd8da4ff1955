package erpsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// defaultPartnerMapping is used when the tenant has no active partner spec.
var defaultPartnerMapping = []models.MappingEntry{
	{TargetField: "name", SourceField: "name", TransformationType: "direct"},
	{TargetField: "tax_id", SourceField: "vat", TransformationType: "direct"},
	{TargetField: "email", SourceField: "email", TransformationType: "direct"},
	{TargetField: "phone", SourceField: "phone", TransformationType: "direct"},
	{TargetField: "street", SourceField: "street", TransformationType: "direct"},
	{TargetField: "city", SourceField: "city", TransformationType: "direct"},
	{TargetField: "country", SourceField: "country_id[1]", TransformationType: "direct"},
	{TargetField: "is_company", SourceField: "is_company", TransformationType: "direct"},
}

var errPartnerNotFound = errors.New("marked for update but not found")

type partnerMatch struct {
	entity *models.ClientEntity
	by     string
}

func (p *Pipeline) partnerSpec(ctx context.Context, tenantId string) (*models.MappingSpec, error) {
	spec, err := models.GetActiveMappingSpec(ctx, p.db, tenantId, p.settings.PartnerModel, p.settings.PartnerTable)
	if err == nil {
		return spec, nil
	}
	if !errors.Is(err, models.ErrMappingSpecNotFound) {
		return nil, err
	}
	return &models.MappingSpec{
		TenantId:    tenantId,
		SourceModel: p.settings.PartnerModel,
		TargetTable: p.settings.PartnerTable,
		Entries:     datatypes.JSONSlice[models.MappingEntry](defaultPartnerMapping),
	}, nil
}

func (p *Pipeline) partnerValues(ctx context.Context, spec *models.MappingSpec, rec *models.StagedPartner) (map[string]interface{}, error) {
	res := p.resolver.ApplyMapping(ctx, rec.RawPayload, spec, rec.TenantId)
	if err := res.UnsyncedReference(); err != nil {
		return nil, err
	}
	mapped := make(map[string]interface{}, len(res.Values))
	for k, v := range res.Values {
		if !identityColumns[k] {
			mapped[k] = v
		}
	}
	values, unknown, err := models.ClientEntityColumns.CoerceAll(mapped)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		p.log(ctx, "partnerValues").WithField("columns", unknown).Warn("dropping mapped fields with no client entity column")
	}
	return values, nil
}

// matchPartner tries (tax id, external id), then tax id alone, then external
// id alone. A tax id match is dropped in favour of the entity already holding
// externalId, since backfilling would clash with that row's unique key.
func (p *Pipeline) matchPartner(ctx context.Context, tenantId, taxId string, externalId int64) (partnerMatch, error) {
	taxId = strings.TrimSpace(taxId)
	if taxId != "" {
		e, err := models.FindClientEntityByTaxAndExternalId(ctx, p.db, tenantId, taxId, externalId)
		if err != nil || e != nil {
			return partnerMatch{entity: e, by: "tax_id+external_id"}, err
		}
		e, err = models.FindClientEntityByTaxId(ctx, p.db, tenantId, taxId)
		if err != nil {
			return partnerMatch{}, err
		}
		if e != nil {
			linked, err := models.FindClientEntityByExternalId(ctx, p.db, tenantId, externalId)
			if err != nil {
				return partnerMatch{}, err
			}
			if linked != nil && linked.ID != e.ID {
				return partnerMatch{entity: linked, by: "external_id"}, nil
			}
			return partnerMatch{entity: e, by: "tax_id"}, nil
		}
	}
	e, err := models.FindClientEntityByExternalId(ctx, p.db, tenantId, externalId)
	return partnerMatch{entity: e, by: "external_id"}, err
}

// DiffStagedPartners labels pending staged partners update when any match
// strategy finds a canonical entity, create otherwise.
func (p *Pipeline) DiffStagedPartners(ctx context.Context, tenantId string) (Summary, error) {
	sum := newSummary()
	ctx, err := p.tenantContext(ctx, tenantId)
	if err != nil {
		sum.abort(err)
		return sum, err
	}
	spec, err := p.partnerSpec(ctx, tenantId)
	if err != nil {
		sum.abort(err)
		return sum, err
	}

	var afterId uint
	for {
		batch, err := models.ListStagedPartners(ctx, p.db, tenantId, []models.ProcessingStatus{models.ProcessingStatusPending}, afterId, p.settings.BatchSize)
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

			action, note, err := p.diffPartner(ctx, spec, rec)
			if err == nil {
				err = models.TransitionStagedPartner(ctx, p.db, rec, statusForAction(action), note)
			}
			if err != nil {
				p.recordFailure(ctx, tenantId, "diff", "partner", rec.ExternalId, err)
				if tErr := models.TransitionStagedPartner(ctx, p.db, rec, models.ProcessingStatusError, err.Error()); tErr != nil {
					p.log(ctx, "DiffStagedPartners").WithError(tErr).Warn("could not mark staged partner as error")
				}
				sum.fail(rec.ExternalId, err)
				continue
			}
			sum.ok(rec.ExternalId, action)
		}
	}
	sum.finish("partners diffed")
	return sum, nil
}

func (p *Pipeline) diffPartner(ctx context.Context, spec *models.MappingSpec, rec *models.StagedPartner) (string, string, error) {
	values, err := p.partnerValues(ctx, spec, rec)
	if err != nil {
		return "", "", err
	}
	taxId, _ := values["tax_id"].(string)
	m, err := p.matchPartner(ctx, rec.TenantId, taxId, rec.ExternalId)
	if err != nil {
		return "", "", err
	}
	if m.entity == nil {
		return ActionCreate, "no matching client entity", nil
	}
	return ActionUpdate, fmt.Sprintf("matches client entity #%d by %s", m.entity.ID, m.by), nil
}

// ReconcilePartners creates or updates client entities for staged partners
// labelled create or update, writing the outcome back onto each staged row.
func (p *Pipeline) ReconcilePartners(ctx context.Context, tenantId string) (Summary, error) {
	sum := newSummary()
	ctx, err := p.tenantContext(ctx, tenantId)
	if err != nil {
		sum.abort(err)
		return sum, err
	}
	spec, err := p.partnerSpec(ctx, tenantId)
	if err != nil {
		sum.abort(err)
		return sum, err
	}

	statuses := []models.ProcessingStatus{models.ProcessingStatusCreate, models.ProcessingStatusUpdate}
	var afterId uint
	for {
		batch, err := models.ListStagedPartners(ctx, p.db, tenantId, statuses, afterId, p.settings.BatchSize)
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

			note, err := p.reconcilePartner(ctx, spec, rec)
			if err != nil {
				p.recordFailure(ctx, tenantId, "reconcile", "partner", rec.ExternalId, err)
				if tErr := models.TransitionStagedPartner(ctx, p.db, rec, models.ProcessingStatusError, "Error: "+err.Error()); tErr != nil {
					p.log(ctx, "ReconcilePartners").WithError(tErr).Warn("could not mark staged partner as error")
				}
				sum.fail(rec.ExternalId, err)
				continue
			}
			if err := models.TransitionStagedPartner(ctx, p.db, rec, models.ProcessingStatusProcessed, note); err != nil {
				p.log(ctx, "ReconcilePartners").WithError(err).Warn("could not mark staged partner as processed")
			}
			sum.ok(rec.ExternalId, action)
		}
	}

	sum.finish("partners reconciled")
	p.log(ctx, "ReconcilePartners").WithFields(logrus.Fields{"processed": sum.Processed, "errors": sum.Errors}).Info(sum.Message)
	return sum, nil
}

func (p *Pipeline) reconcilePartner(ctx context.Context, spec *models.MappingSpec, rec *models.StagedPartner) (string, error) {
	values, err := p.partnerValues(ctx, spec, rec)
	if err != nil {
		return "", err
	}
	extId := rec.ExternalId

	if rec.ProcessingStatus == models.ProcessingStatusCreate {
		entity := models.ClientEntity{TenantId: rec.TenantId, ExternalId: &extId, SourceType: models.SourceTypeOdoo}
		entity.Assign(values)
		if err := p.db.WithContext(ctx).Create(&entity).Error; err != nil {
			return "", fmt.Errorf("create client entity: %w", err)
		}
		return fmt.Sprintf("Created client entity #%d", entity.ID), nil
	}

	taxId, _ := values["tax_id"].(string)
	m, err := p.matchPartner(ctx, rec.TenantId, taxId, extId)
	if err != nil {
		return "", err
	}
	if m.entity == nil {
		return "", fmt.Errorf("partner %d: %w", extId, errPartnerNotFound)
	}

	updates := make(map[string]interface{}, len(values)+2)
	for k, v := range values {
		updates[k] = v
	}
	updates["external_id"] = extId
	updates["source_type"] = models.SourceTypeOdoo
	if err := p.db.WithContext(ctx).Model(m.entity).Where("tenant_id = ?", rec.TenantId).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("update client entity #%d: %w", m.entity.ID, err)
	}
	return fmt.Sprintf("Updated client entity #%d (matched by %s)", m.entity.ID, m.by), nil
}
