package mapping

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEntityNotSynced is returned when a company or partner reference points at
// an entity that has not been integrated yet.
var ErrEntityNotSynced = errors.New("entity must be synced first")

// Resolver applies tenant mapping specs to raw ledger payloads.
type Resolver struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewResolver(db *gorm.DB, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{db: db, logger: logger}
}

// FieldError is a transformation failure confined to one target field.
type FieldError struct {
	TargetField string
	Err         error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.TargetField, e.Err)
}

func (e FieldError) Unwrap() error { return e.Err }

// Result is the mapped record plus the fields that fell back to raw values.
type Result struct {
	Values      map[string]interface{}
	FieldErrors []FieldError
}

// UnsyncedReference returns the first field whose referenced entity is missing.
func (r Result) UnsyncedReference() error {
	for _, fe := range r.FieldErrors {
		if errors.Is(fe.Err, ErrEntityNotSynced) {
			return fe
		}
	}
	return nil
}

// ApplyMapping resolves every entry of spec against raw. A failing field falls
// back to its raw extracted value; nil results are omitted.
func (r *Resolver) ApplyMapping(ctx context.Context, raw map[string]interface{}, spec *models.MappingSpec, tenantId string) Result {
	res := Result{Values: map[string]interface{}{}}
	if spec == nil {
		return res
	}
	for _, entry := range spec.Entries {
		if entry.TargetField == "" || entry.SourceField == "" {
			continue
		}
		extracted := ExtractSourceValue(raw, entry.SourceField)
		if extracted == nil {
			continue
		}
		value, err := r.resolveEntry(ctx, entry, extracted, tenantId)
		if err != nil {
			res.FieldErrors = append(res.FieldErrors, FieldError{TargetField: entry.TargetField, Err: err})
			r.logger.WithFields(logrus.Fields{
				"module":       "mapping",
				"funcName":     "ApplyMapping",
				"tenant_id":    tenantId,
				"target_field": entry.TargetField,
				"source_field": entry.SourceField,
			}).WithError(err).Warn("transformation failed, using raw value")
			value = extracted
		}
		if value == nil {
			continue
		}
		res.Values[entry.TargetField] = value
	}
	return res
}

func (r *Resolver) resolveEntry(ctx context.Context, entry models.MappingEntry, extracted interface{}, tenantId string) (interface{}, error) {
	t, err := ParseTransformationType(entry.TransformationType)
	if err != nil {
		return nil, err
	}
	if t == TransformationDirect {
		return extracted, nil
	}
	return r.ResolveTransformation(ctx, t, entry.TransformationConfig, Stringify(extracted), tenantId)
}

// ResolveTransformation resolves one source value through a transformation.
func (r *Resolver) ResolveTransformation(ctx context.Context, t TransformationType, config json.RawMessage, value string, tenantId string) (interface{}, error) {
	switch t {
	case TransformationDirect, TransformationCustomFunction:
		return value, nil
	case TransformationCompanyMapping:
		return r.resolveCompany(ctx, value, tenantId)
	case TransformationPartnerMapping:
		return r.resolvePartner(ctx, value, tenantId)
	case TransformationInvoiceMapping:
		return r.resolveInvoice(ctx, value, tenantId), nil
	case TransformationValueMapping:
		return resolveValueMapping(config, value)
	case TransformationLookupTable:
		return r.resolveLookupTable(ctx, config, value, tenantId), nil
	}
	return nil, fmt.Errorf("unknown transformation type %q", t)
}

func (r *Resolver) resolveCompany(ctx context.Context, value, tenantId string) (interface{}, error) {
	extId, ok := parseExternalId(value)
	if !ok {
		return nil, fmt.Errorf("companyMapping: invalid external id %q", value)
	}
	row, err := models.FindCompanyByExternalId(ctx, r.db, tenantId, extId)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("company %d: %w", extId, ErrEntityNotSynced)
	}
	return row.ID, nil
}

func (r *Resolver) resolvePartner(ctx context.Context, value, tenantId string) (interface{}, error) {
	extId, ok := parseExternalId(value)
	if !ok {
		return nil, fmt.Errorf("partnerMapping: invalid external id %q", value)
	}
	row, err := models.FindClientEntityByExternalId(ctx, r.db, tenantId, extId)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("partner %d: %w", extId, ErrEntityNotSynced)
	}
	return row.ID, nil
}

// resolveInvoice degrades to the original value on any miss.
func (r *Resolver) resolveInvoice(ctx context.Context, value, tenantId string) interface{} {
	extId, ok := parseExternalId(value)
	if !ok {
		return value
	}
	row, err := models.FindInvoiceByExternalId(ctx, r.db, tenantId, extId)
	if err != nil || row == nil {
		return value
	}
	return row.ID
}

func resolveValueMapping(config json.RawMessage, value string) (interface{}, error) {
	cfg, err := decodeValueMapping(config)
	if err != nil {
		return nil, err
	}
	if v, ok := cfg.Mappings[value]; ok && v != nil {
		return v, nil
	}
	if cfg.DefaultValue != nil {
		return cfg.DefaultValue, nil
	}
	return value, nil
}

// resolveLookupTable never fails; errors and misses return the original value.
func (r *Resolver) resolveLookupTable(ctx context.Context, config json.RawMessage, value, tenantId string) interface{} {
	cfg, err := decodeLookupTable(config)
	if err != nil {
		r.logLookupFailure(tenantId, cfg, err)
		return value
	}
	q := r.db.WithContext(ctx).
		Table(cfg.Table).
		Select(cfg.TargetColumn).
		Where(clause.Eq{Column: clause.Column{Name: cfg.SourceColumn}, Value: value})
	if !cfg.Global {
		q = q.Where(clause.Eq{Column: clause.Column{Name: "tenant_id"}, Value: tenantId})
	}
	if cfg.FilterColumn != "" {
		q = q.Where(clause.Eq{Column: clause.Column{Name: cfg.FilterColumn}, Value: cfg.FilterValue})
	}
	var out sql.NullString
	if err := q.Limit(1).Row().Scan(&out); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.logLookupFailure(tenantId, cfg, err)
		}
		return value
	}
	if !out.Valid {
		return value
	}
	return out.String
}

// logLookupFailure warns with the SQL error. tenant_scoped flags configs that
// may point at a shared table and need "global": true.
func (r *Resolver) logLookupFailure(tenantId string, cfg LookupTableConfig, err error) {
	r.logger.WithFields(logrus.Fields{
		"module":        "mapping",
		"funcName":      "resolveLookupTable",
		"tenant_id":     tenantId,
		"table":         cfg.Table,
		"tenant_scoped": !cfg.Global,
	}).WithError(err).Warn("lookup failed, using original value")
}
