package mapping

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

type TransformationType string

const (
	TransformationDirect         TransformationType = "direct"
	TransformationCompanyMapping TransformationType = "companyMapping"
	TransformationPartnerMapping TransformationType = "partnerMapping"
	TransformationInvoiceMapping TransformationType = "invoiceMapping"
	TransformationValueMapping   TransformationType = "valueMapping"
	TransformationLookupTable    TransformationType = "lookupTable"
	TransformationCustomFunction TransformationType = "customFunction"
)

// ParseTransformationType treats an empty type as direct.
func ParseTransformationType(s string) (TransformationType, error) {
	switch t := TransformationType(s); t {
	case "":
		return TransformationDirect, nil
	case TransformationDirect, TransformationCompanyMapping, TransformationPartnerMapping,
		TransformationInvoiceMapping, TransformationValueMapping, TransformationLookupTable,
		TransformationCustomFunction:
		return t, nil
	}
	return "", fmt.Errorf("unknown transformation type %q", s)
}

// ValueMappingConfig translates source codes to target values.
type ValueMappingConfig struct {
	Mappings     map[string]interface{} `json:"mappings"`
	DefaultValue interface{}            `json:"defaultValue"`
}

// LookupTableConfig describes a single-row lookup in another table.
// Lookups are scoped to the tenant unless Global is set.
type LookupTableConfig struct {
	Table        string      `json:"table" validate:"required,sqlident"`
	SourceColumn string      `json:"sourceColumn" validate:"required,sqlident"`
	TargetColumn string      `json:"targetColumn" validate:"required,sqlident"`
	FilterColumn string      `json:"filterColumn" validate:"omitempty,sqlident"`
	FilterValue  interface{} `json:"filterValue"`
	Global       bool        `json:"global"`
}

var sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdentifier.MatchString(fl.Field().String())
	})
	return v
}

func decodeValueMapping(raw json.RawMessage) (ValueMappingConfig, error) {
	var cfg ValueMappingConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid valueMapping config: %w", err)
	}
	return cfg, nil
}

func decodeLookupTable(raw json.RawMessage) (LookupTableConfig, error) {
	var cfg LookupTableConfig
	if len(raw) == 0 {
		return cfg, fmt.Errorf("lookupTable config is required")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid lookupTable config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid lookupTable config: %w", err)
	}
	return cfg, nil
}
