package erpsync

import (
	"context"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/mapping"
	"github.com/mmdatafocus/erpsync_backend/models"
)

const (
	InvoiceStatusPaid = "paid"
	InvoiceStatusSent = "sent"
)

// ledgerStatuses translates the ledger's payment_state. Unlisted states fall
// back to InvoiceStatusSent.
var ledgerStatuses = map[string]string{
	"paid":       InvoiceStatusPaid,
	"in_payment": InvoiceStatusPaid,
	"not_paid":   InvoiceStatusSent,
	"partial":    InvoiceStatusSent,
	"reversed":   InvoiceStatusSent,
}

func translateStatus(code string) string {
	if s, ok := ledgerStatuses[strings.ToLower(strings.TrimSpace(code))]; ok {
		return s
	}
	return InvoiceStatusSent
}

// Columns never compared or mapped directly.
var identityColumns = map[string]bool{
	"id":          true,
	"created_at":  true,
	"updated_at":  true,
	"deleted_at":  true,
	"tenant_id":   true,
	"external_id": true,
	"source_type": true,
}

type invoiceValues struct {
	mapped  mapping.Result
	coerced map[string]interface{}
	// raw mapped values per column, used when coercion is not possible
	raw     map[string]interface{}
	invalid map[string]error
	unknown []string
}

// mapInvoice applies the mapping and the status translation shared by
// classification and processing.
func (p *Pipeline) mapInvoice(ctx context.Context, spec *models.MappingSpec, rec *models.StagedInvoice) invoiceValues {
	res := p.resolver.ApplyMapping(ctx, rec.RawPayload, spec, rec.TenantId)
	out := invoiceValues{
		mapped:  res,
		coerced: map[string]interface{}{},
		raw:     map[string]interface{}{},
		invalid: map[string]error{},
	}

	values := make(map[string]interface{}, len(res.Values)+1)
	for k, v := range res.Values {
		values[k] = v
	}
	if s, ok := values["status"]; ok {
		values["status"] = translateStatus(mapping.Stringify(s))
	} else if ps := mapping.ExtractSourceValue(rec.RawPayload, "payment_state"); ps != nil {
		values["status"] = translateStatus(mapping.Stringify(ps))
	}

	for column, v := range values {
		if identityColumns[column] {
			continue
		}
		if _, ok := models.InvoiceColumns[column]; !ok {
			out.unknown = append(out.unknown, column)
			continue
		}
		out.raw[column] = v
		c, err := models.InvoiceColumns.Coerce(column, v)
		if err != nil {
			out.invalid[column] = err
			continue
		}
		out.coerced[column] = c
	}
	return out
}
