package erpsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/mapping"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
)

const ledgerTimeLayout = "2006-01-02 15:04:05"

// FetchOptions narrows a fetch. A zero Since falls back to the connection's
// cursor, then to the configured window.
type FetchOptions struct {
	Since     time.Time
	SessionID string
	// ExtraIDs are fetched in addition to the write-date window.
	ExtraIDs []int64

	// session reuses an authenticated ledger session instead of logging in again.
	session *ledger.Session
}

type fetchRun struct {
	meta     models.StageMeta
	session  *ledger.Session
	since    time.Time
	archived []ledger.Record
}

func (p *Pipeline) startFetch(ctx context.Context, tenantId, model string, opts FetchOptions, sum *Summary) (context.Context, *fetchRun, error) {
	ctx, err := p.tenantContext(ctx, tenantId)
	if err != nil {
		return ctx, nil, err
	}
	conn, creds, err := p.connectionCredentials(ctx, tenantId)
	if err != nil {
		return ctx, nil, err
	}
	session := opts.session
	if session == nil {
		if session, err = p.ledger.Authenticate(ctx, creds); err != nil {
			return ctx, nil, err
		}
	}

	sum.BatchID = utils.NewBatchId()
	sum.SessionID = utils.NormalizeSessionId(opts.SessionID)
	sum.fetchedAt = p.now().UTC()
	ctx = utils.SetBatchIdInContext(ctx, sum.BatchID)
	ctx = utils.SetSessionIdInContext(ctx, sum.SessionID)

	since := opts.Since
	if since.IsZero() {
		since = conn.FetchSince(model, p.settings.WindowDays, sum.fetchedAt)
	}
	return ctx, &fetchRun{
		meta:    models.StageMeta{TenantId: tenantId, BatchId: sum.BatchID, SessionId: sum.SessionID},
		session: session,
		since:   since.UTC(),
	}, nil
}

// pages searches model page by page (order id desc) and hands each page of
// read records to fn. Any remote error stops the walk.
func (p *Pipeline) pages(ctx context.Context, run *fetchRun, model string, domain ledger.Domain, fn func([]ledger.Record) error) error {
	offset := 0
	for {
		ids, err := run.session.Search(ctx, model, domain, ledger.SearchOptions{
			Limit:  p.settings.PageSize,
			Offset: offset,
			Order:  "id desc",
		})
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		records, err := run.session.Read(ctx, model, ids, nil)
		if err != nil {
			return err
		}
		run.archived = append(run.archived, records...)
		if err := fn(records); err != nil {
			return err
		}
		if len(ids) < p.settings.PageSize {
			return nil
		}
		offset += p.settings.PageSize
	}
}

// SyncInvoices fetches invoices changed since the window start and stages
// them together with their lines.
func (p *Pipeline) SyncInvoices(ctx context.Context, tenantId string, opts FetchOptions) (Summary, error) {
	sum := newSummary()
	ctx, run, err := p.startFetch(ctx, tenantId, p.settings.InvoiceModel, opts, &sum)
	if err != nil {
		sum.abort(err)
		return sum, err
	}
	p.log(ctx, "SyncInvoices").WithField("since", run.since.Format(time.RFC3339)).Info("fetching invoices")

	moveTypes := make([]interface{}, 0, len(p.settings.InvoiceMoveTypes))
	for _, mt := range p.settings.InvoiceMoveTypes {
		moveTypes = append(moveTypes, mt)
	}
	domain := ledger.Domain{ledger.Where("write_date", ">=", run.since.Format(ledgerTimeLayout))}
	if len(moveTypes) > 0 {
		domain = append(ledger.Domain{ledger.Where("move_type", "in", moveTypes)}, domain...)
	}

	seenPartners := map[int64]bool{}
	err = p.pages(ctx, run, p.settings.InvoiceModel, domain, func(records []ledger.Record) error {
		for _, rec := range records {
			extId, ok := rec.ID()
			if !ok {
				sum.fail(0, errors.New("invoice without id"))
				continue
			}
			if pid, ok := rec.RelationID("partner_id"); ok && !seenPartners[pid] {
				seenPartners[pid] = true
				sum.partnerRefs = append(sum.partnerRefs, pid)
			}
			staged, err := models.UpsertStagedInvoice(ctx, p.db, run.meta, extId, rec)
			if err != nil {
				err = fmt.Errorf("stage invoice: %w", err)
				p.recordFailure(ctx, tenantId, "fetch", "invoice", extId, err)
				sum.fail(extId, err)
				continue
			}
			lineIds := rec.IDs("invoice_line_ids")
			if len(lineIds) > 0 {
				lines, err := run.session.Read(ctx, p.settings.InvoiceLineModel, lineIds, nil)
				if err != nil {
					return err
				}
				if err := p.stageLines(ctx, run.meta, staged, lines); err != nil {
					p.recordFailure(ctx, tenantId, "fetch", "invoice", extId, err)
					sum.fail(extId, err)
					continue
				}
			}
			sum.ok(extId, "")
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", p.settings.InvoiceModel, err)
		sum.abort(err)
		return sum, err
	}

	p.archive(ctx, tenantId, p.settings.InvoiceModel, sum.BatchID, run.archived)
	sum.finish("invoices fetched")
	p.log(ctx, "SyncInvoices").WithField("processed", sum.Processed).Info(sum.Message)
	return sum, nil
}

func (p *Pipeline) stageLines(ctx context.Context, meta models.StageMeta, parent *models.StagedInvoice, lines []ledger.Record) error {
	for _, line := range lines {
		lineId, ok := line.ID()
		if !ok {
			return errors.New("invoice line without id")
		}
		if _, err := models.UpsertStagedInvoiceLine(ctx, p.db, meta, parent, lineId, line); err != nil {
			return fmt.Errorf("stage line %d: %w", lineId, err)
		}
	}
	return nil
}

// SyncPartners fetches counterparties changed since the window start plus any
// explicitly requested ids, and stages them.
func (p *Pipeline) SyncPartners(ctx context.Context, tenantId string, opts FetchOptions) (Summary, error) {
	sum := newSummary()
	ctx, run, err := p.startFetch(ctx, tenantId, p.settings.PartnerModel, opts, &sum)
	if err != nil {
		sum.abort(err)
		return sum, err
	}
	p.log(ctx, "SyncPartners").WithField("since", run.since.Format(time.RFC3339)).Info("fetching partners")

	seen := map[int64]bool{}
	stage := func(records []ledger.Record) error {
		for _, rec := range records {
			extId, ok := rec.ID()
			if !ok {
				sum.fail(0, errors.New("partner without id"))
				continue
			}
			if seen[extId] {
				continue
			}
			seen[extId] = true
			if _, err := models.UpsertStagedPartner(ctx, p.db, run.meta, extId, rec); err != nil {
				err = fmt.Errorf("stage partner: %w", err)
				p.recordFailure(ctx, tenantId, "fetch", "partner", extId, err)
				sum.fail(extId, err)
				continue
			}
			sum.ok(extId, "")
		}
		return nil
	}

	domain := ledger.Domain{ledger.Where("write_date", ">=", run.since.Format(ledgerTimeLayout))}
	err = p.pages(ctx, run, p.settings.PartnerModel, domain, stage)
	if err == nil {
		err = p.fetchExtra(ctx, run, p.settings.PartnerModel, opts.ExtraIDs, seen, stage)
	}
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", p.settings.PartnerModel, err)
		sum.abort(err)
		return sum, err
	}

	p.archive(ctx, tenantId, p.settings.PartnerModel, sum.BatchID, run.archived)
	sum.finish("partners fetched")
	p.log(ctx, "SyncPartners").WithField("processed", sum.Processed).Info(sum.Message)
	return sum, nil
}

func (p *Pipeline) fetchExtra(ctx context.Context, run *fetchRun, model string, ids []int64, seen map[int64]bool, fn func([]ledger.Record) error) error {
	var pending []int64
	for _, id := range ids {
		if !seen[id] {
			pending = append(pending, id)
		}
	}
	for start := 0; start < len(pending); start += p.settings.PageSize {
		end := start + p.settings.PageSize
		if end > len(pending) {
			end = len(pending)
		}
		records, err := run.session.Read(ctx, model, pending[start:end], nil)
		if err != nil {
			return err
		}
		run.archived = append(run.archived, records...)
		if err := fn(records); err != nil {
			return err
		}
	}
	return nil
}

// SyncCompanies refreshes the tenant's companies directly into the canonical
// companies table so companyMapping can resolve them.
func (p *Pipeline) SyncCompanies(ctx context.Context, tenantId string) (Summary, error) {
	return p.syncCompanies(ctx, tenantId, nil)
}

func (p *Pipeline) syncCompanies(ctx context.Context, tenantId string, session *ledger.Session) (Summary, error) {
	sum := newSummary()
	ctx, run, err := p.startFetch(ctx, tenantId, "res.company", FetchOptions{Since: time.Unix(0, 0), session: session}, &sum)
	if err != nil {
		sum.abort(err)
		return sum, err
	}
	err = p.pages(ctx, run, "res.company", nil, func(records []ledger.Record) error {
		for _, rec := range records {
			extId, ok := rec.ID()
			if !ok {
				continue
			}
			company := models.Company{
				TenantId:   tenantId,
				ExternalId: &extId,
				Name:       mapping.Stringify(falseToNil(rec["name"])),
				TaxId:      mapping.Stringify(falseToNil(rec["vat"])),
				Currency:   mapping.Stringify(mapping.ExtractSourceValue(rec, "currency_id[1]")),
			}
			if err := models.UpsertCompany(ctx, p.db, &company); err != nil {
				p.recordFailure(ctx, tenantId, "fetch", "company", extId, err)
				sum.fail(extId, err)
				continue
			}
			sum.ok(extId, "")
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("fetch res.company: %w", err)
		sum.abort(err)
		return sum, err
	}
	sum.finish("companies fetched")
	return sum, nil
}

func falseToNil(v interface{}) interface{} {
	if b, ok := v.(bool); ok && !b {
		return nil
	}
	return v
}

func (p *Pipeline) archive(ctx context.Context, tenantId, model, batchId string, records []ledger.Record) {
	if p.archiver == nil || len(records) == 0 {
		return
	}
	if err := p.archiver.Archive(ctx, tenantId, model, batchId, records); err != nil {
		p.log(ctx, "archive").WithError(err).Warn("raw batch archive failed")
	}
}
