package erpsync

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/ledger/ledgertest"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testTenant = "t1"

var testNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t   *testing.T
	ctx context.Context
	db  *gorm.DB
	srv *ledgertest.Server
	p   *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := config.OpenWithDialector(sqlite.Open(filepath.Join(t.TempDir(), "erpsync.db")))
	require.NoError(t, err)
	require.NoError(t, models.MigrateTable(db))

	srv := ledgertest.NewServer("acme", "sync@acme.test", "secret")
	t.Cleanup(srv.Close)

	require.NoError(t, db.Create(&models.ErpConnection{
		TenantId:     testTenant,
		Provider:     models.ErpProviderOdoo,
		Status:       models.ErpConnectionConnected,
		Url:          srv.URL,
		DatabaseName: "acme",
		Username:     "sync@acme.test",
		ApiKey:       "secret",
	}).Error)

	settings := config.DefaultSyncSettings()
	settings.PageSize = 2
	settings.BatchSize = 2

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	p := NewPipeline(db, ledger.NewClient(5*time.Second, 0), settings, logger, opts...)

	f := &fixture{t: t, ctx: context.Background(), db: db, srv: srv, p: p}
	f.saveSpec(settings.InvoiceModel, settings.InvoiceTable, invoiceEntries())
	f.saveSpec(settings.InvoiceLineModel, settings.InvoiceLineTable, lineEntries())
	return f
}

func entry(target, source, transformation string) models.MappingEntry {
	return models.MappingEntry{TargetField: target, SourceField: source, TransformationType: transformation}
}

func invoiceEntries() []models.MappingEntry {
	return []models.MappingEntry{
		entry("invoice_number", "name", "direct"),
		entry("reference", "ref", "direct"),
		entry("move_type", "move_type", "direct"),
		entry("invoice_date", "invoice_date", "direct"),
		entry("due_date", "invoice_date_due", "direct"),
		entry("currency", "currency_id[1]", "direct"),
		entry("amount_untaxed", "amount_untaxed", "direct"),
		entry("amount_tax", "amount_tax", "direct"),
		entry("amount_total", "amount_total", "direct"),
		entry("amount_residual", "amount_residual", "direct"),
		entry("client_entity_id", "partner_id[0]", "partnerMapping"),
	}
}

func lineEntries() []models.MappingEntry {
	return []models.MappingEntry{
		entry("description", "name", "direct"),
		entry("product_ref", "product_id[1]", "direct"),
		entry("quantity", "quantity", "direct"),
		entry("unit_price", "price_unit", "direct"),
		entry("discount", "discount", "direct"),
		entry("subtotal", "price_subtotal", "direct"),
		entry("total", "price_total", "direct"),
	}
}

func (f *fixture) saveSpec(model, table string, entries []models.MappingEntry) {
	f.t.Helper()
	spec := models.MappingSpec{
		TenantId:    testTenant,
		SourceModel: model,
		TargetTable: table,
		Entries:     datatypes.JSONSlice[models.MappingEntry](entries),
	}
	require.NoError(f.t, models.SaveMappingSpec(f.ctx, f.db, &spec))
}

func (f *fixture) putInvoice(id, partnerId int64, total interface{}, lineIds ...int64) {
	ids := make([]interface{}, 0, len(lineIds))
	for _, l := range lineIds {
		ids = append(ids, l)
		f.srv.Put("account.move.line", map[string]interface{}{
			"id":             l,
			"move_id":        []interface{}{id, fmt.Sprintf("INV/2026/%04d", id)},
			"name":           fmt.Sprintf("Consulting hours %d", l),
			"product_id":     []interface{}{7, "Consulting"},
			"quantity":       2,
			"price_unit":     50,
			"discount":       0,
			"price_subtotal": 100,
			"price_total":    119,
		})
	}
	f.srv.Put("account.move", map[string]interface{}{
		"id":               id,
		"name":             fmt.Sprintf("INV/2026/%04d", id),
		"ref":              false,
		"move_type":        "out_invoice",
		"invoice_date":     "2026-10-01",
		"invoice_date_due": "2026-10-31",
		"currency_id":      []interface{}{2, "USD"},
		"partner_id":       []interface{}{partnerId, "Acme SpA"},
		"amount_untaxed":   100,
		"amount_tax":       19,
		"amount_total":     total,
		"amount_residual":  total,
		"payment_state":    "not_paid",
		"invoice_line_ids": ids,
		"write_date":       "2026-10-16 10:00:00",
	})
}

func (f *fixture) putPartner(id int64, name string, vat interface{}, writeDate string) {
	f.srv.Put("res.partner", map[string]interface{}{
		"id":         id,
		"name":       name,
		"vat":        vat,
		"email":      "billing@acme.test",
		"phone":      false,
		"street":     "Av. Providencia 1208",
		"city":       "Santiago",
		"country_id": []interface{}{46, "Chile"},
		"is_company": true,
		"write_date": writeDate,
	})
}

func (f *fixture) clientEntity(extId int64, name, taxId string) *models.ClientEntity {
	f.t.Helper()
	e := models.ClientEntity{TenantId: testTenant, ExternalId: &extId, Name: name, TaxId: taxId}
	require.NoError(f.t, f.db.Create(&e).Error)
	return &e
}

func (f *fixture) stagedInvoice(extId int64) models.StagedInvoice {
	f.t.Helper()
	var rec models.StagedInvoice
	require.NoError(f.t, f.db.Where("tenant_id = ? AND external_id = ?", testTenant, extId).Take(&rec).Error)
	return rec
}

func (f *fixture) canonicalInvoice(extId int64) models.Invoice {
	f.t.Helper()
	var inv models.Invoice
	require.NoError(f.t, f.db.Where("tenant_id = ? AND external_id = ?", testTenant, extId).Take(&inv).Error)
	return inv
}

func (f *fixture) fetchClassifyProcess() (Summary, Summary) {
	f.t.Helper()
	_, err := f.p.SyncInvoices(f.ctx, testTenant, FetchOptions{})
	require.NoError(f.t, err)
	classified, err := f.p.ClassifyInvoices(f.ctx, testTenant)
	require.NoError(f.t, err)
	processed, err := f.p.ProcessInvoices(f.ctx, testTenant)
	require.NoError(f.t, err)
	return classified, processed
}

func TestSyncInvoicesIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.putInvoice(101, 55, 119, 1001, 1002)
	f.putInvoice(102, 55, 119, 1003)
	f.putInvoice(103, 56, 119)

	first, err := f.p.SyncInvoices(f.ctx, testTenant, FetchOptions{SessionID: "not-a-uuid"})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, 3, first.Processed)
	assert.ElementsMatch(t, []int64{55, 56}, first.partnerRefs)
	assert.NotEmpty(t, first.BatchID)
	assert.Len(t, first.SessionID, 36, "invalid session ids are replaced")

	second, err := f.p.SyncInvoices(f.ctx, testTenant, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, second.Processed)
	assert.NotEqual(t, first.BatchID, second.BatchID)

	var invoices, lines int64
	require.NoError(t, f.db.Model(&models.StagedInvoice{}).Count(&invoices).Error)
	require.NoError(t, f.db.Model(&models.StagedInvoiceLine{}).Count(&lines).Error)
	assert.EqualValues(t, 3, invoices)
	assert.EqualValues(t, 3, lines)

	rec := f.stagedInvoice(101)
	assert.Equal(t, models.ProcessingStatusPending, rec.ProcessingStatus)
	assert.Equal(t, second.BatchID, rec.BatchId)
}

func TestSyncInvoicesRemoteErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.putInvoice(101, 55, 119)
	f.srv.Fail("account.move", "access denied")

	sum, err := f.p.SyncInvoices(f.ctx, testTenant, FetchOptions{})
	require.Error(t, err)
	assert.False(t, sum.Success)
	assert.Contains(t, sum.Message, "access denied")
}

func TestSyncInvoicesRequiresConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.SyncInvoices(f.ctx, "unknown-tenant", FetchOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = f.p.SyncInvoices(f.ctx, "", FetchOptions{})
	assert.ErrorIs(t, err, ErrTenantMissing)
}

func TestNewInvoiceIsCreatedThenSkipped(t *testing.T) {
	f := newFixture(t)
	partner := f.clientEntity(55, "Acme SpA", "76.123.456-7")
	f.putInvoice(9001, 55, 119, 5001)

	classified, processed := f.fetchClassifyProcess()
	assert.Equal(t, 1, classified.Counts[ActionCreate])
	assert.Equal(t, 1, processed.Processed)
	assert.Zero(t, processed.Errors)

	inv := f.canonicalInvoice(9001)
	assert.Equal(t, "INV/2026/9001", inv.InvoiceNumber)
	assert.Equal(t, models.SourceTypeOdoo, inv.SourceType)
	assert.Equal(t, InvoiceStatusSent, inv.Status)
	assert.Equal(t, "USD", inv.Currency)
	assert.True(t, inv.AmountTotal.Equal(decimal.NewFromInt(119)))
	require.NotNil(t, inv.ClientEntityId)
	assert.Equal(t, partner.ID, *inv.ClientEntityId)
	require.NotNil(t, inv.InvoiceDate)
	assert.Equal(t, "2026-10-01", inv.InvoiceDate.UTC().Format("2006-01-02"))

	var lines []models.InvoiceLine
	require.NoError(t, f.db.Where("invoice_id = ?", inv.ID).Find(&lines).Error)
	require.Len(t, lines, 1)
	assert.Equal(t, "Consulting hours 5001", lines[0].Description)
	assert.True(t, lines[0].Total.Equal(decimal.NewFromInt(119)))

	assert.Equal(t, models.ProcessingStatusProcessed, f.stagedInvoice(9001).ProcessingStatus)
	var line models.StagedInvoiceLine
	require.NoError(t, f.db.Where("external_line_id = ?", 5001).Take(&line).Error)
	assert.Equal(t, models.ProcessingStatusProcessed, line.ProcessingStatus)

	classified, processed = f.fetchClassifyProcess()
	assert.Equal(t, 1, classified.Counts[ActionSkip])
	assert.Zero(t, processed.Processed)

	var count int64
	require.NoError(t, f.db.Model(&models.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	require.NoError(t, f.db.Model(&models.InvoiceLine{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestClassifyToleratesFormattingDifferences(t *testing.T) {
	f := newFixture(t)
	f.clientEntity(55, "Acme SpA", "")
	f.putInvoice(9001, 55, 119)
	f.fetchClassifyProcess()

	require.NoError(t, f.db.Model(&models.Invoice{}).Where("external_id = ?", 9001).Updates(map[string]interface{}{
		"amount_total":   decimal.RequireFromString("119.004"),
		"invoice_number": " inv/2026/9001 ",
		"reference":      "",
	}).Error)

	classified, _ := f.fetchClassifyProcess()
	assert.Equal(t, 1, classified.Counts[ActionSkip], "details: %+v", classified.Details)

	require.NoError(t, f.db.Model(&models.Invoice{}).Where("external_id = ?", 9001).
		Update("amount_total", decimal.NewFromInt(120)).Error)

	classified, processed := f.fetchClassifyProcess()
	assert.Equal(t, 1, classified.Counts[ActionUpdate])
	assert.Equal(t, 1, processed.Counts[ActionUpdate])
	assert.True(t, f.canonicalInvoice(9001).AmountTotal.Equal(decimal.NewFromInt(119)))
}

func TestProcessContinuesPastFailingRecord(t *testing.T) {
	f := newFixture(t)
	f.clientEntity(55, "Acme SpA", "")
	f.putInvoice(201, 55, 119)
	f.putInvoice(202, 55, "abc")
	f.putInvoice(203, 55, 119)

	classified, processed := f.fetchClassifyProcess()
	assert.Equal(t, 3, classified.Counts[ActionCreate])
	assert.Equal(t, 2, processed.Processed)
	assert.Equal(t, 1, processed.Errors)
	require.Len(t, processed.FailedDetails(), 1)
	assert.EqualValues(t, 202, processed.FailedDetails()[0].ExternalID)

	failed := f.stagedInvoice(202)
	assert.Equal(t, models.ProcessingStatusError, failed.ProcessingStatus)
	assert.Contains(t, failed.ErrorMessage, "amount_total")
	assert.Equal(t, models.ProcessingStatusProcessed, f.stagedInvoice(201).ProcessingStatus)
	assert.Equal(t, models.ProcessingStatusProcessed, f.stagedInvoice(203).ProcessingStatus)

	var count int64
	require.NoError(t, f.db.Model(&models.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestProcessRejectsUnsyncedPartner(t *testing.T) {
	f := newFixture(t)
	f.putInvoice(301, 77, 119)

	_, processed := f.fetchClassifyProcess()
	assert.Equal(t, 1, processed.Errors)
	assert.Contains(t, f.stagedInvoice(301).ErrorMessage, "synced first")
}

func TestClassifyWithoutMappingSpecIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Where("1 = 1").Delete(&models.MappingSpec{}).Error)

	sum, err := f.p.ClassifyInvoices(f.ctx, testTenant)
	assert.ErrorIs(t, err, models.ErrMappingSpecNotFound)
	assert.False(t, sum.Success)
}

func TestReconcilePartnersMatchesUnlinkedEntityByTaxId(t *testing.T) {
	f := newFixture(t)
	manual := models.ClientEntity{TenantId: testTenant, Name: "Acme (manual)", TaxId: "76.123.456-7"}
	require.NoError(t, f.db.Create(&manual).Error)
	f.putPartner(55, "Acme SpA", "76.123.456-7", "2026-10-16 10:00:00")
	f.putPartner(56, "Globex", false, "2026-10-16 10:00:00")

	_, err := f.p.SyncPartners(f.ctx, testTenant, FetchOptions{})
	require.NoError(t, err)
	diffed, err := f.p.DiffStagedPartners(f.ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, diffed.Counts[ActionUpdate])
	assert.Equal(t, 1, diffed.Counts[ActionCreate])

	sum, err := f.p.ReconcilePartners(f.ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	assert.Zero(t, sum.Errors)

	var updated models.ClientEntity
	require.NoError(t, f.db.First(&updated, manual.ID).Error)
	require.NotNil(t, updated.ExternalId)
	assert.EqualValues(t, 55, *updated.ExternalId)
	assert.Equal(t, "Acme SpA", updated.Name)
	assert.Equal(t, "Chile", updated.Country)
	assert.Equal(t, models.SourceTypeOdoo, updated.SourceType)

	created, err := models.FindClientEntityByExternalId(f.ctx, f.db, testTenant, 56)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "Globex", created.Name)
	assert.Empty(t, created.TaxId)

	var staged models.StagedPartner
	require.NoError(t, f.db.Where("external_id = ?", 55).Take(&staged).Error)
	assert.Equal(t, models.ProcessingStatusProcessed, staged.ProcessingStatus)
	assert.Contains(t, staged.IntegrationNotes, "matched by tax_id")
	assert.NotNil(t, staged.LastIntegratedAt)

	var count int64
	require.NoError(t, f.db.Model(&models.ClientEntity{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

// reconcilePartner stages partner extId from the ledger, diffs and reconciles
// it, and returns the staged row afterwards.
func (f *fixture) reconcilePartner(extId int64) (Summary, models.StagedPartner) {
	f.t.Helper()
	_, err := f.p.SyncPartners(f.ctx, testTenant, FetchOptions{})
	require.NoError(f.t, err)
	_, err = f.p.DiffStagedPartners(f.ctx, testTenant)
	require.NoError(f.t, err)
	sum, err := f.p.ReconcilePartners(f.ctx, testTenant)
	require.NoError(f.t, err)
	var staged models.StagedPartner
	require.NoError(f.t, f.db.Where("tenant_id = ? AND external_id = ?", testTenant, extId).Take(&staged).Error)
	return sum, staged
}

func TestReconcilePartnerMatchStrategies(t *testing.T) {
	t.Run("tax id and external id", func(t *testing.T) {
		f := newFixture(t)
		linked := f.clientEntity(55, "Acme", "76.123.456-7")
		f.putPartner(55, "Acme SpA", "76.123.456-7", "2026-10-16 10:00:00")

		sum, staged := f.reconcilePartner(55)
		assert.Equal(t, 1, sum.Processed)
		assert.Zero(t, sum.Errors)
		assert.Contains(t, staged.IntegrationNotes, fmt.Sprintf("#%d (matched by tax_id+external_id)", linked.ID))
	})

	t.Run("tax id on an entity linked elsewhere", func(t *testing.T) {
		f := newFixture(t)
		stale := f.clientEntity(999, "Acme (old record)", "76.123.456-7")
		f.putPartner(55, "Acme SpA", "76.123.456-7", "2026-10-16 10:00:00")

		sum, staged := f.reconcilePartner(55)
		assert.Equal(t, 1, sum.Processed)
		assert.Zero(t, sum.Errors, "details: %+v", sum.Details)
		assert.Contains(t, staged.IntegrationNotes, fmt.Sprintf("#%d (matched by tax_id)", stale.ID))

		var updated models.ClientEntity
		require.NoError(t, f.db.First(&updated, stale.ID).Error)
		require.NotNil(t, updated.ExternalId)
		assert.EqualValues(t, 55, *updated.ExternalId)
		assert.Equal(t, "Acme SpA", updated.Name)
	})

	t.Run("tax id match yields to the entity holding the external id", func(t *testing.T) {
		f := newFixture(t)
		other := f.clientEntity(999, "Acme Holdings", "76.123.456-7")
		holder := f.clientEntity(55, "Acme", "old-tax")
		f.putPartner(55, "Acme SpA", "76.123.456-7", "2026-10-16 10:00:00")

		sum, staged := f.reconcilePartner(55)
		assert.Zero(t, sum.Errors, "details: %+v", sum.Details)
		assert.Contains(t, staged.IntegrationNotes, fmt.Sprintf("#%d (matched by external_id)", holder.ID))

		var untouched models.ClientEntity
		require.NoError(t, f.db.First(&untouched, other.ID).Error)
		assert.EqualValues(t, 999, *untouched.ExternalId)
		assert.Equal(t, "Acme Holdings", untouched.Name)
	})

	t.Run("external id after a tax id change", func(t *testing.T) {
		f := newFixture(t)
		linked := f.clientEntity(55, "Acme", "old-tax")
		f.putPartner(55, "Acme SpA", "new-tax", "2026-10-16 10:00:00")

		sum, staged := f.reconcilePartner(55)
		assert.Equal(t, 1, sum.Processed)
		assert.Contains(t, staged.IntegrationNotes, fmt.Sprintf("#%d (matched by external_id)", linked.ID))

		var updated models.ClientEntity
		require.NoError(t, f.db.First(&updated, linked.ID).Error)
		assert.Equal(t, "new-tax", updated.TaxId)
	})
}

func TestReconcileUpdateWithoutMatchIsRecordError(t *testing.T) {
	f := newFixture(t)
	f.putPartner(57, "Initech", "", "2026-10-16 10:00:00")
	_, err := f.p.SyncPartners(f.ctx, testTenant, FetchOptions{})
	require.NoError(t, err)

	var staged models.StagedPartner
	require.NoError(t, f.db.Where("external_id = ?", 57).Take(&staged).Error)
	require.NoError(t, models.TransitionStagedPartner(f.ctx, f.db, &staged, models.ProcessingStatusUpdate, ""))

	sum, err := f.p.ReconcilePartners(f.ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	require.NoError(t, f.db.First(&staged, staged.ID).Error)
	assert.Equal(t, models.ProcessingStatusError, staged.ProcessingStatus)
	assert.Contains(t, staged.IntegrationNotes, "not found")
}

type recordingArchiver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (a *recordingArchiver) Archive(_ context.Context, tenantId, model, batchId string, records []ledger.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = map[string]int{}
	}
	a.calls[ArchiveObjectName(tenantId, model, batchId)] += len(records)
	return nil
}

func TestRunAllIntegratesPartnersBeforeInvoices(t *testing.T) {
	archiver := &recordingArchiver{}
	f := newFixture(t, WithArchiver(archiver))
	f.srv.Put("res.company", map[string]interface{}{"id": 1, "name": "Acme Holdings", "vat": false, "currency_id": []interface{}{2, "USD"}})
	// outside the fetch window, pulled in because invoice 9001 references it
	f.putPartner(55, "Acme SpA", "76.123.456-7", "2025-01-01 00:00:00")
	f.putInvoice(9001, 55, 119, 5001)

	report, err := f.p.RunAll(f.ctx, testTenant, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusSuccess, report.Status(), "phases: %+v", report.Phases)
	phases := make([]string, 0, len(report.Phases))
	for _, ph := range report.Phases {
		phases = append(phases, ph.Phase)
	}
	assert.Equal(t, []string{
		PhaseCompanies, PhaseFetchInvoices, PhaseFetchPartners, PhaseDiffPartners,
		PhaseReconcile, PhaseClassify, PhaseProcessInvoices,
	}, phases)

	company, err := models.FindCompanyByExternalId(f.ctx, f.db, testTenant, 1)
	require.NoError(t, err)
	require.NotNil(t, company)
	assert.Equal(t, "USD", company.Currency)

	partner, err := models.FindClientEntityByExternalId(f.ctx, f.db, testTenant, 55)
	require.NoError(t, err)
	require.NotNil(t, partner)
	inv := f.canonicalInvoice(9001)
	require.NotNil(t, inv.ClientEntityId)
	assert.Equal(t, partner.ID, *inv.ClientEntityId)

	conn, err := models.GetConnection(f.ctx, f.db, testTenant)
	require.NoError(t, err)
	require.NotNil(t, conn.LastSuccessSyncAt)
	assert.Equal(t, testNow.Format(time.RFC3339), conn.LastFetchCursor["account.move"])
	assert.Len(t, archiver.calls, 2)
}

func TestRunAllFatalPhaseKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.srv.Fail("res.partner", "boom")
	f.clientEntity(55, "Acme SpA", "")
	f.putInvoice(9001, 55, 119)

	report, err := f.p.RunAll(f.ctx, testTenant, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusPartial, report.Status())
	assert.Equal(t, 1, report.FatalCount)

	conn, err := models.GetConnection(f.ctx, f.db, testTenant)
	require.NoError(t, err)
	assert.Nil(t, conn.LastSuccessSyncAt)
	assert.NotNil(t, conn.LastSyncAt)
	assert.Equal(t, models.ErpConnectionError, conn.Status)
	assert.Contains(t, conn.LastError, "boom")
}

type busyLocker struct{}

func (busyLocker) Obtain(context.Context, string, time.Duration) (HeldLock, error) {
	return nil, redislock.ErrNotObtained
}

func TestRunAllRefusesBusyTenant(t *testing.T) {
	f := newFixture(t, WithLocker(busyLocker{}))
	_, err := f.p.RunAll(f.ctx, testTenant, RunOptions{})
	assert.ErrorIs(t, err, ErrTenantBusy)
}

func TestProcessSyncRunLeavesBusyRunQueued(t *testing.T) {
	f := newFixture(t, WithLocker(busyLocker{}))
	conn, err := models.GetConnection(f.ctx, f.db, testTenant)
	require.NoError(t, err)
	run := models.SyncRun{TenantId: testTenant, ConnectionId: conn.ID, Status: models.SyncRunStatusQueued, TriggeredBy: models.SyncTriggeredManual}
	require.NoError(t, f.db.Create(&run).Error)

	err = f.p.ProcessSyncRun(f.ctx, SyncPubSubPayload{RunId: run.ID, TenantId: testTenant, ConnectionId: conn.ID})
	require.ErrorIs(t, err, ErrTenantBusy)

	stored, err := models.GetSyncRun(f.ctx, f.db, testTenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusQueued, stored.Status)
	assert.Contains(t, stored.Message, "already running")
}

type countingLock struct {
	mu        sync.Mutex
	ttls      []time.Duration
	refreshes int
	released  int
}

func (l *countingLock) Obtain(_ context.Context, _ string, ttl time.Duration) (HeldLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ttls = append(l.ttls, ttl)
	return l, nil
}

func (l *countingLock) Refresh(_ context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ttls = append(l.ttls, ttl)
	l.refreshes++
	return nil
}

func (l *countingLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestRunAllRefreshesTenantLockPerPhase(t *testing.T) {
	lock := &countingLock{}
	f := newFixture(t, WithLocker(lock))
	f.p.settings.LockTTL = 2 * time.Minute
	f.clientEntity(55, "Acme SpA", "")
	f.putInvoice(9001, 55, 119)

	report, err := f.p.RunAll(f.ctx, testTenant, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(report.Phases), lock.refreshes)
	assert.Equal(t, 1, lock.released)
	for _, ttl := range lock.ttls {
		assert.Equal(t, 2*time.Minute, ttl)
	}
}

func TestRunAllAbortsOnAuthenticationFailure(t *testing.T) {
	lock := &countingLock{}
	f := newFixture(t, WithLocker(lock))
	f.clientEntity(55, "Acme SpA", "")
	f.putInvoice(9001, 55, 119)
	_, err := f.p.SyncInvoices(f.ctx, testTenant, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.ErpConnection{}).Where("tenant_id = ?", testTenant).Update("api_key", "wrong").Error)

	conn, err := models.GetConnection(f.ctx, f.db, testTenant)
	require.NoError(t, err)
	run := models.SyncRun{TenantId: testTenant, ConnectionId: conn.ID, Status: models.SyncRunStatusQueued, TriggeredBy: models.SyncTriggeredManual}
	require.NoError(t, f.db.Create(&run).Error)

	logins := f.srv.Logins()
	calls := len(f.srv.Calls())
	err = f.p.ProcessSyncRun(f.ctx, SyncPubSubPayload{RunId: run.ID, TenantId: testTenant, ConnectionId: conn.ID})
	require.ErrorIs(t, err, ledger.ErrAuthenticationFailed)
	assert.Equal(t, logins+1, f.srv.Logins(), "the ledger is authenticated once per run")
	assert.Len(t, f.srv.Calls(), calls)
	assert.Zero(t, lock.refreshes, "no phase may start")
	assert.Equal(t, 1, lock.released)

	var canonical int64
	require.NoError(t, f.db.Model(&models.Invoice{}).Count(&canonical).Error)
	assert.Zero(t, canonical)
	assert.Equal(t, models.ProcessingStatusPending, f.stagedInvoice(9001).ProcessingStatus)

	stored, err := models.GetSyncRun(f.ctx, f.db, testTenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusFailed, stored.Status)
	errs, err := models.ListSyncErrors(f.ctx, f.db, testTenant, run.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, PhaseAuthenticate, errs[0].Phase)
	assert.False(t, errs[0].Retryable)

	conn, err = models.GetConnection(f.ctx, f.db, testTenant)
	require.NoError(t, err)
	assert.Equal(t, models.ErpConnectionError, conn.Status)
	assert.Nil(t, conn.LastSuccessSyncAt)
	assert.Contains(t, conn.LastError, "authentication")
}

func TestProcessSyncRunRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	f.clientEntity(55, "Acme SpA", "")
	f.putInvoice(201, 55, 119)
	f.putInvoice(202, 55, "abc")

	conn, err := models.GetConnection(f.ctx, f.db, testTenant)
	require.NoError(t, err)
	run := models.SyncRun{TenantId: testTenant, ConnectionId: conn.ID, Status: models.SyncRunStatusQueued, TriggeredBy: models.SyncTriggeredManual}
	require.NoError(t, f.db.Create(&run).Error)

	payload := SyncPubSubPayload{RunId: run.ID, TenantId: testTenant, ConnectionId: conn.ID}
	require.NoError(t, f.p.ProcessSyncRun(f.ctx, payload))

	stored, err := models.GetSyncRun(f.ctx, f.db, testTenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusPartial, stored.Status)
	assert.Equal(t, 1, stored.ErrorCount)
	assert.NotNil(t, stored.FinishedAt)
	assert.NotEmpty(t, stored.BatchId)
	assert.Contains(t, stored.Stats, PhaseProcessInvoices)

	errs, err := models.ListSyncErrors(f.ctx, f.db, testTenant, run.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "process", errs[0].Phase)
	assert.Equal(t, "202", errs[0].ExternalId)

	// redelivery of a finished run is a no-op
	require.NoError(t, f.p.ProcessSyncRun(f.ctx, payload))
	errs, err = models.ListSyncErrors(f.ctx, f.db, testTenant, run.ID)
	require.NoError(t, err)
	assert.Len(t, errs, 1)
}
