package erpsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("erpsync")

const (
	PhaseAuthenticate    = "authenticate"
	PhaseCompanies       = "companies"
	PhaseFetchInvoices   = "fetch_invoices"
	PhaseFetchPartners   = "fetch_partners"
	PhaseDiffPartners    = "diff_partners"
	PhaseReconcile       = "reconcile_partners"
	PhaseClassify        = "classify_invoices"
	PhaseProcessInvoices = "process_invoices"
)

const (
	ModuleCompanies = "companies"
	ModulePartners  = "partners"
	ModuleInvoices  = "invoices"
)

// SyncPubSubPayload is the message body published for a queued run.
type SyncPubSubPayload struct {
	RunId        uint   `json:"runId"`
	TenantId     string `json:"tenantId"`
	ConnectionId uint   `json:"connectionId"`
}

type PhaseResult struct {
	Phase   string  `json:"phase"`
	Summary Summary `json:"summary"`
}

// RunReport collects the phase summaries of one RunAll call.
type RunReport struct {
	Phases     []PhaseResult `json:"phases"`
	BatchID    string        `json:"batchId,omitempty"`
	SessionID  string        `json:"sessionId,omitempty"`
	Processed  int           `json:"processed"`
	Errors     int           `json:"errors"`
	FatalCount int           `json:"fatalCount"`
}

func (r *RunReport) add(phase string, sum Summary) {
	r.Phases = append(r.Phases, PhaseResult{Phase: phase, Summary: sum})
	r.Processed += sum.Processed
	r.Errors += sum.Errors
	if !sum.Success {
		r.FatalCount++
	}
	if r.BatchID == "" && sum.BatchID != "" {
		r.BatchID = sum.BatchID
	}
	if r.SessionID == "" && sum.SessionID != "" {
		r.SessionID = sum.SessionID
	}
}

// Status maps the report onto a run status.
func (r *RunReport) Status() string {
	switch {
	case r.FatalCount == 0 && r.Errors == 0:
		return models.SyncRunStatusSuccess
	case r.Processed == 0:
		return models.SyncRunStatusFailed
	}
	return models.SyncRunStatusPartial
}

// Stats is the per-phase processed/error breakdown stored on the run row.
func (r *RunReport) Stats() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Phases))
	for _, ph := range r.Phases {
		out[ph.Phase] = map[string]interface{}{
			"processed": ph.Summary.Processed,
			"errors":    ph.Summary.Errors,
			"success":   ph.Summary.Success,
		}
	}
	return out
}

func (r *RunReport) fatalMessage() string {
	for _, ph := range r.Phases {
		if !ph.Summary.Success {
			return fmt.Sprintf("%s: %s", ph.Phase, ph.Summary.Message)
		}
	}
	return ""
}

// RunOptions narrows a full run.
type RunOptions struct {
	SessionID string
	// Since overrides the connection cursor for both fetches.
	Since time.Time
}

// RunAll runs every enabled phase for the tenant under the tenant lock:
// companies, invoice fetch, partner fetch (window plus partners referenced by
// the fetched invoices), partner diff and reconciliation, then invoice
// classification and processing. The ledger is authenticated once up front;
// an authentication failure aborts the run before any phase and is returned.
// Any other fatal phase error is recorded and the remaining phases still run.
// The fetch cursor only advances when no phase failed fatally.
func (p *Pipeline) RunAll(ctx context.Context, tenantId string, opts RunOptions) (*RunReport, error) {
	ctx, err := p.tenantContext(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	conn, creds, err := p.connectionCredentials(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	lock, err := p.lockTenant(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	defer lock.release(ctx)

	ctx, span := tracer.Start(ctx, "erpsync.RunAll", trace.WithAttributes(attribute.String("tenant_id", tenantId)))
	defer span.End()

	session, err := p.ledger.Authenticate(ctx, creds)
	if err != nil {
		p.recordFailure(ctx, tenantId, PhaseAuthenticate, "phase", 0, err)
		return nil, p.abortRun(ctx, span, conn, err)
	}

	report := &RunReport{}
	sessionId := utils.NormalizeSessionId(opts.SessionID)
	fetchOpts := FetchOptions{Since: opts.Since, SessionID: sessionId, session: session}
	cursors := map[string]time.Time{}

	if conn.ModuleEnabled(ModuleCompanies) {
		_, err := p.phase(ctx, lock, report, PhaseCompanies, func(ctx context.Context) (Summary, error) {
			return p.syncCompanies(ctx, tenantId, session)
		})
		if errors.Is(err, ledger.ErrAuthenticationFailed) {
			return nil, p.abortRun(ctx, span, conn, err)
		}
	}

	var partnerRefs []int64
	if conn.ModuleEnabled(ModuleInvoices) {
		sum, err := p.phase(ctx, lock, report, PhaseFetchInvoices, func(ctx context.Context) (Summary, error) {
			return p.SyncInvoices(ctx, tenantId, fetchOpts)
		})
		if errors.Is(err, ledger.ErrAuthenticationFailed) {
			return nil, p.abortRun(ctx, span, conn, err)
		}
		if sum.Success {
			cursors[p.settings.InvoiceModel] = sum.fetchedAt
		}
		partnerRefs = sum.partnerRefs
	}

	if conn.ModuleEnabled(ModulePartners) || len(partnerRefs) > 0 {
		partnerOpts := fetchOpts
		partnerOpts.ExtraIDs = partnerRefs
		sum, err := p.phase(ctx, lock, report, PhaseFetchPartners, func(ctx context.Context) (Summary, error) {
			return p.SyncPartners(ctx, tenantId, partnerOpts)
		})
		if errors.Is(err, ledger.ErrAuthenticationFailed) {
			return nil, p.abortRun(ctx, span, conn, err)
		}
		if sum.Success {
			cursors[p.settings.PartnerModel] = sum.fetchedAt
		}
		p.phase(ctx, lock, report, PhaseDiffPartners, func(ctx context.Context) (Summary, error) {
			return p.DiffStagedPartners(ctx, tenantId)
		})
		p.phase(ctx, lock, report, PhaseReconcile, func(ctx context.Context) (Summary, error) {
			return p.ReconcilePartners(ctx, tenantId)
		})
	}

	if conn.ModuleEnabled(ModuleInvoices) {
		p.phase(ctx, lock, report, PhaseClassify, func(ctx context.Context) (Summary, error) {
			return p.ClassifyInvoices(ctx, tenantId)
		})
		p.phase(ctx, lock, report, PhaseProcessInvoices, func(ctx context.Context) (Summary, error) {
			return p.ProcessInvoices(ctx, tenantId)
		})
	}
	if report.SessionID == "" {
		report.SessionID = sessionId
	}

	ok := report.FatalCount == 0
	if err := models.MarkSynced(ctx, p.db, conn, p.now().UTC(), ok, cursors, report.fatalMessage()); err != nil {
		p.log(ctx, "RunAll").WithError(err).Warn("could not update connection sync state")
	}

	span.SetAttributes(
		attribute.Int("processed", report.Processed),
		attribute.Int("errors", report.Errors),
		attribute.String("status", report.Status()),
	)
	if !ok {
		span.SetStatus(codes.Error, report.fatalMessage())
	}
	p.log(ctx, "RunAll").WithFields(logrus.Fields{
		"status":    report.Status(),
		"processed": report.Processed,
		"errors":    report.Errors,
	}).Info("erp sync finished")
	return report, nil
}

// abortRun ends a run stopped by an authentication failure. The connection is
// marked in error and its cursors are left untouched.
func (p *Pipeline) abortRun(ctx context.Context, span trace.Span, conn *models.ErpConnection, err error) error {
	err = fmt.Errorf("erp sync aborted: %w", err)
	if mErr := models.MarkSynced(ctx, p.db, conn, p.now().UTC(), false, nil, err.Error()); mErr != nil {
		p.log(ctx, "RunAll").WithError(mErr).Warn("could not update connection sync state")
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.log(ctx, "RunAll").WithError(err).Error("erp sync aborted")
	return err
}

func (p *Pipeline) phase(ctx context.Context, lock *tenantLock, report *RunReport, name string, fn func(context.Context) (Summary, error)) (Summary, error) {
	lock.refresh(ctx)
	ctx, span := tracer.Start(ctx, "erpsync."+name)
	defer span.End()

	sum, err := fn(ctx)
	span.SetAttributes(attribute.Int("processed", sum.Processed), attribute.Int("errors", sum.Errors))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		p.recordFailure(ctx, tenantId, name, "phase", 0, err)
	}
	report.add(name, sum)
	return sum, err
}

// ProcessSyncRun executes a queued SyncRun row. Finished runs are left alone
// so redelivered messages are harmless.
func (p *Pipeline) ProcessSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 || payload.TenantId == "" {
		return errors.New("invalid payload")
	}
	ctx, err := p.tenantContext(ctx, payload.TenantId)
	if err != nil {
		return err
	}
	db := p.db.WithContext(ctx)

	run, err := models.GetSyncRun(ctx, p.db, payload.TenantId, payload.RunId)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("sync run %d not found", payload.RunId)
	}
	switch run.Status {
	case models.SyncRunStatusSuccess, models.SyncRunStatusFailed, models.SyncRunStatusPartial:
		return nil
	}

	startedAt := p.now()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	if err := db.Model(run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	report, runErr := p.forRun(run.ID).RunAll(ctx, payload.TenantId, RunOptions{SessionID: run.SessionId})

	finishedAt := p.now()
	updates := map[string]interface{}{
		"finished_at": finishedAt,
		"duration_ms": finishedAt.Sub(startedAt).Milliseconds(),
	}
	if runErr != nil {
		if errors.Is(runErr, ErrTenantBusy) {
			// Another run holds the tenant; leave this one queued for redelivery.
			updates["status"] = models.SyncRunStatusQueued
			updates["message"] = runErr.Error()
			if err := db.Model(run).Updates(updates).Error; err != nil {
				p.log(ctx, "ProcessSyncRun").WithError(err).WithField("run_id", run.ID).Error("could not requeue busy sync run")
			}
			return runErr
		}
		updates["status"] = models.SyncRunStatusFailed
		updates["message"] = runErr.Error()
		updates["error_count"] = 1
		if err := db.Model(run).Updates(updates).Error; err != nil {
			return err
		}
		return runErr
	}

	updates["status"] = report.Status()
	updates["records_synced"] = report.Processed
	updates["error_count"] = report.Errors + report.FatalCount
	updates["stats"] = datatypes.JSONMap(report.Stats())
	updates["batch_id"] = report.BatchID
	updates["session_id"] = report.SessionID
	updates["message"] = report.fatalMessage()
	return db.Model(run).Updates(updates).Error
}
