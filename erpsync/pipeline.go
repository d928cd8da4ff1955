package erpsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/mapping"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrTenantBusy    = errors.New("a sync is already running for this tenant")
	ErrNotConnected  = errors.New("erp connection not configured")
	ErrTenantMissing = errors.New("tenant id is required")
)

const moduleName = "erpsync"

// Pipeline runs the fetch, classify, process and reconcile phases for one
// tenant at a time. Phases are sequential; records inside a phase are handled
// one by one in ascending staging id order.
type Pipeline struct {
	db       *gorm.DB
	ledger   *ledger.Client
	resolver *mapping.Resolver
	settings config.SyncSettings
	logger   *logrus.Logger
	archiver Archiver
	locker   Locker
	now      func() time.Time

	runId uint
}

type Option func(*Pipeline)

func WithArchiver(a Archiver) Option { return func(p *Pipeline) { p.archiver = a } }

func WithLocker(l Locker) Option { return func(p *Pipeline) { p.locker = l } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func NewPipeline(db *gorm.DB, client *ledger.Client, settings config.SyncSettings, logger *logrus.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = config.GetLogger()
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = config.DefaultSyncSettings().BatchSize
	}
	if settings.PageSize <= 0 {
		settings.PageSize = config.DefaultSyncSettings().PageSize
	}
	p := &Pipeline{
		db:       db,
		ledger:   client,
		resolver: mapping.NewResolver(db, logger),
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// forRun returns a copy that also records record-local failures under runId.
func (p *Pipeline) forRun(runId uint) *Pipeline {
	cp := *p
	cp.runId = runId
	return &cp
}

func (p *Pipeline) tenantContext(ctx context.Context, tenantId string) (context.Context, error) {
	if tenantId == "" {
		return ctx, ErrTenantMissing
	}
	return utils.SetTenantIdInContext(ctx, tenantId), nil
}

func (p *Pipeline) log(ctx context.Context, funcName string) *logrus.Entry {
	fields := logrus.Fields{"module": moduleName, "funcName": funcName}
	if v, ok := utils.GetTenantIdFromContext(ctx); ok {
		fields["tenant_id"] = v
	}
	if v, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = v
	}
	if v, ok := utils.GetBatchIdFromContext(ctx); ok {
		fields["batch_id"] = v
	}
	if v, ok := utils.GetSessionIdFromContext(ctx); ok {
		fields["session_id"] = v
	}
	return p.logger.WithFields(fields)
}

// recordFailure logs a record-local error and, inside a run, persists it.
func (p *Pipeline) recordFailure(ctx context.Context, tenantId, phase, entity string, externalId int64, err error) {
	p.log(ctx, phase).WithFields(logrus.Fields{
		"external_id": externalId,
		"entity":      entity,
	}).Error(err.Error())
	if p.runId == 0 {
		return
	}
	row := models.SyncError{
		SyncRunId:  p.runId,
		TenantId:   tenantId,
		Phase:      phase,
		EntityType: entity,
		Message:    err.Error(),
		Retryable:  !errors.Is(err, ledger.ErrAuthenticationFailed),
	}
	if externalId != 0 {
		row.ExternalId = strconv.FormatInt(externalId, 10)
	}
	if dbErr := p.db.WithContext(ctx).Create(&row).Error; dbErr != nil {
		config.LogError(p.logger, moduleName, "recordFailure", "persist sync error", row, dbErr)
	}
}

func (p *Pipeline) connectionCredentials(ctx context.Context, tenantId string) (*models.ErpConnection, ledger.Credentials, error) {
	conn, err := models.GetConnection(ctx, p.db, tenantId)
	if err != nil {
		return nil, ledger.Credentials{}, err
	}
	if conn == nil || conn.Status == models.ErpConnectionDisconnected {
		return nil, ledger.Credentials{}, fmt.Errorf("%w for tenant %s", ErrNotConnected, tenantId)
	}
	return conn, ledger.Credentials{
		URL:          conn.Url,
		DatabaseName: conn.DatabaseName,
		Username:     conn.Username,
		APIKey:       conn.ApiKey,
	}, nil
}
