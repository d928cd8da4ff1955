package erpsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ConnectRequest struct {
	Url          string   `json:"url"`
	DatabaseName string   `json:"database"`
	Username     string   `json:"username"`
	APIKey       string   `json:"apiKey"`
	Modules      []string `json:"modules"`
}

type UpdateSettingsRequest struct {
	Modules []string `json:"modules"`
}

type StatusResponse struct {
	Connection        ConnectionResponse                           `json:"connection"`
	LastSyncAt        *string                                      `json:"lastSyncAt"`
	LastSuccessSyncAt *string                                      `json:"lastSuccessSyncAt"`
	LastError         string                                       `json:"lastError,omitempty"`
	Modules           []string                                     `json:"modules"`
	Staging           map[string]map[models.ProcessingStatus]int64 `json:"staging,omitempty"`
}

type ConnectionResponse struct {
	Status   string `json:"status"`
	Url      string `json:"url,omitempty"`
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint                   `json:"id"`
	Status        string                 `json:"status"`
	StartedAt     *string                `json:"startedAt"`
	FinishedAt    *string                `json:"finishedAt"`
	DurationMs    int64                  `json:"durationMs"`
	RecordsSynced int                    `json:"recordsSynced"`
	ErrorCount    int                    `json:"errorCount"`
	TriggeredBy   string                 `json:"triggeredBy"`
	BatchId       string                 `json:"batchId,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Stats         map[string]interface{} `json:"stats,omitempty"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	Phase      string `json:"phase"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

// Handlers serves the ERP integration endpoints for the tenant on the request
// context.
type Handlers struct {
	db       *gorm.DB
	pipeline *Pipeline
	publish  Publisher
}

// NewHandlers wires the endpoints. With a nil publisher queued runs are
// executed in-process in the background.
func NewHandlers(db *gorm.DB, pipeline *Pipeline, publish Publisher) *Handlers {
	return &Handlers{db: db, pipeline: pipeline, publish: publish}
}

func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status())
	rg.POST("/connect", h.Connect())
	rg.POST("/disconnect", h.Disconnect())
	rg.PUT("/settings", h.UpdateSettings())
	rg.PUT("/mappings", h.SaveMapping())
	rg.POST("/sync", h.TriggerSync())
	rg.GET("/sync-runs", h.SyncHistory())
	rg.GET("/sync-runs/:id", h.SyncRunDetail())
	rg.POST("/sync-runs/:id/retry", h.RetrySyncRun())
	rg.GET("/staging/errors.xlsx", h.ExportErrors())
}

func requestTenant(c *gin.Context) (context.Context, string, bool) {
	ctx := c.Request.Context()
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || strings.TrimSpace(tenantId) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return ctx, "", false
	}
	return ctx, tenantId, true
}

func (h *Handlers) Status() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		conn, err := models.GetConnection(ctx, h.db, tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.ErpConnectionDisconnected},
				Modules:    allModules(),
			})
			return
		}

		staging := map[string]map[models.ProcessingStatus]int64{}
		for name, model := range map[string]interface{}{
			"invoices": &models.StagedInvoice{},
			"lines":    &models.StagedInvoiceLine{},
			"partners": &models.StagedPartner{},
		} {
			counts, err := models.CountStagedByStatus(ctx, h.db, model, tenantId)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			staging[name] = counts
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:   conn.Status,
				Url:      conn.Url,
				Database: conn.DatabaseName,
				Username: conn.Username,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			LastError:         conn.LastError,
			Modules:           connectionModules(conn),
			Staging:           staging,
		})
	}
}

// Connect verifies the credentials against the remote ledger before storing them.
func (h *Handlers) Connect() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		creds := ledger.Credentials{
			URL:          strings.TrimRight(strings.TrimSpace(req.Url), "/"),
			DatabaseName: strings.TrimSpace(req.DatabaseName),
			Username:     strings.TrimSpace(req.Username),
			APIKey:       req.APIKey,
		}
		if err := creds.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := h.pipeline.ledger.Authenticate(ctx, creds); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, ledger.ErrAuthenticationFailed) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		conn, err := models.GetConnection(ctx, h.db, tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			conn = &models.ErpConnection{
				TenantId:     tenantId,
				Provider:     models.ErpProviderOdoo,
				Status:       models.ErpConnectionConnected,
				Url:          creds.URL,
				DatabaseName: creds.DatabaseName,
				Username:     creds.Username,
				ApiKey:       creds.APIKey,
				Settings:     modulesSettings(req.Modules),
			}
			if err := h.db.WithContext(ctx).Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":        models.ErpConnectionConnected,
				"url":           creds.URL,
				"database_name": creds.DatabaseName,
				"username":      creds.Username,
				"api_key":       creds.APIKey,
				"last_error":    "",
			}
			if req.Modules != nil {
				update["settings"] = modulesSettings(req.Modules)
			}
			if err := h.db.WithContext(ctx).Model(conn).Where("tenant_id = ?", tenantId).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handlers) Disconnect() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		conn, err := models.GetConnection(ctx, h.db, tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := h.db.WithContext(ctx).Model(conn).Where("tenant_id = ?", tenantId).Updates(map[string]interface{}{
			"status":  models.ErpConnectionDisconnected,
			"api_key": "",
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handlers) UpdateSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		for _, m := range req.Modules {
			if !knownModule(m) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown module " + m})
				return
			}
		}
		conn, err := models.GetConnection(ctx, h.db, tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "erp is not connected"})
			return
		}
		if err := h.db.WithContext(ctx).Model(conn).Where("tenant_id = ?", tenantId).
			Update("settings", modulesSettings(req.Modules)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// SaveMapping stores a new active mapping spec version for (sourceModel, targetTable).
func (h *Handlers) SaveMapping() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		var req struct {
			SourceModel string                `json:"sourceModel"`
			TargetTable string                `json:"targetTable"`
			Entries     []models.MappingEntry `json:"entries"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.SourceModel == "" || req.TargetTable == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sourceModel, targetTable and entries are required"})
			return
		}
		spec := models.MappingSpec{
			TenantId:    tenantId,
			SourceModel: req.SourceModel,
			TargetTable: req.TargetTable,
			Entries:     datatypes.JSONSlice[models.MappingEntry](req.Entries),
		}
		if err := models.SaveMappingSpec(ctx, h.db, &spec); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": spec.ID, "version": spec.Version})
	}
}

func (h *Handlers) TriggerSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		var req struct {
			SessionId string `json:"sessionId"`
		}
		_ = c.ShouldBindJSON(&req)

		conn, err := models.GetConnection(ctx, h.db, tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status == models.ErpConnectionDisconnected {
			c.JSON(http.StatusConflict, gin.H{"error": "erp is not connected"})
			return
		}

		run := models.SyncRun{
			TenantId:     tenantId,
			ConnectionId: conn.ID,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredManual,
			Modules:      datatypes.JSONSlice[string](connectionModules(conn)),
			SessionId:    utils.NormalizeSessionId(req.SessionId),
		}
		if err := h.db.WithContext(ctx).Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.enqueue(ctx, SyncPubSubPayload{RunId: run.ID, TenantId: tenantId, ConnectionId: conn.ID})
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "sessionId": run.SessionId})
	}
}

func (h *Handlers) enqueue(ctx context.Context, payload SyncPubSubPayload) {
	if h.publish != nil {
		err := h.publish(ctx, payload)
		if err == nil {
			return
		}
		h.pipeline.log(ctx, "enqueue").WithError(err).Warn("publish failed; running in-process")
	}
	go func(ctx context.Context) {
		if err := h.pipeline.ProcessSyncRun(ctx, payload); err != nil {
			h.pipeline.log(ctx, "enqueue").WithField("run_id", payload.RunId).WithError(err).Error("sync run failed")
		}
	}(context.WithoutCancel(ctx))
}

func (h *Handlers) SyncHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		runs, err := models.ListSyncRuns(ctx, h.db, tenantId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func (h *Handlers) SyncRunDetail() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		run, ok := h.loadRun(ctx, c, tenantId)
		if !ok {
			return
		}
		errs, err := models.ListSyncErrors(ctx, h.db, tenantId, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Errors:          mapErrors(errs),
		})
	}
}

func (h *Handlers) RetrySyncRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		run, ok := h.loadRun(ctx, c, tenantId)
		if !ok {
			return
		}
		newRun := models.SyncRun{
			TenantId:     tenantId,
			ConnectionId: run.ConnectionId,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			Modules:      run.Modules,
			SessionId:    utils.NormalizeSessionId(""),
			ParentRunId:  &run.ID,
		}
		if err := h.db.WithContext(ctx).Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.enqueue(ctx, SyncPubSubPayload{RunId: newRun.ID, TenantId: tenantId, ConnectionId: run.ConnectionId})
		c.JSON(http.StatusAccepted, gin.H{"id": newRun.ID})
	}
}

func (h *Handlers) ExportErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, ok := requestTenant(c)
		if !ok {
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=erp-sync-errors.xlsx")
		if err := ExportStagingErrors(ctx, h.db, tenantId, c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func (h *Handlers) loadRun(ctx context.Context, c *gin.Context, tenantId string) (*models.SyncRun, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	run, err := models.GetSyncRun(ctx, h.db, tenantId, uint(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return run, true
}

func allModules() []string {
	return []string{ModuleCompanies, ModulePartners, ModuleInvoices}
}

func knownModule(m string) bool {
	for _, k := range allModules() {
		if k == m {
			return true
		}
	}
	return false
}

func connectionModules(conn *models.ErpConnection) []string {
	var out []string
	for _, m := range allModules() {
		if conn.ModuleEnabled(m) {
			out = append(out, m)
		}
	}
	return out
}

func modulesSettings(modules []string) datatypes.JSONMap {
	list := make([]interface{}, 0, len(modules))
	for _, m := range modules {
		list = append(list, m)
	}
	return datatypes.JSONMap{"modules": list}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
		BatchId:       run.BatchId,
		Message:       run.Message,
		Stats:         run.Stats,
	}
}

func mapErrors(list []models.SyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(list))
	for _, e := range list {
		out = append(out, SyncErrorResponse{
			ID:         e.ID,
			Phase:      e.Phase,
			EntityType: e.EntityType,
			ExternalId: e.ExternalId,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	return out
}
