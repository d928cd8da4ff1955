package erpsync

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const (
	SheetInvoices = "Invoices"
	SheetPartners = "Partners"
)

var stagingErrorHeaders = []string{"External ID", "Batch", "Session", "Status", "Message", "Updated At"}

type stagingErrorRow struct {
	externalId int64
	batchId    string
	sessionId  string
	status     models.ProcessingStatus
	message    string
	updatedAt  time.Time
}

// ExportStagingErrors writes the tenant's staged invoices and partners that are
// in the error state as an xlsx workbook with one sheet per entity.
func ExportStagingErrors(ctx context.Context, db *gorm.DB, tenantId string, w io.Writer) error {
	invoices, err := stagedInvoiceErrors(ctx, db, tenantId)
	if err != nil {
		return err
	}
	partners, err := stagedPartnerErrors(ctx, db, tenantId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetInvoices); err != nil {
		return err
	}
	if _, err := f.NewSheet(SheetPartners); err != nil {
		return err
	}
	for sheet, rows := range map[string][]stagingErrorRow{SheetInvoices: invoices, SheetPartners: partners} {
		if err := writeErrorSheet(f, sheet, rows); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func writeErrorSheet(f *excelize.File, sheet string, rows []stagingErrorRow) error {
	for i, h := range stagingErrorHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for i, r := range rows {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheet, "A"+row, r.externalId)
		f.SetCellValue(sheet, "B"+row, r.batchId)
		f.SetCellValue(sheet, "C"+row, r.sessionId)
		f.SetCellValue(sheet, "D"+row, string(r.status))
		f.SetCellValue(sheet, "E"+row, r.message)
		f.SetCellValue(sheet, "F"+row, r.updatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func stagedInvoiceErrors(ctx context.Context, db *gorm.DB, tenantId string) ([]stagingErrorRow, error) {
	var out []stagingErrorRow
	var afterId uint
	for {
		batch, err := models.ListStagedInvoices(ctx, db, tenantId, []models.ProcessingStatus{models.ProcessingStatusError}, afterId, 500)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		for _, rec := range batch {
			afterId = rec.ID
			out = append(out, stagingErrorRow{rec.ExternalId, rec.BatchId, rec.SessionId, rec.ProcessingStatus, rec.ErrorMessage, rec.UpdatedAt})
		}
	}
}

func stagedPartnerErrors(ctx context.Context, db *gorm.DB, tenantId string) ([]stagingErrorRow, error) {
	var out []stagingErrorRow
	var afterId uint
	for {
		batch, err := models.ListStagedPartners(ctx, db, tenantId, []models.ProcessingStatus{models.ProcessingStatusError}, afterId, 500)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		for _, rec := range batch {
			afterId = rec.ID
			out = append(out, stagingErrorRow{rec.ExternalId, rec.BatchId, rec.SessionId, rec.ProcessingStatus, rec.IntegrationNotes, rec.UpdatedAt})
		}
	}
}
