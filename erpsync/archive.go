package erpsync

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/erpsync_backend/ledger"
)

// Archiver keeps a copy of every fetched page set for audit and replay.
type Archiver interface {
	Archive(ctx context.Context, tenantId, model, batchId string, records []ledger.Record) error
}

// GCSArchiver writes <tenant>/<model>/<batch>.json objects to a bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

func NewGCSArchiver(client *storage.Client, bucket string) *GCSArchiver {
	return &GCSArchiver{client: client, bucket: bucket}
}

func ArchiveObjectName(tenantId, model, batchId string) string {
	return fmt.Sprintf("%s/%s/%s.json", tenantId, model, batchId)
}

func (a *GCSArchiver) Archive(ctx context.Context, tenantId, model, batchId string, records []ledger.Record) error {
	w := a.client.Bucket(a.bucket).Object(ArchiveObjectName(tenantId, model, batchId)).NewWriter(ctx)
	w.ContentType = "application/json"
	if err := json.NewEncoder(w).Encode(records); err != nil {
		_ = w.Close()
		return fmt.Errorf("encode archive: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write gs://%s: %w", a.bucket, err)
	}
	return nil
}
