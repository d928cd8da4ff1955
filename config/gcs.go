package config

import (
	"context"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GetGCSClient creates a Google Cloud Storage client.
// Prefers ADC; set GCS_CREDENTIALS_JSON to provide explicit JSON (e.g. locally).
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}
