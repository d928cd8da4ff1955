package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSyncSettings_DefaultsWithoutFile(t *testing.T) {
	s, err := LoadSyncSettings(t.TempDir())
	if err != nil {
		t.Fatalf("LoadSyncSettings: %v", err)
	}
	if s.BatchSize != 100 || s.PageSize != 200 || s.WindowDays != 30 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.InvoiceModel != "account.move" || s.PartnerTable != "client_entities" {
		t.Fatalf("unexpected model defaults: %+v", s)
	}
}

func TestLoadSyncSettings_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "batch_size: 25\nledger_timeout: 5s\ninvoice_model: custom.move\n"
	if err := os.WriteFile(filepath.Join(dir, "erpsync.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ERPSYNC_PAGE_SIZE", "50")

	s, err := LoadSyncSettings(dir)
	if err != nil {
		t.Fatalf("LoadSyncSettings: %v", err)
	}
	if s.BatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", s.BatchSize)
	}
	if s.PageSize != 50 {
		t.Fatalf("expected page size 50 from env, got %d", s.PageSize)
	}
	if s.LedgerTimeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", s.LedgerTimeout)
	}
	if s.InvoiceModel != "custom.move" {
		t.Fatalf("expected custom.move, got %s", s.InvoiceModel)
	}
}
