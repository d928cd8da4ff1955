package config

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// SyncSettings tunes the ERP sync pipeline. Values come from an optional
// erpsync.yaml and ERPSYNC_* env vars (e.g. ERPSYNC_BATCH_SIZE).
type SyncSettings struct {
	BatchSize        int           `mapstructure:"batch_size"`
	PageSize         int           `mapstructure:"page_size"`
	WindowDays       int           `mapstructure:"window_days"`
	LedgerTimeout    time.Duration `mapstructure:"ledger_timeout"`
	LedgerRatePerMin int           `mapstructure:"ledger_rate_per_min"`

	InvoiceModel     string   `mapstructure:"invoice_model"`
	InvoiceLineModel string   `mapstructure:"invoice_line_model"`
	PartnerModel     string   `mapstructure:"partner_model"`
	InvoiceMoveTypes []string `mapstructure:"invoice_move_types"`

	InvoiceTable     string `mapstructure:"invoice_table"`
	InvoiceLineTable string `mapstructure:"invoice_line_table"`
	PartnerTable     string `mapstructure:"partner_table"`

	ArchiveBucket string        `mapstructure:"archive_bucket"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	SyncTopic     string        `mapstructure:"sync_topic"`
}

var (
	settings     SyncSettings
	settingsOnce sync.Once
)

// DefaultSyncSettings returns the built-in defaults.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		BatchSize:        100,
		PageSize:         200,
		WindowDays:       30,
		LedgerTimeout:    60 * time.Second,
		LedgerRatePerMin: 0,
		InvoiceModel:     "account.move",
		InvoiceLineModel: "account.move.line",
		PartnerModel:     "res.partner",
		InvoiceMoveTypes: []string{"out_invoice", "out_refund"},
		InvoiceTable:     "invoices",
		InvoiceLineTable: "invoice_lines",
		PartnerTable:     "client_entities",
		LockTTL:          15 * time.Minute,
		SyncTopic:        "erp-sync",
	}
}

// GetSyncSettings loads settings once from ./erpsync.yaml (if present) and env.
func GetSyncSettings() SyncSettings {
	settingsOnce.Do(func() {
		s, err := LoadSyncSettings(".")
		if err != nil {
			logg.WithField("module", "config").Warnf("erpsync settings: %v; using defaults", err)
			s = DefaultSyncSettings()
		}
		settings = s
	})
	return settings
}

// LoadSyncSettings reads erpsync.yaml from configPath, then applies env overrides.
func LoadSyncSettings(configPath string) (SyncSettings, error) {
	def := DefaultSyncSettings()

	v := viper.New()
	v.SetConfigName("erpsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("ERPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("window_days", def.WindowDays)
	v.SetDefault("ledger_timeout", def.LedgerTimeout)
	v.SetDefault("ledger_rate_per_min", def.LedgerRatePerMin)
	v.SetDefault("invoice_model", def.InvoiceModel)
	v.SetDefault("invoice_line_model", def.InvoiceLineModel)
	v.SetDefault("partner_model", def.PartnerModel)
	v.SetDefault("invoice_move_types", def.InvoiceMoveTypes)
	v.SetDefault("invoice_table", def.InvoiceTable)
	v.SetDefault("invoice_line_table", def.InvoiceLineTable)
	v.SetDefault("partner_table", def.PartnerTable)
	v.SetDefault("archive_bucket", def.ArchiveBucket)
	v.SetDefault("lock_ttl", def.LockTTL)
	v.SetDefault("sync_topic", def.SyncTopic)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return def, err
		}
	}

	var out SyncSettings
	if err := v.Unmarshal(&out); err != nil {
		return def, err
	}
	if out.BatchSize <= 0 {
		out.BatchSize = def.BatchSize
	}
	if out.PageSize <= 0 {
		out.PageSize = def.PageSize
	}
	if out.WindowDays <= 0 {
		out.WindowDays = def.WindowDays
	}
	return out, nil
}
