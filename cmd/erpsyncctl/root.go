package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/erpsync"
	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	TenantId  string
	ConfigDir string
	SQLite    string
	Format    string
	Migrate   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "erpsyncctl",
		Short: "Run ERP sync phases by hand",
		Long: `erpsyncctl runs the ERP sync pipeline phases for one tenant from the
command line, against the configured MySQL database or a local SQLite file.

Example:
  erpsyncctl --tenant acme fetch invoices --since 2026-10-01
  erpsyncctl --tenant acme run
  erpsyncctl --tenant acme export-errors --out errors.xlsx`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.TenantId, "tenant", "", "tenant id (required)")
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", ".", "directory holding erpsync.yaml")
	cmd.PersistentFlags().StringVar(&opts.SQLite, "sqlite", "", "use a local SQLite database instead of MySQL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.Migrate, "migrate", false, "run AutoMigrate before the command")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	cmd.AddCommand(newFetchCommand(opts))
	cmd.AddCommand(newPhaseCommand(opts, "classify", "Classify pending staged invoices", (*erpsync.Pipeline).ClassifyInvoices))
	cmd.AddCommand(newPhaseCommand(opts, "process", "Write classified invoices to the canonical tables", (*erpsync.Pipeline).ProcessInvoices))
	cmd.AddCommand(newPartnersCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newExportErrorsCommand(opts))
	return cmd
}

func (o *rootOptions) openDB() (*gorm.DB, error) {
	if o.SQLite != "" {
		return config.OpenWithDialector(sqlite.Open(o.SQLite))
	}
	config.ConnectDatabaseWithRetry()
	return config.GetDB(), nil
}

func (o *rootOptions) pipeline() (*erpsync.Pipeline, *gorm.DB, error) {
	db, err := o.openDB()
	if err != nil {
		return nil, nil, err
	}
	if o.Migrate {
		if err := models.MigrateTable(db); err != nil {
			return nil, nil, err
		}
	}
	settings, err := config.LoadSyncSettings(o.ConfigDir)
	if err != nil {
		return nil, nil, err
	}
	client := ledger.NewClient(settings.LedgerTimeout, settings.LedgerRatePerMin)
	return erpsync.NewPipeline(db, client, settings, config.GetLogger()), db, nil
}

func (o *rootOptions) print(w io.Writer, v interface{}) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	switch t := v.(type) {
	case erpsync.Summary:
		printSummary(w, "", t)
	case *erpsync.RunReport:
		for _, ph := range t.Phases {
			printSummary(w, ph.Phase+": ", ph.Summary)
		}
		fmt.Fprintf(w, "status: %s (processed %d, errors %d)\n", t.Status(), t.Processed, t.Errors)
	default:
		fmt.Fprintln(w, v)
	}
	return nil
}

func printSummary(w io.Writer, prefix string, s erpsync.Summary) {
	fmt.Fprintf(w, "%s%s\n", prefix, s.Message)
	for _, d := range s.FailedDetails() {
		fmt.Fprintf(w, "  %d: %s\n", d.ExternalID, d.Error)
	}
}

func runPhase(cmd *cobra.Command, opts *rootOptions, fn func(*erpsync.Pipeline, context.Context, string) (erpsync.Summary, error)) error {
	p, _, err := opts.pipeline()
	if err != nil {
		return err
	}
	sum, err := fn(p, cmd.Context(), opts.TenantId)
	if printErr := opts.print(cmd.OutOrStdout(), sum); printErr != nil {
		return printErr
	}
	return err
}

func newPhaseCommand(opts *rootOptions, use, short string, fn func(*erpsync.Pipeline, context.Context, string) (erpsync.Summary, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(cmd, opts, fn)
		},
	}
}
