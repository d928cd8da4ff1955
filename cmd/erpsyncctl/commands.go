package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/erpsync_backend/erpsync"
	"github.com/spf13/cobra"
)

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --since %q", s)
}

func newFetchCommand(opts *rootOptions) *cobra.Command {
	var since, session string
	var ids []int64

	cmd := &cobra.Command{
		Use:       "fetch <invoices|partners|companies>",
		Short:     "Stage records from the remote ledger",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"invoices", "partners", "companies"},
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			fetch := erpsync.FetchOptions{Since: from, SessionID: session, ExtraIDs: ids}
			return runPhase(cmd, opts, func(p *erpsync.Pipeline, ctx context.Context, tenantId string) (erpsync.Summary, error) {
				switch args[0] {
				case "partners":
					return p.SyncPartners(ctx, tenantId, fetch)
				case "companies":
					return p.SyncCompanies(ctx, tenantId)
				}
				return p.SyncInvoices(ctx, tenantId, fetch)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "write-date lower bound (defaults to the connection cursor)")
	cmd.Flags().StringVar(&session, "session", "", "session id to stamp on staged rows")
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "extra partner ids to fetch regardless of write date")
	return cmd
}

func newPartnersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "partners",
		Short: "Diff and reconcile staged partners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := opts.pipeline()
			if err != nil {
				return err
			}
			diffed, err := p.DiffStagedPartners(cmd.Context(), opts.TenantId)
			_ = opts.print(cmd.OutOrStdout(), diffed)
			if err != nil {
				return err
			}
			reconciled, err := p.ReconcilePartners(cmd.Context(), opts.TenantId)
			if printErr := opts.print(cmd.OutOrStdout(), reconciled); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var since, session string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every enabled phase under the tenant lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			p, _, err := opts.pipeline()
			if err != nil {
				return err
			}
			report, err := p.RunAll(cmd.Context(), opts.TenantId, erpsync.RunOptions{Since: from, SessionID: session})
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "write-date lower bound for both fetches")
	cmd.Flags().StringVar(&session, "session", "", "session id to stamp on staged rows")
	return cmd
}

func newExportErrorsCommand(opts *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export-errors",
		Short: "Write staged records in the error state to an xlsx file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := erpsync.ExportStagingErrors(cmd.Context(), db, opts.TenantId, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "erp-sync-errors.xlsx", "output file")
	return cmd
}
