package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/sheet"
	"github.com/sells-group/discovery-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect discovery run history",
	Long:  "Commands for listing runs, viewing their full state and ledger, and exporting ledgers to xlsx.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovery runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, runFilterFromFlags(cmd))
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return writeJSON(cmd.OutOrStdout(), run)
	},
}

// -- runs ledger --

var runsLedgerCmd = &cobra.Command{
	Use:   "ledger <run-id>",
	Short: "Show the cost ledger of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs ledger")
		}
		entries, err := st.ListLedger(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs ledger")
		}

		formatLedger(cmd.OutOrStdout(), run, entries)
		return nil
	},
}

// -- runs export --

var runsExportCmd = &cobra.Command{
	Use:   "export [run-id...]",
	Short: "Export runs and their ledgers to an xlsx workbook",
	Long:  "Exports the named runs, or every run matching the list filters when none are named.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := collectLedgers(ctx, st, args, runFilterFromFlags(cmd))
		if err != nil {
			return err
		}
		if err := sheet.Export(out, items); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d runs to %s\n", len(items), out)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runsListCmd, runsExportCmd} {
		c.Flags().String("status", "", "filter by run status (pending, running, awaiting_retry, complete, failed, aborted)")
		c.Flags().String("client", "", "filter by client id")
		c.Flags().Int("limit", 50, "max number of runs")
	}
	runsExportCmd.Flags().String("out", "ledger.xlsx", "output workbook path")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsLedgerCmd)
	runsCmd.AddCommand(runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

func runFilterFromFlags(cmd *cobra.Command) store.RunFilter {
	status, _ := cmd.Flags().GetString("status")
	client, _ := cmd.Flags().GetString("client")
	limit, _ := cmd.Flags().GetInt("limit")
	return store.RunFilter{
		Status:   model.RunStatus(status),
		ClientID: client,
		Limit:    limit,
	}
}

// ledgerReader is the store surface the export reads.
type ledgerReader interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListLedger(ctx context.Context, runID string) ([]model.LedgerEntry, error)
}

// collectLedgers loads the named runs, or the runs matching filter, with
// their ledger entries.
func collectLedgers(ctx context.Context, st ledgerReader, ids []string, filter store.RunFilter) ([]sheet.RunLedger, error) {
	var runs []*model.Run
	if len(ids) > 0 {
		for _, id := range ids {
			r, err := st.GetRun(ctx, id)
			if err != nil {
				return nil, eris.Wrapf(err, "runs export: run %s", id)
			}
			runs = append(runs, r)
		}
	} else {
		list, err := st.ListRuns(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "runs export")
		}
		for i := range list {
			runs = append(runs, &list[i])
		}
	}

	items := make([]sheet.RunLedger, 0, len(runs))
	for _, r := range runs {
		entries, err := st.ListLedger(ctx, r.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "runs export: ledger for %s", r.ID)
		}
		items = append(items, sheet.RunLedger{Run: r, Entries: entries})
	}
	return items, nil
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCLIENT\tSTATUS\tSTAGE\tCOST\tBUDGET\tFAILURE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-----\t----\t------\t-------\t-------")

	for _, r := range runs {
		failure := ""
		if r.Failure != nil {
			failure = string(r.Failure.Kind)
		}

		client := r.ClientID
		if len(client) > 24 {
			client = client[:21] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%.2f\t%s\t%s\n",
			truncateID(r.ID),
			client,
			r.Status,
			r.Stage,
			r.AccumulatedCost,
			r.BudgetCeiling,
			failure,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatLedger writes a run's ledger entries and their total to w.
func formatLedger(out io.Writer, run *model.Run, entries []model.LedgerEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tUNITS\tCOST\tRECORDED")
	_, _ = fmt.Fprintln(w, "-----\t-----\t----\t--------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.6f\t%s\n", e.Stage, e.Units, e.Cost, e.CreatedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "Total:\t\t%.6f\t\n", model.SumCost(entries))
	_, _ = fmt.Fprintf(w, "Accumulated:\t\t%.6f\t\n", run.AccumulatedCost)
	_, _ = fmt.Fprintf(w, "Budget:\t\t%.6f\t\n", run.BudgetCeiling)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
