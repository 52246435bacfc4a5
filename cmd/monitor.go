package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/discovery-cli/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Report run health and raise configured alerts",
	Long:  "Collects run metrics over the monitoring lookback window, prints them, and posts any breached thresholds to monitoring.webhook_url.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if hours, _ := cmd.Flags().GetInt("lookback"); hours > 0 {
			cfg.Monitoring.LookbackWindowHours = hours
		}

		rep, err := newChecker(st).Check(ctx)
		if err != nil {
			return eris.Wrap(err, "monitor")
		}
		return writeJSON(cmd.OutOrStdout(), rep)
	},
}

func newChecker(st monitoring.RunLister) *monitoring.Checker {
	m := cfg.Monitoring
	collector := monitoring.NewCollector(st, time.Duration(m.StuckRunMins)*time.Minute)
	return monitoring.NewChecker(collector, monitoring.NewAlerter(m), m)
}

func init() {
	monitorCmd.Flags().Int("lookback", 0, "lookback window in hours (default monitoring.lookback_window_hours)")
	rootCmd.AddCommand(monitorCmd)
}
