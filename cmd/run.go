package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/durable"
	"github.com/sells-group/discovery-cli/internal/pipeline"
	"github.com/sells-group/discovery-cli/internal/sheet"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start and drive discovery runs",
	Long:  "Commands for starting a run from an intake snapshot, resuming it, and reading its status, report or abort state.",
}

// -- run start --

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a run from an intake snapshot (JSON or xlsx)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		client, _ := cmd.Flags().GetString("client")
		engagement, _ := cmd.Flags().GetString("engagement")
		input, _ := cmd.Flags().GetString("input")
		sheetName, _ := cmd.Flags().GetString("sheet")
		budget, _ := cmd.Flags().GetFloat64("budget")
		detach, _ := cmd.Flags().GetBool("detach")
		useTemporal, _ := cmd.Flags().GetBool("durable")

		snapshot, err := readSnapshot(input, sheetName)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orch.StartRun(ctx, pipeline.StartRequest{
			ClientID:      client,
			EngagementID:  engagement,
			Snapshot:      snapshot,
			BudgetCeiling: budget,
		})
		if err != nil {
			return eris.Wrap(err, "run start")
		}
		zap.L().Info("run created", zap.String("run_id", run.ID), zap.Float64("budget_ceiling", run.BudgetCeiling))

		switch {
		case useTemporal:
			if err := startDurable(cmd, run.ID); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), pipeline.StatusOf(run))
		case detach:
			return writeJSON(cmd.OutOrStdout(), pipeline.StatusOf(run))
		}

		status, err := env.Orch.ResumeRun(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "run start: resume")
		}
		return writeJSON(cmd.OutOrStdout(), status)
	},
}

// -- run resume --

var runResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Drive a run to a terminal status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		useTemporal, _ := cmd.Flags().GetBool("durable")
		if useTemporal {
			return startDurable(cmd, args[0])
		}

		env, err := initApp(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := env.Orch.ResumeRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run resume")
		}
		return writeJSON(cmd.OutOrStdout(), status)
	},
}

// -- run status --

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's status, stage and cost so far",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initInspector(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := env.Orch.Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run status")
		}
		return writeJSON(cmd.OutOrStdout(), status)
	},
}

// -- run report --

var runReportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print the report of a completed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initInspector(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Orch.GetReport(ctx, args[0])
		if errors.Is(err, pipeline.ErrNotReady) {
			status, serr := env.Orch.Status(ctx, args[0])
			if serr != nil {
				return eris.Wrap(serr, "run report")
			}
			return eris.Errorf("run report: run %s is %s at stage %s, report not ready", args[0], status.Status, status.CurrentStage)
		}
		var failed *pipeline.FailedError
		if errors.As(err, &failed) {
			_ = writeJSON(cmd.OutOrStdout(), failed.Failure)
			return eris.Wrap(err, "run report")
		}
		if err != nil {
			return eris.Wrap(err, "run report")
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return writeJSON(cmd.OutOrStdout(), rep)
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrap(err, "run report: create output")
		}
		defer f.Close() //nolint:errcheck
		if err := writeJSON(f, rep); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", out)
		return nil
	},
}

// -- run abort --

var runAbortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initInspector(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := env.Orch.Abort(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run abort")
		}
		return writeJSON(cmd.OutOrStdout(), status)
	},
}

// startDurable hands runID to a Temporal workflow.
func startDurable(cmd *cobra.Command, runID string) error {
	tc, err := durable.Dial(temporalConfig())
	if err != nil {
		return err
	}
	defer tc.Close()

	execID, err := durable.NewStarter(tc, cfg.Temporal.TaskQueue, runInputTemplate()).Start(cmd.Context(), runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Workflow %s started (execution %s)\n", durable.WorkflowID(runID), execID)
	return nil
}

// readSnapshot loads an intake snapshot. xlsx files are read as a
// two-column answers sheet; anything else must be JSON. "-" reads stdin.
func readSnapshot(path, sheetName string) (json.RawMessage, error) {
	if path == "" {
		return nil, eris.New("run start: --input is required")
	}
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return sheet.ReadIntake(path, sheet.IntakeOptions{SheetName: sheetName})
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "run start: read input")
	}
	if !json.Valid(data) {
		return nil, eris.Errorf("run start: %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runStartCmd.Flags().String("client", "", "client id (required)")
	runStartCmd.Flags().String("engagement", "", "engagement id (required)")
	runStartCmd.Flags().String("input", "", "intake snapshot: .json, .xlsx, or - for stdin (required)")
	runStartCmd.Flags().String("sheet", "", "xlsx sheet holding the answers (default first sheet)")
	runStartCmd.Flags().Float64("budget", 0, "budget ceiling for the run (default budget.default_ceiling)")
	runStartCmd.Flags().Bool("detach", false, "create the run without resuming it")
	runStartCmd.Flags().Bool("durable", false, "drive the run with a Temporal workflow")
	_ = runStartCmd.MarkFlagRequired("client")
	_ = runStartCmd.MarkFlagRequired("engagement")
	_ = runStartCmd.MarkFlagRequired("input")

	runResumeCmd.Flags().Bool("durable", false, "drive the run with a Temporal workflow")
	runReportCmd.Flags().String("out", "", "write the report to a file instead of stdout")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runResumeCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runReportCmd)
	runCmd.AddCommand(runAbortCmd)
	rootCmd.AddCommand(runCmd)
}
