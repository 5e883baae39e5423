package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/correlator-io/seeder/internal/orchestrator"
)

// errRunFailed marks a run that finished without delivering to every engine.
var errRunFailed = errors.New("run did not succeed")

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every registered strategy once",
		Long: `Run the full pipeline (collect, process, quality-assure, distribute) once for
every strategy in the catalog and print the run report as JSON.

Exits non-zero when the run fails or an engine refused its batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), cmd.OutOrStdout(), "")
		},
	}
}

func newExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <strategy>",
		Short: "Run a single strategy once",
		Example: `  seeder execute social-recommender
  SEEDER_CONFIG_PATH=prod.yaml seeder execute benchmarks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runOnce(ctx context.Context, out io.Writer, strategyName string) error {
	logger := newLogger()

	a, err := newApp(logger)
	if err != nil {
		logger.Error("Failed to initialize pipeline", slog.String("error", err.Error()))

		return err
	}
	defer a.Close()

	var report *orchestrator.Report
	if strategyName == "" {
		report, err = a.pipeline.Start(ctx)
	} else {
		report, err = a.pipeline.ExecuteStrategy(ctx, strategyName)
	}

	if report != nil {
		if writeErr := writeReport(out, report); writeErr != nil {
			return writeErr
		}
	}

	if err != nil {
		logger.Error("Run failed", slog.String("error", err.Error()))

		return err
	}

	if !report.Success {
		return fmt.Errorf("%w: status %s", errRunFailed, report.Status)
	}

	return nil
}

func writeReport(out io.Writer, report *orchestrator.Report) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}
