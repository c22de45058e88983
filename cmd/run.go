package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// stopGrace bounds how long an interrupted run may take to reach its next checkpoint.
const stopGrace = 2 * time.Minute

func newRunCmd() *cobra.Command {
	var from, to, trigger string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one scrape across every active jurisdiction",
		Long: `Starts an automation run and blocks until it reaches a terminal status.
Without --from/--to the run covers the configured lookback window. An interrupt
requests a cooperative stop and waits for the run to record its final status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			dates, err := lien.ParseDateRange(from, to)
			if err != nil {
				return err
			}
			triggerType := lien.TriggerType(trigger)
			if !triggerType.Valid() {
				return fmt.Errorf("trigger must be manual or scheduled, got %q", trigger)
			}
			return runOnce(cmd, appInstance, triggerType, dates)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first recording date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last recording date, YYYY-MM-DD")
	cmd.Flags().StringVar(&trigger, "trigger", string(lien.TriggerManual), "trigger recorded on the run (manual|scheduled)")
	return cmd
}

func runOnce(cmd *cobra.Command, appInstance App, trigger lien.TriggerType, dates lien.DateRange) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runs := appInstance.Runs()
	runID, err := runs.Start(ctx, trigger, dates)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	logger := appInstance.Logger().With(zap.String("run_id", runID))
	logger.Info("run started")

	run, err := runs.Wait(ctx, runID)
	if errors.Is(err, context.Canceled) {
		logger.Warn("interrupt received, stopping run")
		if stopErr := runs.Stop(); stopErr != nil && !errors.Is(stopErr, lien.ErrNotRunning) {
			return fmt.Errorf("stop run: %w", stopErr)
		}
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), stopGrace)
		defer cancel()
		run, err = runs.Wait(waitCtx, runID)
	}
	if err != nil {
		return fmt.Errorf("wait for run %s: %w", runID, err)
	}
	if err := printJSON(cmd, run); err != nil {
		return err
	}
	if run.Status == lien.RunFailed {
		reason := "unknown error"
		if run.ErrorMessage != nil {
			reason = *run.ErrorMessage
		}
		return fmt.Errorf("run %s failed: %s", runID, reason)
	}
	return nil
}
