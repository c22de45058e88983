// Package cmd defines and implements the CLI commands for the liencrawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/api"
	"github.com/JakeFAU/lien-crawler/internal/config"
	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/orchestrator"
	"github.com/JakeFAU/lien-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// RunController is the part of the orchestrator the CLI drives.
type RunController interface {
	Start(ctx context.Context, trigger lien.TriggerType, dates lien.DateRange) (string, error)
	Wait(ctx context.Context, runID string) (lien.Run, error)
	Stop() error
	Status(ctx context.Context) (orchestrator.Status, error)
}

// App defines the application interface that commands use, so tests can inject a mock.
type App interface {
	Serve(ctx context.Context) error
	Runs() RunController
	Reconciler() api.Reconciler
	Repairer() api.Repairer
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// AppFactory builds the App from a config file path.
type AppFactory func(ctx context.Context, configPath string) (App, error)

// serverApp adapts *server.App to the App interface.
type serverApp struct {
	app *server.App
}

func (a serverApp) Serve(ctx context.Context) error { return a.app.Run(ctx) }
func (a serverApp) Runs() RunController             { return a.app.Orchestrator() }
func (a serverApp) Reconciler() api.Reconciler      { return a.app.Reconciler() }
func (a serverApp) Repairer() api.Repairer          { return a.app.Repairer() }
func (a serverApp) Logger() *zap.Logger             { return a.app.Logger() }
func (a serverApp) Close(ctx context.Context) error { return a.app.Close(ctx) }

func buildApp(ctx context.Context, configPath string) (App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app: app}, nil
}

// newRootCmd creates the root command. Every subcommand receives the App built by factory.
func newRootCmd(factory AppFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "liencrawler",
		Short: "Scrapes county recorder sites for lien filings.",
		Long: `liencrawler searches county recorder websites for lien filings over a date range,
extracts each filing into a structured record, stores the source PDF, and forwards
pending records to an external ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application after flags are parsed but before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := factory(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env LIENCRAWLER_* overrides apply)")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newRepairCmd(),
		newStatusCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(buildApp).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "liencrawler:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
