package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/app"
	"github.com/JakeFAU/recipe-crawler/internal/dispatcher"
)

// stageBuilder builds one stage from the application container.
type stageBuilder func(a *app.App) (dispatcher.Runner, error)

func fetchStage(a *app.App) (dispatcher.Runner, error)   { return a.FetchStage() }
func extractStage(a *app.App) (dispatcher.Runner, error) { return a.ExtractStage() }

func persistStage(fromBeginning bool) stageBuilder {
	return func(a *app.App) (dispatcher.Runner, error) { return a.PersistStage(fromBeginning) }
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch pages for links and publish crawl results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd, fetchStage)
		},
	}
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract recipes and new links from crawl results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd, extractStage)
		},
	}
}

func newPersistCmd() *cobra.Command {
	var fromBeginning bool
	cmd := &cobra.Command{
		Use:   "persist",
		Short: "Store extracted recipes",
		Long: `Consumes the recipes topic and writes each record to the recipe store.
With --from-beginning the topic is replayed from its first message; records
that are already stored are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd, persistStage(fromBeginning))
		},
	}
	cmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "replay the recipes topic from its first message")
	return cmd
}

func newRunAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run the fetch, extract and persist stages in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd, fetchStage, extractStage, persistStage(false))
		},
	}
}

// runStages builds the requested stages, adds the operator HTTP server when
// metrics are enabled, and runs them until a signal arrives or one fails.
func runStages(cmd *cobra.Command, builders ...stageBuilder) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runners := make([]dispatcher.Runner, 0, len(builders)+1)
	for _, build := range builders {
		runner, err := build(appInstance)
		if err != nil {
			return fmt.Errorf("build stage: %w", err)
		}
		runners = append(runners, runner)
	}

	if appInstance.Config().Metrics.Enabled {
		producer, err := appInstance.Connector().NewProducer()
		if err != nil {
			return fmt.Errorf("create seed producer: %w", err)
		}
		if err := producer.Start(ctx); err != nil {
			return fmt.Errorf("start seed producer: %w", err)
		}
		defer func() {
			if stopErr := producer.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				logger.Warn("Seed producer failed to stop", zap.Error(stopErr))
			}
		}()
		runners = append(runners, appInstance.Server(producer))
	}

	err = dispatcher.New(logger.Named("dispatcher"), runners...).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
