package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/regelapi/internal/health"
	"github.com/roach88/regelapi/internal/telemetry"
)

const serviceName = "regelapi"

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	HealthAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the correlation loops, janitor and health server",
		Long: `Run regelapi until interrupted.

serve consumes the result topic and stores accepted result sets, consumes the
consumption topic and records which results were used, reclaims old result
sets on a schedule, and answers gRPC health checks.

Example:
  regelapi serve --db ./regelapi.db --log-db ./regelapi-log.db
  REGELAPI_HEALTH_PORT=9090 regelapi serve --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.HealthAddr, "health-addr", "", "health server listen address (overrides REGELAPI_HEALTH_PORT)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	cfg := opts.Config

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("error flushing traces", "error", err)
		}
	}()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing storage", "error", closeErr)
		}
	}()

	results := a.resultPond()
	consumptions := a.consumptionPond()

	aggregator := health.NewAggregator()
	aggregator.Require(a.store)
	aggregator.Require(a.publisher)
	aggregator.Require(results)
	aggregator.Require(consumptions)

	addr := opts.HealthAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.HealthPort)
	}
	healthServer, err := health.NewServer(addr, aggregator, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start health server", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("regelapi starting",
		"db", cfg.DBPath,
		"log_db", cfg.LogDBPath,
		"request_topic", cfg.RequestTopic,
		"result_topic", cfg.ResultTopic,
		"consumption_topic", cfg.ConsumptionTopic,
		"health_addr", healthServer.Addr(),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "regelapi serving. Health checks on %s\n", healthServer.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return keepServing(gctx, results.Name(), results.Run) })
	g.Go(func() error { return keepServing(gctx, consumptions.Name(), consumptions.Run) })
	g.Go(func() error { return a.janitor().Run(gctx) })
	g.Go(func() error { return healthServer.Serve(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "regelapi stopped", err)
	}

	slog.Info("regelapi stopped gracefully")
	return nil
}

// keepServing runs a consumption loop. A loop that fails stays down and is
// reported DOWN by the health server; the rest of the process keeps running.
func keepServing(ctx context.Context, name string, run func(context.Context) error) error {
	if err := run(ctx); err != nil {
		slog.Error("consumption loop failed", "name", name, "error", err)
	}
	return nil
}
