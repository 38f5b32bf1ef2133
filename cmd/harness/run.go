package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inferencelab/harness/pkg/config"
	"github.com/inferencelab/harness/pkg/registry"
	"github.com/inferencelab/harness/pkg/runner"
)

var runParams runner.Params

var (
	runGatewayURL string
	runOutputFile string
	runReportFile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a promptset against a target variant",
	Long: `Submit a single harness run, wait for it to settle, and print the
summary. Interrupting the run stops dispatch; outcomes settled before the
interrupt are still reported.`,
	RunE: runHarness,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runParams.Promptset, "promptset", "",
		"promptset id to execute")
	runCmd.Flags().StringVar(&runParams.Team, "team", "",
		"target team routing header")
	runCmd.Flags().StringVar(&runParams.Variant, "variant", "",
		"model variant routing header")
	runCmd.Flags().IntVar(&runParams.Concurrency, "concurrency", 0,
		"concurrent invocations (defaults to engine.default_concurrency)")
	runCmd.Flags().IntVar(&runParams.MaxPrompts, "max-prompts", 0,
		"cap on prompts dispatched (0 runs the whole promptset)")
	runCmd.Flags().StringVar(&runParams.ThresholdProfile, "threshold-profile",
		"", "score responses against this threshold profile")
	runCmd.Flags().IntVar(&runParams.TimeoutSeconds, "timeout-seconds", 0,
		"per-invocation timeout override in seconds")
	runCmd.Flags().StringVar(&runGatewayURL, "gateway", "",
		"override engine.gateway_url")
	runCmd.Flags().StringVar(&runOutputFile, "output", "",
		"write the full run snapshot to this JSON file")
	runCmd.Flags().StringVar(&runReportFile, "report", "",
		"write a markdown report to this file")

	if err := runCmd.MarkFlagRequired("promptset"); err != nil {
		panic(err)
	}

	if err := runCmd.MarkFlagRequired("team"); err != nil {
		panic(err)
	}
}

func runHarness(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(func(cfg *config.Config) {
		if runGatewayURL != "" {
			cfg.Engine.GatewayURL = runGatewayURL
		}
	})
	if err != nil {
		return err
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	r := runner.NewRunner(log, cfg, &runParams)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	snap, err := r.Execute(ctx)
	if err != nil {
		return fmt.Errorf("executing run: %w", err)
	}

	runner.PrintSummary(os.Stdout, snap)

	if runOutputFile != "" {
		if err := runner.WriteResult(runOutputFile, snap); err != nil {
			return err
		}

		log.WithField("output", runOutputFile).Info("Result file written")
	}

	if runReportFile != "" {
		if err := runner.WriteReport(runReportFile, snap); err != nil {
			return err
		}

		log.WithField("report", runReportFile).Info("Report file written")
	}

	if snap.Status == registry.StatusFailed {
		return fmt.Errorf("run %s failed: %s", snap.RunID, snap.Error)
	}

	return nil
}
