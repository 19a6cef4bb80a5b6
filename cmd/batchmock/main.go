package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/batch/mock"
	"github.com/nellyag1/wavescape-portal222/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := mock.DefaultConfig()
	var (
		addr    string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "batchmock",
		Short: "Serve a mock batch service",
		Long: `batchmock answers the start, status and stop calls of the batch service.
Each status call completes a task with --completed-chance, and a completed
task fails with --failure-chance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validate(cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				var err error
				if logger, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, addr, cfg, logger, cmd)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":7071", "listen address")
	f.Float64Var(&cfg.CompletedChance, "completed-chance", cfg.CompletedChance, "probability that a status call completes the task")
	f.Float64Var(&cfg.FailureChance, "failure-chance", cfg.FailureChance, "probability that a completed task failed")
	f.StringVar(&cfg.APIKey, "api-key", "", "required value of the code query parameter")
	f.BoolVarP(&verbose, "verbose", "v", false, "log every call")
	return cmd
}

func validate(cfg mock.Config) error {
	if cfg.CompletedChance < 0 || cfg.CompletedChance > 1 {
		return fmt.Errorf("--completed-chance must be between 0 and 1, got %v", cfg.CompletedChance)
	}
	if cfg.FailureChance < 0 || cfg.FailureChance > 1 {
		return fmt.Errorf("--failure-chance must be between 0 and 1, got %v", cfg.FailureChance)
	}
	return nil
}

func run(ctx context.Context, addr string, cfg mock.Config, logger *zap.Logger, cmd *cobra.Command) error {
	srvCfg := server.DefaultConfig()
	srvCfg.Name = "batchmock"
	srvCfg.Addr = addr
	m := server.NewManager(mock.New(cfg, logger), srvCfg, logger)
	if err := m.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s batch service on http://%s\n", color.GreenString("Mock"), m.ListenAddr())

	select {
	case <-ctx.Done():
	case err := <-m.Errors():
		return err
	}
	return m.Shutdown(context.Background())
}
