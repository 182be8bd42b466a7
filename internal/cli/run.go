package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aether-os/aether/internal/config"
	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kernel"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the kernel (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "aether.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	// The bus must exist before the logger so log records can ride it as
	// log.entry events.
	bus := eventbus.New(kernel.NewLogger(cfg.Logging, nil))
	logger := kernel.NewLogger(cfg.Logging, bus)

	k, err := kernel.New(cfg, logger, bus)
	if err != nil {
		logger.Error("failed to initialize kernel", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("aetherd starting", "version", version, "config", configPath)

	if err := k.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("kernel error", "error", err)
		os.Exit(1)
	}

	logger.Info("kernel stopped")
	return nil
}
