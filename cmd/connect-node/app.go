package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/identity"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/node"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/observability"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity key",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identity.Generate(nil)
		if err != nil {
			return err
		}
		if keygenOut == "" {
			fmt.Fprintln(cmd.OutOrStdout(), id.Encode())
			return nil
		}
		if err := os.WriteFile(keygenOut, []byte(id.Encode()+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s for peer %s\n", keygenOut, id.ID)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "write the key to this file instead of stdout")
}

// run loads config, builds the node and serves until ctx is cancelled.
func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("connect-node started", zap.String("name", cfg.Node.DisplayName))
	logger.Debug("effective configuration", zap.Any("config", cfg))

	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build node", zap.Error(err))
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	logger.Info("node is running; press Ctrl+C to exit", zap.String("peer_id", n.ID()))
	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("node stopped", zap.Error(err))
		return err
	}
	return nil
}
