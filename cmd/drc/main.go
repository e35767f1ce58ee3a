package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/docdb-driver/drc/internal/bootstrap"
	"github.com/docdb-driver/drc/internal/config"
	"github.com/docdb-driver/drc/internal/endpoint"
	"github.com/docdb-driver/drc/internal/logging"
	"github.com/docdb-driver/drc/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "drc",
		Short:         "Driver routing core: partition routing, session tokens and regional endpoints",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file")
	config.RegisterFlags(root.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return config.LoadWithFlags(configFile, cmd.Flags())
	}

	root.AddCommand(
		newServeCommand(load),
		newEndpointCommand(),
		newTokenCommand(),
		newConfigCommand(load),
	)
	return root
}

type configLoader func(cmd *cobra.Command) (*config.Config, error)

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Prime the topology cache and serve diagnostics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := logging.InitGlobalLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}

			client := bootstrap.New(bootstrap.WithGlobalTelemetry(), bootstrap.WithLogger(logger))
			if err := client.InitializeWithConfig(ctx, cfg); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			if err := client.Start(ctx); err != nil {
				client.Stop(context.Background())
				return fmt.Errorf("failed to start: %w", err)
			}

			logger.Info(ctx, "drc is running. Press Ctrl+C to stop.",
				zap.Int("targets", len(client.Executor.Targets())))
			<-ctx.Done()
			logger.Info(context.Background(), "Shutdown signal received, stopping gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return client.Stop(shutdownCtx)
		},
	}
}

func newEndpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Regional endpoint utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "derive <global-endpoint> <region>",
		Short:   "Derive the regional endpoint of an account",
		Example: `  drc endpoint derive https://acct.documents.example.com:443 "East US"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			regional, err := endpoint.DeriveRegionalEndpoint(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), regional)
			return nil
		},
	})
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Session token utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "merge <token> <token>...",
		Short:   "Merge session tokens component-wise",
		Example: "  drc token merge 1#10#1=4 1#8#1=7#2=3",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var merged session.Token
			for _, arg := range args {
				tok, err := session.ParseToken(arg)
				if err != nil {
					return err
				}
				merged = session.Merge(merged, tok)
			}
			fmt.Fprintln(cmd.OutOrStdout(), merged.String())
			return nil
		},
	})
	return cmd
}

func newConfigCommand(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	return cmd
}
