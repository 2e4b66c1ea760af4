package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/modelfront/ollabridge/pkg/config"
	"github.com/modelfront/ollabridge/pkg/gateway"
	"github.com/modelfront/ollabridge/pkg/logstore"
	"github.com/modelfront/ollabridge/pkg/logutil"
	"github.com/modelfront/ollabridge/pkg/version"
)

var (
	serveConfigPath       string
	serveListenOverride   string
	serveUpstreamOverride string
	serveLogLevelOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreate(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenOverride
			}
			if cmd.Flags().Changed("upstream") {
				cfg.Upstream.BaseURL = serveUpstreamOverride
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logs.Level = serveLogLevelOverride
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			logs := logstore.New(cfg.Logs.MaxLines)
			logger, err := logutil.New(os.Stderr, cfg.Logs.Level, cfg.Logs.Format, logs)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			srv, err := gateway.New(*cfg, logger, logs)
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			logger.Info().Str("version", version.String()).Msg("ollabridge starting")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "Config TOML path")
	serveCmd.Flags().StringVar(&serveListenOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:11434)")
	serveCmd.Flags().StringVar(&serveUpstreamOverride, "upstream", "", "Override upstream base URL from config")
	serveCmd.Flags().StringVar(&serveLogLevelOverride, "log-level", "", "Override log level from config")
	rootCmd.AddCommand(serveCmd)
}
