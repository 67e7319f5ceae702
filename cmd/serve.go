package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxhall/relayd/pkg/cache"
	"github.com/voxhall/relayd/pkg/config"
	"github.com/voxhall/relayd/pkg/logutil"
	"github.com/voxhall/relayd/pkg/metrics"
	"github.com/voxhall/relayd/pkg/server"
	"github.com/voxhall/relayd/pkg/store"
	"github.com/voxhall/relayd/pkg/upstream"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveLogLevel           string
	serveLogFormat          string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logutil.Configure(serveLogLevel, serveLogFormat); err != nil {
				return err
			}
			logger := logutil.Named("relayd")

			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.New(ctx, cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ttl := time.Duration(cfg.Chat.CustomizationTTLSeconds) * time.Second
			var cc cache.Customizations
			if cfg.Redis.Enabled {
				cc, err = cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, ttl)
				if err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
			} else {
				cc = cache.NewMemory(ttl)
			}
			defer cc.Close()

			provider := upstream.New(cfg.Upstream.BaseURL, time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second)
			srv := server.NewServer(cfg, st, cc, provider, metrics.New(), logger)
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveLogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveLogFormat, "logformat", "text", "Log format (text, json)")
	rootCmd.AddCommand(serveCmd)
}
