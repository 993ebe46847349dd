// -- cmd/serve.go --
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket API server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		manager, store, err := buildManager(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(cfg.Server, manager, store, logger)
		if err := srv.ListenAndServe(ctx); err != nil {
			return err
		}
		logger.Info("Server stopped", zap.String("addr", cfg.Server.Addr))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
