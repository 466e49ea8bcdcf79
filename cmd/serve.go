package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/web"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the enrollment HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("addr") {
			cfg.HTTP.Addr = serveAddr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		det, err := startDetector(ctx, cfg)
		if err != nil {
			return utils.ShowError("Failed to start AI worker", err, nil)
		}
		defer det.Close()

		srv := web.NewServer(openStore(cfg, det), cfg.HTTP.Addr, cfg.HTTP.MaxUploadBytes(), logger.With("component", "web"))

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}
