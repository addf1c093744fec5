package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/screenrec/internal/metrics"
	"github.com/audiolibrelab/screenrec/internal/server"
	"github.com/audiolibrelab/screenrec/internal/service"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the JSON control server",
	Long: `Start the screenrec control server to drive recordings over HTTP.
This lets scripts, hotkey daemons or a phone on the same network start, pause
and stop recordings and list the results. Prometheus metrics are served on
/metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Server.Listen
		}

		rec := metrics.New()
		svc, err := newService(rec, service.Options{})
		if err != nil {
			return err
		}
		defer svc.Close()

		srv := server.New(svc, rec.Handler(), listen)
		slog.Info("screenrec control server starting", "listen", listen, "config", cfgFile)

		// Start server (this blocks)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default from config, :8090)")
}
