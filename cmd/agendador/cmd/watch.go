package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/DanielMarcoD/agendador/metrics/export/prometheus"
)

var metricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session renewed until interrupted",
	Long: `Keep the stored session alive in the background and, with --metrics-addr,
serve client metrics in Prometheus format.

Examples:
  agendador watch --metrics-addr :9464`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"address to serve /metrics on (disabled when empty)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := newClient(true)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.EnsureSession(ctx); err != nil {
		return describe(err)
	}

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prometheus.NewExporter(client).Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
				cancel()
			}
		}()
	}

	log.WithFields(logrus.Fields{"metrics_addr": metricsAddr}).Info("Watching session")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if srv != nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				done()
			}
			log.Info("Stopped")
			return nil
		case <-ticker.C:
			st, err := client.Status(ctx)
			if err != nil {
				log.WithError(err).Warn("Failed to read session")
				continue
			}
			if !st.LoggedIn {
				return describe(errAuthRequired)
			}
		}
	}
}
