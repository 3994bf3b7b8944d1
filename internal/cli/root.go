// Package cli is the clinicbot command line. Every long-running process of
// the system is a subcommand sharing one configuration.
package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clinic-scheduler/internal/config"
	appLog "clinic-scheduler/internal/log"
)

func Execute() error {
	return newRootCmd().Execute()
}

type app struct {
	cfg config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "clinicbot",
		Short:         "WhatsApp appointment assistant for a single clinic calendar",
		Long:          "clinicbot runs the store api, the webhook gateway, the conversation worker and the periodic jobs of the clinic scheduling assistant.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
			return nil
		},
	}

	rootCmd.AddCommand(
		newAPICmd(a),
		newGatewayCmd(a),
		newWorkerCmd(a),
		newSchedulerCmd(a),
		newMigrateCmd(a),
		newCleanupCmd(a),
		newSweepCmd(a),
		newAuditCmd(a),
		newWAHASetupCmd(a),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// serveHTTP runs h on addr until ctx is done, then shuts down gracefully.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		appLog.Info(name+" listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	appLog.Info("shutting down", "server", name)
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(sctx)
}
