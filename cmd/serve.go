package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/enrollment"
	"github.com/andresmejia3/rollcall/internal/insights"
	"github.com/andresmejia3/rollcall/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attendance HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if serveHost != "" {
		Cfg.Web.Host = serveHost
	}
	if servePort != 0 {
		Cfg.Web.Port = servePort
	}

	enc, closer, model, err := newEncoder(Cfg.Worker, Log)
	if err != nil {
		return fmt.Errorf("failed to start face encoder: %w", err)
	}
	defer closer.Close()

	captures := capture.NewService(DB, enc, Log)
	manager := newStreamManager(captures)
	enroller := enrollment.NewService(DB, enc, model, Log)
	server := web.NewServer(Cfg, captures, manager, enroller, insights.NewService(DB, Log), Log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	fmt.Fprintf(os.Stderr, "🌐 Listening on http://%s\n", Cfg.Web.Addr())

	select {
	case err := <-errCh:
		manager.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), Cfg.Stream.StopGrace+10*time.Second)
	defer cancel()

	// Streams first so no capture is persisted after the listener is gone.
	manager.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err := <-errCh; err != nil {
		Log.Warn("server exited with error", zap.Error(err))
	}
	return nil
}
