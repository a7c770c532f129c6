package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andywolf/autopilot/internal/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent daemon",
	Long: `Load every agent definition, subscribe enabled agents to their topics and
react to events until interrupted.

Examples:
  autopilot run
  autopilot run --dry-run                 # Preview every action instead of running it
  autopilot run --metrics-addr :9464      # Serve Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("dry-run", false, "Preview all commands instead of executing them")
	runCmd.Flags().String("metrics-addr", "", "Address to serve /metrics on (empty disables)")
	_ = viper.BindPFlag("executor.dry_run", runCmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nReceived %v, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	a.loadAgents()

	if err := a.scheduler.Start(); err != nil {
		_ = a.close()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if a.executor.GlobalDryRun() {
		a.logger.Printf("Dry-run enabled: actions will be previewed, not executed")
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = serveMetrics(cfg.Metrics.Addr, a, cancel)
	}

	a.logger.Printf("Autopilot running with %d agents", a.registry.Len())
	<-ctx.Done()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Printf("Warning: metrics server shutdown: %v", err)
		}
		shutdownCancel()
	}

	if err := a.close(); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	a.logger.Printf("Autopilot stopped")
	return nil
}

// serveMetrics exposes the Prometheus registry. A listener failure stops the daemon.
func serveMetrics(addr string, a *app, cancel context.CancelFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Printf("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Printf("Error: metrics server: %v", err)
			cancel()
		}
	}()
	return srv
}
