package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tokenflow/internal/watch"
)

// shutdownTimeout bounds the metrics server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database    string
	MetricsAddr string

	// Ready, when set, is closed once the engine accepts events. Tests use
	// it to wait for startup.
	Ready chan struct{}
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve [workflows-dir]",
		Short: "Start the engine over a directory of workflows",
		Long: `Start the tokenflow engine and keep it running.

On startup the engine recovers every admitted document and every running
instance from the database, then admits the documents found in the
workflows directory (argument or watch.dir). The directory is watched:
a changed document is re-admitted under its new content hash and
instances already running keep the version they started with.

With --metrics-addr the Prometheus collectors are served on /metrics.

Example:
  tokenflow serve --db ./tokenflow.db ./workflows
  tokenflow serve --db ./tokenflow.db ./workflows --metrics-addr :9090`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.resolve(cmd); err != nil {
				return err
			}
			dir := rootOpts.Config.Watch.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			return runServe(opts, dir, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: store.path)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runServe(opts *ServeOptions, dir string, cmd *cobra.Command) error {
	logger := opts.Logger
	cfg := opts.Config

	if dir == "" {
		return NewExitError(ExitCommandError, "workflows directory is required (argument or watch.dir)")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("workflows directory not found: %s", dir))
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	if dbPath == "" {
		return NewExitError(ExitCommandError, "database is required (--db or store.path)")
	}

	logger.Info("opening database", "path", dbPath)
	st, err := openStore(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	eng, err := newEngine(cfg, logger, engineDeps{store: st, registry: reg})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid engine config", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	restored, err := eng.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}
	logger.Info("recovered instances", "count", restored)

	w, err := watch.New(watch.Config{
		Dir:      dir,
		Pattern:  cfg.Watch.Pattern,
		Debounce: cfg.Watch.Debounce,
	}, eng, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create watcher", err)
	}
	defer func() { _ = w.Stop() }()

	events, err := w.Scan(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to scan workflows", err)
	}
	for _, ev := range events {
		logReload(logger, ev)
	}
	if err := w.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start watcher", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := eng.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case ev, ok := <-w.Events():
				if !ok {
					return nil
				}
				logReload(logger, ev)
			case <-gctx.Done():
				return nil
			}
		}
	})
	if opts.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, opts.MetricsAddr, reg, logger)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Engine started over %s. Press Ctrl-C to stop.\n", dir)
	if opts.Ready != nil {
		close(opts.Ready)
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	logger.Info("engine stopped gracefully", "pending_events", eng.QueueLen())
	return nil
}

func logReload(logger *slog.Logger, ev watch.Event) {
	if ev.Err != nil {
		logger.Warn("workflow rejected", "path", ev.Path, "op", ev.Op, "error", ev.Err)
		return
	}
	logger.Info("workflow admitted",
		"path", ev.Path,
		"op", ev.Op,
		"root", ev.Root,
		"hash", ev.Hash,
		"prev_hash", ev.PrevHash,
	)
}

// serveMetrics serves reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
