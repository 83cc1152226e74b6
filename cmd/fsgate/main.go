// Command fsgate serves a directory tree to remote clients over SSE or
// standard IO. The served root is mandatory and everything outside it is
// unreachable.
package main

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

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/fsgate"
	"github.com/MegaGrindStone/fsgate/ops"
	"github.com/MegaGrindStone/fsgate/watch"
)

const serverName = "fsgate"

var version = "dev"

type config struct {
	Root         string        `env:"FSGATE_ROOT"`
	Addr         string        `env:"FSGATE_ADDR,default=:8080"`
	BaseURL      string        `env:"FSGATE_BASE_URL,default=http://localhost:8080"`
	PingInterval time.Duration `env:"FSGATE_PING_INTERVAL,default=30s"`
	Watch        bool          `env:"FSGATE_WATCH,default=false"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config

	rootCmd := &cobra.Command{
		Use:     "fsgate",
		Short:   "Serve a directory tree to remote clients",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd, &cfg)
		},
	}

	rootCmd.PersistentFlags().String("root", "", "absolute path of the directory to serve (required)")
	rootCmd.PersistentFlags().Bool("watch", false, "push filesystem change notifications to clients")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve over HTTP with server-sent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address")
	serveCmd.Flags().String("base-url", "", "public base URL clients reach the server on")

	stdioCmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single session over standard IO",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStdIO(cmd.Context(), cfg)
		},
	}

	rootCmd.AddCommand(serveCmd, stdioCmd)

	return rootCmd
}

// loadConfig reads the environment first, then lets set flags override it.
func loadConfig(cmd *cobra.Command, cfg *config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root, _ = flags.GetString("root")
	}
	if flags.Changed("watch") {
		cfg.Watch, _ = flags.GetBool("watch")
	}
	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("base-url") {
		cfg.BaseURL, _ = flags.GetString("base-url")
	}

	if cfg.Root == "" {
		return errors.New("a served root is required; set --root or FSGATE_ROOT")
	}

	return nil
}

// newServer builds the server with the operation set registered and, when
// configured, a change watcher attached. The returned cleanup stops the
// watcher and must be called after shutdown.
func newServer(
	cfg config,
	transport fsgate.ServerTransport,
	logger *slog.Logger,
) (*fsgate.Server, func(), error) {
	set, err := ops.NewSet(cfg.Root, ops.WithSetLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create operation set: %w", err)
	}

	options := []fsgate.ServerOption{
		fsgate.WithServerPingInterval(cfg.PingInterval),
		fsgate.WithServerLogger(logger),
		fsgate.WithInstructions("Files under the served root are addressed by root-relative paths."),
	}

	cleanup := func() {}
	if cfg.Watch {
		watcher, err := watch.New(set.Root(), watch.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		options = append(options, fsgate.WithChangeStreamer(watcher))
		cleanup = func() {
			watcher.Close()
		}
	}

	srv := fsgate.NewServer(fsgate.Info{
		Name:    serverName,
		Version: version,
	}, transport, options...)

	for _, op := range set.Operations() {
		if err := srv.RegisterOperation(op); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to register operation %s: %w", op.Name, err)
		}
	}

	return srv, cleanup, nil
}

func runServe(ctx context.Context, cfg config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sse := fsgate.NewSSEServer(cfg.BaseURL+"/message", fsgate.WithSSEServerLogger(logger))

	srv, cleanup, err := newServer(cfg, sse, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go srv.Serve()

	errs := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	logger.Info("serving",
		slog.String("root", cfg.Root),
		slog.String("addr", cfg.Addr),
		slog.Bool("watch", cfg.Watch),
	)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errs:
		return fmt.Errorf("http server failed: %w", err)
	case <-sigCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return httpSrv.Shutdown(shutdownCtx)
}

func runStdIO(ctx context.Context, cfg config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	transport := fsgate.NewStdIO(os.Stdin, os.Stdout)

	srv, cleanup, err := newServer(cfg, transport, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	go srv.Serve()

	logger.Info("serving on standard io", slog.String("root", cfg.Root))

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
