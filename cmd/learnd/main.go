// Learnd is the shared learning memory daemon.
//
// It serves the HTTP API and the extraction queue by default, or the MCP
// tools over stdio with "learnd mcp".
//
// Configuration is read from ~/.config/learnd/config.yaml and LEARND_*
// environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/logging"
	"github.com/fyrsmithlabs/learnd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "learnd",
		Short:        "Shared learning memory for coding sessions",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/learnd/config.yaml)")
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and extraction workers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "mcp",
			Short: "Serve MCP tools on stdio",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMCP(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				printVersion(cmd)
			},
		},
	)
	return root
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "learnd by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

// runtime is what every mode starts before opening services.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	tel    *telemetry.Telemetry
}

// bootstrap loads configuration, then telemetry, then logging. The project
// defaults to the working directory's name.
func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Session.Project == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Session.Project = filepath.Base(wd)
		}
	}
	cfg.Telemetry.ServiceVersion = version

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if degraded, terr := tel.Degraded(); degraded {
		logger.Warn("telemetry degraded, continuing without export", zap.Error(terr))
	}
	return &runtime{cfg: cfg, logger: logger, tel: tel}, nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := r.tel.Shutdown(ctx); err != nil {
		r.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = logging.Sync(r.logger)
}
