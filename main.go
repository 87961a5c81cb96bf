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

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/employee-mcp/internal/api"
	"github.com/hazyhaar/employee-mcp/internal/auth"
	"github.com/hazyhaar/employee-mcp/internal/config"
	"github.com/hazyhaar/employee-mcp/internal/db"
	"github.com/hazyhaar/employee-mcp/internal/logging"
	"github.com/hazyhaar/employee-mcp/internal/mcp"
	"github.com/hazyhaar/employee-mcp/pkg/chassis"
	"github.com/hazyhaar/employee-mcp/pkg/trace"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "employee-mcp",
		Short:        "MCP server exposing employee CRUD tools",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("employee-mcp %s\n", version)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath, addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over streamable HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.toml", "path to config file (.toml or .yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, zl, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer zl.Sync()
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		tp := trace.NewTracerProvider(logger, cfg.Server.Name, version, nil)
		otel.SetTracerProvider(tp)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("tracer provider shutdown", "error", err)
			}
		}()
	}

	database, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("opening database", "error", err)
		return err
	}
	defer database.Close()

	var authorizer *auth.Authorizer
	if cfg.Auth.Enabled {
		// ctx bounds the JWKS refresh loop, so it must be the serve context.
		authorizer, err = auth.New(ctx, cfg.Auth, &http.Client{Timeout: 10 * time.Second}, logger)
		if err != nil {
			logger.Error("identity provider setup", "error", err)
			return err
		}
		defer authorizer.Close()
	}

	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	mcpSrv := mcp.NewServer(database, mcp.Options{
		Name:    cfg.Server.Name,
		Version: version,
		Logger:  logger,
	})

	router := api.New(api.Options{
		Name:     cfg.Server.Name,
		Version:  version,
		Endpoint: cfg.Server.Endpoint,
		MCP:      mcpSrv,
		DB:       database,
		Auth:     authorizer,
		Logger:   logger,

		TrustedProxies: proxies,
	})

	srv, err := chassis.New(chassis.Config{
		Addr:     cfg.Server.Addr,
		Handler:  router.Handler(),
		CertFile: cfg.Server.TLSCertFile,
		KeyFile:  cfg.Server.TLSKeyFile,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("employee-mcp starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"endpoint", cfg.Server.Endpoint,
		"driver", cfg.Database.Driver,
		"auth", cfg.Auth.Enabled,
		"tracing", cfg.Tracing.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", "error", err)
		return err
	}
	logger.Info("employee-mcp stopped")
	return nil
}
