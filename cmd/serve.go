package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/resources"
	"github.com/teemow/inboxrank/internal/server"
	"github.com/teemow/inboxrank/internal/session"
	"github.com/teemow/inboxrank/internal/tools/inbox_tools"
)

// Transports served by the serve command.
const (
	transportHTTP  = "http"
	transportStdio = "stdio"
)

// serveConfig holds the serve-only settings.
type serveConfig struct {
	Transport string
	HTTPAddr  string

	SecureCookies bool
	TrustProxy    bool
	RateLimit     float64
	RateBurst     int

	MetricsEnabled bool
	MetricsAddr    string
}

func newServeCmd() *cobra.Command {
	var (
		appCfg   appConfig
		serveCfg serveConfig
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway or the MCP server",
		Long: `Start inboxrank as a long-running server.

Transports:
  - http: browser sign-in flow and the ranked inbox under /emails (default)
  - stdio: MCP server over standard input/output for AI assistants

Sessions bound through the HTTP gateway live in memory and are lost on restart;
stored credentials survive in the token file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := appCfg.resolve(cmd); err != nil {
				return err
			}
			if err := serveCfg.resolve(cmd); err != nil {
				return err
			}
			return runServe(cmd, appCfg, serveCfg)
		},
	}

	addAppFlags(cmd, &appCfg)

	cmd.Flags().StringVar(&serveCfg.Transport, "transport", transportHTTP, "Transport type: http or stdio")
	cmd.Flags().StringVar(&serveCfg.HTTPAddr, "http-addr", server.DefaultHTTPAddr, "HTTP gateway address. Can also use INBOXRANK_HTTP_ADDR env var.")
	cmd.Flags().BoolVar(&serveCfg.SecureCookies, "secure-cookies", false, "Mark session cookies Secure. Set when the gateway is reached over HTTPS. Can also use INBOXRANK_SECURE_COOKIES env var.")
	cmd.Flags().BoolVar(&serveCfg.TrustProxy, "trust-proxy", false, "Take client IPs from X-Forwarded-For and X-Real-IP for rate limiting. Only enable behind a trusted proxy.")
	cmd.Flags().Float64Var(&serveCfg.RateLimit, "rate-limit", server.DefaultRateLimit, "Requests per second per client IP (negative disables limiting)")
	cmd.Flags().IntVar(&serveCfg.RateBurst, "rate-burst", server.DefaultRateBurst, "Burst size per client IP")

	cmd.Flags().BoolVar(&serveCfg.MetricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&serveCfg.MetricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

func (c *serveConfig) resolve(cmd *cobra.Command) error {
	envString(cmd, "http-addr", &c.HTTPAddr, "INBOXRANK_HTTP_ADDR")
	envString(cmd, "metrics-addr", &c.MetricsAddr, "METRICS_ADDR")
	if err := envBool(cmd, "metrics-enabled", &c.MetricsEnabled, "METRICS_ENABLED"); err != nil {
		return err
	}
	if err := envBool(cmd, "secure-cookies", &c.SecureCookies, "INBOXRANK_SECURE_COOKIES"); err != nil {
		return err
	}

	switch c.Transport {
	case transportHTTP, transportStdio:
		return nil
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, transportHTTP, transportStdio)
	}
}

func runServe(cmd *cobra.Command, appCfg appConfig, serveCfg serveConfig) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cmd, os.Stderr)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	instrConfig.Logger = logger
	instrConfig.Deployment = instrumentation.DeploymentInfo{
		Transport:        serveCfg.Transport,
		RiskStrategy:     appCfg.RiskStrategy,
		TokenEncryption:  appCfg.EncryptionKey != "",
		FetchConcurrency: appCfg.FetchConcurrency,
		RefreshOnExpiry:  appCfg.RefreshOnExpiry,
	}
	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("Error during instrumentation shutdown", logging.Err(err))
		}
	}()

	audit := instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)
	a, err := buildApp(appCfg, appDeps{Logger: logger, Metrics: provider.Metrics(), Audit: audit})
	if err != nil {
		return err
	}

	sc := server.NewServerContext(shutdownCtx, a.service,
		server.WithMetrics(provider.Metrics()),
		server.WithAuditLogger(audit),
		server.WithLogger(logger),
		server.OnShutdown(a.Close),
	)
	defer func() {
		if err := sc.Shutdown(); err != nil {
			logger.Warn("Error during server context shutdown", logging.Err(err))
		}
	}()

	logger.Info("Loaded stored credentials", "accounts", len(a.store.Identities()), "token_file", a.store.Path())

	switch serveCfg.Transport {
	case transportStdio:
		return runStdioServer(sc)
	default:
		return runHTTPServer(shutdownCtx, sc, serveCfg, provider, logger)
	}
}

func runStdioServer(sc *server.ServerContext) error {
	mcpSrv := mcpserver.NewMCPServer("inboxrank", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false), // Subscribe and listChanged
	)
	if err := inbox_tools.RegisterInboxTools(mcpSrv, sc); err != nil {
		return fmt.Errorf("failed to register inbox tools: %w", err)
	}
	if err := resources.RegisterUserResources(mcpSrv, sc); err != nil {
		return fmt.Errorf("failed to register resources: %w", err)
	}

	if err := mcpserver.ServeStdio(mcpSrv); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runHTTPServer(ctx context.Context, sc *server.ServerContext, cfg serveConfig, provider *instrumentation.Provider, logger *slog.Logger) error {
	errCh := make(chan error, 2)

	var metricsServer *server.MetricsServer
	if cfg.MetricsEnabled && provider.Enabled() {
		if !provider.PrometheusEnabled() {
			logger.Info("Metrics server disabled, exporter is not prometheus")
		} else {
			var err error
			metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
				Addr:                    cfg.MetricsAddr,
				InstrumentationProvider: provider,
				Logger:                  logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create metrics server: %w", err)
			}
			go func() {
				if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("metrics server: %w", err)
				}
			}()
		}
	}

	gateway := server.NewGateway(sc, server.GatewayConfig{
		Addr:       cfg.HTTPAddr,
		Cookie:     session.CookieOptions{Secure: cfg.SecureCookies},
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		TrustProxy: cfg.TrustProxy,
	})
	go func() {
		if err := gateway.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		logger.Error("Server failed", logging.Err(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
	defer cancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error during HTTP gateway shutdown", logging.Err(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during metrics server shutdown", logging.Err(err))
		}
	}
	return runErr
}
