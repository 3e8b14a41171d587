package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"flowqueue/backend/internal/api"
	"flowqueue/backend/internal/mcp"
	"flowqueue/backend/internal/tls"
)

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and MCP tools, optionally with embedded workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, _ := cmd.Flags().GetBool("memory")
			workers, _ := cmd.Flags().GetInt("workers")
			if memory && workers == 0 {
				// nothing else can drain an in-memory queue
				workers = a.cfg.Worker.Concurrency
			}
			return a.serve(cmd.Context(), memory, workers)
		},
	}
	cmd.Flags().Bool("memory", false, "Use the in-memory store instead of Postgres (development only)")
	cmd.Flags().Int("workers", 0, "Number of embedded worker loops (0 runs the API only)")
	return cmd
}

func (a *app) serve(ctx context.Context, memory bool, workers int) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := a.build(ctx, memory)
	if err != nil {
		return err
	}
	defer c.close()

	srv := api.NewServer(c.tracker, c.workflows, c.repo, c.repo, a.log.With("component", "api"), version)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = srv.ErrorHandler
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("flowqueue"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	apiGroup := e.Group("/api/v1")
	api.RegisterHandlers(apiGroup, srv)
	a.log.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(c.tracker, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	a.log.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler()))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler("/openapi.yaml")))

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("Server starting", "address", server.Addr, "tls", a.cfg.TLS.Enable)
		err := a.listen(server)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Error("Server shutdown error", "error", err)
			return server.Close()
		}
		a.log.Info("Server stopped gracefully")
		return nil
	})
	if workers > 0 {
		pool := a.workerPool(c, "embedded", workers)
		a.log.Info("Embedded workers starting", "concurrency", workers)
		g.Go(func() error { return pool.Run(gctx) })
	} else {
		g.Go(func() error { return a.watchWorkflows(gctx, c) })
	}
	return g.Wait()
}

func (a *app) listen(server *http.Server) error {
	if !a.cfg.TLS.Enable {
		return server.ListenAndServe()
	}
	certFile, keyFile := a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile
	if certFile == "" || keyFile == "" {
		return errors.New("tls enabled but cert_file or key_file not provided")
	}
	if len(a.cfg.TLS.Hostnames) > 0 {
		created, err := tls.EnsureSelfSignedCert(certFile, keyFile, a.cfg.TLS.Hostnames)
		if err != nil {
			return err
		}
		if created {
			a.log.Warn("Generated self-signed certificate", "cert_file", certFile, "hostnames", a.cfg.TLS.Hostnames)
		}
	}
	return server.ListenAndServeTLS(certFile, keyFile)
}
