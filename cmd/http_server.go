package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/mobile-money/internal/auth"
	authpostgres "github.com/frahmantamala/mobile-money/internal/auth/postgres"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
	"github.com/frahmantamala/mobile-money/internal/refund"
	"github.com/frahmantamala/mobile-money/internal/transport"
	"github.com/frahmantamala/mobile-money/internal/transport/rest"
	"github.com/frahmantamala/mobile-money/internal/transport/swagger"
)

var withSupervisor bool

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server. With supervisor.enabled the retry supervisor runs in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startHTTPServer()
	},
}

func init() {
	httpServerCmd.Flags().BoolVar(&withSupervisor, "with-supervisor", false, "run the retry supervisor in-process regardless of config")
}

func startHTTPServer() error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := newApplication(cfg)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	setupRoutes(router, app)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisorDone := make(chan struct{})
	if cfg.Supervisor.Enabled || withSupervisor {
		go func() {
			defer close(supervisorDone)
			_ = app.Supervisor.Start(ctx)
		}()
	} else {
		close(supervisorDone)
	}

	serverErrChan := make(chan error, 1)
	go func() {
		app.Logger.Info("Starting HTTP server", "address", addr, "gateway_environment", cfg.Gateway.Environment)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		app.Logger.Info("Received signal, shutting down...")
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			app.Logger.Error("Server failed to start", "error", err)
			stop()
			<-supervisorDone
			app.Close(context.Background())
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("Server shutdown error", "error", err)
	}
	<-supervisorDone
	app.Close(shutdownCtx)

	app.Logger.Info("Server stopped")
	return nil
}

func setupRoutes(router *chi.Mux, app *application) {
	cfg := app.Config
	base := transport.NewBaseHandler(app.Logger)

	authService := auth.NewService(
		authpostgres.NewRepository(app.Gorm),
		auth.NewJWTTokenGenerator(
			cfg.Security.AccessTokenSecret,
			cfg.Security.RefreshTokenSecret,
			cfg.Security.AccessTokenDuration,
			cfg.Security.RefreshTokenDuration,
		),
	).WithBCryptCost(cfg.Security.BCryptCost)

	health := rest.NewHealthHandler(app.SQL.DB)
	if app.Redis != nil {
		health.WithCheck("redis", func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		})
	}

	routes := rest.Routes{
		Health:         health,
		Auth:           auth.NewHandler(base, authService),
		RBAC:           auth.NewRBACAuthorization(auth.NewPermissionChecker(), app.Logger),
		Payment:        paymentpkg.NewHandler(base, app.Service),
		Refund:         refund.NewHandler(base, app.Refunds),
		Webhook:        paymentpkg.NewWebhookHandler(base, app.Reconciler, app.Logger.With("component", "webhook")),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustProxy:     cfg.Server.TrustProxyHeaders,
	}

	if cfg.Observability.Metrics.Enabled {
		routes.Metrics = promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})
		routes.MetricsPath = cfg.Observability.Metrics.Path
	}

	spec, err := swagger.LoadSpec(context.Background(), cfg.Server.OpenAPIPath)
	if err != nil {
		app.Logger.Warn("openapi document unavailable, swagger UI disabled", "path", cfg.Server.OpenAPIPath, "error", err)
	} else {
		routes.OpenAPI = spec
	}

	rest.RegisterAllRoutes(router, routes, app.Logger)
}
