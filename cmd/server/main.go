package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-mes-approvals/internal/client"
	"github.com/pesio-ai/be-mes-approvals/internal/config"
	"github.com/pesio-ai/be-mes-approvals/internal/database"
	"github.com/pesio-ai/be-mes-approvals/internal/handler"
	"github.com/pesio-ai/be-mes-approvals/internal/logger"
	"github.com/pesio-ai/be-mes-approvals/internal/middleware"
	"github.com/pesio-ai/be-mes-approvals/internal/repository"
	"github.com/pesio-ai/be-mes-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional: without a URL the service runs and resolution events
	// are simply not published.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; resolution events disabled")
	}

	// Initialize repositories
	lineRepo := repository.NewLineRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	delegationRepo := repository.NewDelegationRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	statisticsRepo := repository.NewStatisticsRepository(db)

	// Initialize clients
	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL)
	notifier := client.NewResolutionPublisher(natsConn, log)
	log.Info().Str("identity_url", cfg.Identity.BaseURL).Msg("Service clients initialized")

	// Initialize services
	delegationService := service.NewDelegationService(delegationRepo, identityClient, log)
	lineService := service.NewLineService(lineRepo, templateRepo, instanceRepo, identityClient, log)
	approvalService := service.NewApprovalService(instanceRepo, lineRepo, delegationService, identityClient, notifier, log)
	statisticsService := service.NewStatisticsService(statisticsRepo, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(lineService, approvalService, delegationService, statisticsService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Tenant-scoped API routes
	api := http.NewServeMux()

	api.HandleFunc("/api/v1/approvals/lines", httpHandler.Lines)
	api.HandleFunc("/api/v1/approvals/lines/get", httpHandler.GetLine)
	api.HandleFunc("/api/v1/approvals/lines/update", httpHandler.UpdateLine)
	api.HandleFunc("/api/v1/approvals/lines/delete", httpHandler.DeleteLine)
	api.HandleFunc("/api/v1/approvals/lines/toggle", httpHandler.ToggleLine)
	api.HandleFunc("/api/v1/approvals/lines/active", httpHandler.ActiveLines)
	api.HandleFunc("/api/v1/approvals/lines/document-type", httpHandler.LineForDocumentType)

	api.HandleFunc("/api/v1/approvals/templates", httpHandler.Templates)
	api.HandleFunc("/api/v1/approvals/templates/get", httpHandler.GetTemplate)
	api.HandleFunc("/api/v1/approvals/templates/update", httpHandler.UpdateTemplate)
	api.HandleFunc("/api/v1/approvals/templates/delete", httpHandler.DeleteTemplate)
	api.HandleFunc("/api/v1/approvals/templates/clone", httpHandler.CloneTemplate)

	api.HandleFunc("/api/v1/approvals/instances/submit", httpHandler.SubmitInstance)
	api.HandleFunc("/api/v1/approvals/instances/get", httpHandler.GetInstance)
	api.HandleFunc("/api/v1/approvals/instances/pending", httpHandler.PendingApprovals)
	api.HandleFunc("/api/v1/approvals/instances/my-requests", httpHandler.MyRequests)
	api.HandleFunc("/api/v1/approvals/instances/approve", httpHandler.ApproveStep)
	api.HandleFunc("/api/v1/approvals/instances/reject", httpHandler.RejectStep)
	api.HandleFunc("/api/v1/approvals/instances/cancel", httpHandler.CancelInstance)

	api.HandleFunc("/api/v1/approvals/delegations", httpHandler.Delegations)
	api.HandleFunc("/api/v1/approvals/delegations/deactivate", httpHandler.DeactivateDelegation)

	api.HandleFunc("/api/v1/approvals/statistics", httpHandler.Statistics)

	mux.Handle("/api/", middleware.Tenant(api))

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log)(h)
	h = middleware.Recovery(&log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server (health + reflection for orchestration probes)
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
