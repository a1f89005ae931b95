package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/auth"
	"storefront/internal/broker"
	"storefront/internal/payment"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/shipping"
	"storefront/internal/store"
	"storefront/internal/util"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	logger.Info("Starting storefront service", zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	if cfg.Database.AutoMigrate {
		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	gateway := payment.NewClient(payment.Config{
		BaseURL:       cfg.Payment.BaseURL,
		KeyID:         cfg.Payment.KeyID,
		KeySecret:     cfg.Payment.KeySecret,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Timeout:       cfg.Business.ProviderTimeout,
	})
	shipments := shipping.NewClient(shipping.Config{
		BaseURL:        cfg.Shipment.BaseURL,
		Email:          cfg.Shipment.Email,
		Password:       cfg.Shipment.Password,
		PickupLocation: cfg.Shipment.PickupLocation,
		TokenTTL:       cfg.Shipment.TokenTTL,
		Timeout:        cfg.Business.ProviderTimeout,
	}, shipping.NewSession())

	ledger := service.NewInventoryLedger(db)
	lifecycle := service.NewLifecycle(db, ledger, shipments, eventPublisher, redisClient, redisClient, service.LifecycleConfig{
		LockTTL:         cfg.Business.OrderLockTTL,
		ShipmentTimeout: cfg.ShipmentTimeout(),
	})
	orderService := service.NewOrderService(db, db, gateway, lifecycle, ledger, eventPublisher, redisClient, service.OrderServiceConfig{
		Currency:              cfg.Business.Currency,
		TaxRate:               cfg.Business.TaxRate,
		FreeShippingThreshold: cfg.Business.FreeShippingThreshold,
		FlatShippingFee:       cfg.Business.FlatShippingFee,
		TrackingCacheTTL:      cfg.Business.TrackingCacheTTL,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	shipmentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	shipmentWorker := worker.NewShipmentWorker(shipmentConsumer, lifecycle)
	go func() {
		if err := shipmentWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Shipment worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		orderService,
		lifecycle,
		gateway,
		auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		api.Config{
			PaymentSignatureHeader: cfg.Payment.SignatureHeader,
			PaymentEventIDHeader:   cfg.Payment.EventIDHeader,
			ShipmentWebhookHeader:  cfg.Shipment.WebhookHeader,
			ShipmentWebhookToken:   cfg.Shipment.WebhookToken,
		},
		map[string]api.Pinger{"database": db, "redis": redisClient},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := shipmentWorker.Stop(); err != nil {
		logger.Warn("Failed to close consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}
