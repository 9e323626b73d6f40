package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"donation-service/internal/api"
	"donation-service/internal/config"
	"donation-service/internal/db"
	"donation-service/internal/gateway"
	"donation-service/internal/gateway/epayco"
	"donation-service/internal/gateway/paypal"
	"donation-service/internal/intent"
	"donation-service/internal/kafka"
	"donation-service/internal/logging"
	"donation-service/internal/metrics"
	"donation-service/internal/outbox"
	"donation-service/internal/receipt"
	"donation-service/internal/reconcile"
)

func main() {
	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr); err != nil {
		log.Fatal(err)
	}

	dbpool, err := db.GetPool(ctx, connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	donationRepo := db.NewDonationRepository(dbpool)
	eventRepo := db.NewEventRepository(dbpool)

	var adapters []gateway.Adapter
	if cfg.Gateways.PayPal.Enabled() {
		adapters = append(adapters, paypal.NewClient(cfg.Gateways.PayPal, logger))
	} else {
		logger.Warn("PayPal is not configured, USD donations are disabled")
	}
	if cfg.Gateways.Epayco.Enabled() {
		adapters = append(adapters, epayco.NewAdapter(cfg.Gateways.Epayco))
	} else {
		logger.Warn("ePayco is not configured, COP donations are disabled")
	}
	registry := gateway.NewRegistry(adapters...)

	reconciler := reconcile.NewReconciler(donationRepo, eventRepo, registry, cfg.Reconciler.Retry, logger)
	reconcile.NewRetrier(donationRepo, reconciler, cfg.Reconciler.Retry, logger).Start(ctx)

	eventWriter := kafka.NewWriter(cfg.Kafka)
	defer eventWriter.Close()

	outbox.NewProducer(eventRepo, eventWriter, cfg.Outbox, logger).Start(ctx)

	var notifier receipt.Notifier
	if cfg.Receipt.NotifyURL != "" {
		notifier = receipt.NewSender(cfg.Receipt.NotifyURL, cfg.Receipt.TimeoutMs, logger)
	}
	var archive receipt.Archive
	if cfg.Receipt.Archive.Bucket != "" {
		s3Archive, err := receipt.NewS3ArchiveFromConfig(ctx, cfg.Receipt.Archive)
		if err != nil {
			log.Fatal(err)
		}
		archive = s3Archive
	}
	receiptProcessor := receipt.NewProcessor(notifier, archive, cfg.Receipt.Parallelism, logger)

	eventReader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.DonationEvents, cfg.Kafka.Reader.GroupID)
	defer eventReader.Close()

	kafka.ReadDonationEvents(ctx, eventReader, receiptProcessor, logger)

	manager := intent.NewManager(intent.NewStoreLedger(donationRepo), intent.RulesFromConfig(cfg.Gateways), logger)

	router := api.NewRouter(api.Deps{
		Intents:    manager,
		Donations:  donationRepo,
		Reconciler: reconciler,
		Epayco:     cfg.Gateways.Epayco,
		Admin:      cfg.Admin,
		Logger:     logger,
	}, cfg.Server.RequestTimeoutMs)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down server", "error", err)
		}
	}()

	logger.Info("Starting donation service", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}

	receiptProcessor.Wait()
}
