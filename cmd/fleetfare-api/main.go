// README: Entry point; loads config, runs migrations, wires module services
// and starts the HTTP server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fleetfare/internal/config"
	"fleetfare/internal/events"
	httptransport "fleetfare/internal/http"
	"fleetfare/internal/infra"
	"fleetfare/internal/logger"
	routemaps "fleetfare/internal/maps"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/payment"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/modules/receipt"
	"fleetfare/internal/modules/transfer"
	"fleetfare/internal/processor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	appLog := logger.New("fleetfare")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DB.AutoMigrate {
		if err := infra.Migrate(cfg.DB.MigrationsPath, cfg.DB.DSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	publisher, err := events.NewPublisher(ctx, cfg.Rabbit, appLog)
	if err != nil {
		log.Fatalf("rabbitmq: %v", err)
	}
	defer publisher.Close()

	routeSvc, err := routemaps.NewRouteService(cfg.Maps.APIKey)
	if err != nil {
		log.Fatalf("maps: %v", err)
	}

	processorClient := processor.NewHTTPClient(cfg.Processor)

	pricingStore := pricing.NewStore(dbPool)
	pricingSvc := pricing.NewService(pricingStore, pricing.NewCache(redisClient))

	bookingStore := booking.NewStore(dbPool)
	fleetStore := booking.NewFleetStore(dbPool)
	paymentStore := payment.NewStore(dbPool)

	paymentSvc := payment.NewService(paymentStore, bookingStore,
		processorClient, redisClient, cfg.Platform.FeePercent, publisher, appLog)

	bookingSvc := booking.NewService(bookingStore, fleetStore, pricingSvc,
		routeSvc, paymentSvc, publisher, appLog)

	transferSvc := transfer.NewService(transfer.NewStore(dbPool), bookingStore,
		fleetStore, publisher, appLog)

	receiptSvc := receipt.NewService(bookingStore, paymentStore)

	server := httptransport.NewServer(httptransport.ServerDeps{
		Pricing:   pricingSvc,
		Bookings:  bookingSvc,
		Payments:  paymentSvc,
		Transfers: transferSvc,
		Receipts:  receiptSvc,
		Routes:    routeSvc,
		JWTSecret: cfg.JWT.Secret,
		Logger:    appLog,
	})

	if err := server.Run(ctx, cfg.HTTP.Addr); err != nil {
		log.Fatalf("http server: %v", err)
	}
	appLog.Info("shutdown complete")
}
