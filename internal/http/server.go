// README: API gateway; builds the gin engine, registers routes and runs the
// HTTP server with graceful shutdown.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"fleetfare/internal/http/handlers"
	"fleetfare/internal/http/middleware"
	"fleetfare/internal/logger"
	routemaps "fleetfare/internal/maps"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/payment"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/modules/receipt"
	"fleetfare/internal/modules/transfer"
)

type ServerDeps struct {
	Pricing   *pricing.Service
	Bookings  *booking.Service
	Payments  *payment.Service
	Transfers *transfer.Service
	Receipts  *receipt.Service
	Routes    *routemaps.RouteService
	JWTSecret string
	Logger    logger.Logger
}

type Server struct {
	engine *gin.Engine
	log    logger.Logger
}

func NewServer(deps ServerDeps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	engine.Use(middleware.Logging(deps.Logger))

	pricingH := handlers.NewPricingHandler(deps.Pricing, deps.Routes, deps.Logger)
	bookingH := handlers.NewBookingHandler(deps.Bookings, deps.Logger)
	paymentH := handlers.NewPaymentHandler(deps.Payments, deps.Bookings, deps.Logger)
	transferH := handlers.NewTransferHandler(deps.Transfers, deps.Logger)
	receiptH := handlers.NewReceiptHandler(deps.Receipts, deps.Bookings, deps.Logger)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The processor calls back without a tenant token; idempotency keys the
	// event instead.
	engine.POST("/webhooks/processor", paymentH.Webhook)

	api := engine.Group("/api/v1", middleware.Auth(deps.JWTSecret))
	{
		api.POST("/quotes", pricingH.Quote)
		api.GET("/trip-estimate", pricingH.TripEstimate)

		rules := api.Group("/pricing-rules", middleware.RequireRole("staff"))
		{
			rules.POST("", pricingH.CreateRule)
			rules.PUT("/:id", pricingH.UpdateRule)
			rules.DELETE("/:id", pricingH.DeactivateRule)
			rules.POST("/:id/surcharges", pricingH.AddSurcharge)
			rules.DELETE("/:id/surcharges/:surchargeID", pricingH.RemoveSurcharge)
		}
		api.POST("/promo-codes", middleware.RequireRole("staff"), pricingH.CreatePromo)
		api.POST("/cancellation-policies", middleware.RequireRole("staff"), pricingH.CreatePolicy)

		bookings := api.Group("/bookings")
		{
			bookings.POST("", bookingH.Create)
			bookings.GET("", bookingH.List)
			bookings.GET("/:id", bookingH.Get)
			bookings.GET("/:id/history", bookingH.History)
			bookings.POST("/:id/confirm", bookingH.Confirm)
			bookings.POST("/:id/decline", bookingH.Decline)
			bookings.POST("/:id/cancel", bookingH.Cancel)
			bookings.POST("/:id/assign", middleware.RequireRole("staff"), bookingH.Assign)
			bookings.POST("/:id/driver-progress", bookingH.DriverProgress)
			bookings.POST("/:id/fulfil", middleware.RequireRole("staff"), bookingH.Fulfil)
			bookings.POST("/:id/no-show", middleware.RequireRole("staff"), bookingH.NoShow)
			bookings.POST("/:id/adjustments", middleware.RequireRole("staff"), paymentH.Adjust)
			bookings.GET("/:id/payments", paymentH.ListForBooking)
			bookings.GET("/:id/receipt", receiptH.Download)
		}

		transfers := api.Group("/transfers", middleware.RequireRole("staff"))
		{
			transfers.POST("", transferH.Propose)
			transfers.GET("", transferH.List)
			transfers.POST("/:id/accept", transferH.Accept)
			transfers.POST("/:id/decline", transferH.Decline)
		}
		api.GET("/settlements", middleware.RequireRole("staff"), transferH.Settlements)

		connections := api.Group("/connections", middleware.RequireRole("staff"))
		{
			connections.POST("", transferH.CreateConnection)
			connections.POST("/:id/activate", transferH.ActivateConnection)
			connections.POST("/:id/terminate", transferH.TerminateConnection)
		}
	}

	return &Server{engine: engine, log: deps.Logger}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", logger.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
