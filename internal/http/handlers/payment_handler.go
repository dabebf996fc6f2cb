// README: Post-completion payment adjustments, the booking ledger listing and
// the processor webhook.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fleetfare/internal/http/middleware"
	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/payment"
	"fleetfare/internal/processor"
	"fleetfare/internal/types"
)

type PaymentHandler struct {
	payments *payment.Service
	bookings *booking.Service
	log      logger.Logger
}

func NewPaymentHandler(payments *payment.Service, bookings *booking.Service, log logger.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, bookings: bookings, log: log}
}

type adjustReq struct {
	Supplement  decimal.Decimal `json:"supplement"`
	Credit      decimal.Decimal `json:"credit"`
	Note        string          `json:"note"`
	OperationID string          `json:"operation_id" binding:"required"`
}

func (h *PaymentHandler) Adjust(c *gin.Context) {
	var req adjustReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "operation_id is required")
		return
	}
	if err := h.checkOwnership(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	b, err := h.payments.Adjust(c.Request.Context(), payment.AdjustCommand{
		BookingID:   types.ID(c.Param("id")),
		Supplement:  req.Supplement,
		Credit:      req.Credit,
		Note:        req.Note,
		OperationID: req.OperationID,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *PaymentHandler) ListForBooking(c *gin.Context) {
	if err := h.checkOwnership(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	list, err := h.payments.ListByBooking(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

// Webhook ingests asynchronous processor notifications. It sits outside the
// tenant auth group; idempotency rests on the operation id claim, so a replay
// answers 200 without doing anything.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	var ev processor.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, "invalid event payload")
		return
	}
	if ev.OperationID == "" || ev.BookingID == "" {
		badRequest(c, "booking_id and operation_id are required")
		return
	}
	if err := h.payments.HandleProcessorEvent(c.Request.Context(), ev); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *PaymentHandler) checkOwnership(c *gin.Context) error {
	b, err := h.bookings.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		return err
	}
	if b.TenantID != middleware.TenantID(c) {
		return booking.ErrNotFound
	}
	return nil
}
