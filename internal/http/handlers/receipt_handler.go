// README: PDF receipt download for settled bookings.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetfare/internal/http/middleware"
	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/receipt"
	"fleetfare/internal/types"
)

type ReceiptHandler struct {
	receipts *receipt.Service
	bookings *booking.Service
	log      logger.Logger
}

func NewReceiptHandler(receipts *receipt.Service, bookings *booking.Service, log logger.Logger) *ReceiptHandler {
	return &ReceiptHandler{receipts: receipts, bookings: bookings, log: log}
}

func (h *ReceiptHandler) Download(c *gin.Context) {
	id := types.ID(c.Param("id"))

	b, err := h.bookings.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if b.TenantID != middleware.TenantID(c) {
		writeError(c, h.log, booking.ErrNotFound)
		return
	}

	pdf, filename, err := h.receipts.Generate(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/pdf", pdf)
}
