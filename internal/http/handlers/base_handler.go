// README: Shared response helpers and the domain-error to status mapping.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/payment"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/modules/transfer"
)

func writeError(c *gin.Context, log logger.Logger, err error) {
	var (
		declined *booking.PaymentDeclinedError
		invalid  *booking.InvalidTransitionError
		promoErr *pricing.InvalidPromoCodeError
	)
	switch {
	case errors.As(err, &declined):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     declined.Error(),
			"reason":    declined.Reason,
			"retryable": declined.Retryable,
		})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{"error": invalid.Error()})
	case errors.As(err, &promoErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  promoErr.Error(),
			"reason": string(promoErr.Reason),
		})
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, pricing.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, transfer.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, booking.ErrConflict),
		errors.Is(err, payment.ErrDuplicateOperation),
		errors.Is(err, transfer.ErrInvalidState),
		errors.Is(err, transfer.ErrTransferPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, pricing.ErrNoApplicableRule),
		errors.Is(err, booking.ErrDriverNotEligible),
		errors.Is(err, transfer.ErrNoConnection),
		errors.Is(err, transfer.ErrInsufficientFleet),
		errors.Is(err, transfer.ErrSplitMismatch),
		errors.Is(err, payment.ErrWindowClosed),
		errors.Is(err, payment.ErrNothingCaptured):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, booking.ErrBadRequest),
		errors.Is(err, pricing.ErrBadRequest),
		errors.Is(err, payment.ErrBadRequest),
		errors.Is(err, transfer.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error("unhandled error", logger.Error(err), logger.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
