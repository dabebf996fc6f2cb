// README: Cross-tenant booking transfers, partner connections and settlement
// listings.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fleetfare/internal/http/middleware"
	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/transfer"
	"fleetfare/internal/types"
)

type TransferHandler struct {
	transfers *transfer.Service
	log       logger.Logger
}

func NewTransferHandler(svc *transfer.Service, log logger.Logger) *TransferHandler {
	return &TransferHandler{transfers: svc, log: log}
}

type proposeReq struct {
	BookingID   string          `json:"booking_id" binding:"required"`
	ToTenantID  string          `json:"to_tenant_id" binding:"required"`
	FromPercent decimal.Decimal `json:"from_percent"`
	ToPercent   decimal.Decimal `json:"to_percent"`
	Note        string          `json:"note"`
}

func (h *TransferHandler) Propose(c *gin.Context) {
	var req proposeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	tr, err := h.transfers.Propose(c.Request.Context(), transfer.ProposeCommand{
		BookingID:    types.ID(req.BookingID),
		FromTenantID: middleware.TenantID(c),
		ToTenantID:   types.ID(req.ToTenantID),
		FromPercent:  req.FromPercent,
		ToPercent:    req.ToPercent,
		Note:         req.Note,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, tr)
}

type acceptReq struct {
	DriverID     string          `json:"driver_id" binding:"required"`
	VehicleID    string          `json:"vehicle_id" binding:"required"`
	DriverFare   decimal.Decimal `json:"driver_fare"`
	DriverToll   decimal.Decimal `json:"driver_toll"`
	DriverExtras decimal.Decimal `json:"driver_extras"`
}

func (h *TransferHandler) Accept(c *gin.Context) {
	var req acceptReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	tr, err := h.transfers.Accept(c.Request.Context(), transfer.AcceptCommand{
		TransferID: types.ID(c.Param("id")),
		ToTenantID: middleware.TenantID(c),
		DriverID:   types.ID(req.DriverID),
		VehicleID:  types.ID(req.VehicleID),
		Earnings: booking.DriverEarnings{
			Fare:   req.DriverFare,
			Toll:   req.DriverToll,
			Extras: req.DriverExtras,
		},
		ActorID: middleware.ActorID(c),
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

type declineTransferReq struct {
	Reason string `json:"reason"`
}

func (h *TransferHandler) Decline(c *gin.Context) {
	var req declineTransferReq
	_ = c.ShouldBindJSON(&req)
	tr, err := h.transfers.Decline(c.Request.Context(), transfer.DeclineCommand{
		TransferID: types.ID(c.Param("id")),
		ToTenantID: middleware.TenantID(c),
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// List returns offers involving the tenant on either side.
func (h *TransferHandler) List(c *gin.Context) {
	list, err := h.transfers.ListForTenant(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": list, "count": len(list)})
}

func (h *TransferHandler) Settlements(c *gin.Context) {
	list, err := h.transfers.SettlementsForTenant(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": list, "count": len(list)})
}

type connectReq struct {
	PartnerTenantID string `json:"partner_tenant_id" binding:"required"`
}

func (h *TransferHandler) CreateConnection(c *gin.Context) {
	var req connectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "partner_tenant_id is required")
		return
	}
	conn, err := h.transfers.CreateConnection(c.Request.Context(),
		middleware.TenantID(c), types.ID(req.PartnerTenantID))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

func (h *TransferHandler) ActivateConnection(c *gin.Context) {
	if err := h.transfers.ActivateConnection(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TransferHandler) TerminateConnection(c *gin.Context) {
	if err := h.transfers.TerminateConnection(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
