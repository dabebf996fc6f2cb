// README: Booking lifecycle endpoints: create through fulfilment, plus the
// driver dispatch progress route.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fleetfare/internal/http/middleware"
	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/types"
)

type BookingHandler struct {
	bookings *booking.Service
	log      logger.Logger
}

func NewBookingHandler(svc *booking.Service, log logger.Logger) *BookingHandler {
	return &BookingHandler{bookings: svc, log: log}
}

type stopReq struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (s stopReq) stop() booking.Stop {
	return booking.Stop{Point: types.Point{Lat: s.Lat, Lng: s.Lng}, Address: s.Address}
}

type createBookingReq struct {
	PassengerID        string    `json:"passenger_id" binding:"required"`
	PassengerName      string    `json:"passenger_name" binding:"required"`
	CorporateAccountID string    `json:"corporate_account_id"`
	Pickup             stopReq   `json:"pickup" binding:"required"`
	Dropoff            stopReq   `json:"dropoff"`
	Waypoints          []stopReq `json:"waypoints"`
	PickupAt           string    `json:"pickup_at" binding:"required"` // RFC 3339
	Timezone           string    `json:"timezone" binding:"required"`
	ServiceType        string    `json:"service_type" binding:"required"`
	TripType           string    `json:"trip_type"`
	VehicleClass       string    `json:"vehicle_class" binding:"required"`
	PassengerCount     int       `json:"passenger_count"`
	FlightNumber       string    `json:"flight_number"`
	SpecialRequests    string    `json:"special_requests"`
	PaymentMethodRef   string    `json:"payment_method_ref"`
	BillingMethod      string    `json:"billing_method"`
	DurationHours      float64   `json:"duration_hours"`
	PromoCode          string    `json:"promo_code"`
}

func (h *BookingHandler) Create(c *gin.Context) {
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	pickupAt, err := time.Parse(time.RFC3339, req.PickupAt)
	if err != nil {
		badRequest(c, "pickup_at must be RFC 3339")
		return
	}

	cmd := booking.CreateCommand{
		TenantID:         middleware.TenantID(c),
		PassengerID:      types.ID(req.PassengerID),
		PassengerName:    req.PassengerName,
		Pickup:           req.Pickup.stop(),
		Dropoff:          req.Dropoff.stop(),
		PickupAt:         pickupAt,
		Timezone:         req.Timezone,
		ServiceType:      pricing.ServiceType(req.ServiceType),
		TripType:         booking.TripType(req.TripType),
		VehicleClass:     req.VehicleClass,
		PassengerCount:   req.PassengerCount,
		FlightNumber:     req.FlightNumber,
		SpecialRequests:  req.SpecialRequests,
		PaymentMethodRef: req.PaymentMethodRef,
		Billing:          pricing.BillingMethod(req.BillingMethod),
		DurationHours:    req.DurationHours,
		PromoCode:        req.PromoCode,
	}
	if req.CorporateAccountID != "" {
		id := types.ID(req.CorporateAccountID)
		cmd.CorporateAccountID = &id
	}
	for _, w := range req.Waypoints {
		cmd.Waypoints = append(cmd.Waypoints, w.stop())
	}

	b, err := h.bookings.Create(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *BookingHandler) Get(c *gin.Context) {
	b, err := h.fetchOwned(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := booking.Status(c.Query("status"))

	list, err := h.bookings.List(c.Request.Context(), middleware.TenantID(c), status, limit, offset)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": list, "count": len(list)})
}

func (h *BookingHandler) History(c *gin.Context) {
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	events, err := h.bookings.History(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type confirmReq struct {
	OperationID string `json:"operation_id" binding:"required"`
}

func (h *BookingHandler) Confirm(c *gin.Context) {
	var req confirmReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "operation_id is required")
		return
	}
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	b, err := h.bookings.Confirm(c.Request.Context(), types.ID(c.Param("id")), req.OperationID, middleware.ActorID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type declineReq struct {
	Reason string `json:"reason"`
}

func (h *BookingHandler) Decline(c *gin.Context) {
	var req declineReq
	_ = c.ShouldBindJSON(&req)
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	b, err := h.bookings.Decline(c.Request.Context(), types.ID(c.Param("id")), req.Reason, middleware.ActorID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type cancelReq struct {
	Reason      string `json:"reason"`
	OperationID string `json:"operation_id"`
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}

	actorType := "passenger"
	if middleware.Role(c) == "staff" {
		actorType = "staff"
	}
	b, err := h.bookings.Cancel(c.Request.Context(), booking.CancelCommand{
		BookingID:   types.ID(c.Param("id")),
		ActorType:   actorType,
		ActorID:     middleware.ActorID(c),
		Reason:      req.Reason,
		OperationID: req.OperationID,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type assignReq struct {
	DriverID     string          `json:"driver_id" binding:"required"`
	VehicleID    string          `json:"vehicle_id" binding:"required"`
	DriverFare   decimal.Decimal `json:"driver_fare"`
	DriverToll   decimal.Decimal `json:"driver_toll"`
	DriverExtras decimal.Decimal `json:"driver_extras"`
}

func (h *BookingHandler) Assign(c *gin.Context) {
	var req assignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	b, err := h.bookings.Assign(c.Request.Context(), booking.AssignCommand{
		BookingID: types.ID(c.Param("id")),
		DriverID:  types.ID(req.DriverID),
		VehicleID: types.ID(req.VehicleID),
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
	c.JSON(http.StatusOK, b)
}

type progressReq struct {
	To string `json:"to" binding:"required"`
}

// DriverProgress advances the dispatch machine one step; the acting driver
// comes from the token, not the body.
func (h *BookingHandler) DriverProgress(c *gin.Context) {
	var req progressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "to is required")
		return
	}
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	b, err := h.bookings.AdvanceDriver(c.Request.Context(), booking.ProgressCommand{
		BookingID: types.ID(c.Param("id")),
		DriverID:  middleware.ActorID(c),
		To:        booking.DriverStatus(req.To),
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type fulfilReq struct {
	Supplement  decimal.Decimal `json:"supplement"`
	Credit      decimal.Decimal `json:"credit"`
	Note        string          `json:"note"`
	OperationID string          `json:"operation_id"`
}

func (h *BookingHandler) Fulfil(c *gin.Context) {
	var req fulfilReq
	_ = c.ShouldBindJSON(&req)
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	b, err := h.bookings.Fulfil(c.Request.Context(), booking.FulfilCommand{
		BookingID:   types.ID(c.Param("id")),
		Supplement:  req.Supplement,
		Credit:      req.Credit,
		Note:        req.Note,
		OperationID: req.OperationID,
		ActorID:     middleware.ActorID(c),
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type noShowReq struct {
	Outcome     string `json:"outcome" binding:"required"` // "close" | "refund"
	OperationID string `json:"operation_id"`
}

func (h *BookingHandler) NoShow(c *gin.Context) {
	var req noShowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "outcome is required")
		return
	}
	if _, err := h.fetchOwned(c); err != nil {
		writeError(c, h.log, err)
		return
	}
	b, err := h.bookings.NoShow(c.Request.Context(), booking.NoShowCommand{
		BookingID:   types.ID(c.Param("id")),
		Outcome:     booking.NoShowOutcome(req.Outcome),
		ActorID:     middleware.ActorID(c),
		OperationID: req.OperationID,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// fetchOwned loads the path booking and hides it behind ErrNotFound when it
// belongs to another tenant.
func (h *BookingHandler) fetchOwned(c *gin.Context) (*booking.Booking, error) {
	b, err := h.bookings.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		return nil, err
	}
	if b.TenantID != middleware.TenantID(c) {
		return nil, booking.ErrNotFound
	}
	return b, nil
}
