// README: Quote, pricing-rule, surcharge, promo and cancellation-policy handlers.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fleetfare/internal/http/middleware"
	"fleetfare/internal/logger"
	routemaps "fleetfare/internal/maps"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/types"
)

type PricingHandler struct {
	pricing *pricing.Service
	routes  *routemaps.RouteService
	log     logger.Logger
}

func NewPricingHandler(svc *pricing.Service, routes *routemaps.RouteService, log logger.Logger) *PricingHandler {
	return &PricingHandler{pricing: svc, routes: routes, log: log}
}

type quoteReq struct {
	ServiceType     string  `json:"service_type" binding:"required"`
	VehicleClass    string  `json:"vehicle_class" binding:"required"`
	PickupLat       float64 `json:"pickup_lat"`
	PickupLng       float64 `json:"pickup_lng"`
	DropoffLat      float64 `json:"dropoff_lat"`
	DropoffLng      float64 `json:"dropoff_lng"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
	DurationHours   float64 `json:"duration_hours"`
	PickupAt        string  `json:"pickup_at" binding:"required"` // RFC 3339
	Timezone        string  `json:"timezone"`
	BillingMethod   string  `json:"billing_method"`
	PromoCode       string  `json:"promo_code"`
}

func (h *PricingHandler) Quote(c *gin.Context) {
	var req quoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	pickupAt, err := time.Parse(time.RFC3339, req.PickupAt)
	if err != nil {
		badRequest(c, "pickup_at must be RFC 3339")
		return
	}
	if req.Timezone != "" {
		loc, err := time.LoadLocation(req.Timezone)
		if err != nil {
			badRequest(c, "unknown timezone")
			return
		}
		pickupAt = pickupAt.In(loc)
	}

	distance, duration := req.DistanceKm, req.DurationMinutes
	if distance == 0 && duration == 0 {
		est, err := h.routes.EstimateTrip(c.Request.Context(),
			types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
			types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng})
		if err != nil {
			writeError(c, h.log, err)
			return
		}
		distance, duration = est.DistanceKm, est.DurationMin
	}

	breakdown, err := h.pricing.Quote(c.Request.Context(), pricing.QuoteCommand{
		TenantID: middleware.TenantID(c),
		Trip: pricing.TripParams{
			ServiceType:     pricing.ServiceType(req.ServiceType),
			VehicleClass:    req.VehicleClass,
			DistanceKm:      distance,
			DurationMinutes: duration,
			DurationHours:   req.DurationHours,
			PickupAt:        pickupAt,
			Billing:         pricing.BillingMethod(req.BillingMethod),
		},
		PromoCode: req.PromoCode,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, breakdown)
}

func (h *PricingHandler) TripEstimate(c *gin.Context) {
	parse := func(name string) (float64, bool) {
		v, err := strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			badRequest(c, name+" must be a number")
			return 0, false
		}
		return v, true
	}
	plat, ok := parse("pickup_lat")
	if !ok {
		return
	}
	plng, ok := parse("pickup_lng")
	if !ok {
		return
	}
	dlat, ok := parse("dropoff_lat")
	if !ok {
		return
	}
	dlng, ok := parse("dropoff_lng")
	if !ok {
		return
	}

	est, err := h.routes.EstimateTrip(c.Request.Context(),
		types.Point{Lat: plat, Lng: plng}, types.Point{Lat: dlat, Lng: dlng})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"distance_km": est.DistanceKm, "duration_minutes": est.DurationMin})
}

func (h *PricingHandler) CreateRule(c *gin.Context) {
	var rule pricing.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rule.TenantID = middleware.TenantID(c)
	if err := h.pricing.CreateRule(c.Request.Context(), &rule); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *PricingHandler) UpdateRule(c *gin.Context) {
	var rule pricing.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rule.ID = types.ID(c.Param("id"))
	rule.TenantID = middleware.TenantID(c)
	if err := h.pricing.UpdateRule(c.Request.Context(), &rule); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *PricingHandler) DeactivateRule(c *gin.Context) {
	err := h.pricing.DeactivateRule(c.Request.Context(), middleware.TenantID(c), types.ID(c.Param("id")))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PricingHandler) AddSurcharge(c *gin.Context) {
	var sr pricing.SurchargeRule
	if err := c.ShouldBindJSON(&sr); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.pricing.AddSurcharge(c.Request.Context(), types.ID(c.Param("id")), &sr); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, sr)
}

func (h *PricingHandler) RemoveSurcharge(c *gin.Context) {
	err := h.pricing.RemoveSurcharge(c.Request.Context(), types.ID(c.Param("id")), types.ID(c.Param("surchargeID")))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PricingHandler) CreatePromo(c *gin.Context) {
	var promo pricing.PromoCode
	if err := c.ShouldBindJSON(&promo); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	promo.TenantID = middleware.TenantID(c)
	if err := h.pricing.CreatePromo(c.Request.Context(), &promo); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, promo)
}

func (h *PricingHandler) CreatePolicy(c *gin.Context) {
	var policy pricing.CancellationPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	policy.TenantID = middleware.TenantID(c)
	if err := h.pricing.CreatePolicy(c.Request.Context(), &policy); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, policy)
}
