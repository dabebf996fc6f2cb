// README: Pricing rule variants, surcharge predicates, promo codes and cancellation tiers.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fleetfare/internal/types"
)

type ServiceType string

const (
	ServicePointToPoint   ServiceType = "point_to_point"
	ServiceAirportPickup  ServiceType = "airport_pickup"
	ServiceAirportDropoff ServiceType = "airport_dropoff"
	ServiceHourlyCharter  ServiceType = "hourly_charter"
)

// IsHourly reports whether the service bills by charter hours instead of trip
// distance/time.
func (s ServiceType) IsHourly() bool { return s == ServiceHourlyCharter }

type BillingMethod string

const (
	BillingDistance BillingMethod = "distance"
	BillingDuration BillingMethod = "duration"
	BillingHourly   BillingMethod = "hourly"
)

// PointToPoint holds the metered formula fields. PricePerMinute may be zero,
// in which case only distance billing is offered.
type PointToPoint struct {
	BaseFare       decimal.Decimal `json:"base_fare"`
	PricePerKm     decimal.Decimal `json:"price_per_km"`
	PricePerMinute decimal.Decimal `json:"price_per_minute"`
	MinimumFare    decimal.Decimal `json:"minimum_fare"`
}

// HourlyCharter holds the hourly formula fields. IncludedKmPerHour and
// ExtraKmRate are optional as a pair.
type HourlyCharter struct {
	HourlyRate        decimal.Decimal `json:"hourly_rate"`
	MinimumHours      decimal.Decimal `json:"minimum_hours"`
	IncludedKmPerHour decimal.Decimal `json:"included_km_per_hour"`
	ExtraKmRate       decimal.Decimal `json:"extra_km_rate"`
}

// Rule is the per tenant / vehicle class / service type fare definition.
// Exactly one of PointToPoint or Hourly is set, dispatched on ServiceType.
type Rule struct {
	ID           types.ID        `json:"id"`
	TenantID     types.ID        `json:"tenant_id"`
	VehicleClass string          `json:"vehicle_class"`
	ServiceType  ServiceType     `json:"service_type"`
	Currency     string          `json:"currency"`
	Active       bool            `json:"active"`
	PointToPoint *PointToPoint   `json:"point_to_point,omitempty"`
	Hourly       *HourlyCharter  `json:"hourly,omitempty"`
	Surcharges   []SurchargeRule `json:"surcharges"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// minimumFare is zero for hourly rules, which carry no floor field.
func (r *Rule) minimumFare() decimal.Decimal {
	if r.PointToPoint != nil {
		return r.PointToPoint.MinimumFare
	}
	return decimal.Zero
}

type SurchargeType string

const (
	SurchargeTimeRange   SurchargeType = "TIME_RANGE"
	SurchargeDayType     SurchargeType = "DAY_TYPE"
	SurchargeSpecialDate SurchargeType = "SPECIAL_DATE"
)

// SurchargeRule is a percentage uplift triggered by the pickup's local
// date/time. Matching rules are additive.
type SurchargeRule struct {
	ID      types.ID        `json:"id"`
	Name    string          `json:"name"`
	Type    SurchargeType   `json:"type"`
	Days    []int           `json:"days,omitempty"`       // DAY_TYPE: time.Weekday values
	StartAt string          `json:"start_at,omitempty"`   // TIME_RANGE: "HH:MM", window may wrap midnight
	EndAt   string          `json:"end_at,omitempty"`     // TIME_RANGE: "HH:MM"
	Dates   []string        `json:"dates,omitempty"`      // SPECIAL_DATE: "2006-01-02"
	Percent decimal.Decimal `json:"surcharge_percentage"`
}

// Matches evaluates the rule against a pickup time already converted to the
// trip's local timezone.
func (s SurchargeRule) Matches(local time.Time) bool {
	switch s.Type {
	case SurchargeTimeRange:
		return inTimeWindow(local, s.StartAt, s.EndAt)
	case SurchargeDayType:
		for _, d := range s.Days {
			if time.Weekday(d) == local.Weekday() {
				return true
			}
		}
		return false
	case SurchargeSpecialDate:
		day := local.Format("2006-01-02")
		for _, d := range s.Dates {
			if d == day {
				return true
			}
		}
		return false
	}
	return false
}

func inTimeWindow(local time.Time, start, end string) bool {
	sh, sm, ok1 := parseClock(start)
	eh, em, ok2 := parseClock(end)
	if !ok1 || !ok2 {
		return false
	}
	cur := local.Hour()*60 + local.Minute()
	s := sh*60 + sm
	e := eh*60 + em
	if s <= e {
		return cur >= s && cur < e
	}
	// window wraps midnight, e.g. 22:00-05:00
	return cur >= s || cur < e
}

func parseClock(v string) (h, m int, ok bool) {
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// CancellationTier charges ChargePercent of the captured amount when the
// passenger cancels with at most HoursBeforePickup hours of notice.
type CancellationTier struct {
	HoursBeforePickup int             `json:"hours_before_pickup"`
	ChargePercent     decimal.Decimal `json:"charge_percentage"`
}

type CancellationPolicy struct {
	ID        types.ID           `json:"id"`
	TenantID  types.ID           `json:"tenant_id"`
	Name      string             `json:"name"`
	IsDefault bool               `json:"is_default"`
	Tiers     []CancellationTier `json:"tiers"`
}

// ResolveChargePercent picks the tier for a passenger cancellation made
// hoursBefore hours ahead of pickup. Tiers are walked in descending threshold
// order; the smallest threshold still covering the remaining notice wins, so
// cancelling earlier than the widest tier charges that tier's (most lenient)
// percentage.
func ResolveChargePercent(tiers []CancellationTier, hoursBefore float64) decimal.Decimal {
	if len(tiers) == 0 {
		return decimal.Zero
	}
	sorted := make([]CancellationTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].HoursBeforePickup > sorted[j].HoursBeforePickup
	})
	charge := sorted[0].ChargePercent
	for _, t := range sorted {
		if float64(t.HoursBeforePickup) >= hoursBefore {
			charge = t.ChargePercent
			continue
		}
		break
	}
	return charge
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type PromoAppliesTo string

const (
	AppliesFareOnly PromoAppliesTo = "fare_only"
	AppliesTotal    PromoAppliesTo = "total"
)

type PromoCode struct {
	ID             types.ID        `json:"id"`
	TenantID       types.ID        `json:"tenant_id"`
	Code           string          `json:"code"`
	DiscountType   DiscountType    `json:"discount_type"`
	DiscountValue  decimal.Decimal `json:"discount_value"`
	AppliesTo      PromoAppliesTo  `json:"applies_to"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
	MaxUses        int             `json:"max_uses"` // 0 = unlimited
	UsedCount      int             `json:"used_count"`
	ValidFrom      time.Time       `json:"valid_from"`
	ValidUntil     time.Time       `json:"valid_until"`
	Active         bool            `json:"active"`
}

// CheckUsable validates everything except the order minimum, which depends on
// the quoted amount.
func (p *PromoCode) CheckUsable(now time.Time) error {
	if !p.Active {
		return &InvalidPromoCodeError{Code: p.Code, Reason: PromoInactive}
	}
	if now.Before(p.ValidFrom) || now.After(p.ValidUntil) {
		return &InvalidPromoCodeError{Code: p.Code, Reason: PromoExpired}
	}
	if p.MaxUses > 0 && p.UsedCount >= p.MaxUses {
		return &InvalidPromoCodeError{Code: p.Code, Reason: PromoExhausted}
	}
	return nil
}

const (
	PromoInactive     = "inactive"
	PromoExpired      = "expired"
	PromoExhausted    = "exhausted"
	PromoBelowMinimum = "below_minimum"
)

type InvalidPromoCodeError struct {
	Code   string
	Reason string
}

func (e *InvalidPromoCodeError) Error() string {
	return fmt.Sprintf("invalid promo code %q: %s", e.Code, e.Reason)
}

var (
	ErrNoApplicableRule = errors.New("no applicable pricing rule")
	ErrNotFound         = errors.New("pricing entity not found")
	ErrBadRequest       = errors.New("bad pricing request")
)
