// README: Pure fare computation: billing options, surcharges, promo discounts.
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fleetfare/internal/types"
)

// TripParams is everything the calculator needs about one trip. Distance and
// duration come from the route estimate (or operator input); PickupAt must
// carry the trip's local timezone so surcharge predicates evaluate locally.
type TripParams struct {
	ServiceType     ServiceType
	VehicleClass    string
	DistanceKm      float64
	DurationMinutes float64
	DurationHours   float64 // hourly charter only
	PickupAt        time.Time
	Billing         BillingMethod // required when both metered options are priced
}

// FareOption is one selectable way of billing the trip.
type FareOption struct {
	Method BillingMethod   `json:"method"`
	Fare   decimal.Decimal `json:"fare"`
}

// Breakdown is the frozen, itemised price of a booking. The invariant
// Total = BaseFare + SurchargeAmount - DiscountAmount holds by construction;
// surcharges are tracked separately from the fare and never folded in.
type Breakdown struct {
	Method           BillingMethod   `json:"billing_method"`
	BaseFare         decimal.Decimal `json:"base_fare"`
	SurchargePercent decimal.Decimal `json:"surcharge_percentage"`
	SurchargeAmount  decimal.Decimal `json:"surcharge_amount"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	PromoCode        string          `json:"promo_code,omitempty"`
	Total            decimal.Decimal `json:"total_price"`
	Currency         string          `json:"currency"`
	Options          []FareOption    `json:"options,omitempty"`
}

func (b Breakdown) TotalMoney() types.Money {
	return types.NewMoney(b.Total, b.Currency)
}

// Quote computes the itemised fare for a trip under a rule. Pure: no clocks,
// no stores; usable pre-booking and during fulfilment adjustment alike.
func Quote(trip TripParams, rule *Rule, promo *PromoCode) (Breakdown, error) {
	if rule == nil || !rule.Active {
		return Breakdown{}, ErrNoApplicableRule
	}
	if trip.ServiceType != rule.ServiceType {
		return Breakdown{}, fmt.Errorf("%w: rule is for %s", ErrBadRequest, rule.ServiceType)
	}

	options, err := fareOptions(trip, rule)
	if err != nil {
		return Breakdown{}, err
	}
	method, fare, err := selectOption(options, trip.Billing)
	if err != nil {
		return Breakdown{}, err
	}

	// Minimum-fare floor applies before surcharges and shields against
	// discounts below.
	floor := rule.minimumFare()
	if fare.LessThan(floor) {
		fare = floor
	}
	fare = types.Round2(fare)

	surchargePct := matchingSurchargePercent(rule.Surcharges, trip.PickupAt)
	surchargeAmt := types.Round2(types.Percent(fare, surchargePct))

	discount := decimal.Zero
	promoCode := ""
	if promo != nil {
		discount, err = promoDiscount(promo, fare, surchargeAmt, floor, trip.PickupAt)
		if err != nil {
			return Breakdown{}, err
		}
		promoCode = promo.Code
	}

	return Breakdown{
		Method:           method,
		BaseFare:         fare,
		SurchargePercent: surchargePct,
		SurchargeAmount:  surchargeAmt,
		DiscountAmount:   discount,
		PromoCode:        promoCode,
		Total:            fare.Add(surchargeAmt).Sub(discount),
		Currency:         rule.Currency,
		Options:          options,
	}, nil
}

// fareOptions lists the billing options the rule prices for this trip.
func fareOptions(trip TripParams, rule *Rule) ([]FareOption, error) {
	if rule.ServiceType.IsHourly() {
		h := rule.Hourly
		if h == nil || h.HourlyRate.IsZero() {
			return nil, fmt.Errorf("%w: hourly rule has no rate", ErrBadRequest)
		}
		hours := decimal.NewFromFloat(trip.DurationHours)
		if hours.LessThan(h.MinimumHours) {
			hours = h.MinimumHours
		}
		fare := hours.Mul(h.HourlyRate)
		if h.IncludedKmPerHour.IsPositive() && h.ExtraKmRate.IsPositive() {
			included := hours.Mul(h.IncludedKmPerHour)
			actual := decimal.NewFromFloat(trip.DistanceKm)
			if actual.GreaterThan(included) {
				fare = fare.Add(actual.Sub(included).Mul(h.ExtraKmRate))
			}
		}
		return []FareOption{{Method: BillingHourly, Fare: types.Round2(fare)}}, nil
	}

	p := rule.PointToPoint
	if p == nil {
		return nil, fmt.Errorf("%w: rule has no point-to-point formula", ErrBadRequest)
	}
	var options []FareOption
	if p.PricePerKm.IsPositive() {
		fare := p.BaseFare.Add(p.PricePerKm.Mul(decimal.NewFromFloat(trip.DistanceKm)))
		options = append(options, FareOption{Method: BillingDistance, Fare: types.Round2(fare)})
	}
	if p.PricePerMinute.IsPositive() {
		fare := p.BaseFare.Add(p.PricePerMinute.Mul(decimal.NewFromFloat(trip.DurationMinutes)))
		options = append(options, FareOption{Method: BillingDuration, Fare: types.Round2(fare)})
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: rule prices neither distance nor duration", ErrBadRequest)
	}
	return options, nil
}

// selectOption enforces the explicit-choice policy: when both metered options
// exist the caller must pick one; the engine never averages or auto-picks.
func selectOption(options []FareOption, chosen BillingMethod) (BillingMethod, decimal.Decimal, error) {
	if len(options) == 1 {
		o := options[0]
		if chosen != "" && chosen != o.Method {
			return "", decimal.Zero, fmt.Errorf("%w: billing method %s not offered", ErrBadRequest, chosen)
		}
		return o.Method, o.Fare, nil
	}
	if chosen == "" {
		return "", decimal.Zero, fmt.Errorf("%w: billing_method required when both options are priced", ErrBadRequest)
	}
	for _, o := range options {
		if o.Method == chosen {
			return o.Method, o.Fare, nil
		}
	}
	return "", decimal.Zero, fmt.Errorf("%w: billing method %s not offered", ErrBadRequest, chosen)
}

func matchingSurchargePercent(rules []SurchargeRule, pickupLocal time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range rules {
		if s.Matches(pickupLocal) {
			sum = sum.Add(s.Percent)
		}
	}
	return sum
}

// promoDiscount computes the clamped discount: never more than the amount it
// applies to, and never enough to push the total under the minimum-fare floor
// or below zero.
func promoDiscount(promo *PromoCode, fare, surcharge, floor decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if err := promo.CheckUsable(at); err != nil {
		return decimal.Zero, err
	}

	base := fare
	if promo.AppliesTo == AppliesTotal {
		base = fare.Add(surcharge)
	}
	if base.LessThan(promo.MinOrderAmount) {
		return decimal.Zero, &InvalidPromoCodeError{Code: promo.Code, Reason: PromoBelowMinimum}
	}

	var discount decimal.Decimal
	switch promo.DiscountType {
	case DiscountPercentage:
		discount = types.Percent(base, promo.DiscountValue)
	case DiscountFixed:
		discount = promo.DiscountValue
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown discount type %q", ErrBadRequest, promo.DiscountType)
	}

	if discount.GreaterThan(base) {
		discount = base
	}
	// keep total >= max(floor, 0)
	maxDiscount := fare.Add(surcharge).Sub(floor)
	if maxDiscount.IsNegative() {
		maxDiscount = decimal.Zero
	}
	if discount.GreaterThan(maxDiscount) {
		discount = maxDiscount
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return types.Round2(discount), nil
}
