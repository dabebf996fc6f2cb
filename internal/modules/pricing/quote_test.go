package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fleetfare/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func p2pRule(base, perKm, perMin, min string) *Rule {
	return &Rule{
		ID:           types.NewID(),
		TenantID:     "t1",
		VehicleClass: "sedan",
		ServiceType:  ServicePointToPoint,
		Currency:     "AUD",
		Active:       true,
		PointToPoint: &PointToPoint{
			BaseFare:       dec(base),
			PricePerKm:     dec(perKm),
			PricePerMinute: dec(perMin),
			MinimumFare:    dec(min),
		},
	}
}

func TestQuoteBothOptionsOffered(t *testing.T) {
	// base 15, 3.5/km over 10km => 50; 0.8/min over 40min => 47
	rule := p2pRule("15", "3.5", "0.8", "0")
	trip := TripParams{
		ServiceType:     ServicePointToPoint,
		VehicleClass:    "sedan",
		DistanceKm:      10,
		DurationMinutes: 40,
		PickupAt:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Billing:         BillingDistance,
	}

	b, err := Quote(trip, rule, nil)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if len(b.Options) != 2 {
		t.Fatalf("expected 2 billing options, got %d", len(b.Options))
	}
	if !b.Options[0].Fare.Equal(dec("50")) || !b.Options[1].Fare.Equal(dec("47")) {
		t.Fatalf("options = %s / %s, want 50 / 47", b.Options[0].Fare, b.Options[1].Fare)
	}
	if b.Method != BillingDistance {
		t.Fatalf("method = %s, want distance", b.Method)
	}
	if !b.Total.Equal(dec("50")) {
		t.Fatalf("total = %s, want 50", b.Total)
	}
	if b.Currency != "AUD" {
		t.Fatalf("currency = %s, want AUD", b.Currency)
	}
}

func TestQuoteRequiresExplicitChoice(t *testing.T) {
	rule := p2pRule("15", "3.5", "0.8", "0")
	trip := TripParams{
		ServiceType:     ServicePointToPoint,
		DistanceKm:      10,
		DurationMinutes: 40,
		PickupAt:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		// no Billing: ambiguous, the engine must not auto-pick
	}
	if _, err := Quote(trip, rule, nil); err == nil {
		t.Fatal("expected error when both options priced and none chosen")
	}
}

func TestQuoteSingleOptionAutoSelected(t *testing.T) {
	rule := p2pRule("15", "3.5", "0", "0")
	trip := TripParams{
		ServiceType: ServicePointToPoint,
		DistanceKm:  10,
		PickupAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	b, err := Quote(trip, rule, nil)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if b.Method != BillingDistance || !b.Total.Equal(dec("50")) {
		t.Fatalf("got %s %s, want distance 50", b.Method, b.Total)
	}
	if len(b.Options) != 1 {
		t.Fatalf("expected 1 option, got %d", len(b.Options))
	}
}

func TestQuoteMinimumFareFloor(t *testing.T) {
	rule := p2pRule("5", "2", "0", "60")
	trip := TripParams{
		ServiceType: ServicePointToPoint,
		DistanceKm:  3, // metered fare 11, floor 60
		PickupAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	b, err := Quote(trip, rule, nil)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !b.Total.Equal(dec("60")) {
		t.Fatalf("total = %s, want floor 60", b.Total)
	}
}

func TestQuoteHourlyCharter(t *testing.T) {
	rule := &Rule{
		ID:          types.NewID(),
		TenantID:    "t1",
		ServiceType: ServiceHourlyCharter,
		Currency:    "AUD",
		Active:      true,
		Hourly: &HourlyCharter{
			HourlyRate:        dec("90"),
			MinimumHours:      dec("3"),
			IncludedKmPerHour: dec("20"),
			ExtraKmRate:       dec("2"),
		},
	}

	cases := []struct {
		name      string
		hours     float64
		km        float64
		wantTotal string
	}{
		{"minimum hours applied", 2, 30, "270"},        // billed 3h*90, 60 included km
		{"no excess km", 4, 75, "360"},                 // 4h*90, 80 included
		{"excess km charged", 4, 100, "400"},           // 360 + 20km*2
		{"exact included km", 3, 60, "270"},            // boundary: no excess
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Quote(TripParams{
				ServiceType:   ServiceHourlyCharter,
				DurationHours: tc.hours,
				DistanceKm:    tc.km,
				PickupAt:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			}, rule, nil)
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if !b.Total.Equal(dec(tc.wantTotal)) {
				t.Errorf("total = %s, want %s", b.Total, tc.wantTotal)
			}
			if b.Method != BillingHourly {
				t.Errorf("method = %s, want hourly", b.Method)
			}
		})
	}
}

func TestQuoteSurchargesAdditive(t *testing.T) {
	// 20% + 15% on a 100 fare => 35 surcharge, 135 total
	rule := p2pRule("100", "0", "0", "0")
	rule.PointToPoint.PricePerKm = dec("0.0001") // distance option priced, negligible
	rule.Surcharges = []SurchargeRule{
		{Name: "weekend", Type: SurchargeDayType, Days: []int{int(time.Saturday), int(time.Sunday)}, Percent: dec("20")},
		{Name: "night", Type: SurchargeTimeRange, StartAt: "22:00", EndAt: "05:00", Percent: dec("15")},
		{Name: "new year", Type: SurchargeSpecialDate, Dates: []string{"2026-01-01"}, Percent: dec("50")},
	}
	// Saturday 23:00 local: weekend + night match, special date does not.
	pickup := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)

	b, err := Quote(TripParams{
		ServiceType: ServicePointToPoint,
		DistanceKm:  0,
		PickupAt:    pickup,
	}, rule, nil)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !b.SurchargePercent.Equal(dec("35")) {
		t.Fatalf("surcharge pct = %s, want 35", b.SurchargePercent)
	}
	if !b.SurchargeAmount.Equal(dec("35")) {
		t.Fatalf("surcharge amount = %s, want 35", b.SurchargeAmount)
	}
	if !b.Total.Equal(dec("135")) {
		t.Fatalf("total = %s, want 135", b.Total)
	}
	// surcharge stays itemised, never folded into the fare
	if !b.BaseFare.Equal(dec("100")) {
		t.Fatalf("base fare = %s, want 100", b.BaseFare)
	}
}

func TestSurchargeTimeWindowWrapsMidnight(t *testing.T) {
	night := SurchargeRule{Type: SurchargeTimeRange, StartAt: "22:00", EndAt: "05:00", Percent: dec("15")}
	cases := []struct {
		hour int
		want bool
	}{
		{23, true}, {2, true}, {4, true}, {5, false}, {12, false}, {21, false}, {22, true},
	}
	for _, tc := range cases {
		at := time.Date(2026, 3, 2, tc.hour, 0, 0, 0, time.UTC)
		if got := night.Matches(at); got != tc.want {
			t.Errorf("Matches(%02d:00) = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func validPromo(mutate func(*PromoCode)) *PromoCode {
	p := &PromoCode{
		ID:            types.NewID(),
		TenantID:      "t1",
		Code:          "SAVE10",
		DiscountType:  DiscountPercentage,
		DiscountValue: dec("10"),
		AppliesTo:     AppliesFareOnly,
		ValidFrom:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:    time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func TestQuotePromoDiscount(t *testing.T) {
	pickup := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rule := p2pRule("100", "0.0001", "0", "0")
	rule.Surcharges = []SurchargeRule{
		{Name: "always", Type: SurchargeDayType, Days: []int{0, 1, 2, 3, 4, 5, 6}, Percent: dec("20")},
	}
	trip := TripParams{ServiceType: ServicePointToPoint, PickupAt: pickup}

	t.Run("percentage on fare only", func(t *testing.T) {
		b, err := Quote(trip, rule, validPromo(nil))
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		// 10% of fare 100, not of 120
		if !b.DiscountAmount.Equal(dec("10")) {
			t.Fatalf("discount = %s, want 10", b.DiscountAmount)
		}
		if !b.Total.Equal(dec("110")) {
			t.Fatalf("total = %s, want 110", b.Total)
		}
	})

	t.Run("percentage on total", func(t *testing.T) {
		promo := validPromo(func(p *PromoCode) { p.AppliesTo = AppliesTotal })
		b, err := Quote(trip, rule, promo)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		if !b.DiscountAmount.Equal(dec("12")) {
			t.Fatalf("discount = %s, want 12", b.DiscountAmount)
		}
	})

	t.Run("fixed discount", func(t *testing.T) {
		promo := validPromo(func(p *PromoCode) {
			p.DiscountType = DiscountFixed
			p.DiscountValue = dec("25")
		})
		b, err := Quote(trip, rule, promo)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		if !b.Total.Equal(dec("95")) {
			t.Fatalf("total = %s, want 95", b.Total)
		}
	})

	t.Run("discount cannot break minimum fare floor", func(t *testing.T) {
		floored := p2pRule("100", "0.0001", "0", "110")
		promo := validPromo(func(p *PromoCode) {
			p.DiscountType = DiscountFixed
			p.DiscountValue = dec("80")
			p.AppliesTo = AppliesTotal
		})
		b, err := Quote(TripParams{ServiceType: ServicePointToPoint, PickupAt: pickup}, floored, promo)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		// fare floored to 110; discount clamped so total never drops below it
		if b.Total.LessThan(dec("110")) {
			t.Fatalf("total %s fell below minimum fare 110", b.Total)
		}
	})

	t.Run("expired", func(t *testing.T) {
		promo := validPromo(func(p *PromoCode) {
			p.ValidUntil = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		})
		_, err := Quote(trip, rule, promo)
		assertPromoReason(t, err, PromoExpired)
	})

	t.Run("exhausted", func(t *testing.T) {
		promo := validPromo(func(p *PromoCode) {
			p.MaxUses = 5
			p.UsedCount = 5
		})
		_, err := Quote(trip, rule, promo)
		assertPromoReason(t, err, PromoExhausted)
	})

	t.Run("below minimum order", func(t *testing.T) {
		promo := validPromo(func(p *PromoCode) { p.MinOrderAmount = dec("500") })
		_, err := Quote(trip, rule, promo)
		assertPromoReason(t, err, PromoBelowMinimum)
	})

	t.Run("inactive", func(t *testing.T) {
		promo := validPromo(func(p *PromoCode) { p.Active = false })
		_, err := Quote(trip, rule, promo)
		assertPromoReason(t, err, PromoInactive)
	})
}

func assertPromoReason(t *testing.T, err error, reason string) {
	t.Helper()
	pe, ok := err.(*InvalidPromoCodeError)
	if !ok {
		t.Fatalf("expected InvalidPromoCodeError, got %v", err)
	}
	if pe.Reason != reason {
		t.Fatalf("reason = %s, want %s", pe.Reason, reason)
	}
}

func TestQuoteInactiveRule(t *testing.T) {
	rule := p2pRule("15", "3.5", "0", "0")
	rule.Active = false
	_, err := Quote(TripParams{ServiceType: ServicePointToPoint, DistanceKm: 1}, rule, nil)
	if err != ErrNoApplicableRule {
		t.Fatalf("expected ErrNoApplicableRule, got %v", err)
	}
}

func TestQuoteTotalNeverBelowMinimumFare(t *testing.T) {
	// property sweep over a few distances and discounts
	rule := p2pRule("10", "2", "0", "45")
	pickup := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for _, km := range []float64{0, 1, 5, 12, 17.3, 40} {
		for _, discount := range []string{"0", "5", "50", "200"} {
			promo := validPromo(func(p *PromoCode) {
				p.DiscountType = DiscountFixed
				p.DiscountValue = dec(discount)
			})
			b, err := Quote(TripParams{ServiceType: ServicePointToPoint, DistanceKm: km, PickupAt: pickup}, rule, promo)
			if err != nil {
				t.Fatalf("km=%v discount=%s: %v", km, discount, err)
			}
			if b.Total.LessThan(dec("45")) {
				t.Fatalf("km=%v discount=%s: total %s below minimum fare", km, discount, b.Total)
			}
			// invariant: total = base + surcharge - discount
			if !b.Total.Equal(b.BaseFare.Add(b.SurchargeAmount).Sub(b.DiscountAmount)) {
				t.Fatalf("km=%v discount=%s: breakdown identity broken", km, discount)
			}
		}
	}
}

func TestResolveChargePercent(t *testing.T) {
	tiers := []CancellationTier{
		{HoursBeforePickup: 48, ChargePercent: dec("0")},
		{HoursBeforePickup: 24, ChargePercent: dec("25")},
		{HoursBeforePickup: 12, ChargePercent: dec("50")},
		{HoursBeforePickup: 0, ChargePercent: dec("100")},
	}
	cases := []struct {
		hoursBefore float64
		wantCharge  string
	}{
		{72, "0"},   // earlier than every tier: most lenient
		{48, "0"},   // on the boundary
		{30, "25"},
		{20, "25"}, // worked example: refund is 75%
		{24, "25"},
		{15, "25"},
		{12, "50"},
		{5, "50"}, // the 0h tier only bites once pickup time has passed
		{0, "100"},
		{-2, "100"}, // past pickup
	}
	for _, tc := range cases {
		got := ResolveChargePercent(tiers, tc.hoursBefore)
		if !got.Equal(dec(tc.wantCharge)) {
			t.Errorf("ResolveChargePercent(%.0fh) = %s, want %s", tc.hoursBefore, got, tc.wantCharge)
		}
	}
}

func TestResolveChargePercentUnsortedInput(t *testing.T) {
	tiers := []CancellationTier{
		{HoursBeforePickup: 12, ChargePercent: dec("50")},
		{HoursBeforePickup: 48, ChargePercent: dec("0")},
		{HoursBeforePickup: 0, ChargePercent: dec("100")},
		{HoursBeforePickup: 24, ChargePercent: dec("25")},
	}
	if got := ResolveChargePercent(tiers, 20); !got.Equal(dec("25")) {
		t.Fatalf("got %s, want 25", got)
	}
}
