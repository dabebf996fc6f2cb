package booking

import "github.com/shopspring/decimal"

// DriverEarnings is what the assigned driver is owed for the job,
// independent of the passenger price.
type DriverEarnings struct {
	Fare   decimal.Decimal `json:"driver_fare"`
	Toll   decimal.Decimal `json:"driver_toll"`
	Extras decimal.Decimal `json:"driver_extras"`
}

func (e DriverEarnings) Total() decimal.Decimal {
	return e.Fare.Add(e.Toll).Add(e.Extras)
}

// Profit is the tenant margin on the booking, derived for display and never
// stored.
func (e DriverEarnings) Profit(totalPrice decimal.Decimal) decimal.Decimal {
	return totalPrice.Sub(e.Total())
}
