// README: Booking aggregate and the two orthogonal status machines.
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/types"
)

// Status is the commercial lifecycle of a booking. A no-show resolves to
// StatusCancelled with CancelReason "no_show"; it is a cancellation variant,
// not a completion.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// DriverStatus is the dispatch sub-state, independent of the commercial one.
type DriverStatus string

const (
	DriverUnassigned DriverStatus = "UNASSIGNED"
	DriverAssigned   DriverStatus = "ASSIGNED"
	DriverAccepted   DriverStatus = "ACCEPTED"
	DriverOnTheWay   DriverStatus = "ON_THE_WAY"
	DriverArrived    DriverStatus = "ARRIVED"
	DriverOnBoard    DriverStatus = "PASSENGER_ON_BOARD"
	DriverJobDone    DriverStatus = "JOB_DONE"
)

// AllowedTransitions represents the commercial state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// driverRank orders the dispatch progression. Progress moves forward one step
// at a time; the only sanctioned regression is reassignment back to ASSIGNED.
var driverRank = map[DriverStatus]int{
	DriverUnassigned: 0,
	DriverAssigned:   1,
	DriverAccepted:   2,
	DriverOnTheWay:   3,
	DriverArrived:    4,
	DriverOnBoard:    5,
	DriverJobDone:    6,
}

func CanAdvanceDriver(from, to DriverStatus) bool {
	fr, ok1 := driverRank[from]
	tr, ok2 := driverRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr == fr+1 && fr >= 1
}

// CanAssignDriver reports whether (re)assignment is legal: anything before
// the job is done may be (re)pointed at a driver.
func CanAssignDriver(current DriverStatus) bool {
	return current != DriverJobDone
}

// driverStatusAllowed is the guard table composing the two machines: which
// dispatch states are legal under each commercial state.
var driverStatusAllowed = map[Status]map[DriverStatus]bool{
	StatusPending: {DriverUnassigned: true},
	StatusConfirmed: {
		DriverUnassigned: true, DriverAssigned: true, DriverAccepted: true,
		DriverOnTheWay: true, DriverArrived: true, DriverOnBoard: true, DriverJobDone: true,
	},
	StatusCompleted: {DriverJobDone: true},
	// cancellation freezes whatever dispatch state the booking was in
	StatusCancelled: {
		DriverUnassigned: true, DriverAssigned: true, DriverAccepted: true,
		DriverOnTheWay: true, DriverArrived: true, DriverOnBoard: true, DriverJobDone: true,
	},
}

func DriverStatusLegalUnder(s Status, d DriverStatus) bool {
	return driverStatusAllowed[s][d]
}

// PaymentStatus mirrors the ledger's view of the booking. Only the payment
// module writes it.
type PaymentStatus string

const (
	PaymentUnpaid            PaymentStatus = "UNPAID"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

type TripType string

const (
	TripOneWay TripType = "one_way"
	TripReturn TripType = "return"
)

type Stop struct {
	Point   types.Point `json:"point"`
	Address string      `json:"address"`
}

// Booking is the central record. The price breakdown is frozen at creation;
// the ledger fields only move through payment operations.
type Booking struct {
	ID                 types.ID  `json:"id"`
	TenantID           types.ID  `json:"tenant_id"`
	PassengerID        types.ID  `json:"passenger_id"`
	PassengerName      string    `json:"passenger_name"`
	CorporateAccountID *types.ID `json:"corporate_account_id,omitempty"`
	DriverID           *types.ID `json:"driver_id,omitempty"`
	VehicleID          *types.ID `json:"vehicle_id,omitempty"`
	Pickup             Stop      `json:"pickup"`
	Dropoff            Stop      `json:"dropoff"`
	Waypoints          []Stop    `json:"waypoints,omitempty"`
	PickupAt           time.Time `json:"pickup_at"`
	Timezone           string    `json:"timezone"`

	ServiceType      pricing.ServiceType `json:"service_type"`
	TripType         TripType            `json:"trip_type"`
	VehicleClass     string              `json:"vehicle_class"`
	PassengerCount   int                 `json:"passenger_count"`
	FlightNumber     string              `json:"flight_number,omitempty"`
	SpecialRequests  string              `json:"special_requests,omitempty"`
	PaymentMethodRef string              `json:"payment_method_ref,omitempty"`

	Price pricing.Breakdown `json:"price"`

	ChargedAmount    decimal.Decimal `json:"charged_amount"`
	SupplementAmount decimal.Decimal `json:"supplement_amount"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PaymentFailure   *string         `json:"payment_failure,omitempty"`

	Earnings DriverEarnings `json:"earnings"`

	Status        Status       `json:"status"`
	DriverStatus  DriverStatus `json:"driver_status"`
	StatusVersion int          `json:"status_version"`
	IsTransferred bool         `json:"is_transferred"`
	CancelReason  *string      `json:"cancel_reason,omitempty"`
	CancelActor   *string      `json:"cancel_actor,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Event is one row of the append-only transition log.
type Event struct {
	ID               int64        `json:"id"`
	BookingID        types.ID     `json:"booking_id"`
	FromStatus       Status       `json:"from_status"`
	ToStatus         Status       `json:"to_status"`
	FromDriverStatus DriverStatus `json:"from_driver_status"`
	ToDriverStatus   DriverStatus `json:"to_driver_status"`
	ActorType        string       `json:"actor_type"`
	ActorID          *types.ID    `json:"actor_id,omitempty"`
	Note             string       `json:"note,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// InvalidTransitionError reports a transition attempted outside its allowed
// source state. Nothing is mutated when it is returned.
type InvalidTransitionError struct {
	From      string
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.Attempted)
}

var (
	ErrNotFound          = errors.New("booking not found")
	ErrConflict          = errors.New("booking state conflict")
	ErrBadRequest        = errors.New("bad booking request")
	ErrDriverNotEligible = errors.New("driver not active in fleet")
)
