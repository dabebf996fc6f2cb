// README: Booking service: lifecycle transitions, dispatch progression, ledger hand-offs.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fleetfare/internal/events"
	"fleetfare/internal/logger"
	routemaps "fleetfare/internal/maps"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/types"
)

// Ledger is the payment module seen from the booking side. The Tx variants
// run inside the booking's row-lock transaction so money and state commit
// atomically.
type Ledger interface {
	CaptureTx(ctx context.Context, tx pgx.Tx, b *Booking, operationID string) error
	RefundTx(ctx context.Context, tx pgx.Tx, b *Booking, amount decimal.Decimal, operationID string) error
	AdjustTx(ctx context.Context, tx pgx.Tx, b *Booking, supplement, credit decimal.Decimal, note, operationID string) error
	RecordCaptureFailure(ctx context.Context, b *Booking, operationID, reason string) error
}

// PaymentDeclinedError is returned by Confirm when the processor refuses the
// charge. The booking stays PENDING with the reason recorded.
type PaymentDeclinedError struct {
	Reason    string
	Retryable bool
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

type PricingEngine interface {
	Quote(ctx context.Context, cmd pricing.QuoteCommand) (pricing.Breakdown, error)
	RedeemPromo(ctx context.Context, tenantID types.ID, code string) error
	RefundPercent(ctx context.Context, tenantID types.ID, pickupAt, now time.Time) (decimal.Decimal, error)
}

type RouteEstimator interface {
	EstimateTrip(ctx context.Context, pickup, dropoff types.Point) (routemaps.Estimate, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

type Service struct {
	store   *Store
	fleet   FleetDirectory
	pricing PricingEngine
	routes  RouteEstimator
	ledger  Ledger
	pub     EventPublisher
	log     logger.Logger
}

func NewService(store *Store, fleet FleetDirectory, pe PricingEngine, routes RouteEstimator, ledger Ledger, pub EventPublisher, log logger.Logger) *Service {
	return &Service{store: store, fleet: fleet, pricing: pe, routes: routes, ledger: ledger, pub: pub, log: log}
}

type CreateCommand struct {
	TenantID           types.ID
	PassengerID        types.ID
	PassengerName      string
	CorporateAccountID *types.ID
	Pickup             Stop
	Dropoff            Stop
	Waypoints          []Stop
	PickupAt           time.Time
	Timezone           string
	ServiceType        pricing.ServiceType
	TripType           TripType
	VehicleClass       string
	PassengerCount     int
	FlightNumber       string
	SpecialRequests    string
	PaymentMethodRef   string
	Billing            pricing.BillingMethod
	DurationHours      float64
	PromoCode          string
}

// Create quotes the trip, freezes the breakdown onto the booking and opens it
// in PENDING. The promo use is burned here; an exhausted code fails the whole
// request rather than silently dropping the discount.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	if cmd.TenantID == "" || cmd.PassengerID == "" {
		return nil, fmt.Errorf("%w: tenant and passenger are required", ErrBadRequest)
	}
	if cmd.PaymentMethodRef == "" {
		return nil, fmt.Errorf("%w: payment method is required", ErrBadRequest)
	}
	if cmd.PickupAt.IsZero() {
		return nil, fmt.Errorf("%w: pickup time is required", ErrBadRequest)
	}
	if cmd.TripType == "" {
		cmd.TripType = TripOneWay
	}

	loc := time.UTC
	if cmd.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cmd.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrBadRequest, cmd.Timezone)
		}
	}

	est, err := s.routes.EstimateTrip(ctx, cmd.Pickup.Point, cmd.Dropoff.Point)
	if err != nil {
		return nil, err
	}

	breakdown, err := s.pricing.Quote(ctx, pricing.QuoteCommand{
		TenantID: cmd.TenantID,
		Trip: pricing.TripParams{
			ServiceType:     cmd.ServiceType,
			VehicleClass:    cmd.VehicleClass,
			DistanceKm:      est.DistanceKm,
			DurationMinutes: est.DurationMin,
			DurationHours:   cmd.DurationHours,
			PickupAt:        cmd.PickupAt.In(loc),
			Billing:         cmd.Billing,
		},
		PromoCode: cmd.PromoCode,
	})
	if err != nil {
		return nil, err
	}

	if breakdown.PromoCode != "" {
		if err := s.pricing.RedeemPromo(ctx, cmd.TenantID, breakdown.PromoCode); err != nil {
			return nil, err
		}
	}

	b := &Booking{
		ID:                 types.NewID(),
		TenantID:           cmd.TenantID,
		PassengerID:        cmd.PassengerID,
		PassengerName:      cmd.PassengerName,
		CorporateAccountID: cmd.CorporateAccountID,
		Pickup:             cmd.Pickup,
		Dropoff:            cmd.Dropoff,
		Waypoints:          cmd.Waypoints,
		PickupAt:           cmd.PickupAt.UTC(),
		Timezone:           cmd.Timezone,
		ServiceType:        cmd.ServiceType,
		TripType:           cmd.TripType,
		VehicleClass:       cmd.VehicleClass,
		PassengerCount:     cmd.PassengerCount,
		FlightNumber:       cmd.FlightNumber,
		SpecialRequests:    cmd.SpecialRequests,
		PaymentMethodRef:   cmd.PaymentMethodRef,
		Price:              breakdown,
		ChargedAmount:      decimal.Zero,
		SupplementAmount:   decimal.Zero,
		CreditAmount:       decimal.Zero,
		PaymentStatus:      PaymentUnpaid,
		Status:             StatusPending,
		DriverStatus:       DriverUnassigned,
		StatusVersion:      1,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &Event{
		BookingID: b.ID, FromStatus: "", ToStatus: StatusPending,
		FromDriverStatus: "", ToDriverStatus: DriverUnassigned,
		ActorType: "passenger", Note: "booking created",
	})
	s.publish(ctx, events.BookingCreated, b)
	return b, nil
}

// Confirm captures the frozen total and moves PENDING -> CONFIRMED. Capture
// and transition commit in one transaction; a processor decline rolls both
// back and leaves the booking PENDING with the failure recorded.
func (s *Service) Confirm(ctx context.Context, id types.ID, operationID string, actorID types.ID) (*Booking, error) {
	if operationID == "" {
		operationID = types.NewID()
	}
	var snapshot *Booking
	err := s.store.WithBookingLock(ctx, id, func(ctx context.Context, tx pgx.Tx, b *Booking) error {
		snapshot = b
		if b.Status != StatusPending {
			return &InvalidTransitionError{From: string(b.Status), Attempted: string(StatusConfirmed)}
		}
		if err := s.ledger.CaptureTx(ctx, tx, b, operationID); err != nil {
			return err
		}
		if err := MarkConfirmed(ctx, tx, b.ID, b.StatusVersion); err != nil {
			return err
		}
		return AppendEventTx(ctx, tx, &Event{
			BookingID: b.ID, FromStatus: StatusPending, ToStatus: StatusConfirmed,
			FromDriverStatus: b.DriverStatus, ToDriverStatus: b.DriverStatus,
			ActorType: "staff", ActorID: &actorID, Note: "payment captured",
			CreatedAt: time.Now().UTC(),
		})
	})

	var declined *PaymentDeclinedError
	if errors.As(err, &declined) {
		if ferr := s.store.RecordPaymentFailure(ctx, id, declined.Reason); ferr != nil {
			s.log.Error("record payment failure", logger.Error(ferr))
		}
		if ferr := s.ledger.RecordCaptureFailure(ctx, snapshotOrGet(ctx, s.store, id, snapshot), operationID, declined.Reason); ferr != nil {
			s.log.Error("record failed capture", logger.Error(ferr))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingConfirmed, b)
	return b, nil
}

// Decline rejects a PENDING booking before any charge. Terminal; nothing to
// refund.
func (s *Service) Decline(ctx context.Context, id types.ID, reason string, actorID types.ID) (*Booking, error) {
	err := s.store.WithBookingLock(ctx, id, func(ctx context.Context, tx pgx.Tx, b *Booking) error {
		if b.Status != StatusPending {
			return &InvalidTransitionError{From: string(b.Status), Attempted: string(StatusCancelled)}
		}
		if err := MarkCancelled(ctx, tx, b.ID, StatusPending, b.StatusVersion, reason, "staff"); err != nil {
			return err
		}
		return AppendEventTx(ctx, tx, &Event{
			BookingID: b.ID, FromStatus: StatusPending, ToStatus: StatusCancelled,
			FromDriverStatus: b.DriverStatus, ToDriverStatus: b.DriverStatus,
			ActorType: "staff", ActorID: &actorID, Note: reason,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingDeclined, b)
	return b, nil
}

type CancelCommand struct {
	BookingID   types.ID
	ActorType   string // "passenger" or "staff"
	ActorID     types.ID
	Reason      string
	OperationID string
}

// Cancel ends the booking from PENDING or CONFIRMED. A confirmed cancellation
// refunds by the tenant's tier policy when the passenger cancels, and in full
// when staff cancel. Refund and transition commit atomically.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Booking, error) {
	if cmd.ActorType != "passenger" && cmd.ActorType != "staff" {
		return nil, fmt.Errorf("%w: unknown cancel actor %q", ErrBadRequest, cmd.ActorType)
	}
	if cmd.OperationID == "" {
		cmd.OperationID = types.NewID()
	}
	err := s.store.WithBookingLock(ctx, cmd.BookingID, func(ctx context.Context, tx pgx.Tx, b *Booking) error {
		if !CanTransition(b.Status, StatusCancelled) {
			return &InvalidTransitionError{From: string(b.Status), Attempted: string(StatusCancelled)}
		}
		// a finished ride settles through Fulfil, not Cancel
		if b.DriverStatus == DriverJobDone {
			return &InvalidTransitionError{From: string(DriverJobDone), Attempted: string(StatusCancelled)}
		}

		if b.Status == StatusConfirmed && b.ChargedAmount.IsPositive() {
			refundPct := decimal.NewFromInt(100)
			if cmd.ActorType == "passenger" {
				var err error
				refundPct, err = s.pricing.RefundPercent(ctx, b.TenantID, b.PickupAt, time.Now().UTC())
				if err != nil {
					return err
				}
			}
			refund := types.Round2(types.Percent(b.ChargedAmount, refundPct))
			if refund.IsPositive() {
				if err := s.ledger.RefundTx(ctx, tx, b, refund, cmd.OperationID); err != nil {
					return err
				}
			}
		}

		if err := MarkCancelled(ctx, tx, b.ID, b.Status, b.StatusVersion, cmd.Reason, cmd.ActorType); err != nil {
			return err
		}
		return AppendEventTx(ctx, tx, &Event{
			BookingID: b.ID, FromStatus: b.Status, ToStatus: StatusCancelled,
			FromDriverStatus: b.DriverStatus, ToDriverStatus: b.DriverStatus,
			ActorType: cmd.ActorType, ActorID: &cmd.ActorID, Note: cmd.Reason,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingCancelled, b)
	return b, nil
}

type AssignCommand struct {
	BookingID types.ID
	DriverID  types.ID
	VehicleID types.ID
	Earnings  DriverEarnings
	ActorID   types.ID
}

// Assign points a confirmed booking at a driver and vehicle. Reassignment is
// allowed any time before JOB_DONE and resets dispatch progress to ASSIGNED;
// the earnings snapshot is overwritten, not accumulated.
func (s *Service) Assign(ctx context.Context, cmd AssignCommand) (*Booking, error) {
	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusConfirmed {
		return nil, &InvalidTransitionError{From: string(b.Status), Attempted: string(DriverAssigned)}
	}
	if !CanAssignDriver(b.DriverStatus) {
		return nil, &InvalidTransitionError{From: string(b.DriverStatus), Attempted: string(DriverAssigned)}
	}

	active, err := s.fleet.DriverActive(ctx, b.TenantID, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrDriverNotEligible
	}
	exists, err := s.fleet.VehicleExists(ctx, b.TenantID, cmd.VehicleID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: vehicle not in fleet", ErrBadRequest)
	}

	if err := s.store.SetAssignment(ctx, b.ID, b.StatusVersion, cmd.DriverID, cmd.VehicleID, cmd.Earnings); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, &Event{
		BookingID: b.ID, FromStatus: b.Status, ToStatus: b.Status,
		FromDriverStatus: b.DriverStatus, ToDriverStatus: DriverAssigned,
		ActorType: "staff", ActorID: &cmd.ActorID, Note: "driver assigned",
	})
	b, err = s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingDriverAssigned, b)
	return b, nil
}

type ProgressCommand struct {
	BookingID types.ID
	DriverID  types.ID
	To        DriverStatus
}

// AdvanceDriver moves the dispatch machine exactly one step forward on behalf
// of the assigned driver.
func (s *Service) AdvanceDriver(ctx context.Context, cmd ProgressCommand) (*Booking, error) {
	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusConfirmed {
		return nil, &InvalidTransitionError{From: string(b.Status), Attempted: string(cmd.To)}
	}
	if b.DriverID == nil || *b.DriverID != cmd.DriverID {
		return nil, fmt.Errorf("%w: booking is not assigned to this driver", ErrBadRequest)
	}
	if !CanAdvanceDriver(b.DriverStatus, cmd.To) {
		return nil, &InvalidTransitionError{From: string(b.DriverStatus), Attempted: string(cmd.To)}
	}

	if err := s.store.AdvanceDriver(ctx, b.ID, b.StatusVersion, b.DriverStatus, cmd.To); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, &Event{
		BookingID: b.ID, FromStatus: b.Status, ToStatus: b.Status,
		FromDriverStatus: b.DriverStatus, ToDriverStatus: cmd.To,
		ActorType: "driver", ActorID: &cmd.DriverID,
	})
	b, err = s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingDriverProgress, b)
	return b, nil
}

type FulfilCommand struct {
	BookingID   types.ID
	Supplement  decimal.Decimal
	Credit      decimal.Decimal
	Note        string
	OperationID string
	ActorID     types.ID
}

// Fulfil closes out a finished job: optional supplement/credit adjustment,
// then CONFIRMED -> COMPLETED. Requires the driver to have reached JOB_DONE.
// Each money movement commits in its own transaction before the next is
// attempted: the processor has already honoured a settled charge, so a
// declined credit must not roll a committed supplement back. Retrying with
// the same operation id skips the settled legs.
func (s *Service) Fulfil(ctx context.Context, cmd FulfilCommand) (*Booking, error) {
	if cmd.Supplement.IsNegative() || cmd.Credit.IsNegative() {
		return nil, fmt.Errorf("%w: supplement and credit must be non-negative", ErrBadRequest)
	}
	if cmd.OperationID == "" {
		cmd.OperationID = types.NewID()
	}
	if cmd.Supplement.IsPositive() {
		if err := s.fulfilAdjust(ctx, cmd.BookingID, cmd.Supplement, decimal.Zero, cmd.Note, cmd.OperationID); err != nil {
			return nil, err
		}
	}
	if cmd.Credit.IsPositive() {
		creditOp := cmd.OperationID
		if cmd.Supplement.IsPositive() {
			creditOp += ":credit"
		}
		if err := s.fulfilAdjust(ctx, cmd.BookingID, decimal.Zero, cmd.Credit, cmd.Note, creditOp); err != nil {
			return nil, err
		}
	}
	err := s.store.WithBookingLock(ctx, cmd.BookingID, func(ctx context.Context, tx pgx.Tx, b *Booking) error {
		if b.Status != StatusConfirmed {
			return &InvalidTransitionError{From: string(b.Status), Attempted: string(StatusCompleted)}
		}
		if b.DriverStatus != DriverJobDone {
			return &InvalidTransitionError{From: string(b.DriverStatus), Attempted: string(StatusCompleted)}
		}
		if err := MarkCompleted(ctx, tx, b.ID, b.StatusVersion); err != nil {
			return err
		}
		return AppendEventTx(ctx, tx, &Event{
			BookingID: b.ID, FromStatus: StatusConfirmed, ToStatus: StatusCompleted,
			FromDriverStatus: b.DriverStatus, ToDriverStatus: b.DriverStatus,
			ActorType: "staff", ActorID: &cmd.ActorID, Note: cmd.Note,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingCompleted, b)
	return b, nil
}

// fulfilAdjust settles one adjustment movement under its own booking lock.
func (s *Service) fulfilAdjust(ctx context.Context, id types.ID, supplement, credit decimal.Decimal, note, operationID string) error {
	return s.store.WithBookingLock(ctx, id, func(ctx context.Context, tx pgx.Tx, b *Booking) error {
		if b.Status != StatusConfirmed {
			return &InvalidTransitionError{From: string(b.Status), Attempted: string(StatusCompleted)}
		}
		if b.DriverStatus != DriverJobDone {
			return &InvalidTransitionError{From: string(b.DriverStatus), Attempted: string(StatusCompleted)}
		}
		return s.ledger.AdjustTx(ctx, tx, b, supplement, credit, note, operationID)
	})
}

// NoShowOutcome selects how the fare is settled when the passenger never
// appears.
type NoShowOutcome string

const (
	NoShowClose  NoShowOutcome = "close"  // keep the charge
	NoShowRefund NoShowOutcome = "refund" // return it in full
)

type NoShowCommand struct {
	BookingID   types.ID
	Outcome     NoShowOutcome
	ActorID     types.ID
	OperationID string
}

// NoShow resolves a no-show after the driver has ARRIVED. The booking ends
// CANCELLED with reason "no_show"; the outcome decides whether the captured
// fare is kept or returned.
func (s *Service) NoShow(ctx context.Context, cmd NoShowCommand) (*Booking, error) {
	if cmd.Outcome != NoShowClose && cmd.Outcome != NoShowRefund {
		return nil, fmt.Errorf("%w: unknown no-show outcome %q", ErrBadRequest, cmd.Outcome)
	}
	if cmd.OperationID == "" {
		cmd.OperationID = types.NewID()
	}
	err := s.store.WithBookingLock(ctx, cmd.BookingID, func(ctx context.Context, tx pgx.Tx, b *Booking) error {
		if b.Status != StatusConfirmed {
			return &InvalidTransitionError{From: string(b.Status), Attempted: string(StatusCancelled)}
		}
		if b.DriverStatus != DriverArrived {
			return &InvalidTransitionError{From: string(b.DriverStatus), Attempted: "no_show"}
		}
		if cmd.Outcome == NoShowRefund && b.ChargedAmount.IsPositive() {
			if err := s.ledger.RefundTx(ctx, tx, b, b.ChargedAmount, cmd.OperationID); err != nil {
				return err
			}
		}
		if err := MarkCancelled(ctx, tx, b.ID, StatusConfirmed, b.StatusVersion, "no_show", "staff"); err != nil {
			return err
		}
		return AppendEventTx(ctx, tx, &Event{
			BookingID: b.ID, FromStatus: StatusConfirmed, ToStatus: StatusCancelled,
			FromDriverStatus: b.DriverStatus, ToDriverStatus: b.DriverStatus,
			ActorType: "staff", ActorID: &cmd.ActorID, Note: "no_show:" + string(cmd.Outcome),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingNoShow, b)
	return b, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, tenantID types.ID, status Status, limit, offset int) ([]*Booking, error) {
	return s.store.ListByTenant(ctx, tenantID, status, limit, offset)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.EventsForBooking(ctx, id)
}

func (s *Service) recordEvent(ctx context.Context, e *Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.log.Error("append booking event", logger.Error(err), logger.String("booking_id", string(e.BookingID)))
	}
}

// publish is fire-and-forget: a broker outage must not fail the transition
// that already committed.
func (s *Service) publish(ctx context.Context, event string, b *Booking) {
	if s.pub == nil {
		return
	}
	payload := map[string]any{
		"booking_id":    b.ID,
		"tenant_id":     b.TenantID,
		"status":        b.Status,
		"driver_status": b.DriverStatus,
		"total_price":   b.Price.Total,
		"currency":      b.Price.Currency,
	}
	if err := s.pub.Publish(ctx, event, payload); err != nil {
		s.log.Warn("publish booking event", logger.String("event", event), logger.Error(err))
	}
}

func snapshotOrGet(ctx context.Context, store *Store, id types.ID, snapshot *Booking) *Booking {
	if snapshot != nil {
		return snapshot
	}
	b, err := store.Get(ctx, id)
	if err != nil {
		return &Booking{ID: id}
	}
	return b
}
