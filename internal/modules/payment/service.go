// README: Payment service: implements the booking ledger, post-trip adjustments,
// and processor webhook intake.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"fleetfare/internal/events"
	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/processor"
	"fleetfare/internal/types"
)

type EventPublisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

type Service struct {
	store      *Store
	bookings   *booking.Store
	processor  processor.Client
	redis      *redis.Client
	feePercent decimal.Decimal
	pub        EventPublisher
	log        logger.Logger
}

func NewService(store *Store, bookings *booking.Store, pc processor.Client, rdb *redis.Client, feePercent decimal.Decimal, pub EventPublisher, log logger.Logger) *Service {
	return &Service{store: store, bookings: bookings, processor: pc, redis: rdb, feePercent: feePercent, pub: pub, log: log}
}

// fee is the platform's cut of an inbound charge; the tenant payout is the
// remainder.
func (s *Service) fee(amount decimal.Decimal) decimal.Decimal {
	return types.Round2(types.Percent(amount, s.feePercent))
}

var _ booking.Ledger = (*Service)(nil)

// CaptureTx charges the booking's frozen total inside the caller's booking
// lock. Replaying the same operation id is a no-op success: the processor is
// only ever invoked once per operation.
func (s *Service) CaptureTx(ctx context.Context, tx pgx.Tx, b *booking.Booking, operationID string) error {
	existing, err := s.existingOperation(ctx, tx, b.ID, operationID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == StatusSucceeded {
		return nil
	}
	if s.processor == nil {
		return ErrNotConfigured
	}

	res, err := s.processor.Capture(ctx, b.Price.Total, b.Price.Currency, b.PaymentMethodRef)
	if err != nil {
		return declineOf(err)
	}

	now := time.Now().UTC()
	if existing != nil {
		// retry over a failed attempt settles the same row
		if err := SettleTx(ctx, tx, existing.ID, res.ProcessorRef, s.fee(b.Price.Total)); err != nil {
			return err
		}
	} else if err := InsertTx(ctx, tx, &Payment{
		BookingID:    b.ID,
		OperationID:  operationID,
		Kind:         KindCapture,
		Amount:       b.Price.Total,
		Currency:     b.Price.Currency,
		Method:       b.PaymentMethodRef,
		Status:       StatusSucceeded,
		ProcessorRef: res.ProcessorRef,
		PlatformFee:  s.fee(b.Price.Total),
		SettledAt:    &now,
	}); err != nil {
		if errors.Is(err, ErrDuplicateOperation) {
			return nil
		}
		return err
	}
	if err := ApplyChargeTx(ctx, tx, b.ID, KindCapture, b.Price.Total); err != nil {
		return err
	}
	return SetBookingPaymentStatusTx(ctx, tx, b.ID, booking.PaymentPaid)
}

// RefundTx returns amount against the booking's settled capture and deducts
// it from charged_amount. A partial return leaves the booking
// PARTIALLY_REFUNDED; bringing charged_amount to zero makes it REFUNDED.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, b *booking.Booking, amount decimal.Decimal, operationID string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: refund amount must be positive", ErrBadRequest)
	}
	existing, err := s.existingOperation(ctx, tx, b.ID, operationID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == StatusSucceeded {
		return nil
	}
	if s.processor == nil {
		return ErrNotConfigured
	}

	ref, err := CapturedRef(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(b.ChargedAmount) {
		return fmt.Errorf("%w: refund exceeds charged amount", ErrBadRequest)
	}
	if _, err := s.processor.Refund(ctx, ref, amount); err != nil {
		return declineOf(err)
	}

	now := time.Now().UTC()
	if existing != nil {
		if err := SettleTx(ctx, tx, existing.ID, ref, decimal.Zero); err != nil {
			return err
		}
	} else if err := InsertTx(ctx, tx, &Payment{
		BookingID:    b.ID,
		OperationID:  operationID,
		Kind:         KindRefund,
		Amount:       amount,
		Currency:     b.Price.Currency,
		Method:       b.PaymentMethodRef,
		Status:       StatusSucceeded,
		ProcessorRef: ref,
		SettledAt:    &now,
	}); err != nil {
		if errors.Is(err, ErrDuplicateOperation) {
			return nil
		}
		return err
	}

	if err := ApplyChargeTx(ctx, tx, b.ID, KindRefund, amount); err != nil {
		return err
	}
	return SetBookingPaymentStatusTx(ctx, tx, b.ID, refundedStatus(b.ChargedAmount.Sub(amount)))
}

// refundedStatus maps what is still charged after a return onto the booking's
// payment status.
func refundedStatus(remaining decimal.Decimal) booking.PaymentStatus {
	if remaining.IsPositive() {
		return booking.PaymentPartiallyRefunded
	}
	return booking.PaymentRefunded
}

// AdjustTx applies a single supplement charge or credit refund. Each movement
// settles in its own transaction: once the processor has honoured a charge,
// a failure on a later movement must not roll this one back, so callers with
// both a supplement and a credit issue two AdjustTx calls under separate
// locks with distinct operation ids. Outside the fulfilment flow it is
// bounded by the adjustment window after completion.
func (s *Service) AdjustTx(ctx context.Context, tx pgx.Tx, b *booking.Booking, supplement, credit decimal.Decimal, note, operationID string) error {
	if supplement.IsNegative() || credit.IsNegative() {
		return fmt.Errorf("%w: adjustment amounts must be non-negative", ErrBadRequest)
	}
	if supplement.IsPositive() && credit.IsPositive() {
		return fmt.Errorf("%w: supplement and credit settle as separate operations", ErrBadRequest)
	}
	if !supplement.IsPositive() && !credit.IsPositive() {
		return fmt.Errorf("%w: nothing to adjust", ErrBadRequest)
	}
	existing, err := s.existingOperation(ctx, tx, b.ID, operationID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == StatusSucceeded {
		return nil
	}
	if b.CompletedAt != nil && time.Since(*b.CompletedAt) > AdjustmentWindow {
		return ErrWindowClosed
	}
	if s.processor == nil {
		return ErrNotConfigured
	}

	now := time.Now().UTC()
	if supplement.IsPositive() {
		res, err := s.processor.Capture(ctx, supplement, b.Price.Currency, b.PaymentMethodRef)
		if err != nil {
			return declineOf(err)
		}
		if existing != nil {
			if err := SettleTx(ctx, tx, existing.ID, res.ProcessorRef, s.fee(supplement)); err != nil {
				return err
			}
		} else if err := InsertTx(ctx, tx, &Payment{
			BookingID:    b.ID,
			OperationID:  operationID,
			Kind:         KindSupplement,
			Amount:       supplement,
			Currency:     b.Price.Currency,
			Method:       b.PaymentMethodRef,
			Status:       StatusSucceeded,
			ProcessorRef: res.ProcessorRef,
			PlatformFee:  s.fee(supplement),
			Note:         note,
			SettledAt:    &now,
		}); err != nil {
			if errors.Is(err, ErrDuplicateOperation) {
				return nil
			}
			return err
		}
		return ApplyChargeTx(ctx, tx, b.ID, KindSupplement, supplement)
	}

	if credit.GreaterThan(b.ChargedAmount) {
		return fmt.Errorf("%w: credit exceeds charged amount", ErrBadRequest)
	}
	ref, err := CapturedRef(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	if _, err := s.processor.Refund(ctx, ref, credit); err != nil {
		return declineOf(err)
	}
	if existing != nil {
		if err := SettleTx(ctx, tx, existing.ID, ref, decimal.Zero); err != nil {
			return err
		}
	} else if err := InsertTx(ctx, tx, &Payment{
		BookingID:    b.ID,
		OperationID:  operationID,
		Kind:         KindCredit,
		Amount:       credit,
		Currency:     b.Price.Currency,
		Method:       b.PaymentMethodRef,
		Status:       StatusSucceeded,
		ProcessorRef: ref,
		Note:         note,
		SettledAt:    &now,
	}); err != nil {
		if errors.Is(err, ErrDuplicateOperation) {
			return nil
		}
		return err
	}
	if err := ApplyChargeTx(ctx, tx, b.ID, KindCredit, credit); err != nil {
		return err
	}
	return SetBookingPaymentStatusTx(ctx, tx, b.ID, refundedStatus(b.ChargedAmount.Sub(credit)))
}

// RecordCaptureFailure persists the declined attempt after the confirm
// transaction rolled back, so staff can see why the booking is still PENDING.
func (s *Service) RecordCaptureFailure(ctx context.Context, b *booking.Booking, operationID, reason string) error {
	err := s.store.Insert(ctx, &Payment{
		BookingID:     b.ID,
		OperationID:   operationID,
		Kind:          KindCapture,
		Amount:        b.Price.Total,
		Currency:      b.Price.Currency,
		Method:        b.PaymentMethodRef,
		Status:        StatusFailed,
		FailureReason: reason,
	})
	if errors.Is(err, ErrDuplicateOperation) {
		return nil
	}
	return err
}

type AdjustCommand struct {
	BookingID   types.ID
	Supplement  decimal.Decimal
	Credit      decimal.Decimal
	Note        string
	OperationID string
}

// Adjust raises a post-completion supplement and/or credit. When both are
// requested the supplement commits before the credit is attempted, so a
// declined credit leaves the already-honoured supplement settled; a retry
// with the same operation id skips the settled leg and only re-attempts the
// credit (under its derived ":credit" operation id).
func (s *Service) Adjust(ctx context.Context, cmd AdjustCommand) (*booking.Booking, error) {
	if !cmd.Supplement.IsPositive() && !cmd.Credit.IsPositive() {
		return nil, fmt.Errorf("%w: nothing to adjust", ErrBadRequest)
	}
	if cmd.OperationID == "" {
		cmd.OperationID = types.NewID()
	}
	if cmd.Supplement.IsPositive() {
		if err := s.adjustOne(ctx, cmd.BookingID, cmd.Supplement, decimal.Zero, cmd.Note, cmd.OperationID); err != nil {
			return nil, err
		}
	}
	if cmd.Credit.IsPositive() {
		creditOp := cmd.OperationID
		if cmd.Supplement.IsPositive() {
			creditOp += ":credit"
		}
		if err := s.adjustOne(ctx, cmd.BookingID, decimal.Zero, cmd.Credit, cmd.Note, creditOp); err != nil {
			return nil, err
		}
	}
	b, err := s.bookings.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.PaymentAdjusted, b.ID, cmd.OperationID)
	return b, nil
}

func (s *Service) adjustOne(ctx context.Context, id types.ID, supplement, credit decimal.Decimal, note, operationID string) error {
	return s.bookings.WithBookingLock(ctx, id, func(ctx context.Context, tx pgx.Tx, b *booking.Booking) error {
		if b.Status != booking.StatusCompleted {
			return fmt.Errorf("%w: adjustments only apply to completed bookings", ErrBadRequest)
		}
		return s.AdjustTx(ctx, tx, b, supplement, credit, note, operationID)
	})
}

func (s *Service) ListByBooking(ctx context.Context, bookingID types.ID) ([]Payment, error) {
	return s.store.ListByBooking(ctx, bookingID)
}

// HandleProcessorEvent is the webhook intake. Events replay at-least-once;
// a short redis claim absorbs bursts and the ledger's unique operation pair
// is the durable guarantee behind it.
func (s *Service) HandleProcessorEvent(ctx context.Context, ev processor.Event) error {
	if ev.BookingID == "" || ev.OperationID == "" {
		return fmt.Errorf("%w: event missing booking or operation id", ErrBadRequest)
	}

	if s.redis != nil {
		key := fmt.Sprintf("payment:event:%s:%s:%s", ev.BookingID, ev.OperationID, ev.Status)
		claimed, err := s.redis.SetNX(ctx, key, 1, 24*time.Hour).Result()
		if err != nil {
			s.log.Warn("claim processor event", logger.Error(err))
		} else if !claimed {
			return nil
		}
	}

	p, err := s.store.ByOperation(ctx, types.ID(ev.BookingID), ev.OperationID)
	if errors.Is(err, ErrNotFound) {
		// the processor settled something we never initiated; surface loudly
		s.log.Error("processor event for unknown operation",
			logger.String("booking_id", ev.BookingID),
			logger.String("operation_id", ev.OperationID))
		return nil
	}
	if err != nil {
		return err
	}

	switch ev.Status {
	case "succeeded":
		if p.Status == StatusSucceeded {
			return nil
		}
		// the row settles under the booking lock so its movement lands on the
		// booking's financial columns in the same transaction
		ref := ev.ProcessorRef
		if ref == "" {
			ref = p.ProcessorRef
		}
		err := s.bookings.WithBookingLock(ctx, p.BookingID, func(ctx context.Context, tx pgx.Tx, b *booking.Booking) error {
			fee := decimal.Zero
			if p.Kind == KindCapture || p.Kind == KindSupplement {
				fee = s.fee(p.Amount)
			}
			if err := SettleTx(ctx, tx, p.ID, ref, fee); err != nil {
				return err
			}
			if err := ApplyChargeTx(ctx, tx, b.ID, p.Kind, p.Amount); err != nil {
				return err
			}
			switch p.Kind {
			case KindCapture, KindSupplement:
				return SetBookingPaymentStatusTx(ctx, tx, b.ID, booking.PaymentPaid)
			default:
				return SetBookingPaymentStatusTx(ctx, tx, b.ID, refundedStatus(b.ChargedAmount.Sub(p.Amount)))
			}
		})
		if err != nil {
			return err
		}
		event := events.PaymentPaid
		if p.Kind == KindRefund || p.Kind == KindCredit {
			event = events.PaymentRefunded
		}
		s.publish(ctx, event, p.BookingID, p.OperationID)
	case "failed":
		if p.Status == StatusSucceeded {
			// our synchronous result disagrees with the webhook; keep the
			// ledger row and flag it for reconciliation
			s.log.Error("processor reports failure for settled payment",
				logger.String("payment_id", string(p.ID)),
				logger.String("operation_id", p.OperationID))
			return nil
		}
		if err := s.store.MarkStatus(ctx, p.ID, StatusFailed, "processor reported failure"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown event status %q", ErrBadRequest, ev.Status)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event string, bookingID types.ID, operationID string) {
	if s.pub == nil {
		return
	}
	payload := map[string]any{
		"booking_id":   bookingID,
		"operation_id": operationID,
	}
	if err := s.pub.Publish(ctx, event, payload); err != nil {
		s.log.Warn("publish payment event", logger.String("event", event), logger.Error(err))
	}
}

// existingOperation returns the ledger row already holding this operation id,
// or nil when the operation is fresh.
func (s *Service) existingOperation(ctx context.Context, tx pgx.Tx, bookingID types.ID, operationID string) (*Payment, error) {
	p, err := ByOperation(ctx, tx, bookingID, operationID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func declineOf(err error) error {
	var perr *processor.Error
	if errors.As(err, &perr) {
		return &booking.PaymentDeclinedError{Reason: perr.Reason, Retryable: perr.Retryable}
	}
	return err
}
