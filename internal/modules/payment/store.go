// README: Payment store; all money-moving writes are tx-scoped under the booking lock.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fleetfare/internal/modules/booking"
	"fleetfare/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const paymentColumns = `
	id, booking_id, operation_id, kind, amount, currency, method,
	status, processor_ref, failure_reason, note, platform_fee, created_at, settled_at`

// InsertTx appends a ledger row. The unique (booking_id, operation_id) index
// turns a replay into ErrDuplicateOperation instead of a second movement.
func InsertTx(ctx context.Context, db execer, p *Payment) error {
	if p.ID == "" {
		p.ID = types.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		string(p.ID), string(p.BookingID), p.OperationID, string(p.Kind),
		p.Amount, p.Currency, p.Method,
		string(p.Status), p.ProcessorRef, p.FailureReason, p.Note,
		p.PlatformFee, p.CreatedAt, p.SettledAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateOperation
	}
	return err
}

func (s *Store) Insert(ctx context.Context, p *Payment) error {
	return InsertTx(ctx, s.db, p)
}

// ByOperation looks a row up by its idempotency pair.
func ByOperation(ctx context.Context, db querier, bookingID types.ID, operationID string) (*Payment, error) {
	row := db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1 AND operation_id = $2`,
		string(bookingID), operationID,
	)
	return scanPayment(row)
}

func (s *Store) ByOperation(ctx context.Context, bookingID types.ID, operationID string) (*Payment, error) {
	return ByOperation(ctx, s.db, bookingID, operationID)
}

// CapturedRef finds the processor reference of the booking's settled capture,
// which every refund is issued against.
func CapturedRef(ctx context.Context, db querier, bookingID types.ID) (string, error) {
	var ref string
	err := db.QueryRow(ctx, `
		SELECT processor_ref FROM payments
		WHERE booking_id = $1 AND kind = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1`,
		string(bookingID), string(KindCapture), string(StatusSucceeded),
	).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNothingCaptured
	}
	return ref, err
}

func (s *Store) ListByBooking(ctx context.Context, bookingID types.ID) ([]Payment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1 ORDER BY created_at`,
		string(bookingID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ApplyChargeTx rolls a settled movement into the booking's financial columns.
// charged_amount always equals captures plus supplements minus credits and
// refunds; supplement_amount and credit_amount are itemized running totals.
func ApplyChargeTx(ctx context.Context, db execer, bookingID types.ID, kind Kind, amount decimal.Decimal) error {
	var set string
	switch kind {
	case KindCapture:
		set = "charged_amount = charged_amount + $1"
	case KindSupplement:
		set = "charged_amount = charged_amount + $1, supplement_amount = supplement_amount + $1"
	case KindCredit:
		set = "charged_amount = charged_amount - $1, credit_amount = credit_amount + $1"
	case KindRefund:
		set = "charged_amount = charged_amount - $1"
	default:
		return ErrBadRequest
	}
	_, err := db.Exec(ctx, `
		UPDATE bookings SET `+set+`, updated_at = NOW() WHERE id = $2`,
		amount, string(bookingID),
	)
	return err
}

// SetBookingPaymentStatusTx writes the ledger's rollup onto the booking.
func SetBookingPaymentStatusTx(ctx context.Context, db execer, bookingID types.ID, status booking.PaymentStatus) error {
	_, err := db.Exec(ctx, `
		UPDATE bookings SET payment_status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), string(bookingID),
	)
	return err
}

// SettleTx flips a previously failed row to settled in place, keeping its
// operation id so a retry never double-books.
func SettleTx(ctx context.Context, db execer, id types.ID, processorRef string, fee decimal.Decimal) error {
	_, err := db.Exec(ctx, `
		UPDATE payments SET status = $1, processor_ref = $2, platform_fee = $3,
			failure_reason = '', settled_at = NOW()
		WHERE id = $4`,
		string(StatusSucceeded), processorRef, fee, string(id),
	)
	return err
}

func (s *Store) MarkStatus(ctx context.Context, id types.ID, status Status, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payments SET status = $1, failure_reason = $2,
			settled_at = CASE WHEN $1 = 'SUCCEEDED' THEN NOW() ELSE settled_at END
		WHERE id = $3`,
		string(status), reason, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.BookingID, &p.OperationID, &p.Kind, &p.Amount, &p.Currency, &p.Method,
		&p.Status, &p.ProcessorRef, &p.FailureReason, &p.Note, &p.PlatformFee,
		&p.CreatedAt, &p.SettledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
