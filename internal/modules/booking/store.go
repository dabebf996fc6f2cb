// README: Booking store backed by PostgreSQL; per-booking locking and CAS transitions.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetfare/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Pool() *pgxpool.Pool { return s.db }

const bookingColumns = `
	id, tenant_id, passenger_id, passenger_name, corporate_account_id,
	driver_id, vehicle_id,
	pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address,
	waypoints, pickup_at, timezone, service_type, trip_type, vehicle_class,
	passenger_count, flight_number, special_requests, payment_method_ref,
	billing_method, base_fare, surcharge_percentage, surcharge_amount,
	discount_amount, promo_code, total_price, currency,
	charged_amount, supplement_amount, credit_amount, payment_status, payment_failure,
	driver_fare, driver_toll, driver_extras,
	status, driver_status, status_version, is_transferred,
	cancel_reason, cancel_actor,
	created_at, updated_at, confirmed_at, completed_at, cancelled_at`

func (s *Store) Create(ctx context.Context, b *Booking) error {
	waypoints, err := json.Marshal(b.Waypoints)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	_, err = s.db.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38,
			$39,$40,$41,$42,$43,$44,$45,$46,$47,$48,$49,$50
		)`,
		string(b.ID), string(b.TenantID), string(b.PassengerID), b.PassengerName, idPtr(b.CorporateAccountID),
		idPtr(b.DriverID), idPtr(b.VehicleID),
		b.Pickup.Point.Lat, b.Pickup.Point.Lng, b.Pickup.Address,
		b.Dropoff.Point.Lat, b.Dropoff.Point.Lng, b.Dropoff.Address,
		waypoints, b.PickupAt, b.Timezone, string(b.ServiceType), string(b.TripType), b.VehicleClass,
		b.PassengerCount, b.FlightNumber, b.SpecialRequests, b.PaymentMethodRef,
		string(b.Price.Method), b.Price.BaseFare, b.Price.SurchargePercent, b.Price.SurchargeAmount,
		b.Price.DiscountAmount, b.Price.PromoCode, b.Price.Total, b.Price.Currency,
		b.ChargedAmount, b.SupplementAmount, b.CreditAmount, string(b.PaymentStatus), b.PaymentFailure,
		b.Earnings.Fare, b.Earnings.Toll, b.Earnings.Extras,
		string(b.Status), string(b.DriverStatus), b.StatusVersion, b.IsTransferred,
		b.CancelReason, b.CancelActor,
		b.CreatedAt, b.UpdatedAt, b.ConfirmedAt, b.CompletedAt, b.CancelledAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	return scanBooking(row)
}

// GetForUpdate loads the booking inside tx holding its row lock; this is the
// per-booking mutual exclusion every money-moving operation runs under.
func GetForUpdate(ctx context.Context, tx pgx.Tx, id types.ID) (*Booking, error) {
	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, string(id))
	return scanBooking(row)
}

// WithBookingLock runs fn inside a transaction holding the booking's row
// lock. Concurrent transitions and ledger operations on the same booking
// serialize here.
func (s *Store) WithBookingLock(ctx context.Context, id types.ID, fn func(ctx context.Context, tx pgx.Tx, b *Booking) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	b, err := GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListByTenant(ctx context.Context, tenantID types.ID, status Status, limit, offset int) ([]*Booking, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE tenant_id = $1`
	args := []any{string(tenantID)}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY pickup_at DESC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkConfirmed flips PENDING -> CONFIRMED under the caller's row lock.
func MarkConfirmed(ctx context.Context, tx pgx.Tx, id types.ID, version int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings SET
			status = $1, status_version = status_version + 1,
			payment_failure = NULL, confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(StatusConfirmed), string(id), string(StatusPending), version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

// MarkCancelled moves the booking to CANCELLED, freezing the dispatch state.
func MarkCancelled(ctx context.Context, tx pgx.Tx, id types.ID, from Status, version int, reason, actor string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings SET
			status = $1, status_version = status_version + 1,
			cancel_reason = $2, cancel_actor = $3,
			cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = $5 AND status_version = $6`,
		string(StatusCancelled), reason, actor, string(id), string(from), version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func MarkCompleted(ctx context.Context, tx pgx.Tx, id types.ID, version int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings SET
			status = $1, status_version = status_version + 1,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(StatusCompleted), string(id), string(StatusConfirmed), version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

// SetAssignment points the booking at a driver/vehicle and overwrites the
// earnings snapshot. CAS on the version so a concurrent cancel wins cleanly.
func (s *Store) SetAssignment(ctx context.Context, id types.ID, version int, driverID, vehicleID types.ID, e DriverEarnings) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings SET
			driver_id = $1, vehicle_id = $2, driver_status = $3,
			driver_fare = $4, driver_toll = $5, driver_extras = $6,
			status_version = status_version + 1, updated_at = NOW()
		WHERE id = $7 AND status = $8 AND status_version = $9 AND driver_status <> $10`,
		string(driverID), string(vehicleID), string(DriverAssigned),
		e.Fare, e.Toll, e.Extras,
		string(id), string(StatusConfirmed), version, string(DriverJobDone),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

// AdvanceDriver moves the dispatch machine one step forward.
func (s *Store) AdvanceDriver(ctx context.Context, id types.ID, version int, from, to DriverStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings SET
			driver_status = $1, status_version = status_version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND driver_status = $4 AND status_version = $5`,
		string(to), string(id), string(StatusConfirmed), string(from), version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

// RecordPaymentFailure keeps the declined reason visible to tenant staff
// while the booking stays in its prior status.
func (s *Store) RecordPaymentFailure(ctx context.Context, id types.ID, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bookings SET payment_failure = $1, updated_at = NOW() WHERE id = $2`,
		reason, string(id),
	)
	return err
}

// TransferOwnership switches the owning tenant and assigns the receiving
// fleet's driver/vehicle in one statement, under the caller's row lock.
func TransferOwnership(ctx context.Context, tx pgx.Tx, id types.ID, version int, toTenant, driverID, vehicleID types.ID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings SET
			tenant_id = $1, is_transferred = true,
			driver_id = $2, vehicle_id = $3, driver_status = $4,
			status_version = status_version + 1, updated_at = NOW()
		WHERE id = $5 AND status = $6 AND driver_status = $7 AND status_version = $8`,
		string(toTenant), string(driverID), string(vehicleID), string(DriverAssigned),
		string(id), string(StatusConfirmed), string(DriverUnassigned), version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

// SetEarningsTx overwrites the driver earnings snapshot under the caller's
// row lock.
func SetEarningsTx(ctx context.Context, tx pgx.Tx, id types.ID, e DriverEarnings) error {
	_, err := tx.Exec(ctx, `
		UPDATE bookings SET driver_fare = $1, driver_toll = $2, driver_extras = $3, updated_at = NOW()
		WHERE id = $4`,
		e.Fare, e.Toll, e.Extras, string(id),
	)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return appendEvent(ctx, s.db, e)
}

func AppendEventTx(ctx context.Context, tx pgx.Tx, e *Event) error {
	return appendEvent(ctx, tx, e)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func appendEvent(ctx context.Context, db execer, e *Event) error {
	_, err := db.Exec(ctx, `
		INSERT INTO booking_status_events (
			booking_id, from_status, to_status, from_driver_status, to_driver_status,
			actor_type, actor_id, note, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		string(e.BookingID), string(e.FromStatus), string(e.ToStatus),
		string(e.FromDriverStatus), string(e.ToDriverStatus),
		e.ActorType, idPtr(e.ActorID), e.Note, e.CreatedAt,
	)
	return err
}

func (s *Store) EventsForBooking(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, booking_id, from_status, to_status, from_driver_status, to_driver_status,
		       actor_type, actor_id, note, created_at
		FROM booking_status_events WHERE booking_id = $1 ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			actorID *string
		)
		if err := rows.Scan(&e.ID, &e.BookingID, &e.FromStatus, &e.ToStatus,
			&e.FromDriverStatus, &e.ToDriverStatus, &e.ActorType, &actorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			v := types.ID(*actorID)
			e.ActorID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b         Booking
		corpID    *string
		driverID  *string
		vehicleID *string
		waypoints []byte
	)
	err := row.Scan(
		&b.ID, &b.TenantID, &b.PassengerID, &b.PassengerName, &corpID,
		&driverID, &vehicleID,
		&b.Pickup.Point.Lat, &b.Pickup.Point.Lng, &b.Pickup.Address,
		&b.Dropoff.Point.Lat, &b.Dropoff.Point.Lng, &b.Dropoff.Address,
		&waypoints, &b.PickupAt, &b.Timezone, &b.ServiceType, &b.TripType, &b.VehicleClass,
		&b.PassengerCount, &b.FlightNumber, &b.SpecialRequests, &b.PaymentMethodRef,
		&b.Price.Method, &b.Price.BaseFare, &b.Price.SurchargePercent, &b.Price.SurchargeAmount,
		&b.Price.DiscountAmount, &b.Price.PromoCode, &b.Price.Total, &b.Price.Currency,
		&b.ChargedAmount, &b.SupplementAmount, &b.CreditAmount, &b.PaymentStatus, &b.PaymentFailure,
		&b.Earnings.Fare, &b.Earnings.Toll, &b.Earnings.Extras,
		&b.Status, &b.DriverStatus, &b.StatusVersion, &b.IsTransferred,
		&b.CancelReason, &b.CancelActor,
		&b.CreatedAt, &b.UpdatedAt, &b.ConfirmedAt, &b.CompletedAt, &b.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if corpID != nil {
		v := types.ID(*corpID)
		b.CorporateAccountID = &v
	}
	if driverID != nil {
		v := types.ID(*driverID)
		b.DriverID = &v
	}
	if vehicleID != nil {
		v := types.ID(*vehicleID)
		b.VehicleID = &v
	}
	if len(waypoints) > 0 {
		if err := json.Unmarshal(waypoints, &b.Waypoints); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
