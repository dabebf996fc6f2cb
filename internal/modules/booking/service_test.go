// README: DB-backed lifecycle and concurrency tests (run with -race).
package booking

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fleetfare/internal/logger"
	routemaps "fleetfare/internal/maps"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/types"
)

type fakePricing struct {
	refundPct decimal.Decimal
}

func (f *fakePricing) Quote(_ context.Context, cmd pricing.QuoteCommand) (pricing.Breakdown, error) {
	total := decimal.NewFromInt(100)
	return pricing.Breakdown{
		Method:   pricing.BillingDistance,
		BaseFare: total,
		Total:    total,
		Currency: "AUD",
	}, nil
}

func (f *fakePricing) RedeemPromo(context.Context, types.ID, string) error { return nil }

func (f *fakePricing) RefundPercent(context.Context, types.ID, time.Time, time.Time) (decimal.Decimal, error) {
	return f.refundPct, nil
}

type fakeRoutes struct{}

func (fakeRoutes) EstimateTrip(context.Context, types.Point, types.Point) (routemaps.Estimate, error) {
	return routemaps.Estimate{DistanceKm: 10, DurationMin: 20}, nil
}

type fakeFleet struct{}

func (fakeFleet) DriverActive(context.Context, types.ID, types.ID) (bool, error)  { return true, nil }
func (fakeFleet) VehicleExists(context.Context, types.ID, types.ID) (bool, error) { return true, nil }
func (fakeFleet) HasActiveFleet(context.Context, types.ID) (bool, error)          { return true, nil }

// fakeLedger moves the booking's financial columns the way the payment module
// would, without touching the payments table or a processor.
type fakeLedger struct {
	mu       sync.Mutex
	captures int
	refunds  int
	adjusts  int
}

func (l *fakeLedger) CaptureTx(ctx context.Context, tx pgx.Tx, b *Booking, operationID string) error {
	l.mu.Lock()
	l.captures++
	l.mu.Unlock()
	_, err := tx.Exec(ctx,
		`UPDATE bookings SET charged_amount = $1, payment_status = $2 WHERE id = $3`,
		b.Price.Total, string(PaymentPaid), string(b.ID))
	return err
}

func (l *fakeLedger) RefundTx(ctx context.Context, tx pgx.Tx, b *Booking, amount decimal.Decimal, operationID string) error {
	l.mu.Lock()
	l.refunds++
	l.mu.Unlock()
	status := PaymentPartiallyRefunded
	if amount.GreaterThanOrEqual(b.ChargedAmount) {
		status = PaymentRefunded
	}
	_, err := tx.Exec(ctx,
		`UPDATE bookings SET charged_amount = charged_amount - $1, payment_status = $2 WHERE id = $3`,
		amount, string(status), string(b.ID))
	return err
}

func (l *fakeLedger) AdjustTx(ctx context.Context, tx pgx.Tx, b *Booking, supplement, credit decimal.Decimal, note, operationID string) error {
	l.mu.Lock()
	l.adjusts++
	l.mu.Unlock()
	_, err := tx.Exec(ctx, `
		UPDATE bookings SET
			charged_amount = charged_amount + $1 - $2,
			supplement_amount = supplement_amount + $1,
			credit_amount = credit_amount + $2
		WHERE id = $3`,
		supplement, credit, string(b.ID))
	return err
}

func (l *fakeLedger) RecordCaptureFailure(context.Context, *Booking, string, string) error {
	return nil
}

func newTestService(t *testing.T, store *Store, ledger *fakeLedger) *Service {
	t.Helper()
	return NewService(store, fakeFleet{}, &fakePricing{refundPct: decimal.NewFromInt(50)}, fakeRoutes{}, ledger, nil, logger.Nop())
}

func createTestBooking(t *testing.T, svc *Service, passenger string) *Booking {
	t.Helper()
	b, err := svc.Create(context.Background(), CreateCommand{
		TenantID:         "t1",
		PassengerID:      types.ID(passenger),
		PassengerName:    "Test Passenger",
		Pickup:           Stop{Point: types.Point{Lat: -33.8688, Lng: 151.2093}, Address: "CBD"},
		Dropoff:          Stop{Point: types.Point{Lat: -33.9399, Lng: 151.1753}, Address: "Airport"},
		PickupAt:         time.Now().Add(48 * time.Hour),
		Timezone:         "Australia/Sydney",
		ServiceType:      pricing.ServicePointToPoint,
		VehicleClass:     "sedan",
		PassengerCount:   1,
		PaymentMethodRef: "pm_test",
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)

	b := createTestBooking(t, svc, "p_happy")
	if b.Status != StatusPending || b.DriverStatus != DriverUnassigned {
		t.Fatalf("unexpected initial state: %s/%s", b.Status, b.DriverStatus)
	}

	b, err := svc.Confirm(ctx, b.ID, "op_confirm_1", "staff1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if b.Status != StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", b.Status)
	}
	if !b.ChargedAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected charged 100, got %s", b.ChargedAmount)
	}
	if b.PaymentStatus != PaymentPaid {
		t.Fatalf("expected PAID, got %s", b.PaymentStatus)
	}

	b, err = svc.Assign(ctx, AssignCommand{
		BookingID: b.ID, DriverID: "d1", VehicleID: "v1",
		Earnings: DriverEarnings{Fare: decimal.NewFromInt(60)},
		ActorID:  "staff1",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if b.DriverStatus != DriverAssigned {
		t.Fatalf("expected ASSIGNED, got %s", b.DriverStatus)
	}

	for _, step := range []DriverStatus{DriverAccepted, DriverOnTheWay, DriverArrived, DriverOnBoard, DriverJobDone} {
		b, err = svc.AdvanceDriver(ctx, ProgressCommand{BookingID: b.ID, DriverID: "d1", To: step})
		if err != nil {
			t.Fatalf("advance to %s: %v", step, err)
		}
	}
	if b.DriverStatus != DriverJobDone {
		t.Fatalf("expected JOB_DONE, got %s", b.DriverStatus)
	}

	b, err = svc.Fulfil(ctx, FulfilCommand{
		BookingID:  b.ID,
		Supplement: decimal.NewFromInt(15),
		Credit:     decimal.Zero,
		Note:       "waiting time",
		ActorID:    "staff1",
	})
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if b.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", b.Status)
	}
	if !b.SupplementAmount.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected supplement 15, got %s", b.SupplementAmount)
	}
	if !b.ChargedAmount.Equal(decimal.NewFromInt(115)) {
		t.Fatalf("expected charged 115 with the supplement rolled in, got %s", b.ChargedAmount)
	}

	events, err := svc.History(ctx, b.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// created + confirmed + assigned + 5 progress + completed
	if len(events) != 9 {
		t.Fatalf("expected 9 events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.ToStatus != StatusCompleted {
		t.Fatalf("last event should record completion, got %s", last.ToStatus)
	}
}

func TestFulfilRequiresJobDone(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := newTestService(t, store, &fakeLedger{})

	b := createTestBooking(t, svc, "p_early_fulfil")
	if _, err := svc.Confirm(ctx, b.ID, "op_c", "staff1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	var invalid *InvalidTransitionError
	_, err := svc.Fulfil(ctx, FulfilCommand{BookingID: b.ID, ActorID: "staff1"})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCancelRejectedAfterJobDone(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := newTestService(t, store, &fakeLedger{})

	b := createTestBooking(t, svc, "p_done_cancel")
	if _, err := svc.Confirm(ctx, b.ID, "op_c", "staff1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Assign(ctx, AssignCommand{
		BookingID: b.ID, DriverID: "d1", VehicleID: "v1", ActorID: "staff1",
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, step := range []DriverStatus{DriverAccepted, DriverOnTheWay, DriverArrived, DriverOnBoard, DriverJobDone} {
		if _, err := svc.AdvanceDriver(ctx, ProgressCommand{BookingID: b.ID, DriverID: "d1", To: step}); err != nil {
			t.Fatalf("advance to %s: %v", step, err)
		}
	}

	var invalid *InvalidTransitionError
	_, err := svc.Cancel(ctx, CancelCommand{
		BookingID: b.ID, ActorType: "staff", ActorID: "staff1", Reason: "too late",
	})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError after JOB_DONE, got %v", err)
	}
}

func TestCancelPendingNoRefund(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)

	b := createTestBooking(t, svc, "p_cancel_pending")
	b, err := svc.Cancel(ctx, CancelCommand{
		BookingID: b.ID, ActorType: "passenger", ActorID: "p_cancel_pending", Reason: "changed plans",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", b.Status)
	}
	if ledger.refunds != 0 {
		t.Fatalf("nothing was charged, nothing to refund; got %d refunds", ledger.refunds)
	}
}

func TestPassengerCancelRefundsByPolicy(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)

	b := createTestBooking(t, svc, "p_cancel_confirmed")
	if _, err := svc.Confirm(ctx, b.ID, "op_c", "staff1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	b, err := svc.Cancel(ctx, CancelCommand{
		BookingID: b.ID, ActorType: "passenger", ActorID: "p_cancel_confirmed", Reason: "changed plans",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", b.Status)
	}
	if ledger.refunds != 1 {
		t.Fatalf("expected 1 partial refund at the 50%% tier, got %d", ledger.refunds)
	}
	if b.PaymentStatus != PaymentPartiallyRefunded {
		t.Fatalf("expected PARTIALLY_REFUNDED, got %s", b.PaymentStatus)
	}
}

func TestNoShowRequiresArrived(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := newTestService(t, store, &fakeLedger{})

	b := createTestBooking(t, svc, "p_noshow_early")
	if _, err := svc.Confirm(ctx, b.ID, "op_c", "staff1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	var invalid *InvalidTransitionError
	_, err := svc.NoShow(ctx, NoShowCommand{BookingID: b.ID, Outcome: NoShowClose, ActorID: "staff1"})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError before ARRIVED, got %v", err)
	}
}

func TestNoShowRefundOutcome(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)

	b := createTestBooking(t, svc, "p_noshow_refund")
	if _, err := svc.Confirm(ctx, b.ID, "op_c", "staff1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Assign(ctx, AssignCommand{BookingID: b.ID, DriverID: "d1", VehicleID: "v1", ActorID: "staff1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, step := range []DriverStatus{DriverAccepted, DriverOnTheWay, DriverArrived} {
		if _, err := svc.AdvanceDriver(ctx, ProgressCommand{BookingID: b.ID, DriverID: "d1", To: step}); err != nil {
			t.Fatalf("advance to %s: %v", step, err)
		}
	}

	b, err := svc.NoShow(ctx, NoShowCommand{BookingID: b.ID, Outcome: NoShowRefund, ActorID: "staff1"})
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if b.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", b.Status)
	}
	if b.CancelReason == nil || *b.CancelReason != "no_show" {
		t.Fatalf("expected cancel reason no_show, got %v", b.CancelReason)
	}
	if ledger.refunds != 1 {
		t.Fatalf("expected full refund, got %d refunds", ledger.refunds)
	}
	if b.PaymentStatus != PaymentRefunded {
		t.Fatalf("expected REFUNDED, got %s", b.PaymentStatus)
	}
}

func TestConcurrentConfirmSameBooking(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)

	b := createTestBooking(t, svc, "p_multi_confirm")

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		opID := fmt.Sprintf("op_confirm_%d", i)
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			_, err := svc.Confirm(ctx, b.ID, op, "staff1")
			errs <- err
		}(opID)
	}

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		var invalid *InvalidTransitionError
		if !errors.Is(err, ErrConflict) && !errors.As(err, &invalid) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 successful confirm, got %d", success)
	}
	if ledger.captures != 1 {
		t.Fatalf("expected exactly 1 capture, got %d", ledger.captures)
	}

	got, err := svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Fatalf("unexpected final status: %s", got.Status)
	}
}

func TestConcurrentConfirmVsCancel(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := newTestService(t, store, &fakeLedger{})

	b := createTestBooking(t, svc, "p_confirm_cancel")

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Confirm(ctx, b.ID, "op_race", "staff1")
		errs <- err
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Cancel(ctx, CancelCommand{
			BookingID: b.ID, ActorType: "passenger", ActorID: "p_confirm_cancel", Reason: "changed plans",
		})
		errs <- err
	}()

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		var invalid *InvalidTransitionError
		if !errors.Is(err, ErrConflict) && !errors.As(err, &invalid) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success < 1 || success > 2 {
		t.Fatalf("expected 1 or 2 successes, got %d", success)
	}

	got, err := svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	// cancel after confirm is legal, so two successes end CANCELLED
	if success == 2 && got.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED after confirm+cancel, got %s", got.Status)
	}
	if success == 1 && got.Status != StatusConfirmed && got.Status != StatusCancelled {
		t.Fatalf("unexpected final status: %s", got.Status)
	}
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("FLEETFARE_TEST_DSN")
	if dsn == "" {
		t.Skip("FLEETFARE_TEST_DSN not set; skipping DB-backed booking tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	if _, err := db.Exec(ctx, "TRUNCATE TABLE booking_status_events, payments, bookings CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	path := filepath.Join(root, "migrations", "0001_init.up.sql")
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cleaned := stripSQLComments(string(content))
	for _, stmt := range splitSQL(cleaned) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
