// README: Revenue-split math plus DB-backed transfer flow tests.
package transfer

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/pricing"
	"fleetfare/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSplitTotal(t *testing.T) {
	cases := []struct {
		total, fromPct, wantFrom, wantTo string
	}{
		{"100", "75", "75", "25"},
		{"100", "0", "0", "100"},
		{"100", "100", "100", "0"},
		{"100.01", "60", "60.01", "40"},
		{"99.99", "33", "33", "66.99"},
		{"0.01", "50", "0.01", "0"},
	}
	for _, c := range cases {
		from, to := splitTotal(dec(c.total), dec(c.fromPct))
		if !from.Equal(dec(c.wantFrom)) || !to.Equal(dec(c.wantTo)) {
			t.Errorf("splitTotal(%s, %s%%) = %s/%s, want %s/%s",
				c.total, c.fromPct, from, to, c.wantFrom, c.wantTo)
		}
		if !from.Add(to).Equal(dec(c.total)) {
			t.Errorf("splitTotal(%s, %s%%): shares sum to %s", c.total, c.fromPct, from.Add(to))
		}
	}
}

func TestProposeSplitValidation(t *testing.T) {
	// validation runs before any storage access
	svc := NewService(nil, nil, nil, nil, logger.Nop())

	cases := []struct {
		name           string
		fromPct, toPct string
	}{
		{"sum under 100", "60", "30"},
		{"sum over 100", "60", "50"},
		{"negative share", "-10", "110"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.Propose(context.Background(), ProposeCommand{
				BookingID:    "b1",
				FromTenantID: "t1",
				ToTenantID:   "t2",
				FromPercent:  dec(c.fromPct),
				ToPercent:    dec(c.toPct),
			})
			if !errors.Is(err, ErrSplitMismatch) {
				t.Fatalf("expected ErrSplitMismatch, got %v", err)
			}
		})
	}

	_, err := svc.Propose(context.Background(), ProposeCommand{
		BookingID:    "b1",
		FromTenantID: "t1",
		ToTenantID:   "t1",
		FromPercent:  dec("50"),
		ToPercent:    dec("50"),
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for self-transfer, got %v", err)
	}
}

func TestTransferLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, bookings := setupTransfer(t)

	conn, err := svc.CreateConnection(ctx, "t1", "t2")
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := svc.ActivateConnection(ctx, conn.ID); err != nil {
		t.Fatalf("activate connection: %v", err)
	}

	b := seedConfirmedBooking(t, bookings, "p_transfer")

	tr, err := svc.Propose(ctx, ProposeCommand{
		BookingID:    b.ID,
		FromTenantID: "t1",
		ToTenantID:   "t2",
		FromPercent:  dec("25"),
		ToPercent:    dec("75"),
		Note:         "fully booked this weekend",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if tr.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", tr.Status)
	}

	// only one open offer per booking
	_, err = svc.Propose(ctx, ProposeCommand{
		BookingID:    b.ID,
		FromTenantID: "t1",
		ToTenantID:   "t2",
		FromPercent:  dec("50"),
		ToPercent:    dec("50"),
	})
	if !errors.Is(err, ErrTransferPending) {
		t.Fatalf("expected ErrTransferPending, got %v", err)
	}

	tr, err = svc.Accept(ctx, AcceptCommand{
		TransferID: tr.ID,
		ToTenantID: "t2",
		DriverID:   "d2",
		VehicleID:  "v2",
		Earnings:   booking.DriverEarnings{Fare: dec("55")},
		ActorID:    "staff2",
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if tr.Status != StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", tr.Status)
	}

	got, err := bookings.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got.TenantID != "t2" {
		t.Fatalf("expected booking owned by t2, got %s", got.TenantID)
	}
	if !got.IsTransferred {
		t.Fatal("expected is_transferred")
	}
	if got.DriverStatus != booking.DriverAssigned || got.DriverID == nil || *got.DriverID != "d2" {
		t.Fatalf("expected d2 ASSIGNED, got %s/%v", got.DriverStatus, got.DriverID)
	}
	if !got.Earnings.Fare.Equal(dec("55")) {
		t.Fatalf("expected earnings fare 55, got %s", got.Earnings.Fare)
	}

	fromEntries, err := svc.SettlementsForTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("settlements t1: %v", err)
	}
	toEntries, err := svc.SettlementsForTenant(ctx, "t2")
	if err != nil {
		t.Fatalf("settlements t2: %v", err)
	}
	if len(fromEntries) != 1 || len(toEntries) != 1 {
		t.Fatalf("expected one entry per tenant, got %d/%d", len(fromEntries), len(toEntries))
	}
	if !fromEntries[0].Amount.Equal(dec("25")) || !toEntries[0].Amount.Equal(dec("75")) {
		t.Fatalf("unexpected split: %s/%s", fromEntries[0].Amount, toEntries[0].Amount)
	}

	// a resolved offer cannot be accepted again
	_, err = svc.Accept(ctx, AcceptCommand{TransferID: tr.ID, ToTenantID: "t2", DriverID: "d2", VehicleID: "v2"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on re-accept, got %v", err)
	}
}

func TestProposeRequiresActiveConnection(t *testing.T) {
	ctx := context.Background()
	svc, bookings := setupTransfer(t)
	b := seedConfirmedBooking(t, bookings, "p_noconn")

	_, err := svc.Propose(ctx, ProposeCommand{
		BookingID:    b.ID,
		FromTenantID: "t1",
		ToTenantID:   "t2",
		FromPercent:  dec("50"),
		ToPercent:    dec("50"),
	})
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
}

func TestProposeRequiresReceiverFleet(t *testing.T) {
	ctx := context.Background()
	svc, bookings := setupTransfer(t)

	conn, err := svc.CreateConnection(ctx, "t1", "t3")
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := svc.ActivateConnection(ctx, conn.ID); err != nil {
		t.Fatalf("activate connection: %v", err)
	}
	b := seedConfirmedBooking(t, bookings, "p_emptypartner")

	_, err = svc.Propose(ctx, ProposeCommand{
		BookingID:    b.ID,
		FromTenantID: "t1",
		ToTenantID:   "t3",
		FromPercent:  dec("50"),
		ToPercent:    dec("50"),
	})
	if !errors.Is(err, ErrInsufficientFleet) {
		t.Fatalf("expected ErrInsufficientFleet for partner without fleet, got %v", err)
	}
}

func TestAcceptInsufficientFleet(t *testing.T) {
	ctx := context.Background()
	svc, bookings := setupTransfer(t)

	conn, err := svc.CreateConnection(ctx, "t1", "t2")
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := svc.ActivateConnection(ctx, conn.ID); err != nil {
		t.Fatalf("activate connection: %v", err)
	}
	b := seedConfirmedBooking(t, bookings, "p_nofleet")

	tr, err := svc.Propose(ctx, ProposeCommand{
		BookingID:    b.ID,
		FromTenantID: "t1",
		ToTenantID:   "t2",
		FromPercent:  dec("50"),
		ToPercent:    dec("50"),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	_, err = svc.Accept(ctx, AcceptCommand{
		TransferID: tr.ID,
		ToTenantID: "t2",
		DriverID:   "d_unknown",
		VehicleID:  "v2",
	})
	if !errors.Is(err, ErrInsufficientFleet) {
		t.Fatalf("expected ErrInsufficientFleet, got %v", err)
	}
}

func TestDeclineLeavesBookingUntouched(t *testing.T) {
	ctx := context.Background()
	svc, bookings := setupTransfer(t)

	conn, err := svc.CreateConnection(ctx, "t1", "t2")
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := svc.ActivateConnection(ctx, conn.ID); err != nil {
		t.Fatalf("activate connection: %v", err)
	}
	b := seedConfirmedBooking(t, bookings, "p_decline_tr")

	tr, err := svc.Propose(ctx, ProposeCommand{
		BookingID:    b.ID,
		FromTenantID: "t1",
		ToTenantID:   "t2",
		FromPercent:  dec("50"),
		ToPercent:    dec("50"),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	tr, err = svc.Decline(ctx, DeclineCommand{TransferID: tr.ID, ToTenantID: "t2", Reason: "no capacity"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if tr.Status != StatusDeclined {
		t.Fatalf("expected DECLINED, got %s", tr.Status)
	}

	got, err := bookings.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got.TenantID != "t1" || got.IsTransferred || got.DriverStatus != booking.DriverUnassigned {
		t.Fatalf("decline must not touch the booking: %s/%v/%s", got.TenantID, got.IsTransferred, got.DriverStatus)
	}

	// a declined offer frees the booking for another proposal
	if _, err := svc.Propose(ctx, ProposeCommand{
		BookingID:    b.ID,
		FromTenantID: "t1",
		ToTenantID:   "t2",
		FromPercent:  dec("40"),
		ToPercent:    dec("60"),
	}); err != nil {
		t.Fatalf("re-propose after decline: %v", err)
	}
}

func seedConfirmedBooking(t *testing.T, store *booking.Store, passenger string) *booking.Booking {
	t.Helper()
	total := dec("100")
	b := &booking.Booking{
		ID:            types.NewID(),
		TenantID:      "t1",
		PassengerID:   types.ID(passenger),
		PassengerName: "Test Passenger",
		Pickup:        booking.Stop{Point: types.Point{Lat: -33.8688, Lng: 151.2093}, Address: "CBD"},
		Dropoff:       booking.Stop{Point: types.Point{Lat: -33.9399, Lng: 151.1753}, Address: "Airport"},
		PickupAt:      time.Now().UTC().Add(24 * time.Hour),
		Timezone:      "Australia/Sydney",
		ServiceType:   pricing.ServicePointToPoint,
		TripType:      booking.TripOneWay,
		VehicleClass:  "sedan",
		Price: pricing.Breakdown{
			Method:   pricing.BillingDistance,
			BaseFare: total,
			Total:    total,
			Currency: "AUD",
		},
		ChargedAmount:    total,
		SupplementAmount: decimal.Zero,
		CreditAmount:     decimal.Zero,
		PaymentStatus:    booking.PaymentPaid,
		PaymentMethodRef: "pm_test",
		Status:           booking.StatusConfirmed,
		DriverStatus:     booking.DriverUnassigned,
		StatusVersion:    1,
	}
	if err := store.Create(context.Background(), b); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	return b
}

func setupTransfer(t *testing.T) (*Service, *booking.Store) {
	t.Helper()

	dsn := os.Getenv("FLEETFARE_TEST_DSN")
	if dsn == "" {
		t.Skip("FLEETFARE_TEST_DSN not set; skipping DB-backed transfer tests")
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
	if _, err := db.Exec(ctx, `TRUNCATE TABLE settlement_entries, booking_transfers, tenant_connections,
		booking_status_events, payments, bookings, drivers, vehicles CASCADE`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	// receiving fleet for t2
	if _, err := db.Exec(ctx, `
		INSERT INTO drivers (id, tenant_id, name, active) VALUES ('d2', 't2', 'Partner Driver', true);
	`); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO vehicles (id, tenant_id, plate, vehicle_class) VALUES ('v2', 't2', 'XYZ-123', 'sedan');
	`); err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}

	bookings := booking.NewStore(db)
	svc := NewService(NewStore(db), bookings, booking.NewFleetStore(db), nil, logger.Nop())
	return svc, bookings
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
