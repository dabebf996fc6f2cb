// README: Transfer service: propose/accept/decline between partner tenants.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fleetfare/internal/events"
	"fleetfare/internal/logger"
	"fleetfare/internal/modules/booking"
	"fleetfare/internal/types"
)

type EventPublisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

type Service struct {
	store    *Store
	bookings *booking.Store
	fleet    booking.FleetDirectory
	pub      EventPublisher
	log      logger.Logger
}

func NewService(store *Store, bookings *booking.Store, fleet booking.FleetDirectory, pub EventPublisher, log logger.Logger) *Service {
	return &Service{store: store, bookings: bookings, fleet: fleet, pub: pub, log: log}
}

type ProposeCommand struct {
	BookingID    types.ID
	FromTenantID types.ID
	ToTenantID   types.ID
	FromPercent  decimal.Decimal
	ToPercent    decimal.Decimal
	Note         string
}

// Propose offers a confirmed, still-unassigned booking to a partner tenant.
// The split is agreed up front and frozen on the offer.
func (s *Service) Propose(ctx context.Context, cmd ProposeCommand) (*BookingTransfer, error) {
	if cmd.FromTenantID == cmd.ToTenantID {
		return nil, fmt.Errorf("%w: cannot transfer to the same tenant", ErrBadRequest)
	}
	if cmd.FromPercent.IsNegative() || cmd.ToPercent.IsNegative() ||
		!cmd.FromPercent.Add(cmd.ToPercent).Equal(decimal.NewFromInt(100)) {
		return nil, ErrSplitMismatch
	}

	b, err := s.bookings.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.TenantID != cmd.FromTenantID {
		return nil, fmt.Errorf("%w: booking belongs to another tenant", ErrBadRequest)
	}
	if b.Status != booking.StatusConfirmed || b.DriverStatus != booking.DriverUnassigned {
		return nil, ErrInvalidState
	}

	connected, err := s.store.ActiveConnection(ctx, cmd.FromTenantID, cmd.ToTenantID)
	if err != nil {
		return nil, err
	}
	if !connected {
		return nil, ErrNoConnection
	}

	// A partner with no active drivers or vehicles could never accept; reject
	// the offer up front instead of letting it sit pending.
	hasFleet, err := s.fleet.HasActiveFleet(ctx, cmd.ToTenantID)
	if err != nil {
		return nil, err
	}
	if !hasFleet {
		return nil, ErrInsufficientFleet
	}

	tr := &BookingTransfer{
		BookingID:    cmd.BookingID,
		FromTenantID: cmd.FromTenantID,
		ToTenantID:   cmd.ToTenantID,
		Status:       StatusPending,
		FromPercent:  cmd.FromPercent,
		ToPercent:    cmd.ToPercent,
		Note:         cmd.Note,
	}
	if err := s.store.Create(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

type AcceptCommand struct {
	TransferID types.ID
	ToTenantID types.ID
	DriverID   types.ID
	VehicleID  types.ID
	Earnings   booking.DriverEarnings
	ActorID    types.ID
}

// Accept moves the booking to the receiving tenant. Ownership switch, driver
// assignment, offer resolution and both settlement entries commit in one
// transaction under the booking's row lock.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*BookingTransfer, error) {
	tr, err := s.store.Get(ctx, cmd.TransferID)
	if err != nil {
		return nil, err
	}
	if tr.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if tr.ToTenantID != cmd.ToTenantID {
		return nil, fmt.Errorf("%w: offer is addressed to another tenant", ErrBadRequest)
	}

	active, err := s.fleet.DriverActive(ctx, tr.ToTenantID, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrInsufficientFleet
	}
	exists, err := s.fleet.VehicleExists(ctx, tr.ToTenantID, cmd.VehicleID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrInsufficientFleet
	}

	err = s.bookings.WithBookingLock(ctx, tr.BookingID, func(ctx context.Context, tx pgx.Tx, b *booking.Booking) error {
		if b.Status != booking.StatusConfirmed || b.DriverStatus != booking.DriverUnassigned {
			return ErrInvalidState
		}
		if err := ResolveTx(ctx, tx, tr.ID, StatusAccepted); err != nil {
			return err
		}
		if err := booking.TransferOwnership(ctx, tx, b.ID, b.StatusVersion, tr.ToTenantID, cmd.DriverID, cmd.VehicleID); err != nil {
			return err
		}
		if err := booking.SetEarningsTx(ctx, tx, b.ID, cmd.Earnings); err != nil {
			return err
		}

		fromShare, toShare := splitTotal(b.Price.Total, tr.FromPercent)
		if err := InsertSettlementTx(ctx, tx, &SettlementEntry{
			TransferID: tr.ID, BookingID: b.ID, TenantID: tr.FromTenantID,
			Amount: fromShare, Currency: b.Price.Currency,
		}); err != nil {
			return err
		}
		if err := InsertSettlementTx(ctx, tx, &SettlementEntry{
			TransferID: tr.ID, BookingID: b.ID, TenantID: tr.ToTenantID,
			Amount: toShare, Currency: b.Price.Currency,
		}); err != nil {
			return err
		}

		return booking.AppendEventTx(ctx, tx, &booking.Event{
			BookingID: b.ID, FromStatus: b.Status, ToStatus: b.Status,
			FromDriverStatus: booking.DriverUnassigned, ToDriverStatus: booking.DriverAssigned,
			ActorType: "staff", ActorID: &cmd.ActorID,
			Note:      fmt.Sprintf("transferred from %s to %s", tr.FromTenantID, tr.ToTenantID),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	tr, err = s.store.Get(ctx, cmd.TransferID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, tr)
	return tr, nil
}

type DeclineCommand struct {
	TransferID types.ID
	ToTenantID types.ID
	Reason     string
}

// Decline closes the offer; the booking stays exactly where it was, so the
// proposing tenant may re-offer it elsewhere.
func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) (*BookingTransfer, error) {
	tr, err := s.store.Get(ctx, cmd.TransferID)
	if err != nil {
		return nil, err
	}
	if tr.ToTenantID != cmd.ToTenantID {
		return nil, fmt.Errorf("%w: offer is addressed to another tenant", ErrBadRequest)
	}
	if err := s.store.Resolve(ctx, cmd.TransferID, StatusDeclined); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, cmd.TransferID)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*BookingTransfer, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListForTenant(ctx context.Context, tenantID types.ID) ([]BookingTransfer, error) {
	return s.store.ListForTenant(ctx, tenantID)
}

func (s *Service) SettlementsForTenant(ctx context.Context, tenantID types.ID) ([]SettlementEntry, error) {
	return s.store.SettlementsForTenant(ctx, tenantID)
}

func (s *Service) CreateConnection(ctx context.Context, a, b types.ID) (*TenantConnection, error) {
	if a == b {
		return nil, fmt.Errorf("%w: a tenant cannot partner with itself", ErrBadRequest)
	}
	c := &TenantConnection{TenantA: a, TenantB: b, Status: ConnectionPending}
	if err := s.store.CreateConnection(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ActivateConnection(ctx context.Context, id types.ID) error {
	return s.store.SetConnectionStatus(ctx, id, ConnectionActive)
}

func (s *Service) TerminateConnection(ctx context.Context, id types.ID) error {
	return s.store.SetConnectionStatus(ctx, id, ConnectionTerminated)
}

// splitTotal divides the booking total by the agreed split. The receiver's
// share absorbs the rounding remainder so the two entries always sum exactly.
func splitTotal(total, fromPercent decimal.Decimal) (fromShare, toShare decimal.Decimal) {
	fromShare = types.Round2(types.Percent(total, fromPercent))
	return fromShare, total.Sub(fromShare)
}

func (s *Service) publish(ctx context.Context, tr *BookingTransfer) {
	if s.pub == nil {
		return
	}
	payload := map[string]any{
		"transfer_id":  tr.ID,
		"booking_id":   tr.BookingID,
		"from_tenant":  tr.FromTenantID,
		"to_tenant":    tr.ToTenantID,
		"from_percent": tr.FromPercent,
		"to_percent":   tr.ToPercent,
	}
	if err := s.pub.Publish(ctx, events.BookingTransferred, payload); err != nil {
		s.log.Warn("publish transfer event", logger.Error(err))
	}
}
