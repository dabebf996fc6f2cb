// README: Cross-tenant transfer records, partner connections and settlement entries.
package transfer

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fleetfare/internal/types"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusDeclined Status = "DECLINED"
)

// BookingTransfer is an offer to hand a confirmed, unassigned booking to a
// partner tenant under an agreed revenue split. At most one PENDING offer may
// exist per booking.
type BookingTransfer struct {
	ID           types.ID        `json:"id"`
	BookingID    types.ID        `json:"booking_id"`
	FromTenantID types.ID        `json:"from_tenant_id"`
	ToTenantID   types.ID        `json:"to_tenant_id"`
	Status       Status          `json:"status"`
	FromPercent  decimal.Decimal `json:"from_percent"`
	ToPercent    decimal.Decimal `json:"to_percent"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

type ConnectionStatus string

const (
	ConnectionPending    ConnectionStatus = "PENDING"
	ConnectionActive     ConnectionStatus = "ACTIVE"
	ConnectionTerminated ConnectionStatus = "TERMINATED"
)

// TenantConnection is the partnership agreement that must be ACTIVE before
// any transfer can be proposed between two tenants.
type TenantConnection struct {
	ID        types.ID         `json:"id"`
	TenantA   types.ID         `json:"tenant_a"`
	TenantB   types.ID         `json:"tenant_b"`
	Status    ConnectionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SettlementEntry is one tenant's share of a transferred booking's revenue.
// Accepting a transfer writes exactly two entries whose amounts sum to the
// booking total.
type SettlementEntry struct {
	ID         types.ID        `json:"id"`
	TransferID types.ID        `json:"transfer_id"`
	BookingID  types.ID        `json:"booking_id"`
	TenantID   types.ID        `json:"tenant_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
}

var (
	ErrNotFound          = errors.New("transfer not found")
	ErrInvalidState      = errors.New("transfer not in a state for this operation")
	ErrSplitMismatch     = errors.New("revenue split must sum to 100")
	ErrTransferPending   = errors.New("booking already has a pending transfer")
	ErrNoConnection      = errors.New("no active connection between tenants")
	ErrInsufficientFleet = errors.New("receiving tenant cannot service the booking")
	ErrBadRequest        = errors.New("bad transfer request")
)
