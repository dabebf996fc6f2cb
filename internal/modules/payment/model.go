// README: Payment ledger rows: one append-only record per money movement.
package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fleetfare/internal/types"
)

// Kind classifies the direction and purpose of a ledger row.
type Kind string

const (
	KindCapture    Kind = "CAPTURE"    // initial charge at confirmation
	KindSupplement Kind = "SUPPLEMENT" // extra charge after the trip
	KindCredit     Kind = "CREDIT"     // goodwill refund after the trip
	KindRefund     Kind = "REFUND"     // cancellation / no-show refund
)

// Status is the row's settlement state. Rows are never deleted; a retry with
// the same operation id settles the failed row in place.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Payment is one movement of money against a booking. The (BookingID,
// OperationID) pair is unique: replaying an operation can never double-move.
type Payment struct {
	ID            types.ID        `json:"id"`
	BookingID     types.ID        `json:"booking_id"`
	OperationID   string          `json:"operation_id"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method,omitempty"`
	Status        Status          `json:"status"`
	ProcessorRef  string          `json:"processor_ref,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Note          string          `json:"note,omitempty"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// Payout is what the tenant receives from this movement once the platform
// keeps its fee. Only meaningful on inbound kinds.
func (p *Payment) Payout() decimal.Decimal {
	return p.Amount.Sub(p.PlatformFee)
}

var (
	ErrNotFound           = errors.New("payment not found")
	ErrDuplicateOperation = errors.New("operation already recorded")
	ErrNotConfigured      = errors.New("payment processor not configured")
	ErrNothingCaptured    = errors.New("no captured payment to refund against")
	ErrWindowClosed       = errors.New("adjustment window closed")
	ErrBadRequest         = errors.New("bad payment request")
)

// AdjustmentWindow bounds how long after completion supplements and credits
// may still be raised.
const AdjustmentWindow = 7 * 24 * time.Hour
