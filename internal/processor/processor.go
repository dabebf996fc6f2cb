// README: External card-processor contract consumed by the payment ledger.
package processor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

type CaptureResult struct {
	ProcessorRef string
	Status       string
}

type RefundResult struct {
	Status string
}

// Client is the slice of the external processor the engine consumes. The
// processor keeps its own ledger; we only ever ask it to move money and
// record what it confirms.
type Client interface {
	Capture(ctx context.Context, amount decimal.Decimal, currency, paymentMethodRef string) (CaptureResult, error)
	Refund(ctx context.Context, processorRef string, amount decimal.Decimal) (RefundResult, error)
}

// Error wraps a processor failure. Retryable failures (timeouts, 5xx) may be
// re-invoked with the same operation id; non-retryable ones (card declined)
// need a human decision.
type Error struct {
	Retryable bool
	Reason    string
}

func (e *Error) Error() string {
	kind := "declined"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("processor %s: %s", kind, e.Reason)
}

// Event is the asynchronous confirmation callback delivered on the webhook
// endpoint, keyed by booking id and operation id for idempotent replay.
type Event struct {
	BookingID    string          `json:"booking_id"`
	OperationID  string          `json:"operation_id"`
	ProcessorRef string          `json:"processor_ref"`
	Kind         string          `json:"kind"` // "capture" | "refund"
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"` // "succeeded" | "failed"
}
