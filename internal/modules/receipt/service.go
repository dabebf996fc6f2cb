// README: Passenger receipt PDFs rendered from the frozen price breakdown and
// the settled ledger rows.
package receipt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"
	"github.com/shopspring/decimal"

	"fleetfare/internal/modules/booking"
	"fleetfare/internal/modules/payment"
	"fleetfare/internal/types"
)

type BookingReader interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
}

type PaymentReader interface {
	ListByBooking(ctx context.Context, bookingID types.ID) ([]payment.Payment, error)
}

type Service struct {
	bookings BookingReader
	payments PaymentReader
}

func NewService(bookings BookingReader, payments PaymentReader) *Service {
	return &Service{bookings: bookings, payments: payments}
}

// Generate renders the booking's receipt. Only completed and cancelled
// bookings have a settled financial story worth printing.
func (s *Service) Generate(ctx context.Context, bookingID types.ID) ([]byte, string, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != booking.StatusCompleted && b.Status != booking.StatusCancelled {
		return nil, "", fmt.Errorf("%w: receipt requires a settled booking", booking.ErrBadRequest)
	}
	rows, err := s.payments.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, "", err
	}
	return buildReceiptPDF(b, rows)
}

func buildReceiptPDF(b *booking.Booking, rows []payment.Payment) ([]byte, string, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Receipt", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "RECEIPT")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 12)
	lines := []string{
		fmt.Sprintf("Booking    : %s", b.ID),
		fmt.Sprintf("Passenger  : %s", safe(b.PassengerName, "-")),
		fmt.Sprintf("Service    : %s (%s)", b.ServiceType, safe(b.VehicleClass, "-")),
		fmt.Sprintf("Pickup     : %s", safe(b.Pickup.Address, "-")),
		fmt.Sprintf("Dropoff    : %s", safe(b.Dropoff.Address, "-")),
		fmt.Sprintf("Pickup at  : %s", b.PickupAt.Format("2006-01-02 15:04 MST")),
		fmt.Sprintf("Status     : %s", b.Status),
	}
	for _, line := range lines {
		pdf.Cell(0, 7, line)
		pdf.Ln(7)
	}
	pdf.Ln(5)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 7, "Fare breakdown")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	writeAmount(pdf, "Base fare", b.Price.BaseFare, b.Price.Currency)
	if b.Price.SurchargeAmount.IsPositive() {
		writeAmount(pdf, fmt.Sprintf("Surcharges (%s%%)", b.Price.SurchargePercent), b.Price.SurchargeAmount, b.Price.Currency)
	}
	if b.Price.DiscountAmount.IsPositive() {
		label := "Discount"
		if b.Price.PromoCode != "" {
			label = fmt.Sprintf("Discount (%s)", b.Price.PromoCode)
		}
		writeAmount(pdf, label, b.Price.DiscountAmount.Neg(), b.Price.Currency)
	}
	pdf.SetFont("Helvetica", "B", 11)
	writeAmount(pdf, "Total", b.Price.Total, b.Price.Currency)
	pdf.Ln(5)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 7, "Payments")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	for _, p := range rows {
		if p.Status != payment.StatusSucceeded {
			continue
		}
		amount := p.Amount
		if p.Kind == payment.KindRefund || p.Kind == payment.KindCredit {
			amount = amount.Neg()
		}
		when := p.CreatedAt
		if p.SettledAt != nil {
			when = *p.SettledAt
		}
		writeAmount(pdf, fmt.Sprintf("%s %s", when.Format("2006-01-02"), titleKind(p.Kind)), amount, p.Currency)
	}

	// charged_amount already nets supplements, credits and refunds
	pdf.Ln(3)
	pdf.SetFont("Helvetica", "B", 11)
	writeAmount(pdf, "Net charged", b.ChargedAmount, b.Price.Currency)

	pdf.Ln(8)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, "All amounts include GST where applicable. "+
		"Issued "+time.Now().UTC().Format("2006-01-02 15:04")+" UTC.", "", "", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, "", err
	}
	filename := fmt.Sprintf("RECEIPT_%s.pdf", b.ID)
	return buf.Bytes(), filename, nil
}

func writeAmount(pdf *gofpdf.Fpdf, label string, amount decimal.Decimal, currency string) {
	pdf.Cell(120, 6, label)
	pdf.CellFormat(0, 6, fmt.Sprintf("%s %s", amount.StringFixed(2), currency), "", 0, "R", false, 0, "")
	pdf.Ln(6)
}

func titleKind(k payment.Kind) string {
	s := strings.ToLower(string(k))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func safe(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}
