package payments

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// PAYMENT SERVICE
// =============================================================================

// Service records payments and books them onto the tenant's open
// invoices. Each invoice is updated in its own transaction.
type Service struct {
	Gateway billing.Gateway
	Clock   billing.Clock
	Logger  *zap.Logger
	NewID   func() string
}

func NewService(gw billing.Gateway, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Gateway: gw,
		Logger:  logger.With(zap.String("component", "payments")),
		NewID:   uuid.NewString,
	}
}

type PaymentRequest struct {
	TenantID    billing.TenantID
	Amount      decimal.Decimal
	BookingDate billing.Date
	InvoiceID   *billing.InvoiceID // applied first when set

	// Reference is the bank reference. A request repeating the reference,
	// amount and booking date of a recorded payment is rejected with
	// ErrDuplicatePayment.
	Reference string
}

func (r PaymentRequest) Validate() error {
	if r.TenantID == "" {
		return &billing.ValidationError{Field: "tenant_id", Message: "tenant is required"}
	}
	if !r.Amount.IsPositive() {
		return &billing.ValidationError{RecordID: string(r.TenantID), Field: "amount", Message: "amount must be positive"}
	}
	if r.BookingDate.IsZero() {
		return &billing.ValidationError{RecordID: string(r.TenantID), Field: "booking_date", Message: "booking date is required"}
	}
	return nil
}

type PaymentResult struct {
	Payment     billing.Payment
	Allocations []Allocation
	Unapplied   decimal.Decimal // overpayment left after the last open invoice
}

// Apply records the payment and allocates it.
func (s *Service) Apply(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	return s.run(ctx, req, false)
}

// Preview computes the allocation Apply would make without writing.
func (s *Service) Preview(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	return s.run(ctx, req, true)
}

func (s *Service) run(ctx context.Context, req PaymentRequest, preview bool) (*PaymentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Gateway.GetTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}

	open, err := s.openInvoices(ctx, req)
	if err != nil {
		return nil, err
	}

	payment := billing.Payment{
		ID:          billing.PaymentID(s.NewID()),
		TenantID:    req.TenantID,
		Amount:      billing.RoundCents(req.Amount),
		BookingDate: req.BookingDate,
		InvoiceID:   req.InvoiceID,
		Reference:   req.Reference,
		CreatedAt:   s.Clock.Now(),
	}
	result := &PaymentResult{Payment: payment}

	if preview {
		if err := rejectDuplicate(ctx, s.Gateway, payment); err != nil {
			return nil, err
		}
	} else {
		err := billing.WithTx(ctx, s.Gateway, func(tx billing.Gateway) error {
			if err := rejectDuplicate(ctx, tx, payment); err != nil {
				return err
			}
			return tx.CreatePayment(ctx, payment)
		})
		if err != nil {
			return nil, fmt.Errorf("record payment: %w", err)
		}
	}

	remaining := payment.Amount
	for _, inv := range open {
		if !remaining.IsPositive() {
			break
		}
		var a Allocation
		if preview {
			a = s.book(inv, remaining)
		} else {
			a, err = s.bookTx(ctx, inv.ID, req.TenantID, remaining)
			if err != nil {
				result.Unapplied = remaining
				return result, fmt.Errorf("apply payment %s to invoice %s: %w", payment.ID, inv.ID, err)
			}
		}
		if a.Consumed.IsZero() {
			continue
		}
		result.Allocations = append(result.Allocations, a)
		remaining = a.Overpayment
	}
	result.Unapplied = remaining

	s.Logger.Info("payment allocated",
		zap.String("payment_id", string(payment.ID)),
		zap.String("tenant_id", string(req.TenantID)),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.Int("invoices", len(result.Allocations)),
		zap.String("unapplied", result.Unapplied.StringFixed(2)),
		zap.Bool("preview", preview))
	return result, nil
}

// openInvoices returns the tenant's unpaid invoices, oldest due date
// first, with the explicitly referenced invoice moved to the front.
func (s *Service) openInvoices(ctx context.Context, req PaymentRequest) ([]billing.Invoice, error) {
	invoices, err := s.Gateway.ListInvoices(ctx, billing.InvoiceFilter{
		TenantID: &req.TenantID,
		Statuses: billing.UnpaidStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("list open invoices for %s: %w", req.TenantID, err)
	}
	SortForAllocation(invoices)

	if req.InvoiceID == nil {
		return invoices, nil
	}
	for i, inv := range invoices {
		if inv.ID == *req.InvoiceID {
			ordered := append([]billing.Invoice{inv}, invoices[:i]...)
			return append(ordered, invoices[i+1:]...), nil
		}
	}
	return nil, &billing.NotFoundError{Kind: "invoice", ID: string(*req.InvoiceID)}
}

// rejectDuplicate fails when p repeats a recorded payment. Payments
// without a reference are never considered duplicates.
func rejectDuplicate(ctx context.Context, gw billing.Gateway, p billing.Payment) error {
	if p.Reference == "" {
		return nil
	}
	booked, err := gw.ListPaymentsInRange(ctx, p.TenantID, p.BookingDate, p.BookingDate)
	if err != nil {
		return fmt.Errorf("list payments for %s: %w", p.TenantID, err)
	}
	for _, b := range booked {
		if b.Reference == p.Reference && b.Amount.Equal(p.Amount) {
			return fmt.Errorf("%w: %q on %s is payment %s", billing.ErrDuplicatePayment, p.Reference, p.BookingDate, b.ID)
		}
	}
	return nil
}

// SortForAllocation orders invoices by due date, then period, then ID.
func SortForAllocation(invoices []billing.Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		a, b := invoices[i], invoices[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		return a.ID < b.ID
	})
}

func (s *Service) book(inv billing.Invoice, amount decimal.Decimal) Allocation {
	a := AllocateToInvoice(amount, inv)
	patch := ApplyToInvoice(inv, a)
	a.PaidToDate = *patch.Paid
	a.Status = *patch.Status
	return a
}

// bookTx re-reads the invoice inside the transaction so concurrent
// payments never book against a stale Paid amount.
func (s *Service) bookTx(ctx context.Context, id billing.InvoiceID, tenantID billing.TenantID, amount decimal.Decimal) (Allocation, error) {
	var a Allocation
	err := billing.WithTx(ctx, s.Gateway, func(tx billing.Gateway) error {
		current, err := billing.FindInvoice(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}

		a = s.book(*current, amount)
		if a.Consumed.IsZero() {
			return nil
		}
		paid, status := a.PaidToDate, a.Status
		return tx.UpdateInvoice(ctx, id, billing.InvoicePatch{Paid: &paid, Status: &status})
	})
	return a, err
}
