// internal/fees/ledger.go
package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/money"
	"github.com/libranexus/circulation/internal/store"
)

// ChargeInput describes a fee to create.
type ChargeInput struct {
	Tenant      domain.TenantID
	PatronID    uuid.UUID
	LoanID      *uuid.UUID
	ItemID      *uuid.UUID
	Type        domain.FeeType
	Amount      decimal.Decimal
	Currency    string
	Description string
	Automated   bool
	AccrualKey  string
}

// Ledger applies fee and payment rules inside a caller's transaction. It
// holds no state of its own.
type Ledger struct {
	clock  clock.Clock
	tracer trace.Tracer
}

// NewLedger creates a ledger stamping fees and payments with clk.
func NewLedger(clk clock.Clock) *Ledger {
	return &Ledger{clock: clk, tracer: otel.Tracer("libranexus/fees")}
}

// Charge creates an OPEN fee with nothing paid.
func (l *Ledger) Charge(ctx context.Context, repo store.FeeRepository, in ChargeInput) (*domain.Fee, error) {
	if !in.Type.Valid() {
		return nil, apperr.ErrInvalidInput.With("unknown fee type %q", in.Type)
	}
	if !money.IsPositive(in.Amount) {
		return nil, apperr.ErrInvalidAmount.With("fee amount %s must be positive with at most two decimals", in.Amount)
	}
	now := l.clock.Now()
	fee := &domain.Fee{
		ID:          uuid.New(),
		TenantID:    in.Tenant,
		PatronID:    in.PatronID,
		LoanID:      in.LoanID,
		ItemID:      in.ItemID,
		Type:        in.Type,
		Amount:      in.Amount,
		PaidAmount:  money.Zero,
		Remaining:   in.Amount,
		Status:      domain.FeeOpen,
		FeeDate:     now,
		Automated:   in.Automated,
		AccrualKey:  in.AccrualKey,
		Currency:    in.Currency,
		Description: in.Description,
		UpdatedAt:   now,
	}
	if err := repo.InsertFee(ctx, fee); err != nil {
		return nil, fmt.Errorf("failed to insert fee: %w", err)
	}
	return fee, nil
}

// Pay credits amount to the fee with a tender method. Waivers go through
// Waive. REFUND is rejected: a refund is a new fee and payment pair, never a
// credit against the fee being refunded.
func (l *Ledger) Pay(ctx context.Context, repo store.FeeRepository, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount decimal.Decimal, note string) (*domain.Payment, *domain.Fee, error) {
	if !method.Valid() || method.IsWaiver() || method == domain.PayRefund {
		return nil, nil, apperr.ErrInvalidInput.With("payment method %q cannot pay a fee", method)
	}
	return l.credit(ctx, repo, tenant, feeID, method, &amount, note)
}

// Waive credits amount with WAIVE or FORGIVE. A nil amount waives the whole
// remaining balance.
func (l *Ledger) Waive(ctx context.Context, repo store.FeeRepository, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount *decimal.Decimal, reason string) (*domain.Payment, *domain.Fee, error) {
	if method == "" {
		method = domain.PayWaive
	}
	if !method.IsWaiver() {
		return nil, nil, apperr.ErrInvalidInput.With("payment method %q cannot waive a fee", method)
	}
	return l.credit(ctx, repo, tenant, feeID, method, amount, reason)
}

func (l *Ledger) credit(ctx context.Context, repo store.FeeRepository, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount *decimal.Decimal, note string) (*domain.Payment, *domain.Fee, error) {
	ctx, span := l.tracer.Start(ctx, "fees.credit", trace.WithAttributes(
		attribute.String("fee.id", feeID.String()),
		attribute.String("payment.method", string(method)),
	))
	defer span.End()

	fee, err := repo.LockFee(ctx, tenant, feeID)
	if err != nil {
		return nil, nil, err
	}
	if fee.Status == domain.FeeClosed {
		return nil, nil, apperr.ErrFeeAlreadyClosed.With("fee %s is closed", feeID)
	}
	credit := fee.Remaining
	if amount != nil {
		credit = *amount
	}
	if !money.IsPositive(credit) || credit.GreaterThan(fee.Remaining) {
		return nil, nil, apperr.ErrInvalidAmount.With("amount %s must be positive, have at most two decimals and not exceed %s", credit, money.Format(fee.Remaining))
	}

	now := l.clock.Now()
	fee.PaidAmount = fee.PaidAmount.Add(credit)
	fee.Remaining = fee.Amount.Sub(fee.PaidAmount)
	if fee.Remaining.IsZero() {
		settle(fee, now)
	}
	fee.UpdatedAt = now
	if err := repo.UpdateFee(ctx, fee); err != nil {
		return nil, nil, fmt.Errorf("failed to update fee: %w", err)
	}

	payment := &domain.Payment{
		ID:          uuid.New(),
		TenantID:    tenant,
		FeeID:       fee.ID,
		PatronID:    fee.PatronID,
		Method:      method,
		Amount:      credit,
		PaymentDate: now,
		Balance:     fee.Remaining,
		Note:        note,
	}
	if err := repo.InsertPayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("failed to insert payment: %w", err)
	}
	span.SetAttributes(attribute.String("fee.remaining", money.Format(fee.Remaining)))
	return payment, fee, nil
}

func settle(fee *domain.Fee, at time.Time) {
	fee.Status = domain.FeeClosed
	fee.ClosedDate = &at
}

// Suspend moves an open fee out of automatic processing. Payments are still
// accepted on a suspended fee.
func (l *Ledger) Suspend(ctx context.Context, repo store.FeeRepository, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error) {
	return l.setStatus(ctx, repo, tenant, feeID, domain.FeeSuspended)
}

// Resume returns a suspended fee to OPEN.
func (l *Ledger) Resume(ctx context.Context, repo store.FeeRepository, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error) {
	return l.setStatus(ctx, repo, tenant, feeID, domain.FeeOpen)
}

func (l *Ledger) setStatus(ctx context.Context, repo store.FeeRepository, tenant domain.TenantID, feeID uuid.UUID, status domain.FeeStatus) (*domain.Fee, error) {
	fee, err := repo.LockFee(ctx, tenant, feeID)
	if err != nil {
		return nil, err
	}
	if fee.Status == domain.FeeClosed {
		return nil, apperr.ErrFeeAlreadyClosed.With("fee %s is closed", feeID)
	}
	fee.Status = status
	fee.UpdatedAt = l.clock.Now()
	if err := repo.UpdateFee(ctx, fee); err != nil {
		return nil, fmt.Errorf("failed to update fee: %w", err)
	}
	return fee, nil
}

// Delete removes a fee that was charged in error. Fees with payments are kept.
func (l *Ledger) Delete(ctx context.Context, repo store.FeeRepository, tenant domain.TenantID, feeID uuid.UUID) error {
	if _, err := repo.LockFee(ctx, tenant, feeID); err != nil {
		return err
	}
	payments, err := repo.PaymentsForFee(ctx, tenant, feeID)
	if err != nil {
		return fmt.Errorf("failed to list payments: %w", err)
	}
	if len(payments) > 0 {
		return apperr.ErrFeeHasPayments.With("fee %s has %d payments", feeID, len(payments))
	}
	return repo.DeleteFee(ctx, tenant, feeID)
}

// AccrueOverdue brings the automated overdue fee of loan up to date at asOf.
// It returns the fee created or updated, or nil when nothing is owed.
//
// An accrual on a day that already has one is a no-op. An open automated
// overdue fee is re-priced in place; once such a fee is closed, later growth
// is charged as a new fee for the difference. Fees settled by a renewal
// belong to an earlier due date and are never re-priced. A suspended overdue
// fee stops automatic charging for the loan.
func (l *Ledger) AccrueOverdue(ctx context.Context, repo store.FeeRepository, loan *domain.Loan, asOf time.Time, currency string) (*domain.Fee, error) {
	rate, ok := loan.Policy.Rate(domain.FeeOverdue)
	if !ok || !IsOverdue(loan.Policy, loan.DueDate, asOf) {
		return nil, nil
	}
	total := OverdueAmount(rate, DaysOverdue(loan.DueDate, asOf), GraceDays(loan.Policy, loan.DueDate))
	if !total.IsPositive() {
		return nil, nil
	}

	ctx, span := l.tracer.Start(ctx, "fees.accrue_overdue", trace.WithAttributes(
		attribute.String("loan.id", loan.ID.String()),
		attribute.String("fee.accrued", money.Format(total)),
	))
	defer span.End()

	key := AccrualKey(loan.ID.String(), asOf)
	existing, err := repo.FeesForLoan(ctx, loan.TenantID, loan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan fees: %w", err)
	}
	var (
		open    *domain.Fee
		charged = money.Zero
	)
	for i := range existing {
		f := &existing[i]
		if f.Type != domain.FeeOverdue || !f.Automated {
			continue
		}
		if f.Status == domain.FeeSuspended {
			span.AddEvent("accrual.suspended")
			return nil, nil
		}
		if IsSettledKey(f.AccrualKey) {
			continue
		}
		if f.AccrualKey == key {
			if f.Status == domain.FeeOpen {
				return f, nil
			}
			return nil, nil
		}
		switch f.Status {
		case domain.FeeOpen:
			open = f
		case domain.FeeClosed:
			charged = charged.Add(f.Amount)
		}
	}

	due := total.Sub(charged)
	now := l.clock.Now()
	if open != nil {
		fee, err := repo.LockFee(ctx, loan.TenantID, open.ID)
		if err != nil {
			return nil, err
		}
		amount := decimal.Max(due, fee.PaidAmount)
		fee.Amount = amount
		fee.Remaining = amount.Sub(fee.PaidAmount)
		fee.AccrualKey = key
		fee.UpdatedAt = now
		if fee.Remaining.IsZero() {
			settle(fee, now)
		}
		if err := repo.UpdateFee(ctx, fee); err != nil {
			return nil, fmt.Errorf("failed to update overdue fee: %w", err)
		}
		return fee, nil
	}
	if !due.IsPositive() {
		return nil, nil
	}

	itemID := loan.ItemID
	return l.Charge(ctx, repo, ChargeInput{
		Tenant:      loan.TenantID,
		PatronID:    loan.PatronID,
		LoanID:      &loan.ID,
		ItemID:      &itemID,
		Type:        domain.FeeOverdue,
		Amount:      due,
		Currency:    currency,
		Description: fmt.Sprintf("overdue %d days", DaysOverdue(loan.DueDate, asOf)),
		Automated:   true,
		AccrualKey:  key,
	})
}

// SettleOverdue accrues the overdue fee of loan up to asOf and pins every
// automated overdue fee charged so far to the current due date. Renew calls
// it before moving the due date so the new period starts from zero and the
// charge already earned is kept. It returns the open fee of the settled
// period, if any.
func (l *Ledger) SettleOverdue(ctx context.Context, repo store.FeeRepository, loan *domain.Loan, asOf time.Time, currency string) (*domain.Fee, error) {
	accrued, err := l.AccrueOverdue(ctx, repo, loan, asOf, currency)
	if err != nil {
		return nil, err
	}
	existing, err := repo.FeesForLoan(ctx, loan.TenantID, loan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan fees: %w", err)
	}
	now := l.clock.Now()
	for i := range existing {
		f := &existing[i]
		if f.Type != domain.FeeOverdue || !f.Automated || IsSettledKey(f.AccrualKey) {
			continue
		}
		fee, err := repo.LockFee(ctx, loan.TenantID, f.ID)
		if err != nil {
			return nil, err
		}
		fee.AccrualKey = SettledKey(loan.RenewalCount, fee.AccrualKey)
		fee.UpdatedAt = now
		if err := repo.UpdateFee(ctx, fee); err != nil {
			return nil, fmt.Errorf("failed to settle overdue fee: %w", err)
		}
		if accrued != nil && accrued.ID == fee.ID {
			accrued = fee
		}
	}
	return accrued, nil
}

// ChargeFromPolicy charges the initial amount of the snapshot's rate for
// feeType against the loan's patron. It returns nil when the rate is absent
// or zero.
func (l *Ledger) ChargeFromPolicy(ctx context.Context, repo store.FeeRepository, loan *domain.Loan, feeType domain.FeeType, currency string) (*domain.Fee, error) {
	rate, ok := loan.Policy.Rate(feeType)
	if !ok || !rate.Initial.IsPositive() {
		return nil, nil
	}
	itemID := loan.ItemID
	return l.Charge(ctx, repo, ChargeInput{
		Tenant:    loan.TenantID,
		PatronID:  loan.PatronID,
		LoanID:    &loan.ID,
		ItemID:    &itemID,
		Type:      feeType,
		Amount:    money.Round(rate.Initial),
		Currency:  currency,
		Automated: true,
	})
}

// Summarize aggregates fees into a patron summary.
func Summarize(patronID uuid.UUID, fees []domain.Fee, currency string, at time.Time) domain.FeeSummary {
	s := domain.FeeSummary{
		PatronID:   patronID,
		TotalOwed:  money.Zero,
		TotalPaid:  money.Zero,
		Currency:   currency,
		ComputedAt: at,
	}
	for _, f := range fees {
		s.TotalFees++
		s.TotalPaid = s.TotalPaid.Add(f.PaidAmount)
		if f.Status != domain.FeeClosed {
			s.OpenFees++
			s.TotalOwed = s.TotalOwed.Add(f.Remaining)
		}
	}
	return s
}
