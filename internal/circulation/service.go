// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/holds"
)

// Service defines the operations of the circulation core. Each runs as one
// transaction and is retried on Conflict.
type Service interface {
	Checkout(ctx context.Context, in CheckoutInput) (*domain.Loan, error)
	Checkin(ctx context.Context, in CheckinInput) (*CheckinOutcome, error)
	Renew(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*domain.Loan, error)
	GetLoan(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*domain.Loan, error)
	ListLoans(ctx context.Context, tenant domain.TenantID, f domain.LoanFilter, p domain.PageRequest) (domain.Page[domain.Loan], error)

	PlaceHold(ctx context.Context, in holds.PlaceInput) (*domain.Request, error)
	CancelHold(ctx context.Context, tenant domain.TenantID, requestID uuid.UUID, reason string) error
	ListRequests(ctx context.Context, tenant domain.TenantID, f domain.RequestFilter, p domain.PageRequest) (domain.Page[domain.Request], error)
	ReceiveInTransit(ctx context.Context, tenant domain.TenantID, barcode string) (*TransitOutcome, error)

	DeclareLost(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*LossOutcome, error)
	DeclareDamaged(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*LossOutcome, error)

	ChargeFee(ctx context.Context, in fees.ChargeInput) (*domain.Fee, error)
	PayFee(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount decimal.Decimal, note string) (*domain.Payment, error)
	WaiveFee(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount *decimal.Decimal, reason string) (*domain.Payment, error)
	PatronFeeSummary(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) (domain.FeeSummary, error)
}
