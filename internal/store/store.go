// internal/store/store.go
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
)

// Store is the transactional datastore of the circulation core.
type Store interface {
	// WithinTx runs fn in a read-write transaction. The transaction commits when
	// fn returns nil and rolls back otherwise, including on context cancellation.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// ReadOnly runs fn against a consistent snapshot.
	ReadOnly(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a transaction. Lock* methods
// serialize on the row until the transaction ends.
type Tx interface {
	TenantRepository
	ItemRepository
	PatronRepository
	PolicyRepository
	LoanRepository
	RequestRepository
	FeeRepository
	IntentRepository
	InvariantCounter
}

type TenantRepository interface {
	InsertTenant(ctx context.Context, t *domain.Tenant) error
	GetTenant(ctx context.Context, id domain.TenantID) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
}

type ItemRepository interface {
	InsertItem(ctx context.Context, item *domain.Item) error
	GetItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error)
	GetItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error)
	LockItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error)
	LockItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error)
	UpdateItem(ctx context.Context, item *domain.Item) error
}

type PatronRepository interface {
	InsertPatron(ctx context.Context, p *domain.Patron) error
	GetPatron(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Patron, error)
	UpdatePatron(ctx context.Context, p *domain.Patron) error
	InsertPatronGroup(ctx context.Context, g *domain.PatronGroup) error
	GetPatronGroup(ctx context.Context, tenant domain.TenantID, code string) (*domain.PatronGroup, error)
}

type PolicyRepository interface {
	PutLoanPolicy(ctx context.Context, p *domain.LoanPolicy) error
	PutFeePolicy(ctx context.Context, p *domain.FeePolicy) error
	GetLoanPolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.LoanPolicy, error)
	GetFeePolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.FeePolicy, error)
	ListRules(ctx context.Context, tenant domain.TenantID) ([]domain.CirculationRule, error)
	ReplaceRules(ctx context.Context, tenant domain.TenantID, rules []domain.CirculationRule) error
	GetDefaults(ctx context.Context, tenant domain.TenantID) (*domain.PolicyDefaults, error)
	PutDefaults(ctx context.Context, d *domain.PolicyDefaults) error
}

type LoanRepository interface {
	InsertLoan(ctx context.Context, l *domain.Loan) error
	UpdateLoan(ctx context.Context, l *domain.Loan) error
	GetLoan(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Loan, error)
	// ActiveLoanForItem returns the OPEN or OVERDUE loan on the item or ErrNoOpenLoan.
	ActiveLoanForItem(ctx context.Context, tenant domain.TenantID, itemID uuid.UUID) (*domain.Loan, error)
	ListLoans(ctx context.Context, tenant domain.TenantID, f domain.LoanFilter, p domain.PageRequest) (domain.Page[domain.Loan], error)
	// ActiveLoansDueBefore returns active loans with due_date < before, oldest first.
	ActiveLoansDueBefore(ctx context.Context, tenant domain.TenantID, before time.Time) ([]domain.Loan, error)
	// OpenLoansDueBetween returns OPEN loans with from <= due_date < to.
	OpenLoansDueBetween(ctx context.Context, tenant domain.TenantID, from, to time.Time) ([]domain.Loan, error)
}

type RequestRepository interface {
	InsertRequest(ctx context.Context, r *domain.Request) error
	UpdateRequest(ctx context.Context, r *domain.Request) error
	GetRequest(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Request, error)
	// RequestsForItem returns the item's requests in the given statuses in
	// FIFO order (request_date, id).
	RequestsForItem(ctx context.Context, tenant domain.TenantID, itemID uuid.UUID, statuses ...domain.RequestStatus) ([]domain.Request, error)
	// ListRequests returns requests with Position derived for OPEN ones.
	ListRequests(ctx context.Context, tenant domain.TenantID, f domain.RequestFilter, p domain.PageRequest) (domain.Page[domain.Request], error)
	ExpiredPickups(ctx context.Context, tenant domain.TenantID, asOf time.Time) ([]domain.Request, error)
	ExpiredOpenRequests(ctx context.Context, tenant domain.TenantID, asOf time.Time) ([]domain.Request, error)
}

type FeeRepository interface {
	InsertFee(ctx context.Context, f *domain.Fee) error
	UpdateFee(ctx context.Context, f *domain.Fee) error
	DeleteFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) error
	GetFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Fee, error)
	LockFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Fee, error)
	FeesForPatron(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) ([]domain.Fee, error)
	FeesForLoan(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) ([]domain.Fee, error)
	InsertPayment(ctx context.Context, p *domain.Payment) error
	PaymentsForFee(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) ([]domain.Payment, error)
}

type IntentRepository interface {
	// InsertIntent reports false when an intent with the same dedup key exists.
	InsertIntent(ctx context.Context, in *domain.Intent) (bool, error)
	// ClaimIntents leases up to limit undispatched intents in priority order
	// across tenants. Intents under a live lease or at maxAttempts are skipped.
	ClaimIntents(ctx context.Context, now time.Time, lease time.Duration, limit, maxAttempts int) ([]domain.Intent, error)
	MarkIntentDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkIntentFailed(ctx context.Context, id uuid.UUID, reason string) error
	IntentsForPatron(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) ([]domain.Intent, error)
}

// InvariantCounter counts rows that break a circulation invariant.
type InvariantCounter interface {
	CountItemsWithMultipleActiveLoans(ctx context.Context, tenant domain.TenantID) (int, error)
	CountItemsWithMultipleAwaitingPickup(ctx context.Context, tenant domain.TenantID) (int, error)
	CountDuplicateOpenRequests(ctx context.Context, tenant domain.TenantID) (int, error)
	CountUnbalancedFees(ctx context.Context, tenant domain.TenantID) (int, error)
	CountFeeStatusMismatches(ctx context.Context, tenant domain.TenantID) (int, error)
	CountPaymentSumMismatches(ctx context.Context, tenant domain.TenantID) (int, error)
	CountLoansOverRenewalCap(ctx context.Context, tenant domain.TenantID) (int, error)
}
