// internal/fees/service.go
package fees

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

// Service exposes the fee ledger as standalone operations, each in its own
// transaction.
type Service interface {
	Charge(ctx context.Context, in ChargeInput) (*domain.Fee, error)
	Pay(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount decimal.Decimal, note string) (*domain.Payment, *domain.Fee, error)
	Waive(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount *decimal.Decimal, reason string) (*domain.Payment, *domain.Fee, error)
	Suspend(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error)
	Resume(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error)
	Delete(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) error
	Get(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error)
	Payments(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) ([]domain.Payment, error)
	Summary(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) (domain.FeeSummary, error)
}

type service struct {
	store  store.Store
	ledger *Ledger
	clock  clock.Clock
}

// NewService creates the fee service.
func NewService(st store.Store, ledger *Ledger, clk clock.Clock) Service {
	return &service{store: st, ledger: ledger, clock: clk}
}

// Charge creates a fee for an existing patron. The currency defaults to the
// tenant's.
func (s *service) Charge(ctx context.Context, in ChargeInput) (*domain.Fee, error) {
	var fee *domain.Fee
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetPatron(ctx, in.Tenant, in.PatronID); err != nil {
			return err
		}
		if in.Currency == "" {
			tenant, err := tx.GetTenant(ctx, in.Tenant)
			if err != nil {
				return err
			}
			in.Currency = tenant.Currency
		}
		var err error
		fee, err = s.ledger.Charge(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to charge fee: %w", err)
	}
	return fee, nil
}

func (s *service) Pay(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount decimal.Decimal, note string) (*domain.Payment, *domain.Fee, error) {
	var (
		payment *domain.Payment
		fee     *domain.Fee
	)
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (err error) {
		payment, fee, err = s.ledger.Pay(ctx, tx, tenant, feeID, method, amount, note)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pay fee: %w", err)
	}
	return payment, fee, nil
}

func (s *service) Waive(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount *decimal.Decimal, reason string) (*domain.Payment, *domain.Fee, error) {
	var (
		payment *domain.Payment
		fee     *domain.Fee
	)
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (err error) {
		payment, fee, err = s.ledger.Waive(ctx, tx, tenant, feeID, method, amount, reason)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to waive fee: %w", err)
	}
	return payment, fee, nil
}

func (s *service) Suspend(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error) {
	var fee *domain.Fee
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (err error) {
		fee, err = s.ledger.Suspend(ctx, tx, tenant, feeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to suspend fee: %w", err)
	}
	return fee, nil
}

func (s *service) Resume(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error) {
	var fee *domain.Fee
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (err error) {
		fee, err = s.ledger.Resume(ctx, tx, tenant, feeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resume fee: %w", err)
	}
	return fee, nil
}

func (s *service) Delete(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) error {
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		return s.ledger.Delete(ctx, tx, tenant, feeID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete fee: %w", err)
	}
	return nil
}

func (s *service) Get(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) (*domain.Fee, error) {
	var fee *domain.Fee
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		fee, err = tx.GetFee(ctx, tenant, feeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get fee: %w", err)
	}
	return fee, nil
}

func (s *service) Payments(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := s.store.ReadOnly(ctx, func(tx store.Tx) error {
		if _, err := tx.GetFee(ctx, tenant, feeID); err != nil {
			return err
		}
		var err error
		payments, err = tx.PaymentsForFee(ctx, tenant, feeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// Summary totals the patron's fees from one consistent snapshot.
func (s *service) Summary(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) (domain.FeeSummary, error) {
	var summary domain.FeeSummary
	err := s.store.ReadOnly(ctx, func(tx store.Tx) error {
		t, err := tx.GetTenant(ctx, tenant)
		if err != nil {
			return err
		}
		if _, err := tx.GetPatron(ctx, tenant, patronID); err != nil {
			return err
		}
		fees, err := tx.FeesForPatron(ctx, tenant, patronID)
		if err != nil {
			return err
		}
		summary = Summarize(patronID, fees, t.Currency, s.clock.Now())
		return nil
	})
	if err != nil {
		return domain.FeeSummary{}, fmt.Errorf("failed to summarize fees: %w", err)
	}
	return summary, nil
}

// Owed returns the patron's outstanding balance inside tx.
func Owed(ctx context.Context, tx store.FeeRepository, tenant domain.TenantID, patronID uuid.UUID) (decimal.Decimal, error) {
	fees, err := tx.FeesForPatron(ctx, tenant, patronID)
	if err != nil {
		return decimal.Zero, err
	}
	owed := decimal.Zero
	for _, f := range fees {
		if f.Status != domain.FeeClosed {
			owed = owed.Add(f.Remaining)
		}
	}
	return owed, nil
}
