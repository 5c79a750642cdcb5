// internal/store/memory/checks.go
package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/domain"
)

func (t *tx) CountItemsWithMultipleActiveLoans(ctx context.Context, tenant domain.TenantID) (int, error) {
	perItem := map[uuid.UUID]int{}
	for _, l := range t.allLoans(func(l *domain.Loan) bool { return l.TenantID == tenant && l.IsActive() }) {
		perItem[l.ItemID]++
	}
	return countOver(perItem, 1), nil
}

func (t *tx) CountItemsWithMultipleAwaitingPickup(ctx context.Context, tenant domain.TenantID) (int, error) {
	perItem := map[uuid.UUID]int{}
	for _, r := range t.allRequests(func(r *domain.Request) bool {
		return r.TenantID == tenant && r.Status == domain.RequestAwaitingPickup
	}) {
		perItem[r.ItemID]++
	}
	return countOver(perItem, 1), nil
}

func (t *tx) CountDuplicateOpenRequests(ctx context.Context, tenant domain.TenantID) (int, error) {
	type pair struct{ item, patron uuid.UUID }
	perPair := map[pair]int{}
	for _, r := range t.allRequests(func(r *domain.Request) bool {
		return r.TenantID == tenant && r.Status == domain.RequestOpen
	}) {
		perPair[pair{r.ItemID, r.PatronID}]++
	}
	return countOver(perPair, 1), nil
}

func (t *tx) CountUnbalancedFees(ctx context.Context, tenant domain.TenantID) (int, error) {
	n := 0
	for _, f := range t.allFees(func(f *domain.Fee) bool { return f.TenantID == tenant }) {
		if !f.Amount.Equal(f.PaidAmount.Add(f.Remaining)) || f.Remaining.IsNegative() {
			n++
		}
	}
	return n, nil
}

func (t *tx) CountFeeStatusMismatches(ctx context.Context, tenant domain.TenantID) (int, error) {
	n := 0
	for _, f := range t.allFees(func(f *domain.Fee) bool { return f.TenantID == tenant }) {
		closed := f.Status == domain.FeeClosed
		settled := f.Remaining.IsZero() && f.ClosedDate != nil
		if closed != settled {
			n++
		}
	}
	return n, nil
}

func (t *tx) CountPaymentSumMismatches(ctx context.Context, tenant domain.TenantID) (int, error) {
	sums := map[uuid.UUID]decimal.Decimal{}
	t.read(func(d *dataset) {
		for _, p := range t.payments.all(d.payments) {
			if p.TenantID == tenant {
				sums[p.FeeID] = sums[p.FeeID].Add(p.Amount)
			}
		}
	})
	n := 0
	for _, f := range t.allFees(func(f *domain.Fee) bool { return f.TenantID == tenant }) {
		if !sums[f.ID].Equal(f.PaidAmount) {
			n++
		}
	}
	return n, nil
}

func (t *tx) CountLoansOverRenewalCap(ctx context.Context, tenant domain.TenantID) (int, error) {
	loans := t.allLoans(func(l *domain.Loan) bool {
		if l.TenantID != tenant {
			return false
		}
		if l.Policy.Renewable {
			return l.RenewalCount > l.Policy.MaxRenewals
		}
		return l.RenewalCount != 0
	})
	return len(loans), nil
}

func countOver[K comparable](counts map[K]int, limit int) int {
	n := 0
	for _, c := range counts {
		if c > limit {
			n++
		}
	}
	return n
}
