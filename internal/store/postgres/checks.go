// internal/store/postgres/checks.go
package postgres

import (
	"context"
	"fmt"

	"github.com/libranexus/circulation/internal/domain"
)

const (
	multipleActiveLoans = `SELECT count(*) FROM (
		SELECT item_id FROM loans WHERE tenant_id = $1 AND status IN ('OPEN', 'OVERDUE')
		GROUP BY item_id HAVING count(*) > 1) dup`

	multipleAwaitingPickup = `SELECT count(*) FROM (
		SELECT item_id FROM requests WHERE tenant_id = $1 AND status = 'AWAITING_PICKUP'
		GROUP BY item_id HAVING count(*) > 1) dup`

	duplicateOpenRequests = `SELECT count(*) FROM (
		SELECT item_id, patron_id FROM requests WHERE tenant_id = $1 AND status = 'OPEN'
		GROUP BY item_id, patron_id HAVING count(*) > 1) dup`

	unbalancedFees = `SELECT count(*) FROM fees
		WHERE tenant_id = $1 AND (amount <> paid_amount + remaining OR remaining < 0)`

	feeStatusMismatches = `SELECT count(*) FROM fees
		WHERE tenant_id = $1 AND (status = 'CLOSED') <> (remaining = 0 AND closed_date IS NOT NULL)`

	paymentSumMismatches = `SELECT count(*) FROM fees f
		LEFT JOIN (
			SELECT fee_id, sum(amount) AS total FROM payments WHERE tenant_id = $1 GROUP BY fee_id
		) p ON p.fee_id = f.id
		WHERE f.tenant_id = $1 AND coalesce(p.total, 0) <> f.paid_amount`

	loansOverRenewalCap = `SELECT count(*) FROM loans
		WHERE tenant_id = $1 AND CASE
			WHEN (policy->>'renewable')::boolean THEN renewal_count > (policy->>'max_renewals')::int
			ELSE renewal_count <> 0
		END`
)

func (t *tx) count(ctx context.Context, name, query string, tenant domain.TenantID) (int, error) {
	var n int
	if err := t.get(ctx, &n, nil, query, string(tenant)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", name, err)
	}
	return n, nil
}

func (t *tx) CountItemsWithMultipleActiveLoans(ctx context.Context, tenant domain.TenantID) (int, error) {
	return t.count(ctx, "items with multiple active loans", multipleActiveLoans, tenant)
}

func (t *tx) CountItemsWithMultipleAwaitingPickup(ctx context.Context, tenant domain.TenantID) (int, error) {
	return t.count(ctx, "items with multiple awaiting pickups", multipleAwaitingPickup, tenant)
}

func (t *tx) CountDuplicateOpenRequests(ctx context.Context, tenant domain.TenantID) (int, error) {
	return t.count(ctx, "duplicate open requests", duplicateOpenRequests, tenant)
}

func (t *tx) CountUnbalancedFees(ctx context.Context, tenant domain.TenantID) (int, error) {
	return t.count(ctx, "unbalanced fees", unbalancedFees, tenant)
}

func (t *tx) CountFeeStatusMismatches(ctx context.Context, tenant domain.TenantID) (int, error) {
	return t.count(ctx, "fee status mismatches", feeStatusMismatches, tenant)
}

func (t *tx) CountPaymentSumMismatches(ctx context.Context, tenant domain.TenantID) (int, error) {
	return t.count(ctx, "payment sum mismatches", paymentSumMismatches, tenant)
}

func (t *tx) CountLoansOverRenewalCap(ctx context.Context, tenant domain.TenantID) (int, error) {
	return t.count(ctx, "loans over renewal cap", loansOverRenewalCap, tenant)
}
