// internal/store/memory/repos.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

var _ store.Tx = (*tx)(nil)

func itemLockKey(id uuid.UUID) string { return "item:" + id.String() }
func feeLockKey(id uuid.UUID) string  { return "fee:" + id.String() }

// Tenants

func (t *tx) InsertTenant(ctx context.Context, tn *domain.Tenant) error {
	if err := t.writable(); err != nil {
		return err
	}
	var exists bool
	t.read(func(d *dataset) { _, exists = t.tenants.get(d.tenants, tn.ID) })
	if exists {
		return apperr.ErrConflict.With("tenant %s already exists", tn.ID)
	}
	if t.tenantInserts == nil {
		t.tenantInserts = map[domain.TenantID]bool{}
	}
	t.tenantInserts[tn.ID] = true
	t.tenants.set(tn.ID, *tn)
	return nil
}

func (t *tx) GetTenant(ctx context.Context, id domain.TenantID) (*domain.Tenant, error) {
	var (
		tn domain.Tenant
		ok bool
	)
	t.read(func(d *dataset) { tn, ok = t.tenants.get(d.tenants, id) })
	if !ok {
		return nil, apperr.ErrNotFound.With("tenant %s not found", id)
	}
	return &tn, nil
}

func (t *tx) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	var out []domain.Tenant
	t.read(func(d *dataset) { out = t.tenants.all(d.tenants) })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Items

func (t *tx) InsertItem(ctx context.Context, item *domain.Item) error {
	if err := t.writable(); err != nil {
		return err
	}
	var dup bool
	t.read(func(d *dataset) {
		t.items.set(item.ID, *item)
		dup = violatesUnique(d.items, &t.items, itemBarcodeKey)
	})
	if dup {
		t.items.remove(item.ID)
		return apperr.ErrConflict.With("item barcode %s already exists", item.Barcode)
	}
	return nil
}

func (t *tx) GetItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error) {
	var (
		item domain.Item
		ok   bool
	)
	t.read(func(d *dataset) { item, ok = t.items.get(d.items, id) })
	if !ok || item.TenantID != tenant {
		return nil, apperr.ErrItemNotFound.With("item %s not found", id)
	}
	return &item, nil
}

func (t *tx) GetItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error) {
	var (
		item domain.Item
		ok   bool
	)
	t.read(func(d *dataset) {
		for _, it := range t.items.all(d.items) {
			if it.TenantID == tenant && it.Barcode == barcode && barcode != "" {
				item, ok = it, true
				return
			}
		}
	})
	if !ok {
		return nil, apperr.ErrItemNotFound.With("no item with barcode %q", barcode)
	}
	return &item, nil
}

func (t *tx) LockItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error) {
	if _, err := t.GetItem(ctx, tenant, id); err != nil {
		return nil, err
	}
	if err := t.s.lock(ctx, t, itemLockKey(id)); err != nil {
		return nil, err
	}
	return t.GetItem(ctx, tenant, id)
}

func (t *tx) LockItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error) {
	item, err := t.GetItemByBarcode(ctx, tenant, barcode)
	if err != nil {
		return nil, err
	}
	return t.LockItem(ctx, tenant, item.ID)
}

func (t *tx) UpdateItem(ctx context.Context, item *domain.Item) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetItem(ctx, item.TenantID, item.ID); err != nil {
		return err
	}
	item.Version++
	t.items.set(item.ID, *item)
	return nil
}

// Patrons

func (t *tx) InsertPatron(ctx context.Context, p *domain.Patron) error {
	if err := t.writable(); err != nil {
		return err
	}
	var dup bool
	t.read(func(d *dataset) {
		t.patrons.set(p.ID, *p)
		dup = violatesUnique(d.patrons, &t.patrons, patronEmailKey) ||
			violatesUnique(d.patrons, &t.patrons, patronBarcodeKey)
	})
	if dup {
		t.patrons.remove(p.ID)
		return apperr.ErrConflict.With("patron email or barcode already registered")
	}
	return nil
}

func (t *tx) GetPatron(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Patron, error) {
	var (
		p  domain.Patron
		ok bool
	)
	t.read(func(d *dataset) { p, ok = t.patrons.get(d.patrons, id) })
	if !ok || p.TenantID != tenant {
		return nil, apperr.ErrPatronNotFound.With("patron %s not found", id)
	}
	return &p, nil
}

func (t *tx) UpdatePatron(ctx context.Context, p *domain.Patron) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetPatron(ctx, p.TenantID, p.ID); err != nil {
		return err
	}
	p.Version++
	var dup bool
	t.read(func(d *dataset) {
		t.patrons.set(p.ID, *p)
		dup = violatesUnique(d.patrons, &t.patrons, patronEmailKey) ||
			violatesUnique(d.patrons, &t.patrons, patronBarcodeKey)
	})
	if dup {
		return apperr.ErrConflict.With("patron email or barcode already registered")
	}
	return nil
}

func (t *tx) InsertPatronGroup(ctx context.Context, g *domain.PatronGroup) error {
	if err := t.writable(); err != nil {
		return err
	}
	k := codeKey{g.TenantID, g.Code}
	var exists bool
	t.read(func(d *dataset) { _, exists = t.groups.get(d.groups, k) })
	if exists {
		return apperr.ErrConflict.With("patron group %s already exists", g.Code)
	}
	t.groups.set(k, *g)
	return nil
}

func (t *tx) GetPatronGroup(ctx context.Context, tenant domain.TenantID, code string) (*domain.PatronGroup, error) {
	var (
		g  domain.PatronGroup
		ok bool
	)
	t.read(func(d *dataset) { g, ok = t.groups.get(d.groups, codeKey{tenant, code}) })
	if !ok {
		return nil, apperr.ErrNotFound.With("patron group %s not found", code)
	}
	return &g, nil
}

// Policies

func (t *tx) PutLoanPolicy(ctx context.Context, p *domain.LoanPolicy) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.loanPolicies.set(codeKey{p.TenantID, p.Code}, *p)
	return nil
}

func (t *tx) PutFeePolicy(ctx context.Context, p *domain.FeePolicy) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.feePolicies.set(codeKey{p.TenantID, p.Code}, *p)
	return nil
}

func (t *tx) GetLoanPolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.LoanPolicy, error) {
	var (
		p  domain.LoanPolicy
		ok bool
	)
	t.read(func(d *dataset) { p, ok = t.loanPolicies.get(d.loanPolicies, codeKey{tenant, code}) })
	if !ok {
		return nil, apperr.ErrNotFound.With("loan policy %s not found", code)
	}
	return &p, nil
}

func (t *tx) GetFeePolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.FeePolicy, error) {
	var (
		p  domain.FeePolicy
		ok bool
	)
	t.read(func(d *dataset) { p, ok = t.feePolicies.get(d.feePolicies, codeKey{tenant, code}) })
	if !ok {
		return nil, apperr.ErrNotFound.With("fee policy %s not found", code)
	}
	return &p, nil
}

func (t *tx) ListRules(ctx context.Context, tenant domain.TenantID) ([]domain.CirculationRule, error) {
	var rules []domain.CirculationRule
	t.read(func(d *dataset) {
		rs, _ := t.rules.get(d.rules, tenant)
		rules = append(rules, rs...)
	})
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Position < rules[j].Position })
	return rules, nil
}

func (t *tx) ReplaceRules(ctx context.Context, tenant domain.TenantID, rules []domain.CirculationRule) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.rules.set(tenant, append([]domain.CirculationRule(nil), rules...))
	return nil
}

func (t *tx) GetDefaults(ctx context.Context, tenant domain.TenantID) (*domain.PolicyDefaults, error) {
	var (
		d  domain.PolicyDefaults
		ok bool
	)
	t.read(func(ds *dataset) { d, ok = t.defaults.get(ds.defaults, tenant) })
	if !ok {
		return nil, apperr.ErrNotFound.With("tenant %s has no default policies", tenant)
	}
	return &d, nil
}

func (t *tx) PutDefaults(ctx context.Context, d *domain.PolicyDefaults) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.defaults.set(d.TenantID, *d)
	return nil
}

// Loans

func (t *tx) InsertLoan(ctx context.Context, l *domain.Loan) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.loans.set(l.ID, *l)
	return nil
}

func (t *tx) UpdateLoan(ctx context.Context, l *domain.Loan) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetLoan(ctx, l.TenantID, l.ID); err != nil {
		return err
	}
	l.Version++
	t.loans.set(l.ID, *l)
	return nil
}

func (t *tx) GetLoan(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Loan, error) {
	var (
		l  domain.Loan
		ok bool
	)
	t.read(func(d *dataset) { l, ok = t.loans.get(d.loans, id) })
	if !ok || l.TenantID != tenant {
		return nil, apperr.ErrLoanNotFound.With("loan %s not found", id)
	}
	return &l, nil
}

func (t *tx) allLoans(match func(l *domain.Loan) bool) []domain.Loan {
	var out []domain.Loan
	t.read(func(d *dataset) {
		for _, l := range t.loans.all(d.loans) {
			if match(&l) {
				out = append(out, l)
			}
		}
	})
	return out
}

func (t *tx) ActiveLoanForItem(ctx context.Context, tenant domain.TenantID, itemID uuid.UUID) (*domain.Loan, error) {
	loans := t.allLoans(func(l *domain.Loan) bool {
		return l.TenantID == tenant && l.ItemID == itemID && l.IsActive()
	})
	if len(loans) == 0 {
		return nil, apperr.ErrNoOpenLoan.With("no open loan for item %s", itemID)
	}
	return &loans[0], nil
}

func (t *tx) ListLoans(ctx context.Context, tenant domain.TenantID, f domain.LoanFilter, p domain.PageRequest) (domain.Page[domain.Loan], error) {
	loans := t.allLoans(func(l *domain.Loan) bool {
		if l.TenantID != tenant {
			return false
		}
		if f.PatronID != nil && l.PatronID != *f.PatronID {
			return false
		}
		if f.ItemID != nil && l.ItemID != *f.ItemID {
			return false
		}
		if f.Status != "" && l.Status != f.Status {
			return false
		}
		if f.Overdue != nil {
			overdue := l.IsActive() && (l.Status == domain.LoanOverdue || l.DueDate.Before(f.AsOf))
			if overdue != *f.Overdue {
				return false
			}
		}
		return true
	})
	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].LoanDate.Equal(loans[j].LoanDate) {
			return loans[i].LoanDate.After(loans[j].LoanDate)
		}
		return loans[i].ID.String() < loans[j].ID.String()
	})
	return domain.Paginate(loans, p), nil
}

func sortByDue(loans []domain.Loan) {
	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].DueDate.Equal(loans[j].DueDate) {
			return loans[i].DueDate.Before(loans[j].DueDate)
		}
		return loans[i].ID.String() < loans[j].ID.String()
	})
}

func (t *tx) ActiveLoansDueBefore(ctx context.Context, tenant domain.TenantID, before time.Time) ([]domain.Loan, error) {
	loans := t.allLoans(func(l *domain.Loan) bool {
		return l.TenantID == tenant && l.IsActive() && l.DueDate.Before(before)
	})
	sortByDue(loans)
	return loans, nil
}

func (t *tx) OpenLoansDueBetween(ctx context.Context, tenant domain.TenantID, from, to time.Time) ([]domain.Loan, error) {
	loans := t.allLoans(func(l *domain.Loan) bool {
		return l.TenantID == tenant && l.Status == domain.LoanOpen && !l.DueDate.Before(from) && l.DueDate.Before(to)
	})
	sortByDue(loans)
	return loans, nil
}

// Requests

func (t *tx) InsertRequest(ctx context.Context, r *domain.Request) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored := *r
	stored.Position = 0
	t.requests.set(r.ID, stored)
	return nil
}

func (t *tx) UpdateRequest(ctx context.Context, r *domain.Request) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetRequest(ctx, r.TenantID, r.ID); err != nil {
		return err
	}
	stored := *r
	stored.Position = 0
	t.requests.set(r.ID, stored)
	return nil
}

func (t *tx) GetRequest(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Request, error) {
	var (
		r  domain.Request
		ok bool
	)
	t.read(func(d *dataset) { r, ok = t.requests.get(d.requests, id) })
	if !ok || r.TenantID != tenant {
		return nil, apperr.ErrNotFound.With("request %s not found", id)
	}
	if r.Status == domain.RequestOpen {
		queue, err := t.RequestsForItem(ctx, tenant, r.ItemID, domain.RequestOpen)
		if err != nil {
			return nil, fmt.Errorf("failed to derive queue position: %w", err)
		}
		for i := range queue {
			if queue[i].ID == r.ID {
				r.Position = i + 1
			}
		}
	}
	return &r, nil
}

func (t *tx) allRequests(match func(r *domain.Request) bool) []domain.Request {
	var out []domain.Request
	t.read(func(d *dataset) {
		for _, r := range t.requests.all(d.requests) {
			if match(&r) {
				out = append(out, r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

func hasStatus(s domain.RequestStatus, statuses []domain.RequestStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (t *tx) RequestsForItem(ctx context.Context, tenant domain.TenantID, itemID uuid.UUID, statuses ...domain.RequestStatus) ([]domain.Request, error) {
	reqs := t.allRequests(func(r *domain.Request) bool {
		return r.TenantID == tenant && r.ItemID == itemID && hasStatus(r.Status, statuses)
	})
	pos := 0
	for i := range reqs {
		if reqs[i].Status == domain.RequestOpen {
			pos++
			reqs[i].Position = pos
		}
	}
	return reqs, nil
}

func (t *tx) ListRequests(ctx context.Context, tenant domain.TenantID, f domain.RequestFilter, p domain.PageRequest) (domain.Page[domain.Request], error) {
	all := t.allRequests(func(r *domain.Request) bool { return r.TenantID == tenant })

	positions := map[uuid.UUID]int{}
	counters := map[uuid.UUID]int{}
	for _, r := range all {
		if r.Status == domain.RequestOpen {
			counters[r.ItemID]++
			positions[r.ID] = counters[r.ItemID]
		}
	}

	var out []domain.Request
	for _, r := range all {
		if f.PatronID != nil && r.PatronID != *f.PatronID {
			continue
		}
		if f.ItemID != nil && r.ItemID != *f.ItemID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		r.Position = positions[r.ID]
		out = append(out, r)
	}
	return domain.Paginate(out, p), nil
}

func (t *tx) ExpiredPickups(ctx context.Context, tenant domain.TenantID, asOf time.Time) ([]domain.Request, error) {
	return t.allRequests(func(r *domain.Request) bool {
		return r.TenantID == tenant && r.Status == domain.RequestAwaitingPickup &&
			r.HoldShelfExpiration != nil && r.HoldShelfExpiration.Before(asOf)
	}), nil
}

func (t *tx) ExpiredOpenRequests(ctx context.Context, tenant domain.TenantID, asOf time.Time) ([]domain.Request, error) {
	return t.allRequests(func(r *domain.Request) bool {
		return r.TenantID == tenant && r.Status == domain.RequestOpen &&
			r.ExpirationDate != nil && r.ExpirationDate.Before(asOf)
	}), nil
}

// Fees

func (t *tx) InsertFee(ctx context.Context, f *domain.Fee) error {
	if err := t.writable(); err != nil {
		return err
	}
	var dup bool
	t.read(func(d *dataset) {
		t.fees.set(f.ID, *f)
		dup = violatesUnique(d.fees, &t.fees, feeAccrualKey)
	})
	if dup {
		t.fees.remove(f.ID)
		return apperr.ErrConflict.With("fee accrual key %s already used", f.AccrualKey)
	}
	return nil
}

func (t *tx) UpdateFee(ctx context.Context, f *domain.Fee) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetFee(ctx, f.TenantID, f.ID); err != nil {
		return err
	}
	var dup bool
	t.read(func(d *dataset) {
		t.fees.set(f.ID, *f)
		dup = violatesUnique(d.fees, &t.fees, feeAccrualKey)
	})
	if dup {
		return apperr.ErrConflict.With("fee accrual key %s already used", f.AccrualKey)
	}
	return nil
}

func (t *tx) DeleteFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetFee(ctx, tenant, id); err != nil {
		return err
	}
	t.fees.remove(id)
	return nil
}

func (t *tx) GetFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Fee, error) {
	var (
		f  domain.Fee
		ok bool
	)
	t.read(func(d *dataset) { f, ok = t.fees.get(d.fees, id) })
	if !ok || f.TenantID != tenant {
		return nil, apperr.ErrFeeNotFound.With("fee %s not found", id)
	}
	return &f, nil
}

func (t *tx) LockFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Fee, error) {
	if _, err := t.GetFee(ctx, tenant, id); err != nil {
		return nil, err
	}
	if err := t.s.lock(ctx, t, feeLockKey(id)); err != nil {
		return nil, err
	}
	return t.GetFee(ctx, tenant, id)
}

func (t *tx) allFees(match func(f *domain.Fee) bool) []domain.Fee {
	var out []domain.Fee
	t.read(func(d *dataset) {
		for _, f := range t.fees.all(d.fees) {
			if match(&f) {
				out = append(out, f)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FeeDate.Equal(out[j].FeeDate) {
			return out[i].FeeDate.Before(out[j].FeeDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (t *tx) FeesForPatron(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) ([]domain.Fee, error) {
	return t.allFees(func(f *domain.Fee) bool {
		return f.TenantID == tenant && f.PatronID == patronID
	}), nil
}

func (t *tx) FeesForLoan(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) ([]domain.Fee, error) {
	return t.allFees(func(f *domain.Fee) bool {
		return f.TenantID == tenant && f.LoanID != nil && *f.LoanID == loanID
	}), nil
}

func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.payments.set(p.ID, *p)
	return nil
}

func (t *tx) PaymentsForFee(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) ([]domain.Payment, error) {
	var out []domain.Payment
	t.read(func(d *dataset) {
		for _, p := range t.payments.all(d.payments) {
			if p.TenantID == tenant && p.FeeID == feeID {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.Before(out[j].PaymentDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Intents

func (t *tx) InsertIntent(ctx context.Context, in *domain.Intent) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if in.DedupKey == "" {
		in.DedupKey = in.ID.String()
	}
	var dup bool
	t.read(func(d *dataset) {
		for _, existing := range t.intents.all(d.intents) {
			if existing.TenantID == in.TenantID && existing.DedupKey == in.DedupKey {
				dup = true
				return
			}
		}
	})
	if dup {
		return false, nil
	}
	t.intents.set(in.ID, *in)
	return true, nil
}

func (t *tx) ClaimIntents(ctx context.Context, now time.Time, lease time.Duration, limit, maxAttempts int) ([]domain.Intent, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	var pending []domain.Intent
	t.read(func(d *dataset) {
		for _, in := range t.intents.all(d.intents) {
			if in.DispatchedAt != nil || in.Attempts >= maxAttempts {
				continue
			}
			if in.ClaimedUntil != nil && in.ClaimedUntil.After(now) {
				continue
			}
			pending = append(pending, in)
		}
	})
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID.String() < pending[j].ID.String()
	})
	until := now.Add(lease)
	var out []domain.Intent
	for _, in := range pending {
		if len(out) == limit {
			break
		}
		if !t.s.tryLock(t, "intent:"+in.ID.String()) {
			continue
		}
		in.ClaimedUntil = &until
		t.intents.set(in.ID, in)
		out = append(out, in)
	}
	return out, nil
}

func (t *tx) getIntent(id uuid.UUID) (domain.Intent, error) {
	var (
		in domain.Intent
		ok bool
	)
	t.read(func(d *dataset) { in, ok = t.intents.get(d.intents, id) })
	if !ok {
		return in, apperr.ErrNotFound.With("intent %s not found", id)
	}
	return in, nil
}

func (t *tx) MarkIntentDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	in, err := t.getIntent(id)
	if err != nil {
		return err
	}
	in.DispatchedAt = &at
	in.Attempts++
	in.LastError = ""
	t.intents.set(id, in)
	return nil
}

func (t *tx) MarkIntentFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if err := t.writable(); err != nil {
		return err
	}
	in, err := t.getIntent(id)
	if err != nil {
		return err
	}
	in.Attempts++
	in.LastError = reason
	in.ClaimedUntil = nil
	t.intents.set(id, in)
	return nil
}

func (t *tx) IntentsForPatron(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) ([]domain.Intent, error) {
	var out []domain.Intent
	t.read(func(d *dataset) {
		for _, in := range t.intents.all(d.intents) {
			if in.TenantID == tenant && in.PatronID == patronID {
				out = append(out, in)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
