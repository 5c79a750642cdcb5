// internal/store/postgres/repos.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

type tx struct {
	tx *sqlx.Tx
}

var _ store.Tx = (*tx)(nil)

// get scans one row into dest and returns notFound when there is none.
func (t *tx) get(ctx context.Context, dest any, notFound error, query string, args ...any) error {
	err := t.tx.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return mapErr(err)
}

func (t *tx) list(ctx context.Context, dest any, query string, args ...any) error {
	return mapErr(t.tx.SelectContext(ctx, dest, query, args...))
}

// exec runs a statement and reports the number of affected rows.
func (t *tx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (t *tx) execBuilt(ctx context.Context, b sqlBuilder) (int64, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build statement: %w", err)
	}
	return t.exec(ctx, query, args...)
}

func (t *tx) selectBuilt(ctx context.Context, dest any, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return t.list(ctx, dest, query, args...)
}

func (t *tx) countBuilt(ctx context.Context, ds *goqu.SelectDataset) (int, error) {
	query, args, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count: %w", err)
	}
	var n int
	if err := mapErr(t.tx.GetContext(ctx, &n, query, args...)); err != nil {
		return 0, err
	}
	return n, nil
}

func insert(table string, row any) *goqu.InsertDataset {
	return dialect.Insert(table).Prepared(true).Rows(row)
}

func update(table string, tenant domain.TenantID, id uuid.UUID, row any) *goqu.UpdateDataset {
	return dialect.Update(table).Prepared(true).Set(row).
		Where(goqu.C("tenant_id").Eq(string(tenant)), goqu.C("id").Eq(id.String()))
}

// Tenants

func (t *tx) InsertTenant(ctx context.Context, tn *domain.Tenant) error {
	if _, err := t.execBuilt(ctx, insert("tenants", tn)); err != nil {
		return fmt.Errorf("failed to insert tenant %s: %w", tn.ID, err)
	}
	return nil
}

func (t *tx) GetTenant(ctx context.Context, id domain.TenantID) (*domain.Tenant, error) {
	var tn domain.Tenant
	err := t.get(ctx, &tn, apperr.ErrNotFound.With("tenant %s not found", id),
		`SELECT id, name, currency, created_at FROM tenants WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	tn.CreatedAt = utc(tn.CreatedAt)
	return &tn, nil
}

func (t *tx) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	var out []domain.Tenant
	if err := t.list(ctx, &out, `SELECT id, name, currency, created_at FROM tenants ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = utc(out[i].CreatedAt)
	}
	return out, nil
}

// Items

func (t *tx) InsertItem(ctx context.Context, item *domain.Item) error {
	if _, err := t.execBuilt(ctx, insert("items", item)); err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

func (t *tx) getItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID, suffix string) (*domain.Item, error) {
	var item domain.Item
	err := t.get(ctx, &item, apperr.ErrItemNotFound.With("item %s not found", id),
		`SELECT `+itemColumns+` FROM items WHERE tenant_id = $1 AND id = $2`+suffix, string(tenant), id)
	if err != nil {
		return nil, err
	}
	return normalizeItem(&item), nil
}

func (t *tx) getItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode, suffix string) (*domain.Item, error) {
	var item domain.Item
	err := t.get(ctx, &item, apperr.ErrItemNotFound.With("no item with barcode %q", barcode),
		`SELECT `+itemColumns+` FROM items WHERE tenant_id = $1 AND barcode = $2 AND barcode <> ''`+suffix,
		string(tenant), barcode)
	if err != nil {
		return nil, err
	}
	return normalizeItem(&item), nil
}

func (t *tx) GetItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error) {
	return t.getItem(ctx, tenant, id, "")
}

func (t *tx) GetItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error) {
	return t.getItemByBarcode(ctx, tenant, barcode, "")
}

func (t *tx) LockItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error) {
	return t.getItem(ctx, tenant, id, " FOR UPDATE")
}

func (t *tx) LockItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error) {
	return t.getItemByBarcode(ctx, tenant, barcode, " FOR UPDATE")
}

func (t *tx) UpdateItem(ctx context.Context, item *domain.Item) error {
	next := *item
	next.Version++
	n, err := t.execBuilt(ctx, update("items", item.TenantID, item.ID, next))
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n == 0 {
		return apperr.ErrItemNotFound.With("item %s not found", item.ID)
	}
	item.Version = next.Version
	return nil
}

// Patrons

func (t *tx) InsertPatron(ctx context.Context, p *domain.Patron) error {
	if _, err := t.execBuilt(ctx, insert("patrons", p)); err != nil {
		return fmt.Errorf("failed to insert patron: %w", err)
	}
	return nil
}

func (t *tx) GetPatron(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Patron, error) {
	var p domain.Patron
	err := t.get(ctx, &p, apperr.ErrPatronNotFound.With("patron %s not found", id),
		`SELECT `+patronColumns+` FROM patrons WHERE tenant_id = $1 AND id = $2`, string(tenant), id)
	if err != nil {
		return nil, err
	}
	return normalizePatron(&p), nil
}

func (t *tx) UpdatePatron(ctx context.Context, p *domain.Patron) error {
	next := *p
	next.Version++
	n, err := t.execBuilt(ctx, update("patrons", p.TenantID, p.ID, next))
	if err != nil {
		return fmt.Errorf("failed to update patron: %w", err)
	}
	if n == 0 {
		return apperr.ErrPatronNotFound.With("patron %s not found", p.ID)
	}
	p.Version = next.Version
	return nil
}

func (t *tx) InsertPatronGroup(ctx context.Context, g *domain.PatronGroup) error {
	if _, err := t.execBuilt(ctx, insert("patron_groups", g)); err != nil {
		return fmt.Errorf("failed to insert patron group %s: %w", g.Code, err)
	}
	return nil
}

func (t *tx) GetPatronGroup(ctx context.Context, tenant domain.TenantID, code string) (*domain.PatronGroup, error) {
	var g domain.PatronGroup
	err := t.get(ctx, &g, apperr.ErrNotFound.With("patron group %s not found", code),
		`SELECT tenant_id, code, description FROM patron_groups WHERE tenant_id = $1 AND code = $2`,
		string(tenant), code)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Policies

func (t *tx) putPolicy(ctx context.Context, table string, tenant domain.TenantID, code string, doc any) error {
	raw, err := json.MarshalToString(doc)
	if err != nil {
		return fmt.Errorf("failed to encode policy %s: %w", code, err)
	}
	ds := insert(table, policyRow{TenantID: string(tenant), Code: code, Doc: raw}).
		OnConflict(goqu.DoUpdate("tenant_id, code", goqu.Record{"doc": goqu.L("EXCLUDED.doc"), "updated_at": goqu.L("now()")}))
	if _, err := t.execBuilt(ctx, ds); err != nil {
		return fmt.Errorf("failed to store policy %s: %w", code, err)
	}
	return nil
}

func (t *tx) getPolicy(ctx context.Context, table string, tenant domain.TenantID, code string, notFound error, dest any) error {
	var doc string
	err := t.get(ctx, &doc, notFound, `SELECT doc FROM `+table+` WHERE tenant_id = $1 AND code = $2`, string(tenant), code)
	if err != nil {
		return err
	}
	if err := json.UnmarshalFromString(doc, dest); err != nil {
		return fmt.Errorf("failed to decode policy %s: %w", code, err)
	}
	return nil
}

func (t *tx) PutLoanPolicy(ctx context.Context, p *domain.LoanPolicy) error {
	return t.putPolicy(ctx, "loan_policies", p.TenantID, p.Code, p)
}

func (t *tx) PutFeePolicy(ctx context.Context, p *domain.FeePolicy) error {
	return t.putPolicy(ctx, "fee_policies", p.TenantID, p.Code, p)
}

func (t *tx) GetLoanPolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.LoanPolicy, error) {
	var p domain.LoanPolicy
	if err := t.getPolicy(ctx, "loan_policies", tenant, code, apperr.ErrNotFound.With("loan policy %s not found", code), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) GetFeePolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.FeePolicy, error) {
	var p domain.FeePolicy
	if err := t.getPolicy(ctx, "fee_policies", tenant, code, apperr.ErrNotFound.With("fee policy %s not found", code), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) ListRules(ctx context.Context, tenant domain.TenantID) ([]domain.CirculationRule, error) {
	var rules []domain.CirculationRule
	err := t.list(ctx, &rules, `SELECT id, tenant_id, position, patron_group, material_type, location,
		item_status, loan_policy_code, fee_policy_code
		FROM circulation_rules WHERE tenant_id = $1 ORDER BY position`, string(tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (t *tx) ReplaceRules(ctx context.Context, tenant domain.TenantID, rules []domain.CirculationRule) error {
	if _, err := t.exec(ctx, `DELETE FROM circulation_rules WHERE tenant_id = $1`, string(tenant)); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}
	if _, err := t.execBuilt(ctx, insert("circulation_rules", rules)); err != nil {
		return fmt.Errorf("failed to insert rules: %w", err)
	}
	return nil
}

func (t *tx) GetDefaults(ctx context.Context, tenant domain.TenantID) (*domain.PolicyDefaults, error) {
	var d domain.PolicyDefaults
	err := t.get(ctx, &d, apperr.ErrNotFound.With("tenant %s has no default policies", tenant),
		`SELECT tenant_id, loan_policy_code, fee_policy_code FROM policy_defaults WHERE tenant_id = $1`, string(tenant))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *tx) PutDefaults(ctx context.Context, d *domain.PolicyDefaults) error {
	ds := insert("policy_defaults", d).OnConflict(goqu.DoUpdate("tenant_id", goqu.Record{
		"loan_policy_code": goqu.L("EXCLUDED.loan_policy_code"),
		"fee_policy_code":  goqu.L("EXCLUDED.fee_policy_code"),
	}))
	if _, err := t.execBuilt(ctx, ds); err != nil {
		return fmt.Errorf("failed to store default policies: %w", err)
	}
	return nil
}

// Loans

func (t *tx) InsertLoan(ctx context.Context, l *domain.Loan) error {
	row, err := newLoanRow(l)
	if err != nil {
		return err
	}
	if _, err := t.execBuilt(ctx, insert("loans", row)); err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (t *tx) UpdateLoan(ctx context.Context, l *domain.Loan) error {
	row, err := newLoanRow(l)
	if err != nil {
		return err
	}
	row.Version++
	n, err := t.execBuilt(ctx, update("loans", l.TenantID, l.ID, row))
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if n == 0 {
		return apperr.ErrLoanNotFound.With("loan %s not found", l.ID)
	}
	l.Version = row.Version
	return nil
}

func (t *tx) loans(ctx context.Context, query string, args ...any) ([]domain.Loan, error) {
	var rows []loanRow
	if err := t.list(ctx, &rows, `SELECT `+loanColumns+` FROM loans WHERE `+query, args...); err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return toLoans(rows)
}

func (t *tx) GetLoan(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Loan, error) {
	var row loanRow
	err := t.get(ctx, &row, apperr.ErrLoanNotFound.With("loan %s not found", id),
		`SELECT `+loanColumns+` FROM loans WHERE tenant_id = $1 AND id = $2`, string(tenant), id)
	if err != nil {
		return nil, err
	}
	l, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *tx) ActiveLoanForItem(ctx context.Context, tenant domain.TenantID, itemID uuid.UUID) (*domain.Loan, error) {
	loans, err := t.loans(ctx, `tenant_id = $1 AND item_id = $2 AND status IN ('OPEN', 'OVERDUE')`, string(tenant), itemID)
	if err != nil {
		return nil, err
	}
	if len(loans) == 0 {
		return nil, apperr.ErrNoOpenLoan.With("no open loan for item %s", itemID)
	}
	return &loans[0], nil
}

func (t *tx) ListLoans(ctx context.Context, tenant domain.TenantID, f domain.LoanFilter, p domain.PageRequest) (domain.Page[domain.Loan], error) {
	p = p.Normalize()
	ds := dialect.From("loans").Prepared(true).Where(goqu.C("tenant_id").Eq(string(tenant)))
	if f.PatronID != nil {
		ds = ds.Where(goqu.C("patron_id").Eq(f.PatronID.String()))
	}
	if f.ItemID != nil {
		ds = ds.Where(goqu.C("item_id").Eq(f.ItemID.String()))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(f.Status)))
	}
	if f.Overdue != nil {
		ds = ds.Where(goqu.L(
			"(status IN ('OPEN', 'OVERDUE') AND (status = 'OVERDUE' OR due_date < ?)) = ?", f.AsOf, *f.Overdue))
	}

	total, err := t.countBuilt(ctx, ds)
	if err != nil {
		return domain.Page[domain.Loan]{}, fmt.Errorf("failed to count loans: %w", err)
	}
	var rows []loanRow
	err = t.selectBuilt(ctx, &rows, ds.Select(goqu.L(loanColumns)).
		Order(goqu.C("loan_date").Desc(), goqu.C("id").Asc()).
		Offset(uint(p.Offset)).Limit(uint(p.Limit)))
	if err != nil {
		return domain.Page[domain.Loan]{}, fmt.Errorf("failed to list loans: %w", err)
	}
	loans, err := toLoans(rows)
	if err != nil {
		return domain.Page[domain.Loan]{}, err
	}
	return domain.Page[domain.Loan]{Items: loans, Total: total, Offset: p.Offset, Limit: p.Limit}, nil
}

func (t *tx) ActiveLoansDueBefore(ctx context.Context, tenant domain.TenantID, before time.Time) ([]domain.Loan, error) {
	return t.loans(ctx, `tenant_id = $1 AND status IN ('OPEN', 'OVERDUE') AND due_date < $2
		ORDER BY due_date, id`, string(tenant), before)
}

func (t *tx) OpenLoansDueBetween(ctx context.Context, tenant domain.TenantID, from, to time.Time) ([]domain.Loan, error) {
	return t.loans(ctx, `tenant_id = $1 AND status = 'OPEN' AND due_date >= $2 AND due_date < $3
		ORDER BY due_date, id`, string(tenant), from, to)
}

// Requests

// queuePosition numbers OPEN requests per item in FIFO order and leaves the
// rest at zero.
const queuePosition = `CASE WHEN status = 'OPEN'
	THEN row_number() OVER (PARTITION BY item_id, status = 'OPEN' ORDER BY request_date, id)
	ELSE 0 END`

func (t *tx) InsertRequest(ctx context.Context, r *domain.Request) error {
	if _, err := t.execBuilt(ctx, insert("requests", newRequestRow(r))); err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

func (t *tx) UpdateRequest(ctx context.Context, r *domain.Request) error {
	n, err := t.execBuilt(ctx, update("requests", r.TenantID, r.ID, newRequestRow(r)))
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound.With("request %s not found", r.ID)
	}
	return nil
}

func (t *tx) requests(ctx context.Context, query string, args ...any) ([]domain.Request, error) {
	var rows []requestRow
	if err := t.list(ctx, &rows, `SELECT `+requestColumns+` FROM requests WHERE `+query, args...); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return toRequests(rows), nil
}

func (t *tx) GetRequest(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Request, error) {
	var row requestRow
	err := t.get(ctx, &row, apperr.ErrNotFound.With("request %s not found", id),
		`SELECT `+requestColumns+` FROM requests WHERE tenant_id = $1 AND id = $2`, string(tenant), id)
	if err != nil {
		return nil, err
	}
	r := row.toDomain()
	if r.Status == domain.RequestOpen {
		err := t.get(ctx, &r.Position, nil, `SELECT count(*) FROM requests
			WHERE tenant_id = $1 AND item_id = $2 AND status = 'OPEN' AND (request_date, id) <= ($3, $4)`,
			string(tenant), r.ItemID, row.RequestDate, r.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive queue position: %w", err)
		}
	}
	return &r, nil
}

func (t *tx) RequestsForItem(ctx context.Context, tenant domain.TenantID, itemID uuid.UUID, statuses ...domain.RequestStatus) ([]domain.Request, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	reqs, err := t.requests(ctx, `tenant_id = $1 AND item_id = $2 AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		ORDER BY request_date, id`, string(tenant), itemID, pq.Array(names))
	if err != nil {
		return nil, err
	}
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
	p = p.Normalize()
	ranked := dialect.From("requests").Prepared(true).
		Select(goqu.L(requestColumns), goqu.L(queuePosition).As("position")).
		Where(goqu.C("tenant_id").Eq(string(tenant)))
	ds := dialect.From("ranked").Prepared(true).With("ranked", ranked)
	if f.PatronID != nil {
		ds = ds.Where(goqu.C("patron_id").Eq(f.PatronID.String()))
	}
	if f.ItemID != nil {
		ds = ds.Where(goqu.C("item_id").Eq(f.ItemID.String()))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(f.Status)))
	}

	total, err := t.countBuilt(ctx, ds)
	if err != nil {
		return domain.Page[domain.Request]{}, fmt.Errorf("failed to count requests: %w", err)
	}
	var rows []requestRow
	err = t.selectBuilt(ctx, &rows, ds.Select(goqu.Star()).
		Order(goqu.C("request_date").Asc(), goqu.C("id").Asc()).
		Offset(uint(p.Offset)).Limit(uint(p.Limit)))
	if err != nil {
		return domain.Page[domain.Request]{}, fmt.Errorf("failed to list requests: %w", err)
	}
	return domain.Page[domain.Request]{Items: toRequests(rows), Total: total, Offset: p.Offset, Limit: p.Limit}, nil
}

func (t *tx) ExpiredPickups(ctx context.Context, tenant domain.TenantID, asOf time.Time) ([]domain.Request, error) {
	return t.requests(ctx, `tenant_id = $1 AND status = 'AWAITING_PICKUP' AND hold_shelf_expiration < $2
		ORDER BY request_date, id`, string(tenant), asOf)
}

func (t *tx) ExpiredOpenRequests(ctx context.Context, tenant domain.TenantID, asOf time.Time) ([]domain.Request, error) {
	return t.requests(ctx, `tenant_id = $1 AND status = 'OPEN' AND expiration_date < $2
		ORDER BY request_date, id`, string(tenant), asOf)
}

// Fees

func (t *tx) InsertFee(ctx context.Context, f *domain.Fee) error {
	if _, err := t.execBuilt(ctx, insert("fees", newFeeRow(f))); err != nil {
		return fmt.Errorf("failed to insert fee: %w", err)
	}
	return nil
}

func (t *tx) UpdateFee(ctx context.Context, f *domain.Fee) error {
	n, err := t.execBuilt(ctx, update("fees", f.TenantID, f.ID, newFeeRow(f)))
	if err != nil {
		return fmt.Errorf("failed to update fee: %w", err)
	}
	if n == 0 {
		return apperr.ErrFeeNotFound.With("fee %s not found", f.ID)
	}
	return nil
}

func (t *tx) DeleteFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) error {
	n, err := t.exec(ctx, `DELETE FROM fees WHERE tenant_id = $1 AND id = $2`, string(tenant), id)
	if err != nil {
		return fmt.Errorf("failed to delete fee: %w", err)
	}
	if n == 0 {
		return apperr.ErrFeeNotFound.With("fee %s not found", id)
	}
	return nil
}

func (t *tx) getFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID, suffix string) (*domain.Fee, error) {
	var row feeRow
	err := t.get(ctx, &row, apperr.ErrFeeNotFound.With("fee %s not found", id),
		`SELECT `+feeColumns+` FROM fees WHERE tenant_id = $1 AND id = $2`+suffix, string(tenant), id)
	if err != nil {
		return nil, err
	}
	f := row.toDomain()
	return &f, nil
}

func (t *tx) GetFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Fee, error) {
	return t.getFee(ctx, tenant, id, "")
}

func (t *tx) LockFee(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Fee, error) {
	return t.getFee(ctx, tenant, id, " FOR UPDATE")
}

func (t *tx) fees(ctx context.Context, query string, args ...any) ([]domain.Fee, error) {
	var rows []feeRow
	if err := t.list(ctx, &rows, `SELECT `+feeColumns+` FROM fees WHERE `+query+` ORDER BY fee_date, id`, args...); err != nil {
		return nil, fmt.Errorf("failed to list fees: %w", err)
	}
	return toFees(rows), nil
}

func (t *tx) FeesForPatron(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) ([]domain.Fee, error) {
	return t.fees(ctx, `tenant_id = $1 AND patron_id = $2`, string(tenant), patronID)
}

func (t *tx) FeesForLoan(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) ([]domain.Fee, error) {
	return t.fees(ctx, `tenant_id = $1 AND loan_id = $2`, string(tenant), loanID)
}

func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	if _, err := t.execBuilt(ctx, insert("payments", newPaymentRow(p))); err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *tx) PaymentsForFee(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID) ([]domain.Payment, error) {
	var rows []paymentRow
	err := t.list(ctx, &rows, `SELECT `+paymentColumns+` FROM payments
		WHERE tenant_id = $1 AND fee_id = $2 ORDER BY payment_date, id`, string(tenant), feeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	out := make([]domain.Payment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Intents

func (t *tx) InsertIntent(ctx context.Context, in *domain.Intent) (bool, error) {
	if in.DedupKey == "" {
		in.DedupKey = in.ID.String()
	}
	ds := insert("intents", newIntentRow(in)).OnConflict(goqu.DoNothing())
	n, err := t.execBuilt(ctx, ds)
	if err != nil {
		return false, fmt.Errorf("failed to insert intent: %w", err)
	}
	return n == 1, nil
}

func (t *tx) ClaimIntents(ctx context.Context, now time.Time, lease time.Duration, limit, maxAttempts int) ([]domain.Intent, error) {
	var rows []intentRow
	err := t.list(ctx, &rows, `UPDATE intents SET claimed_until = $1
		WHERE id IN (
			SELECT id FROM intents
			WHERE dispatched_at IS NULL AND attempts < $2 AND (claimed_until IS NULL OR claimed_until <= $3)
			ORDER BY priority, created_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		RETURNING `+intentColumns, now.Add(lease), maxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim intents: %w", err)
	}
	out := toIntents(rows)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *tx) markIntent(ctx context.Context, id uuid.UUID, set exp.Record) error {
	set["attempts"] = goqu.L("attempts + 1")
	ds := dialect.Update("intents").Prepared(true).Set(set).Where(goqu.C("id").Eq(id.String()))
	n, err := t.execBuilt(ctx, ds)
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound.With("intent %s not found", id)
	}
	return nil
}

func (t *tx) MarkIntentDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.markIntent(ctx, id, goqu.Record{"dispatched_at": at, "last_error": ""})
}

func (t *tx) MarkIntentFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return t.markIntent(ctx, id, goqu.Record{"last_error": reason, "claimed_until": nil})
}

func (t *tx) IntentsForPatron(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) ([]domain.Intent, error) {
	var rows []intentRow
	err := t.list(ctx, &rows, `SELECT `+intentColumns+` FROM intents
		WHERE tenant_id = $1 AND patron_id = $2 ORDER BY created_at, id`, string(tenant), patronID)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	return toIntents(rows), nil
}
