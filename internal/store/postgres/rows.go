// internal/store/postgres/rows.go
package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const itemColumns = `id, tenant_id, holding_ref, title, barcode, material_type, effective_location,
	status, version, created_at, updated_at`

func normalizeItem(i *domain.Item) *domain.Item {
	i.CreatedAt, i.UpdatedAt = utc(i.CreatedAt), utc(i.UpdatedAt)
	return i
}

const patronColumns = `id, tenant_id, barcode, email, name, active, expires_at, patron_group,
	version, created_at, updated_at`

func normalizePatron(p *domain.Patron) *domain.Patron {
	p.CreatedAt, p.UpdatedAt, p.ExpiresAt = utc(p.CreatedAt), utc(p.UpdatedAt), utcPtr(p.ExpiresAt)
	return p
}

// lib/pq sends []byte parameters as bytea, so JSON documents travel as text.
type policyRow struct {
	TenantID string `db:"tenant_id"`
	Code     string `db:"code"`
	Doc      string `db:"doc"`
}

type loanRow struct {
	ID              uuid.UUID  `db:"id"`
	TenantID        string     `db:"tenant_id"`
	PatronID        uuid.UUID  `db:"patron_id"`
	ItemID          uuid.UUID  `db:"item_id"`
	Policy          string     `db:"policy"`
	LoanDate        time.Time  `db:"loan_date"`
	DueDate         time.Time  `db:"due_date"`
	ReturnDate      *time.Time `db:"return_date"`
	RenewalCount    int        `db:"renewal_count"`
	Status          string     `db:"status"`
	RecallShortenedBy *uuid.UUID `db:"recall_shortened_by"`
	CheckinLocation string     `db:"checkin_location"`
	Version         int        `db:"version"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

const loanColumns = `id, tenant_id, patron_id, item_id, policy, loan_date, due_date, return_date,
	renewal_count, status, recall_shortened_by, checkin_location, version, updated_at`

func newLoanRow(l *domain.Loan) (loanRow, error) {
	policy, err := json.Marshal(l.Policy)
	if err != nil {
		return loanRow{}, fmt.Errorf("failed to encode policy snapshot: %w", err)
	}
	return loanRow{
		ID:              l.ID,
		TenantID:        string(l.TenantID),
		PatronID:        l.PatronID,
		ItemID:          l.ItemID,
		Policy:          string(policy),
		LoanDate:        l.LoanDate,
		DueDate:         l.DueDate,
		ReturnDate:      l.ReturnDate,
		RenewalCount:    l.RenewalCount,
		Status:          string(l.Status),
		RecallShortenedBy: l.RecallShortenedBy,
		CheckinLocation: l.CheckinLocation,
		Version:         l.Version,
		UpdatedAt:       l.UpdatedAt,
	}, nil
}

func (r loanRow) toDomain() (domain.Loan, error) {
	l := domain.Loan{
		ID:              r.ID,
		TenantID:        domain.TenantID(r.TenantID),
		PatronID:        r.PatronID,
		ItemID:          r.ItemID,
		LoanDate:        utc(r.LoanDate),
		DueDate:         utc(r.DueDate),
		ReturnDate:      utcPtr(r.ReturnDate),
		RenewalCount:    r.RenewalCount,
		Status:          domain.LoanStatus(r.Status),
		RecallShortenedBy: r.RecallShortenedBy,
		CheckinLocation: r.CheckinLocation,
		Version:         r.Version,
		UpdatedAt:       utc(r.UpdatedAt),
	}
	if err := json.UnmarshalFromString(r.Policy, &l.Policy); err != nil {
		return l, fmt.Errorf("failed to decode policy snapshot of loan %s: %w", r.ID, err)
	}
	return l, nil
}

func toLoans(rows []loanRow) ([]domain.Loan, error) {
	out := make([]domain.Loan, 0, len(rows))
	for _, r := range rows {
		l, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

type requestRow struct {
	ID                  uuid.UUID  `db:"id"`
	TenantID            string     `db:"tenant_id"`
	PatronID            uuid.UUID  `db:"patron_id"`
	ItemID              uuid.UUID  `db:"item_id"`
	Type                string     `db:"request_type"`
	RequestDate         time.Time  `db:"request_date"`
	ExpirationDate      *time.Time `db:"expiration_date"`
	PickupLocation      string     `db:"pickup_location"`
	Status              string     `db:"status"`
	HoldShelfExpiration *time.Time `db:"hold_shelf_expiration"`
	CancellationReason  string     `db:"cancellation_reason"`
	UpdatedAt           time.Time  `db:"updated_at"`
	Position            int        `db:"position" goqu:"skipinsert,skipupdate"`
}

const requestColumns = `id, tenant_id, patron_id, item_id, request_type, request_date, expiration_date,
	pickup_location, status, hold_shelf_expiration, cancellation_reason, updated_at`

func newRequestRow(r *domain.Request) requestRow {
	return requestRow{
		ID:                  r.ID,
		TenantID:            string(r.TenantID),
		PatronID:            r.PatronID,
		ItemID:              r.ItemID,
		Type:                string(r.Type),
		RequestDate:         r.RequestDate,
		ExpirationDate:      r.ExpirationDate,
		PickupLocation:      r.PickupLocation,
		Status:              string(r.Status),
		HoldShelfExpiration: r.HoldShelfExpiration,
		CancellationReason:  r.CancellationReason,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (r requestRow) toDomain() domain.Request {
	return domain.Request{
		ID:                  r.ID,
		TenantID:            domain.TenantID(r.TenantID),
		PatronID:            r.PatronID,
		ItemID:              r.ItemID,
		Type:                domain.RequestType(r.Type),
		RequestDate:         utc(r.RequestDate),
		ExpirationDate:      utcPtr(r.ExpirationDate),
		PickupLocation:      r.PickupLocation,
		Status:              domain.RequestStatus(r.Status),
		HoldShelfExpiration: utcPtr(r.HoldShelfExpiration),
		CancellationReason:  r.CancellationReason,
		Position:            r.Position,
		UpdatedAt:           utc(r.UpdatedAt),
	}
}

func toRequests(rows []requestRow) []domain.Request {
	out := make([]domain.Request, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

type feeRow struct {
	ID          uuid.UUID       `db:"id"`
	TenantID    string          `db:"tenant_id"`
	PatronID    uuid.UUID       `db:"patron_id"`
	LoanID      *uuid.UUID      `db:"loan_id"`
	ItemID      *uuid.UUID      `db:"item_id"`
	Type        string          `db:"fee_type"`
	Amount      decimal.Decimal `db:"amount"`
	PaidAmount  decimal.Decimal `db:"paid_amount"`
	Remaining   decimal.Decimal `db:"remaining"`
	Status      string          `db:"status"`
	FeeDate     time.Time       `db:"fee_date"`
	ClosedDate  *time.Time      `db:"closed_date"`
	Automated   bool            `db:"automated"`
	AccrualKey  string          `db:"accrual_key"`
	Currency    string          `db:"currency"`
	Description string          `db:"description"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

const feeColumns = `id, tenant_id, patron_id, loan_id, item_id, fee_type, amount, paid_amount, remaining,
	status, fee_date, closed_date, automated, accrual_key, currency, description, updated_at`

func newFeeRow(f *domain.Fee) feeRow {
	return feeRow{
		ID:          f.ID,
		TenantID:    string(f.TenantID),
		PatronID:    f.PatronID,
		LoanID:      f.LoanID,
		ItemID:      f.ItemID,
		Type:        string(f.Type),
		Amount:      f.Amount,
		PaidAmount:  f.PaidAmount,
		Remaining:   f.Remaining,
		Status:      string(f.Status),
		FeeDate:     f.FeeDate,
		ClosedDate:  f.ClosedDate,
		Automated:   f.Automated,
		AccrualKey:  f.AccrualKey,
		Currency:    f.Currency,
		Description: f.Description,
		UpdatedAt:   f.UpdatedAt,
	}
}

func (r feeRow) toDomain() domain.Fee {
	return domain.Fee{
		ID:          r.ID,
		TenantID:    domain.TenantID(r.TenantID),
		PatronID:    r.PatronID,
		LoanID:      r.LoanID,
		ItemID:      r.ItemID,
		Type:        domain.FeeType(r.Type),
		Amount:      r.Amount,
		PaidAmount:  r.PaidAmount,
		Remaining:   r.Remaining,
		Status:      domain.FeeStatus(r.Status),
		FeeDate:     utc(r.FeeDate),
		ClosedDate:  utcPtr(r.ClosedDate),
		Automated:   r.Automated,
		AccrualKey:  r.AccrualKey,
		Currency:    r.Currency,
		Description: r.Description,
		UpdatedAt:   utc(r.UpdatedAt),
	}
}

func toFees(rows []feeRow) []domain.Fee {
	out := make([]domain.Fee, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

type paymentRow struct {
	ID          uuid.UUID       `db:"id"`
	TenantID    string          `db:"tenant_id"`
	FeeID       uuid.UUID       `db:"fee_id"`
	PatronID    uuid.UUID       `db:"patron_id"`
	Method      string          `db:"method"`
	Amount      decimal.Decimal `db:"amount"`
	PaymentDate time.Time       `db:"payment_date"`
	Balance     decimal.Decimal `db:"balance"`
	Note        string          `db:"note"`
}

const paymentColumns = `id, tenant_id, fee_id, patron_id, method, amount, payment_date, balance, note`

func newPaymentRow(p *domain.Payment) paymentRow {
	return paymentRow{
		ID:          p.ID,
		TenantID:    string(p.TenantID),
		FeeID:       p.FeeID,
		PatronID:    p.PatronID,
		Method:      string(p.Method),
		Amount:      p.Amount,
		PaymentDate: p.PaymentDate,
		Balance:     p.Balance,
		Note:        p.Note,
	}
}

func (r paymentRow) toDomain() domain.Payment {
	return domain.Payment{
		ID:          r.ID,
		TenantID:    domain.TenantID(r.TenantID),
		FeeID:       r.FeeID,
		PatronID:    r.PatronID,
		Method:      domain.PaymentMethod(r.Method),
		Amount:      r.Amount,
		PaymentDate: utc(r.PaymentDate),
		Balance:     r.Balance,
		Note:        r.Note,
	}
}

type intentRow struct {
	ID           uuid.UUID  `db:"id"`
	TenantID     string     `db:"tenant_id"`
	PatronID     uuid.UUID  `db:"patron_id"`
	Kind         string     `db:"kind"`
	Payload      string     `db:"payload"`
	Priority     int        `db:"priority"`
	DedupKey     string     `db:"dedup_key"`
	CreatedAt    time.Time  `db:"created_at"`
	ClaimedUntil *time.Time `db:"claimed_until"`
	DispatchedAt *time.Time `db:"dispatched_at"`
	Attempts     int        `db:"attempts"`
	LastError    string     `db:"last_error"`
}

const intentColumns = `id, tenant_id, patron_id, kind, payload, priority, dedup_key, created_at,
	claimed_until, dispatched_at, attempts, last_error`

func newIntentRow(in *domain.Intent) intentRow {
	payload := string(in.Payload)
	if payload == "" {
		payload = "null"
	}
	return intentRow{
		ID:           in.ID,
		TenantID:     string(in.TenantID),
		PatronID:     in.PatronID,
		Kind:         string(in.Kind),
		Payload:      payload,
		Priority:     in.Priority,
		DedupKey:     in.DedupKey,
		CreatedAt:    in.CreatedAt,
		ClaimedUntil: in.ClaimedUntil,
		DispatchedAt: in.DispatchedAt,
		Attempts:     in.Attempts,
		LastError:    in.LastError,
	}
}

func (r intentRow) toDomain() domain.Intent {
	var payload []byte
	if r.Payload != "null" {
		payload = []byte(r.Payload)
	}
	return domain.Intent{
		ID:           r.ID,
		TenantID:     domain.TenantID(r.TenantID),
		PatronID:     r.PatronID,
		Kind:         domain.IntentKind(r.Kind),
		Payload:      payload,
		Priority:     r.Priority,
		DedupKey:     r.DedupKey,
		CreatedAt:    utc(r.CreatedAt),
		ClaimedUntil: utcPtr(r.ClaimedUntil),
		DispatchedAt: utcPtr(r.DispatchedAt),
		Attempts:     r.Attempts,
		LastError:    r.LastError,
	}
}

func toIntents(rows []intentRow) []domain.Intent {
	out := make([]domain.Intent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
