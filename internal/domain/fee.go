// internal/domain/fee.go
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeStatus is the state of a fee.
type FeeStatus string

const (
	FeeOpen      FeeStatus = "OPEN"
	FeeClosed    FeeStatus = "CLOSED"
	FeeSuspended FeeStatus = "SUSPENDED"
)

// Fee is a charge against a patron.
type Fee struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    TenantID        `json:"tenant_id"`
	PatronID    uuid.UUID       `json:"patron_id"`
	LoanID      *uuid.UUID      `json:"loan_id,omitempty"`
	ItemID      *uuid.UUID      `json:"item_id,omitempty"`
	Type        FeeType         `json:"fee_type"`
	Amount      decimal.Decimal `json:"amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	Remaining   decimal.Decimal `json:"remaining"`
	Status      FeeStatus       `json:"status"`
	FeeDate     time.Time       `json:"fee_date"`
	ClosedDate  *time.Time      `json:"closed_date,omitempty"`
	Automated   bool            `json:"automated"`
	AccrualKey  string          `json:"accrual_key,omitempty"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PaymentMethod is how a payment credits a fee.
type PaymentMethod string

const (
	PayCash       PaymentMethod = "CASH"
	PayCheck      PaymentMethod = "CHECK"
	PayCreditCard PaymentMethod = "CREDIT_CARD"
	PayTransfer   PaymentMethod = "TRANSFER"
	PayWaive      PaymentMethod = "WAIVE"
	PayForgive    PaymentMethod = "FORGIVE"
	PayRefund     PaymentMethod = "REFUND"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PayCash, PayCheck, PayCreditCard, PayTransfer, PayWaive, PayForgive, PayRefund:
		return true
	}
	return false
}

// IsWaiver reports whether m is a waive or forgive credit.
func (m PaymentMethod) IsWaiver() bool {
	return m == PayWaive || m == PayForgive
}

// Payment is an append-only credit against a fee.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    TenantID        `json:"tenant_id"`
	FeeID       uuid.UUID       `json:"fee_id"`
	PatronID    uuid.UUID       `json:"patron_id"`
	Method      PaymentMethod   `json:"method"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
	Balance     decimal.Decimal `json:"balance"`
	Note        string          `json:"note,omitempty"`
}

// FeeSummary aggregates a patron's fees.
type FeeSummary struct {
	PatronID   uuid.UUID       `json:"patron_id"`
	TotalFees  int             `json:"total_fees"`
	OpenFees   int             `json:"open_fees"`
	TotalOwed  decimal.Decimal `json:"total_owed"`
	TotalPaid  decimal.Decimal `json:"total_paid"`
	Currency   string          `json:"currency"`
	ComputedAt time.Time       `json:"computed_at"`
}
