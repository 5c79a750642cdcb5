// internal/outbox/payloads.go
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// CheckoutReceipt is the payload of checkout_receipt.
type CheckoutReceipt struct {
	LoanID   uuid.UUID `json:"loan_id"`
	ItemID   uuid.UUID `json:"item_id"`
	Barcode  string    `json:"barcode"`
	Title    string    `json:"title"`
	LoanDate time.Time `json:"loan_date"`
	DueDate  time.Time `json:"due_date"`
}

// LoanRenewed is the payload of loan_renewed.
type LoanRenewed struct {
	LoanID       uuid.UUID `json:"loan_id"`
	ItemID       uuid.UUID `json:"item_id"`
	Title        string    `json:"title"`
	DueDate      time.Time `json:"due_date"`
	RenewalCount int       `json:"renewal_count"`
}

// LoanClosed is the payload of loan_closed.
type LoanClosed struct {
	LoanID     uuid.UUID  `json:"loan_id"`
	ItemID     uuid.UUID  `json:"item_id"`
	Title      string     `json:"title"`
	ReturnDate time.Time  `json:"return_date"`
	Reason     string     `json:"reason"`
	FeeID      *uuid.UUID `json:"fee_id,omitempty"`
	FeeAmount  string     `json:"fee_amount,omitempty"`
}

// HoldAvailable is the payload of hold_available.
type HoldAvailable struct {
	RequestID      uuid.UUID `json:"request_id"`
	ItemID         uuid.UUID `json:"item_id"`
	Title          string    `json:"title"`
	PickupLocation string    `json:"pickup_location"`
	PickupBy       time.Time `json:"pickup_by"`
}

// OverdueItem is one line of an overdue notice.
type OverdueItem struct {
	LoanID      uuid.UUID `json:"loan_id"`
	ItemID      uuid.UUID `json:"item_id"`
	Title       string    `json:"title"`
	DueDate     time.Time `json:"due_date"`
	DaysOverdue int       `json:"days_overdue"`
	Accrued     string    `json:"accrued"`
}

// OverdueNotice is the payload of overdue_notice.
type OverdueNotice struct {
	Date         string        `json:"date"`
	Items        []OverdueItem `json:"items"`
	TotalAccrued string        `json:"total_accrued"`
	Currency     string        `json:"currency"`
}

// DueItem is one line of a due-soon notice.
type DueItem struct {
	LoanID  uuid.UUID `json:"loan_id"`
	ItemID  uuid.UUID `json:"item_id"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"due_date"`
}

// DueSoon is the payload of due_soon.
type DueSoon struct {
	Date  string    `json:"date"`
	Items []DueItem `json:"items"`
}

// RecallNotice is the payload of recall_notice.
type RecallNotice struct {
	LoanID    uuid.UUID `json:"loan_id"`
	ItemID    uuid.UUID `json:"item_id"`
	Title     string    `json:"title"`
	RequestID uuid.UUID `json:"request_id"`
	DueDate   time.Time `json:"due_date"`
}

// HoldExpired is the payload of hold_expired.
type HoldExpired struct {
	RequestID uuid.UUID `json:"request_id"`
	ItemID    uuid.UUID `json:"item_id"`
	Title     string    `json:"title"`
	Reason    string    `json:"reason"`
}
