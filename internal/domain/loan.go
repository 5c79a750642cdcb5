// internal/domain/loan.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoanStatus is the state of a borrowing episode.
type LoanStatus string

const (
	LoanOpen    LoanStatus = "OPEN"
	LoanOverdue LoanStatus = "OVERDUE"
	LoanClosed  LoanStatus = "CLOSED"
)

// Loan is a borrowing episode of one item by one patron.
type Loan struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        TenantID       `json:"tenant_id"`
	PatronID        uuid.UUID      `json:"patron_id"`
	ItemID          uuid.UUID      `json:"item_id"`
	Policy          PolicySnapshot `json:"policy"`
	LoanDate        time.Time      `json:"loan_date"`
	DueDate         time.Time      `json:"due_date"`
	ReturnDate      *time.Time     `json:"return_date,omitempty"`
	RenewalCount    int            `json:"renewal_count"`
	Status          LoanStatus     `json:"status"`
	RecallShortenedBy *uuid.UUID   `json:"recall_shortened_by,omitempty"`
	CheckinLocation string         `json:"checkin_location,omitempty"`
	Version         int            `json:"version"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ShortenedBy reports whether the due date shortening of recall requestID
// was applied to the loan.
func (l *Loan) ShortenedBy(requestID uuid.UUID) bool {
	return l.RecallShortenedBy != nil && *l.RecallShortenedBy == requestID
}

// IsActive reports whether the loan still holds the item.
func (l *Loan) IsActive() bool {
	return l.Status == LoanOpen || l.Status == LoanOverdue
}

// Close ends the loan at returned.
func (l *Loan) Close(returned time.Time) {
	l.Status = LoanClosed
	l.ReturnDate = &returned
}

// LoanFilter narrows list_loans. AsOf anchors the Overdue filter.
type LoanFilter struct {
	PatronID *uuid.UUID
	ItemID   *uuid.UUID
	Status   LoanStatus
	Overdue  *bool
	AsOf     time.Time
}
