// internal/domain/intent.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// IntentKind names a notification a downstream transport must deliver.
type IntentKind string

const (
	IntentCheckoutReceipt IntentKind = "checkout_receipt"
	IntentLoanRenewed     IntentKind = "loan_renewed"
	IntentLoanClosed      IntentKind = "loan_closed"
	IntentHoldAvailable   IntentKind = "hold_available"
	IntentOverdueNotice   IntentKind = "overdue_notice"
	IntentDueSoon         IntentKind = "due_soon"
	IntentRecallNotice    IntentKind = "recall_notice"
	IntentHoldExpired     IntentKind = "hold_expired"
)

// Intent priorities; lower is dispatched first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// Intent is an outbox record describing a notification to deliver.
type Intent struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     TenantID   `json:"tenant_id"`
	PatronID     uuid.UUID  `json:"patron_id"`
	Kind         IntentKind `json:"kind"`
	Payload      []byte     `json:"payload"`
	Priority     int        `json:"priority"`
	DedupKey     string     `json:"dedup_key"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
}
