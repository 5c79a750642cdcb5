// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/domain"
)

// CheckoutInput lends the item with ItemBarcode to PatronID. OverrideDue
// replaces the policy due date.
type CheckoutInput struct {
	Tenant      domain.TenantID
	PatronID    uuid.UUID
	ItemBarcode string
	OverrideDue *time.Time
}

// CheckinInput returns the item with ItemBarcode at Location. An empty
// location means the item's home location.
type CheckinInput struct {
	Tenant      domain.TenantID
	ItemBarcode string
	Location    string
}

// CheckinOutcome is the result of a checkin: the closed loan, the overdue fee
// it accrued if any, and the request the item was assigned to if any.
type CheckinOutcome struct {
	Loan     *domain.Loan    `json:"loan"`
	Fee      *domain.Fee     `json:"fee,omitempty"`
	NextHold *domain.Request `json:"next_hold,omitempty"`
}

// LossOutcome is the result of declaring a loaned item lost or damaged.
type LossOutcome struct {
	Loan *domain.Loan `json:"loan"`
	Item *domain.Item `json:"item"`
	Fees []domain.Fee `json:"fees"`
}

// TransitOutcome is the result of receiving an item in transit.
type TransitOutcome struct {
	Item *domain.Item    `json:"item"`
	Hold *domain.Request `json:"hold,omitempty"`
}

// Config tunes the loan engine.
type Config struct {
	// FeeBlockThreshold blocks checkout when a patron owes more than this.
	// Zero disables the block.
	FeeBlockThreshold decimal.Decimal
	// MaxAttempts bounds retries of an operation on Conflict.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}
