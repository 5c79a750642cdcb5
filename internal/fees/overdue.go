// internal/fees/overdue.go
package fees

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/money"
)

// DaysOverdue is the number of calendar days asOf lies after the due date,
// never negative.
func DaysOverdue(due, asOf time.Time) int {
	d := clock.DaysBetween(due, asOf)
	if d < 0 {
		return 0
	}
	return d
}

// GraceDays is the loan grace period of the snapshot in days, counted from due.
func GraceDays(p domain.PolicySnapshot, due time.Time) int {
	return p.GracePeriod.Days(clock.Date(due))
}

// IsOverdue reports whether a loan due at due is past its grace period at asOf.
func IsOverdue(p domain.PolicySnapshot, due, asOf time.Time) bool {
	return DaysOverdue(due, asOf) > GraceDays(p, due)
}

// OverdueAmount computes the overdue fee for a loan that is days overdue.
//
//	fee = min(max, initial + per_day * max(0, days - loanGrace - rate.GraceDays))
//
// No fee accrues until days exceeds loanGrace. A zero Max leaves the fee uncapped.
func OverdueAmount(rate domain.FeeRate, days, loanGrace int) decimal.Decimal {
	if days <= loanGrace {
		return money.Zero
	}
	chargeable := days - loanGrace - rate.GraceDays
	if chargeable < 0 {
		chargeable = 0
	}
	amount := rate.Initial.Add(rate.PerDay.Mul(decimal.NewFromInt(int64(chargeable))))
	if rate.Max.IsPositive() {
		amount = money.Min(amount, rate.Max)
	}
	return money.Round(amount)
}

// AccruedFor returns the overdue fee a loan has accrued at asOf under its
// snapshot, or zero when the fee policy defines no overdue rate.
func AccruedFor(loan *domain.Loan, asOf time.Time) decimal.Decimal {
	rate, ok := loan.Policy.Rate(domain.FeeOverdue)
	if !ok {
		return money.Zero
	}
	return OverdueAmount(rate, DaysOverdue(loan.DueDate, asOf), GraceDays(loan.Policy, loan.DueDate))
}

// AccrualKey identifies the accrual of loan on the calendar day of asOf.
func AccrualKey(loanID string, asOf time.Time) string {
	return loanID + ":" + clock.Date(asOf).Format("2006-01-02")
}

const settledPrefix = "settled/"

// SettledKey marks key as belonging to the due date a loan had before its
// renewal number renewals+1.
func SettledKey(renewals int, key string) string {
	return fmt.Sprintf("%s%d/%s", settledPrefix, renewals, key)
}

// IsSettledKey reports whether key was produced by SettledKey.
func IsSettledKey(key string) bool {
	return strings.HasPrefix(key, settledPrefix)
}
