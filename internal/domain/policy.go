// internal/domain/policy.go
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PeriodUnit is the unit of a loan, renewal or grace period.
type PeriodUnit string

const (
	UnitDays   PeriodUnit = "Days"
	UnitWeeks  PeriodUnit = "Weeks"
	UnitMonths PeriodUnit = "Months"
)

// DefaultHoldShelfPeriod applies when a loan policy leaves the pickup window unset.
var DefaultHoldShelfPeriod = Period{Duration: 7, Unit: UnitDays}

// Period is a calendar duration such as (14, Days).
type Period struct {
	Duration int        `json:"duration"`
	Unit     PeriodUnit `json:"unit"`
}

// IsZero reports whether the period adds no time.
func (p Period) IsZero() bool { return p.Duration == 0 }

// Validate checks that the unit is known and the duration is not negative.
func (p Period) Validate() error {
	if p.Duration < 0 {
		return fmt.Errorf("period duration %d is negative", p.Duration)
	}
	switch p.Unit {
	case UnitDays, UnitWeeks, UnitMonths:
		return nil
	case "":
		if p.Duration == 0 {
			return nil
		}
	}
	return fmt.Errorf("unknown period unit %q", p.Unit)
}

// AddTo returns t moved forward by the period.
func (p Period) AddTo(t time.Time) time.Time {
	switch p.Unit {
	case UnitWeeks:
		return t.AddDate(0, 0, 7*p.Duration)
	case UnitMonths:
		return t.AddDate(0, p.Duration, 0)
	default:
		return t.AddDate(0, 0, p.Duration)
	}
}

// Days returns the period length in calendar days counted from t.
func (p Period) Days(from time.Time) int {
	if p.IsZero() {
		return 0
	}
	end := p.AddTo(from)
	return int(end.Sub(from).Hours()+12) / 24
}

func (p Period) String() string {
	return fmt.Sprintf("%d %s", p.Duration, p.Unit)
}

// FixedDueDate caps the due date of loans started within [From, To].
type FixedDueDate struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Due  time.Time `json:"due"`
}

// LoanPolicy holds the rules for loan period, renewability, grace and recall.
type LoanPolicy struct {
	TenantID         TenantID       `json:"tenant_id"`
	Code             string         `json:"code" validate:"required"`
	Name             string         `json:"name"`
	LoanPeriod       Period         `json:"loan_period"`
	Renewable        bool           `json:"renewable"`
	MaxRenewals      int            `json:"max_renewals" validate:"gte=0"`
	RenewalPeriod    Period         `json:"renewal_period"`
	GracePeriod      Period         `json:"grace_period"`
	RecallShortening Period         `json:"recall_shortening"`
	HoldShelfPeriod  Period         `json:"hold_shelf_period"`
	FixedDueDates    []FixedDueDate `json:"fixed_due_dates,omitempty"`
	Active           bool           `json:"active"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Validate checks structural constraints of the policy.
func (p *LoanPolicy) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("loan policy code is required")
	}
	if p.LoanPeriod.Duration <= 0 {
		return fmt.Errorf("loan policy %s: loan period must be positive", p.Code)
	}
	if p.MaxRenewals < 0 {
		return fmt.Errorf("loan policy %s: max renewals must not be negative", p.Code)
	}
	for _, period := range []Period{p.LoanPeriod, p.RenewalPeriod, p.GracePeriod, p.RecallShortening, p.HoldShelfPeriod} {
		if err := period.Validate(); err != nil {
			return fmt.Errorf("loan policy %s: %w", p.Code, err)
		}
	}
	for _, f := range p.FixedDueDates {
		if f.To.Before(f.From) || f.Due.Before(f.From) {
			return fmt.Errorf("loan policy %s: fixed due date schedule %s..%s is inverted", p.Code, f.From, f.To)
		}
	}
	return nil
}

// FeeType is the kind of a fee.
type FeeType string

const (
	FeeOverdue            FeeType = "OVERDUE"
	FeeLostItem           FeeType = "LOST_ITEM"
	FeeDamagedItem        FeeType = "DAMAGED_ITEM"
	FeeProcessing         FeeType = "PROCESSING"
	FeeReplacement        FeeType = "REPLACEMENT"
	FeeLostItemProcessing FeeType = "LOST_ITEM_PROCESSING"
	FeeManual             FeeType = "MANUAL"
)

// Valid reports whether t is a known fee type.
func (t FeeType) Valid() bool {
	switch t {
	case FeeOverdue, FeeLostItem, FeeDamagedItem, FeeProcessing, FeeReplacement, FeeLostItemProcessing, FeeManual:
		return true
	}
	return false
}

// FeeRate is the rate of one fee type.
type FeeRate struct {
	Initial   decimal.Decimal `json:"initial_amount"`
	PerDay    decimal.Decimal `json:"per_day_amount"`
	Max       decimal.Decimal `json:"max_amount"`
	GraceDays int             `json:"grace_period_days"`
}

// FeePolicy is a rate table for automated fees.
type FeePolicy struct {
	TenantID  TenantID            `json:"tenant_id"`
	Code      string              `json:"code" validate:"required"`
	Name      string              `json:"name"`
	Rates     map[FeeType]FeeRate `json:"rates"`
	Active    bool                `json:"active"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Validate checks that every rate is well formed.
func (p *FeePolicy) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("fee policy code is required")
	}
	for t, r := range p.Rates {
		if !t.Valid() {
			return fmt.Errorf("fee policy %s: unknown fee type %q", p.Code, t)
		}
		if r.Initial.IsNegative() || r.PerDay.IsNegative() || r.Max.IsNegative() || r.GraceDays < 0 {
			return fmt.Errorf("fee policy %s: %s rate has negative values", p.Code, t)
		}
	}
	return nil
}

// CirculationRule maps a combination of patron group, material type, location and
// item status to a policy pair. Empty predicates match anything.
type CirculationRule struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	TenantID       TenantID   `json:"tenant_id" db:"tenant_id"`
	Position       int        `json:"position" db:"position"`
	PatronGroup    string     `json:"patron_group,omitempty" db:"patron_group"`
	MaterialType   string     `json:"material_type,omitempty" db:"material_type"`
	Location       string     `json:"location,omitempty" db:"location"`
	ItemStatus     ItemStatus `json:"item_status,omitempty" db:"item_status"`
	LoanPolicyCode string     `json:"loan_policy" db:"loan_policy_code" validate:"required"`
	FeePolicyCode  string     `json:"fee_policy" db:"fee_policy_code" validate:"required"`
}

// Matches reports whether the rule's predicates accept the inputs.
func (r *CirculationRule) Matches(patronGroup, materialType, location string, status ItemStatus) bool {
	return matchOne(r.PatronGroup, patronGroup) &&
		matchOne(r.MaterialType, materialType) &&
		matchOne(r.Location, location) &&
		matchOne(string(r.ItemStatus), string(status))
}

func matchOne(pred, value string) bool {
	return pred == "" || pred == value
}

// PolicyDefaults is the tenant's fallback policy pair.
type PolicyDefaults struct {
	TenantID       TenantID `json:"tenant_id" db:"tenant_id"`
	LoanPolicyCode string   `json:"loan_policy" db:"loan_policy_code"`
	FeePolicyCode  string   `json:"fee_policy" db:"fee_policy_code"`
}

// PolicySnapshot is the copy of policy fields recorded into a loan at checkout
// and renewal. Later policy edits do not touch it.
type PolicySnapshot struct {
	LoanPolicyCode   string              `json:"loan_policy_code"`
	LoanPeriod       Period              `json:"loan_period"`
	Renewable        bool                `json:"renewable"`
	MaxRenewals      int                 `json:"max_renewals"`
	RenewalPeriod    Period              `json:"renewal_period"`
	GracePeriod      Period              `json:"grace_period"`
	RecallShortening Period              `json:"recall_shortening"`
	HoldShelfPeriod  Period              `json:"hold_shelf_period"`
	FixedDueDates    []FixedDueDate      `json:"fixed_due_dates,omitempty"`
	FeePolicyCode    string              `json:"fee_policy_code"`
	FeeRates         map[FeeType]FeeRate `json:"fee_rates"`
}

// NewPolicySnapshot copies the policy pair into a snapshot.
func NewPolicySnapshot(lp *LoanPolicy, fp *FeePolicy) PolicySnapshot {
	rates := make(map[FeeType]FeeRate, len(fp.Rates))
	for k, v := range fp.Rates {
		rates[k] = v
	}
	fixed := append([]FixedDueDate(nil), lp.FixedDueDates...)
	return PolicySnapshot{
		LoanPolicyCode:   lp.Code,
		LoanPeriod:       lp.LoanPeriod,
		Renewable:        lp.Renewable,
		MaxRenewals:      lp.MaxRenewals,
		RenewalPeriod:    lp.RenewalPeriod,
		GracePeriod:      lp.GracePeriod,
		RecallShortening: lp.RecallShortening,
		HoldShelfPeriod:  lp.HoldShelfPeriod,
		FixedDueDates:    fixed,
		FeePolicyCode:    fp.Code,
		FeeRates:         rates,
	}
}

// EffectiveRenewalPeriod falls back to the loan period when no renewal period is set.
func (s PolicySnapshot) EffectiveRenewalPeriod() Period {
	if s.RenewalPeriod.IsZero() {
		return s.LoanPeriod
	}
	return s.RenewalPeriod
}

// EffectiveHoldShelfPeriod falls back to DefaultHoldShelfPeriod.
func (s PolicySnapshot) EffectiveHoldShelfPeriod() Period {
	if s.HoldShelfPeriod.IsZero() {
		return DefaultHoldShelfPeriod
	}
	return s.HoldShelfPeriod
}

// Rate returns the fee rate for t and whether the fee policy defines one.
func (s PolicySnapshot) Rate(t FeeType) (FeeRate, bool) {
	r, ok := s.FeeRates[t]
	return r, ok
}
