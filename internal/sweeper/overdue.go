// internal/sweeper/overdue.go
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/money"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/store"
)

// OverdueConfig tunes the overdue sweep.
type OverdueConfig struct {
	// DueSoonDays is the look-ahead of the due-soon pass. Zero disables it.
	DueSoonDays int
}

// OverdueResult counts what one sweep did.
type OverdueResult struct {
	Tenants  int
	Scanned  int
	Marked   int
	Accrued  int
	Notices  int
	DueSoon  int
	Failures int
}

// OverdueSweeper marks loans overdue, accrues their fees and queues
// overdue and due-soon notices.
type OverdueSweeper struct {
	store  store.Store
	ledger *fees.Ledger
	outbox *outbox.Outbox
	clock  clock.Clock
	cfg    OverdueConfig
	logger *slog.Logger
	meter  *meters
}

// NewOverdueSweeper creates the overdue sweeper.
func NewOverdueSweeper(st store.Store, ledger *fees.Ledger, ob *outbox.Outbox, clk clock.Clock, cfg OverdueConfig, logger *slog.Logger) *OverdueSweeper {
	return &OverdueSweeper{
		store:  st,
		ledger: ledger,
		outbox: ob,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With("component", "sweeper.overdue"),
		meter:  newMeters(),
	}
}

// Name identifies the sweeper in schedules and metrics.
func (s *OverdueSweeper) Name() string { return "overdue" }

// Run sweeps every tenant. Failures on single loans or tenants are logged
// and counted without stopping the sweep.
func (s *OverdueSweeper) Run(ctx context.Context) (OverdueResult, error) {
	start := time.Now()
	defer func() { observe(s.Name(), start) }()

	var res OverdueResult
	tenants, err := listTenants(ctx, s.store)
	if err != nil {
		return res, err
	}
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Tenants++
		if err := s.sweepTenant(ctx, t, &res); err != nil {
			res.Failures++
			s.logger.ErrorContext(ctx, "overdue sweep of tenant failed", "tenant", t.ID, "error", err)
		}
	}
	s.meter.record(ctx, s.Name(), "marked", res.Marked)
	s.meter.record(ctx, s.Name(), "accrued", res.Accrued)
	s.meter.record(ctx, s.Name(), "notices", res.Notices+res.DueSoon)
	s.meter.record(ctx, s.Name(), "failures", res.Failures)
	s.logger.InfoContext(ctx, "overdue sweep finished",
		"tenants", res.Tenants, "scanned", res.Scanned, "marked", res.Marked,
		"accrued", res.Accrued, "notices", res.Notices, "due_soon", res.DueSoon, "failures", res.Failures)
	return res, nil
}

// RunJob adapts Run to the scheduler.
func (s *OverdueSweeper) RunJob(ctx context.Context) error {
	_, err := s.Run(ctx)
	return err
}

func (s *OverdueSweeper) sweepTenant(ctx context.Context, t domain.Tenant, res *OverdueResult) error {
	now := s.clock.Now()
	today := clock.Date(now)

	var candidates []domain.Loan
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		candidates, err = tx.ActiveLoansDueBefore(ctx, t.ID, today)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list due loans: %w", err)
	}

	notices := map[uuid.UUID][]outbox.OverdueItem{}
	for _, c := range candidates {
		res.Scanned++
		line, marked, accrued, err := s.sweepLoan(ctx, t, c.ID, now)
		if err != nil {
			res.Failures++
			s.logger.ErrorContext(ctx, "overdue sweep of loan failed", "tenant", t.ID, "loan_id", c.ID, "error", err)
			continue
		}
		if line == nil {
			continue
		}
		if marked {
			res.Marked++
		}
		if accrued {
			res.Accrued++
		}
		notices[c.PatronID] = append(notices[c.PatronID], *line)
	}

	date := today.Format(time.DateOnly)
	for _, patronID := range sortedKeys(notices) {
		items := notices[patronID]
		total := decimal.Zero
		for _, it := range items {
			total = total.Add(money.MustParse(it.Accrued))
		}
		n, err := s.notify(ctx, outbox.Message{
			Tenant:   t.ID,
			PatronID: patronID,
			Kind:     domain.IntentOverdueNotice,
			Payload: outbox.OverdueNotice{
				Date:         date,
				Items:        items,
				TotalAccrued: money.Format(total),
				Currency:     t.Currency,
			},
			Dedup: []string{date},
		})
		if err != nil {
			res.Failures++
			s.logger.ErrorContext(ctx, "overdue notice failed", "tenant", t.ID, "patron_id", patronID, "error", err)
			continue
		}
		res.Notices += n
	}

	if s.cfg.DueSoonDays > 0 {
		n, err := s.dueSoon(ctx, t, today)
		if err != nil {
			res.Failures++
			s.logger.ErrorContext(ctx, "due soon pass failed", "tenant", t.ID, "error", err)
		}
		res.DueSoon += n
	}
	return nil
}

// sweepLoan re-reads the loan under its item lock, marks it OVERDUE and
// accrues the fee. A nil line means the loan is no longer overdue.
func (s *OverdueSweeper) sweepLoan(ctx context.Context, t domain.Tenant, loanID uuid.UUID, now time.Time) (line *outbox.OverdueItem, marked, accrued bool, err error) {
	err = store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		line, marked, accrued = nil, false, false
		loan, err := tx.GetLoan(ctx, t.ID, loanID)
		if err != nil {
			return err
		}
		item, err := tx.LockItem(ctx, t.ID, loan.ItemID)
		if err != nil {
			return err
		}
		if loan, err = tx.GetLoan(ctx, t.ID, loanID); err != nil {
			return err
		}
		if !loan.IsActive() || !fees.IsOverdue(loan.Policy, loan.DueDate, now) {
			return nil
		}
		if loan.Status == domain.LoanOpen {
			loan.Status = domain.LoanOverdue
			loan.UpdatedAt = now
			if err := tx.UpdateLoan(ctx, loan); err != nil {
				return fmt.Errorf("failed to mark loan overdue: %w", err)
			}
			marked = true
		}
		fee, err := s.ledger.AccrueOverdue(ctx, tx, loan, now, t.Currency)
		if err != nil {
			return err
		}
		accrued = fee != nil && fee.UpdatedAt.Equal(now)
		line = &outbox.OverdueItem{
			LoanID:      loan.ID,
			ItemID:      item.ID,
			Title:       item.Title,
			DueDate:     loan.DueDate,
			DaysOverdue: fees.DaysOverdue(loan.DueDate, now),
			Accrued:     money.Format(fees.AccruedFor(loan, now)),
		}
		return nil
	})
	return line, marked, accrued, err
}

func (s *OverdueSweeper) dueSoon(ctx context.Context, t domain.Tenant, today time.Time) (int, error) {
	until := today.AddDate(0, 0, s.cfg.DueSoonDays+1)
	lines := map[uuid.UUID][]outbox.DueItem{}
	err := s.store.ReadOnly(ctx, func(tx store.Tx) error {
		loans, err := tx.OpenLoansDueBetween(ctx, t.ID, today, until)
		if err != nil {
			return fmt.Errorf("failed to list loans due soon: %w", err)
		}
		for _, l := range loans {
			item, err := tx.GetItem(ctx, t.ID, l.ItemID)
			if err != nil {
				return err
			}
			lines[l.PatronID] = append(lines[l.PatronID], outbox.DueItem{
				LoanID:  l.ID,
				ItemID:  l.ItemID,
				Title:   item.Title,
				DueDate: l.DueDate,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	date := today.Format(time.DateOnly)
	written := 0
	for _, patronID := range sortedKeys(lines) {
		n, err := s.notify(ctx, outbox.Message{
			Tenant:   t.ID,
			PatronID: patronID,
			Kind:     domain.IntentDueSoon,
			Payload:  outbox.DueSoon{Date: date, Items: lines[patronID]},
			Dedup:    []string{date},
		})
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (s *OverdueSweeper) notify(ctx context.Context, msg outbox.Message) (int, error) {
	var n int
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (err error) {
		n, err = s.outbox.Append(ctx, tx, msg)
		return err
	})
	return n, err
}

func sortedKeys[V any](m map[uuid.UUID]V) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func listTenants(ctx context.Context, st store.Store) ([]domain.Tenant, error) {
	var tenants []domain.Tenant
	err := st.ReadOnly(ctx, func(tx store.Tx) (err error) {
		tenants, err = tx.ListTenants(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}
