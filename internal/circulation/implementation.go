// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/itemstatus"
	"github.com/libranexus/circulation/internal/money"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/store"
)

// Dependencies are the collaborators of the loan engine.
type Dependencies struct {
	Store    store.Store
	Resolver *policy.Resolver
	Holds    *holds.Manager
	Ledger   *fees.Ledger
	Outbox   *outbox.Outbox
	Clock    clock.Clock
	Logger   *slog.Logger
}

// service implements the Service interface.
type service struct {
	store    store.Store
	resolver *policy.Resolver
	holds    *holds.Manager
	ledger   *fees.Ledger
	fees     fees.Service
	outbox   *outbox.Outbox
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config

	tracer   trace.Tracer
	events   metric.Int64Counter
	failures metric.Int64Counter
	retries  metric.Int64Counter
}

// NewService creates a new circulation service instance.
func NewService(deps Dependencies, cfg Config) Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("libranexus/circulation")
	events, _ := meter.Int64Counter("circulation.events",
		metric.WithDescription("Committed circulation operations by kind."))
	failures, _ := meter.Int64Counter("circulation.failures",
		metric.WithDescription("Failed circulation operations by kind and error kind."))
	retries, _ := meter.Int64Counter("circulation.retries",
		metric.WithDescription("Operations retried after a conflict."))

	return &service{
		store:    deps.Store,
		resolver: deps.Resolver,
		holds:    deps.Holds,
		ledger:   deps.Ledger,
		fees:     fees.NewService(deps.Store, deps.Ledger, deps.Clock),
		outbox:   deps.Outbox,
		clock:    deps.Clock,
		logger:   logger.With("component", "circulation"),
		cfg:      cfg.withDefaults(),
		tracer:   otel.Tracer("libranexus/circulation"),
		events:   events,
		failures: failures,
		retries:  retries,
	}
}

// run executes fn in a retried transaction inside a span named op.
func (s *service) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
	defer span.End()

	err := store.InTx(ctx, s.store, fn,
		store.WithMaxAttempts(s.cfg.MaxAttempts),
		store.OnRetry(func(attempt int, err error) {
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
			s.add(ctx, s.retries, op)
		}),
	)
	if err != nil {
		return s.fail(ctx, span, op, err)
	}
	s.add(ctx, s.events, op)
	return nil
}

func (s *service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	err = apperr.Internal(err)
	kind := apperr.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	if s.failures != nil {
		s.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind.String()),
		))
	}
	if kind == apperr.KindInternal || kind == apperr.KindConfiguration {
		s.logger.ErrorContext(ctx, "circulation operation failed", "op", op, "error", err)
	}
	return err
}

func (s *service) add(ctx context.Context, c metric.Int64Counter, op string) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// Checkout lends an AVAILABLE item, or an item held for the patron, under
// the resolved policy.
func (s *service) Checkout(ctx context.Context, in CheckoutInput) (*domain.Loan, error) {
	barcode := strings.TrimSpace(in.ItemBarcode)
	if barcode == "" || in.PatronID == uuid.Nil {
		return nil, apperr.ErrInvalidInput.With("patron id and item barcode are required")
	}

	var loan *domain.Loan
	err := s.run(ctx, "checkout", []attribute.KeyValue{
		attribute.String("tenant", string(in.Tenant)),
		attribute.String("item.barcode", barcode),
	}, func(ctx context.Context, tx store.Tx) error {
		now := s.clock.Now()
		item, err := tx.LockItemByBarcode(ctx, in.Tenant, barcode)
		if err != nil {
			return err
		}

		var held *domain.Request
		event := itemstatus.Checkout
		switch item.Status {
		case domain.ItemAvailable:
		case domain.ItemAwaitingPickup:
			if held, err = holds.HeldFor(ctx, tx, item, in.PatronID); err != nil {
				return err
			}
			if held == nil {
				return apperr.ErrItemUnavailable.With("item %s is held for another patron", barcode)
			}
			event = itemstatus.Pickup
		default:
			return apperr.ErrItemUnavailable.With("item %s is %s", barcode, item.Status)
		}

		patron, err := tx.GetPatron(ctx, in.Tenant, in.PatronID)
		if err != nil {
			return err
		}
		if !patron.CanBorrow(now) {
			return apperr.ErrPatronBlocked.With("patron %s is inactive or expired", patron.ID)
		}
		if s.cfg.FeeBlockThreshold.IsPositive() {
			owed, err := fees.Owed(ctx, tx, in.Tenant, patron.ID)
			if err != nil {
				return fmt.Errorf("failed to total fees: %w", err)
			}
			if owed.GreaterThan(s.cfg.FeeBlockThreshold) {
				return apperr.ErrPatronBlocked.With("patron %s owes %s", patron.ID, money.Format(owed))
			}
		}
		if _, err := tx.ActiveLoanForItem(ctx, in.Tenant, item.ID); err == nil {
			return apperr.ErrItemUnavailable.With("item %s is already on loan", barcode)
		} else if !errors.Is(err, apperr.ErrNoOpenLoan) {
			return fmt.Errorf("failed to check active loan: %w", err)
		}

		res, err := s.resolver.Resolve(ctx, tx, policy.Query{
			Tenant:       in.Tenant,
			PatronGroup:  patron.PatronGroup,
			MaterialType: item.MaterialType,
			Location:     item.Location,
			ItemStatus:   item.Status,
		})
		if err != nil {
			return err
		}
		snapshot := res.Snapshot()

		due, err := dueDate(snapshot, patron, now, in.OverrideDue)
		if err != nil {
			return err
		}
		loan = &domain.Loan{
			ID:        uuid.New(),
			TenantID:  in.Tenant,
			PatronID:  patron.ID,
			ItemID:    item.ID,
			Policy:    snapshot,
			LoanDate:  now,
			DueDate:   due,
			Status:    domain.LoanOpen,
			UpdatedAt: now,
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to insert loan: %w", err)
		}
		if err := itemstatus.Move(ctx, tx, item, event, now); err != nil {
			return err
		}
		if held != nil {
			held.Status = domain.RequestFulfilled
			held.UpdatedAt = now
			if err := tx.UpdateRequest(ctx, held); err != nil {
				return fmt.Errorf("failed to fulfil request: %w", err)
			}
		}

		_, err = s.outbox.Append(ctx, tx, outbox.Message{
			Tenant:   in.Tenant,
			PatronID: patron.ID,
			Kind:     domain.IntentCheckoutReceipt,
			Payload: outbox.CheckoutReceipt{
				LoanID:   loan.ID,
				ItemID:   item.ID,
				Barcode:  item.Barcode,
				Title:    item.Title,
				LoanDate: loan.LoanDate,
				DueDate:  loan.DueDate,
			},
			Dedup: []string{loan.ID.String()},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "item checked out",
		"tenant", in.Tenant, "loan_id", loan.ID, "item_id", loan.ItemID, "due", loan.DueDate)
	return loan, nil
}

// dueDate computes the due date of a new loan: the override or now plus the
// loan period, capped by a matching fixed due date and the patron's
// expiration, never before now.
func dueDate(p domain.PolicySnapshot, patron *domain.Patron, now time.Time, override *time.Time) (time.Time, error) {
	due := p.LoanPeriod.AddTo(now)
	if override != nil {
		if !override.After(now) {
			return time.Time{}, apperr.ErrInvalidInput.With("override due date %s is not in the future", override.Format(time.RFC3339))
		}
		due = *override
	} else {
		today := clock.Date(now)
		for _, f := range p.FixedDueDates {
			if !today.Before(clock.Date(f.From)) && !today.After(clock.Date(f.To)) && f.Due.Before(due) {
				due = f.Due
			}
		}
	}
	if patron.ExpiresAt != nil && patron.ExpiresAt.Before(due) {
		due = *patron.ExpiresAt
	}
	if due.Before(now) {
		due = now
	}
	return due, nil
}

// Checkin closes the item's loan, accrues any overdue fee and offers the
// item to the next holder.
func (s *service) Checkin(ctx context.Context, in CheckinInput) (*CheckinOutcome, error) {
	barcode := strings.TrimSpace(in.ItemBarcode)
	if barcode == "" {
		return nil, apperr.ErrInvalidInput.With("item barcode is required")
	}

	var out *CheckinOutcome
	err := s.run(ctx, "checkin", []attribute.KeyValue{
		attribute.String("tenant", string(in.Tenant)),
		attribute.String("item.barcode", barcode),
	}, func(ctx context.Context, tx store.Tx) error {
		now := s.clock.Now()
		item, err := tx.LockItemByBarcode(ctx, in.Tenant, barcode)
		if err != nil {
			return err
		}
		loan, err := tx.ActiveLoanForItem(ctx, in.Tenant, item.ID)
		if err != nil {
			return err
		}
		tenant, err := tx.GetTenant(ctx, in.Tenant)
		if err != nil {
			return err
		}

		fee, err := s.ledger.AccrueOverdue(ctx, tx, loan, now, tenant.Currency)
		if err != nil {
			return err
		}

		loan.Close(now)
		loan.CheckinLocation = in.Location
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to close loan: %w", err)
		}

		next, err := s.holds.Elect(ctx, tx, item, in.Location)
		if err != nil {
			return err
		}
		event := itemstatus.Checkin
		if next != nil {
			event = itemstatus.CheckinWithHold
			if next.Status == domain.RequestInTransit {
				event = itemstatus.CheckinInTransit
			}
		}
		if err := itemstatus.Move(ctx, tx, item, event, now); err != nil {
			return err
		}

		if err := s.notifyClosed(ctx, tx, loan, item, "returned", fee); err != nil {
			return err
		}
		out = &CheckinOutcome{Loan: loan, Fee: fee, NextHold: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "item checked in",
		"tenant", in.Tenant, "loan_id", out.Loan.ID, "fee", out.Fee != nil, "next_hold", out.NextHold != nil)
	return out, nil
}

func (s *service) notifyClosed(ctx context.Context, tx store.Tx, loan *domain.Loan, item *domain.Item, reason string, fee *domain.Fee) error {
	payload := outbox.LoanClosed{
		LoanID:     loan.ID,
		ItemID:     item.ID,
		Title:      item.Title,
		ReturnDate: *loan.ReturnDate,
		Reason:     reason,
	}
	if fee != nil {
		payload.FeeID = &fee.ID
		payload.FeeAmount = money.Format(fee.Amount)
	}
	_, err := s.outbox.Append(ctx, tx, outbox.Message{
		Tenant:   loan.TenantID,
		PatronID: loan.PatronID,
		Kind:     domain.IntentLoanClosed,
		Payload:  payload,
		Dedup:    []string{loan.ID.String()},
	})
	return err
}

// Renew extends an active loan. Checks run in order and the first failure
// wins.
func (s *service) Renew(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*domain.Loan, error) {
	var loan *domain.Loan
	err := s.run(ctx, "renew", []attribute.KeyValue{
		attribute.String("tenant", string(tenant)),
		attribute.String("loan.id", loanID.String()),
	}, func(ctx context.Context, tx store.Tx) error {
		now := s.clock.Now()
		current, err := tx.GetLoan(ctx, tenant, loanID)
		if err != nil {
			return err
		}
		item, err := tx.LockItem(ctx, tenant, current.ItemID)
		if err != nil {
			return err
		}
		if current, err = tx.GetLoan(ctx, tenant, loanID); err != nil {
			return err
		}

		if !current.IsActive() {
			return apperr.ErrNotRenewable.With("loan %s is %s", current.ID, current.Status)
		}
		if !current.Policy.Renewable {
			return apperr.ErrPolicyForbidsRenewal.With("policy %s forbids renewal", current.Policy.LoanPolicyCode)
		}
		if current.RenewalCount >= current.Policy.MaxRenewals {
			return apperr.ErrMaxRenewalsReached.With("loan %s has been renewed %d of %d times",
				current.ID, current.RenewalCount, current.Policy.MaxRenewals)
		}
		queue, err := tx.RequestsForItem(ctx, tenant, item.ID, domain.RequestOpen)
		if err != nil {
			return fmt.Errorf("failed to load queue: %w", err)
		}
		for _, r := range queue {
			if r.Type == domain.RequestRecall && !current.ShortenedBy(r.ID) {
				return apperr.ErrBlockedByRecall.With("item %s has an open recall %s", item.ID, r.ID)
			}
		}

		patron, err := tx.GetPatron(ctx, tenant, current.PatronID)
		if err != nil {
			return err
		}
		base := current.DueDate
		if now.After(base) {
			base = now
		}
		due := current.Policy.EffectiveRenewalPeriod().AddTo(base)
		if patron.ExpiresAt != nil && patron.ExpiresAt.Before(due) {
			due = *patron.ExpiresAt
		}
		if !due.After(current.DueDate) || !due.After(now) {
			return apperr.ErrNotRenewable.With("patron %s expires before the loan could be extended", patron.ID)
		}

		if now.After(current.DueDate) {
			t, err := tx.GetTenant(ctx, tenant)
			if err != nil {
				return err
			}
			if _, err := s.ledger.SettleOverdue(ctx, tx, current, now, t.Currency); err != nil {
				return err
			}
		}

		current.DueDate = due
		current.RenewalCount++
		current.Status = domain.LoanOpen
		current.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, current); err != nil {
			return fmt.Errorf("failed to renew loan: %w", err)
		}
		loan = current

		_, err = s.outbox.Append(ctx, tx, outbox.Message{
			Tenant:   tenant,
			PatronID: loan.PatronID,
			Kind:     domain.IntentLoanRenewed,
			Payload: outbox.LoanRenewed{
				LoanID:       loan.ID,
				ItemID:       item.ID,
				Title:        item.Title,
				DueDate:      loan.DueDate,
				RenewalCount: loan.RenewalCount,
			},
			Dedup: []string{loan.ID.String(), fmt.Sprint(loan.RenewalCount)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

func (s *service) GetLoan(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*domain.Loan, error) {
	var loan *domain.Loan
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		loan, err = tx.GetLoan(ctx, tenant, loanID)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return loan, nil
}

// ListLoans pages through loans newest first. The overdue filter is
// evaluated against the current time unless f.AsOf is set.
func (s *service) ListLoans(ctx context.Context, tenant domain.TenantID, f domain.LoanFilter, p domain.PageRequest) (domain.Page[domain.Loan], error) {
	if f.AsOf.IsZero() {
		f.AsOf = s.clock.Now()
	}
	var page domain.Page[domain.Loan]
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		page, err = tx.ListLoans(ctx, tenant, f, p.Normalize())
		return err
	})
	if err != nil {
		return page, apperr.Internal(fmt.Errorf("failed to list loans: %w", err))
	}
	return page, nil
}

func (s *service) PlaceHold(ctx context.Context, in holds.PlaceInput) (*domain.Request, error) {
	var req *domain.Request
	err := s.run(ctx, "place_hold", []attribute.KeyValue{
		attribute.String("tenant", string(in.Tenant)),
		attribute.String("item.id", in.ItemID.String()),
	}, func(ctx context.Context, tx store.Tx) (err error) {
		req, err = s.holds.Place(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *service) CancelHold(ctx context.Context, tenant domain.TenantID, requestID uuid.UUID, reason string) error {
	return s.run(ctx, "cancel_hold", []attribute.KeyValue{
		attribute.String("tenant", string(tenant)),
		attribute.String("request.id", requestID.String()),
	}, func(ctx context.Context, tx store.Tx) error {
		_, err := s.holds.Cancel(ctx, tx, tenant, requestID, reason)
		return err
	})
}

func (s *service) ListRequests(ctx context.Context, tenant domain.TenantID, f domain.RequestFilter, p domain.PageRequest) (domain.Page[domain.Request], error) {
	var page domain.Page[domain.Request]
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		page, err = tx.ListRequests(ctx, tenant, f, p.Normalize())
		return err
	})
	if err != nil {
		return page, apperr.Internal(fmt.Errorf("failed to list requests: %w", err))
	}
	return page, nil
}

// ReceiveInTransit records the arrival of an item routed to a pickup
// location and holds it for its requester.
func (s *service) ReceiveInTransit(ctx context.Context, tenant domain.TenantID, barcode string) (*TransitOutcome, error) {
	var out *TransitOutcome
	err := s.run(ctx, "receive_in_transit", []attribute.KeyValue{
		attribute.String("tenant", string(tenant)),
		attribute.String("item.barcode", barcode),
	}, func(ctx context.Context, tx store.Tx) error {
		item, err := tx.LockItemByBarcode(ctx, tenant, barcode)
		if err != nil {
			return err
		}
		if item.Status != domain.ItemInTransit {
			return apperr.ErrIllegalTransition.With("item %s is %s, not in transit", barcode, item.Status)
		}
		hold, err := s.holds.Arrive(ctx, tx, item)
		if err != nil {
			return err
		}
		event := itemstatus.Arrive
		if hold != nil {
			event = itemstatus.ArriveWithHold
		}
		if err := itemstatus.Move(ctx, tx, item, event, s.clock.Now()); err != nil {
			return err
		}
		out = &TransitOutcome{Item: item, Hold: hold}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) DeclareLost(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*LossOutcome, error) {
	return s.closeAsLoss(ctx, "declare_lost", tenant, loanID, itemstatus.DeclareLost,
		[]domain.FeeType{domain.FeeLostItem, domain.FeeLostItemProcessing})
}

func (s *service) DeclareDamaged(ctx context.Context, tenant domain.TenantID, loanID uuid.UUID) (*LossOutcome, error) {
	return s.closeAsLoss(ctx, "declare_damaged", tenant, loanID, itemstatus.DeclareDamaged,
		[]domain.FeeType{domain.FeeDamagedItem})
}

// closeAsLoss closes a loan whose item will not come back in circulating
// condition, charges the overdue fee accrued so far plus the snapshot's
// flat fees, and cancels the item's queue.
func (s *service) closeAsLoss(ctx context.Context, op string, tenant domain.TenantID, loanID uuid.UUID, event itemstatus.Event, feeTypes []domain.FeeType) (*LossOutcome, error) {
	var out *LossOutcome
	err := s.run(ctx, op, []attribute.KeyValue{
		attribute.String("tenant", string(tenant)),
		attribute.String("loan.id", loanID.String()),
	}, func(ctx context.Context, tx store.Tx) error {
		now := s.clock.Now()
		loan, err := tx.GetLoan(ctx, tenant, loanID)
		if err != nil {
			return err
		}
		item, err := tx.LockItem(ctx, tenant, loan.ItemID)
		if err != nil {
			return err
		}
		if loan, err = tx.GetLoan(ctx, tenant, loanID); err != nil {
			return err
		}
		if !loan.IsActive() {
			return apperr.ErrNoOpenLoan.With("loan %s is %s", loan.ID, loan.Status)
		}
		t, err := tx.GetTenant(ctx, tenant)
		if err != nil {
			return err
		}

		var charged []domain.Fee
		overdue, err := s.ledger.AccrueOverdue(ctx, tx, loan, now, t.Currency)
		if err != nil {
			return err
		}
		if overdue != nil {
			charged = append(charged, *overdue)
		}
		for _, ft := range feeTypes {
			fee, err := s.ledger.ChargeFromPolicy(ctx, tx, loan, ft, t.Currency)
			if err != nil {
				return err
			}
			if fee != nil {
				charged = append(charged, *fee)
			}
		}

		loan.Close(now)
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to close loan: %w", err)
		}
		if err := itemstatus.Move(ctx, tx, item, event, now); err != nil {
			return err
		}
		if _, err := s.holds.CancelAll(ctx, tx, item, "item "+strings.ToLower(string(item.Status))); err != nil {
			return err
		}
		if err := s.notifyClosed(ctx, tx, loan, item, strings.ToLower(string(item.Status)), nil); err != nil {
			return err
		}
		out = &LossOutcome{Loan: loan, Item: item, Fees: charged}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) ChargeFee(ctx context.Context, in fees.ChargeInput) (*domain.Fee, error) {
	fee, err := s.fees.Charge(ctx, in)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return fee, nil
}

func (s *service) PayFee(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount decimal.Decimal, note string) (*domain.Payment, error) {
	payment, _, err := s.fees.Pay(ctx, tenant, feeID, method, amount, note)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return payment, nil
}

func (s *service) WaiveFee(ctx context.Context, tenant domain.TenantID, feeID uuid.UUID, method domain.PaymentMethod, amount *decimal.Decimal, reason string) (*domain.Payment, error) {
	payment, _, err := s.fees.Waive(ctx, tenant, feeID, method, amount, reason)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return payment, nil
}

func (s *service) PatronFeeSummary(ctx context.Context, tenant domain.TenantID, patronID uuid.UUID) (domain.FeeSummary, error) {
	summary, err := s.fees.Summary(ctx, tenant, patronID)
	if err != nil {
		return summary, apperr.Internal(err)
	}
	return summary, nil
}
