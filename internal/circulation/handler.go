// internal/circulation/handler.go
package circulation

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/api"
	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/money"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the circulation endpoints on a router scoped to
// /tenants/{tenant}.
func (h *Handler) Register(r chi.Router) {
	r.Post("/loans", h.HandleCheckout)
	r.Get("/loans", h.HandleListLoans)
	r.Get("/loans/{loanID}", h.HandleGetLoan)
	r.Post("/loans/{loanID}/renew", h.HandleRenew)
	r.Post("/loans/{loanID}/lost", h.HandleDeclareLost)
	r.Post("/loans/{loanID}/damaged", h.HandleDeclareDamaged)
	r.Post("/checkins", h.HandleCheckin)
	r.Post("/transits", h.HandleReceiveInTransit)

	r.Post("/requests", h.HandlePlaceHold)
	r.Get("/requests", h.HandleListRequests)
	r.Post("/requests/{requestID}/cancel", h.HandleCancelHold)

	r.Post("/fees", h.HandleChargeFee)
	r.Post("/fees/{feeID}/payments", h.HandlePayFee)
	r.Post("/fees/{feeID}/waivers", h.HandleWaiveFee)
	r.Get("/patrons/{patronID}/fee-summary", h.HandleFeeSummary)
}

func uuidQuery(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.ErrInvalidInput.With("%s is not a valid id", name)
	}
	return &id, nil
}

func pageQuery(r *http.Request) domain.PageRequest {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return domain.PageRequest{Limit: limit, Offset: offset}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := money.Parse(raw)
	if err != nil {
		return decimal.Zero, apperr.ErrInvalidAmount.With("amount %q: %v", raw, err)
	}
	return d, nil
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatronID    uuid.UUID  `json:"patron_id" validate:"required"`
		ItemBarcode string     `json:"item_barcode" validate:"required"`
		DueDate     *time.Time `json:"due_date"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	loan, err := h.service.Checkout(r.Context(), CheckoutInput{
		Tenant:      api.Tenant(r),
		PatronID:    req.PatronID,
		ItemBarcode: req.ItemBarcode,
		OverrideDue: req.DueDate,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleCheckin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemBarcode string `json:"item_barcode" validate:"required"`
		Location    string `json:"location"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	out, err := h.service.Checkin(r.Context(), CheckinInput{
		Tenant:      api.Tenant(r),
		ItemBarcode: req.ItemBarcode,
		Location:    req.Location,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	loanID, err := api.UUIDParam(r, "loanID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	loan, err := h.service.Renew(r.Context(), api.Tenant(r), loanID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := api.UUIDParam(r, "loanID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	loan, err := h.service.GetLoan(r.Context(), api.Tenant(r), loanID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	var (
		f   domain.LoanFilter
		err error
	)
	if f.PatronID, err = uuidQuery(r, "patron_id"); err != nil {
		api.WriteError(w, err)
		return
	}
	if f.ItemID, err = uuidQuery(r, "item_id"); err != nil {
		api.WriteError(w, err)
		return
	}
	f.Status = domain.LoanStatus(r.URL.Query().Get("status"))
	if raw := r.URL.Query().Get("overdue"); raw != "" {
		overdue, err := strconv.ParseBool(raw)
		if err != nil {
			api.WriteError(w, apperr.ErrInvalidInput.With("overdue must be a boolean"))
			return
		}
		f.Overdue = &overdue
	}

	page, err := h.service.ListLoans(r.Context(), api.Tenant(r), f, pageQuery(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) HandleDeclareLost(w http.ResponseWriter, r *http.Request) {
	h.handleLoss(w, r, h.service.DeclareLost)
}

func (h *Handler) HandleDeclareDamaged(w http.ResponseWriter, r *http.Request) {
	h.handleLoss(w, r, h.service.DeclareDamaged)
}

func (h *Handler) handleLoss(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.TenantID, uuid.UUID) (*LossOutcome, error)) {
	loanID, err := api.UUIDParam(r, "loanID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	out, err := op(r.Context(), api.Tenant(r), loanID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleReceiveInTransit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemBarcode string `json:"item_barcode" validate:"required"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	out, err := h.service.ReceiveInTransit(r.Context(), api.Tenant(r), req.ItemBarcode)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) HandlePlaceHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatronID       uuid.UUID          `json:"patron_id" validate:"required"`
		ItemID         uuid.UUID          `json:"item_id" validate:"required"`
		Type           domain.RequestType `json:"request_type" validate:"required,oneof=HOLD RECALL PAGE"`
		PickupLocation string             `json:"pickup_location"`
		Expiration     *time.Time         `json:"expiration_date"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	hold, err := h.service.PlaceHold(r.Context(), holds.PlaceInput{
		Tenant:         api.Tenant(r),
		PatronID:       req.PatronID,
		ItemID:         req.ItemID,
		Type:           req.Type,
		PickupLocation: req.PickupLocation,
		Expiration:     req.Expiration,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, hold)
}

func (h *Handler) HandleCancelHold(w http.ResponseWriter, r *http.Request) {
	requestID, err := api.UUIDParam(r, "requestID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
	}
	if err := h.service.CancelHold(r.Context(), api.Tenant(r), requestID, req.Reason); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	var (
		f   domain.RequestFilter
		err error
	)
	if f.PatronID, err = uuidQuery(r, "patron_id"); err != nil {
		api.WriteError(w, err)
		return
	}
	if f.ItemID, err = uuidQuery(r, "item_id"); err != nil {
		api.WriteError(w, err)
		return
	}
	f.Status = domain.RequestStatus(r.URL.Query().Get("status"))

	page, err := h.service.ListRequests(r.Context(), api.Tenant(r), f, pageQuery(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) HandleChargeFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatronID    uuid.UUID      `json:"patron_id" validate:"required"`
		LoanID      *uuid.UUID     `json:"loan_id"`
		ItemID      *uuid.UUID     `json:"item_id"`
		Type        domain.FeeType `json:"fee_type" validate:"required"`
		Amount      string         `json:"amount" validate:"required"`
		Currency    string         `json:"currency" validate:"omitempty,len=3"`
		Description string         `json:"description"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	fee, err := h.service.ChargeFee(r.Context(), fees.ChargeInput{
		Tenant:      api.Tenant(r),
		PatronID:    req.PatronID,
		LoanID:      req.LoanID,
		ItemID:      req.ItemID,
		Type:        req.Type,
		Amount:      amount,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, fee)
}

func (h *Handler) HandlePayFee(w http.ResponseWriter, r *http.Request) {
	feeID, err := api.UUIDParam(r, "feeID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req struct {
		Method domain.PaymentMethod `json:"method" validate:"required"`
		Amount string               `json:"amount" validate:"required"`
		Note   string               `json:"note"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	payment, err := h.service.PayFee(r.Context(), api.Tenant(r), feeID, req.Method, amount, req.Note)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, payment)
}

func (h *Handler) HandleWaiveFee(w http.ResponseWriter, r *http.Request) {
	feeID, err := api.UUIDParam(r, "feeID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req struct {
		Method domain.PaymentMethod `json:"method" validate:"omitempty,oneof=WAIVE FORGIVE"`
		Amount string               `json:"amount"`
		Reason string               `json:"reason"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	var amount *decimal.Decimal
	if req.Amount != "" {
		d, err := parseAmount(req.Amount)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		amount = &d
	}

	payment, err := h.service.WaiveFee(r.Context(), api.Tenant(r), feeID, req.Method, amount, req.Reason)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, payment)
}

func (h *Handler) HandleFeeSummary(w http.ResponseWriter, r *http.Request) {
	patronID, err := api.UUIDParam(r, "patronID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	summary, err := h.service.PatronFeeSummary(r.Context(), api.Tenant(r), patronID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, summary)
}
