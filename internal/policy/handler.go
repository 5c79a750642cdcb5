// internal/policy/handler.go
package policy

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/libranexus/circulation/internal/api"
	"github.com/libranexus/circulation/internal/domain"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type rulesRequest struct {
	Rules []domain.CirculationRule `json:"rules" validate:"dive"`
}

type defaultsRequest struct {
	LoanPolicy string `json:"loan_policy" validate:"required"`
	FeePolicy  string `json:"fee_policy" validate:"required"`
}

// ResolutionResponse is the effective policy pair for a resolve query.
type ResolutionResponse struct {
	LoanPolicy string  `json:"loan_policy"`
	FeePolicy  string  `json:"fee_policy"`
	RuleID     *string `json:"rule_id,omitempty"`
}

// Register mounts the policy administration endpoints on a router scoped to
// /tenants/{tenant}.
func (h *Handler) Register(r chi.Router) {
	r.Put("/loan-policies", h.HandlePutLoanPolicy)
	r.Put("/fee-policies", h.HandlePutFeePolicy)
	r.Put("/rules", h.HandlePutRules)
	r.Put("/policy-defaults", h.HandlePutDefaults)
	r.Get("/policy-resolution", h.HandleResolve)
}

func (h *Handler) HandlePutLoanPolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.LoanPolicy
	if err := api.Decode(r, &p); err != nil {
		api.WriteError(w, err)
		return
	}
	out, err := h.service.PutLoanPolicy(r.Context(), api.Tenant(r), p)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) HandlePutFeePolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.FeePolicy
	if err := api.Decode(r, &p); err != nil {
		api.WriteError(w, err)
		return
	}
	out, err := h.service.PutFeePolicy(r.Context(), api.Tenant(r), p)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) HandlePutRules(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	rules, err := h.service.PutRules(r.Context(), api.Tenant(r), req.Rules)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rulesRequest{Rules: rules})
}

func (h *Handler) HandlePutDefaults(w http.ResponseWriter, r *http.Request) {
	var req defaultsRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	if err := h.service.PutDefaults(r.Context(), api.Tenant(r), req.LoanPolicy, req.FeePolicy); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.service.Resolve(r.Context(), Query{
		Tenant:       api.Tenant(r),
		PatronGroup:  q.Get("patron_group"),
		MaterialType: q.Get("material_type"),
		Location:     q.Get("location"),
		ItemStatus:   domain.ItemStatus(q.Get("item_status")),
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	out := ResolutionResponse{LoanPolicy: res.Loan.Code, FeePolicy: res.Fee.Code}
	if res.RuleID != nil {
		id := res.RuleID.String()
		out.RuleID = &id
	}
	api.WriteJSON(w, http.StatusOK, out)
}
