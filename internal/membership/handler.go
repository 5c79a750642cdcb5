// internal/membership/handler.go
package membership

import (
	"net/http"
	"time"

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

// Register mounts the patron endpoints on a router scoped to /tenants/{tenant}.
func (h *Handler) Register(r chi.Router) {
	r.Post("/patron-groups", h.HandleAddGroup)
	r.Post("/patrons", h.HandleRegisterPatron)
	r.Get("/patrons/{patronID}", h.HandleGetPatron)
	r.Put("/patrons/{patronID}/group", h.HandleUpdateGroup)
	r.Post("/patrons/{patronID}/deactivation", h.HandleDeactivate)
	r.Post("/patrons/{patronID}/renewal", h.HandleRenewMembership)
}

func (h *Handler) HandleAddGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code" validate:"required"`
		Description string `json:"description"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	g, err := h.service.AddPatronGroup(r.Context(), domain.PatronGroup{
		TenantID:    api.Tenant(r),
		Code:        req.Code,
		Description: req.Description,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, g)
}

func (h *Handler) HandleRegisterPatron(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	req.Tenant = api.Tenant(r)

	patron, err := h.service.RegisterPatron(r.Context(), req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, patron)
}

func (h *Handler) HandleGetPatron(w http.ResponseWriter, r *http.Request) {
	id, err := api.UUIDParam(r, "patronID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	patron, err := h.service.GetPatron(r.Context(), api.Tenant(r), id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, patron)
}

func (h *Handler) HandleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := api.UUIDParam(r, "patronID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req struct {
		PatronGroup string `json:"patron_group" validate:"required"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	patron, err := h.service.UpdatePatronGroup(r.Context(), api.Tenant(r), id, req.PatronGroup)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, patron)
}

func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, err := api.UUIDParam(r, "patronID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	patron, err := h.service.Deactivate(r.Context(), api.Tenant(r), id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, patron)
}

func (h *Handler) HandleRenewMembership(w http.ResponseWriter, r *http.Request) {
	id, err := api.UUIDParam(r, "patronID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req struct {
		ExpiresAt time.Time `json:"expires_at" validate:"required"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	patron, err := h.service.RenewMembership(r.Context(), api.Tenant(r), id, req.ExpiresAt)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, patron)
}
