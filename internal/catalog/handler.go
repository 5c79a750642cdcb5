// internal/catalog/handler.go
package catalog

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/api"
	"github.com/libranexus/circulation/internal/domain"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the item endpoints on a router scoped to /tenants/{tenant}.
func (h *Handler) Register(r chi.Router) {
	r.Post("/items", h.HandleAddItem)
	r.Get("/items", h.HandleFindItem)
	r.Get("/items/{itemID}", h.HandleGetItem)
	r.Post("/items/{itemID}/missing", h.HandleMarkMissing)
	r.Post("/items/{itemID}/withdrawal", h.HandleWithdraw)
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemInput
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	req.Tenant = api.Tenant(r)

	item, err := h.service.AddItem(r.Context(), req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, item)
}

func (h *Handler) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := api.UUIDParam(r, "itemID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	item, err := h.service.GetItem(r.Context(), api.Tenant(r), id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, item)
}

func (h *Handler) HandleFindItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItemByBarcode(r.Context(), api.Tenant(r), r.URL.Query().Get("barcode"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, item)
}

func (h *Handler) HandleMarkMissing(w http.ResponseWriter, r *http.Request) {
	h.handleRetire(w, r, h.service.MarkMissing)
}

func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleRetire(w, r, h.service.Withdraw)
}

func (h *Handler) handleRetire(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.TenantID, uuid.UUID) (*StatusChange, error)) {
	id, err := api.UUIDParam(r, "itemID")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	out, err := op(r.Context(), api.Tenant(r), id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}
