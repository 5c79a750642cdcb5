// internal/api/params.go
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
)

// Tenant reads the {tenant} path parameter.
func Tenant(r *http.Request) domain.TenantID {
	return domain.TenantID(chi.URLParam(r, "tenant"))
}

// UUIDParam parses the named path parameter as an identifier.
func UUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.ErrInvalidInput.With("%s is not a valid id", name)
	}
	return id, nil
}
