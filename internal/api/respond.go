// internal/api/respond.go
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/apperr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code          string `json:"code"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Decode reads the JSON body into v and validates its struct tags.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.ErrInvalidInput.With("malformed body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.ErrInvalidInput.With("field %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return apperr.ErrInvalidInput.With("%v", err)
	}
	return nil
}

// WriteError maps err onto a status code by its kind.
func WriteError(w http.ResponseWriter, err error) {
	err = apperr.Internal(err)
	var ae *apperr.Error
	errors.As(err, &ae)

	status := StatusOf(ae)
	if ae.Kind == apperr.KindConflict {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	body := ErrorBody{Code: ae.Code, Kind: ae.Kind.String(), Message: ae.Message, CorrelationID: ae.CorrelationID}
	if ae.Kind != apperr.KindInternal {
		body.Message = ae.Error()
	}
	WriteJSON(w, status, body)
}

// StatusOf returns the HTTP status of a contract error.
func StatusOf(ae *apperr.Error) int {
	switch ae.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindPrecondition:
		if ae.Code == apperr.ErrIllegalTransition.Code {
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case apperr.KindConflict:
		if ae.Code == apperr.ErrRateLimited.Code {
			return http.StatusTooManyRequests
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
