package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"orderdesk/backend/internal/store"
)

type errorKind struct {
	target error
	status int
	code   string
}

// errorKinds is checked in order; the first match wins. A role mismatch on a
// real edge wraps both ErrUnauthorized and ErrIllegalTransition and must map
// to 403.
var errorKinds = []errorKind{
	{store.ErrConcurrencyConflict, http.StatusConflict, "CONCURRENCY_CONFLICT"},
	{store.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
	{store.ErrIllegalTransition, http.StatusConflict, "ILLEGAL_TRANSITION"},
	{store.ErrReasonRequired, http.StatusBadRequest, "REASON_REQUIRED"},
	{store.ErrInvalidQuantity, http.StatusBadRequest, "INVALID_QUANTITY"},
	{store.ErrEmptyCart, http.StatusUnprocessableEntity, "EMPTY_CART"},
	{store.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
	{store.ErrVariantNotFound, http.StatusNotFound, "VARIANT_NOT_FOUND"},
	{store.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{store.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
}

// writeServiceError maps a service error onto the HTTP error contract.
// Anything outside the known taxonomy becomes a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *store.InsufficientStockError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      err.Error(),
			"code":       "INSUFFICIENT_STOCK",
			"variant_id": insufficient.VariantID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
		})
		return
	}
	if errors.Is(err, store.ErrInsufficientStock) {
		writeCodedError(w, r, http.StatusConflict, "INSUFFICIENT_STOCK", err)
		return
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind.target) {
			writeCodedError(w, r, kind.status, kind.code, err)
			return
		}
	}
	writeCodedError(w, r, http.StatusInternalServerError, "INTERNAL", err)
}

// writeValidationError reports validator failures per JSON field.
func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "code": "INVALID_INPUT"})
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"code":   "INVALID_INPUT",
		"fields": fields,
	})
}
