package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/unitledger"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`

	Shortfall     *int64 `json:"shortfall,omitempty"`
	PeriodNumbers []int  `json:"period_numbers,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client gone
}

// statusFor maps engine errors onto HTTP statuses. Business outcomes get
// 4xx codes; only unknown failures are 500.
func statusFor(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var (
		insufficient *unitledger.InsufficientUnitsError
		duplicate    *unitledger.DuplicateInvoiceError
		invalid      *unitledger.ValidationError
		config       *unitledger.ConfigurationError
		fields       validator.ValidationErrors
	)

	switch {
	case errors.As(err, &fields):
		body.Error = "invalid_request"
		if len(fields) > 0 {
			body.Field = fields[0].Field()
		}
		return http.StatusBadRequest, body

	case errors.As(err, &insufficient):
		body.Error = "insufficient_units"
		body.Shortfall = &insufficient.Shortfall
		return http.StatusPaymentRequired, body

	case errors.As(err, &duplicate):
		body.Error = "duplicate_invoice"
		body.PeriodNumbers = duplicate.PeriodNumbers
		body.InvoiceNumber = duplicate.InvoiceNumber
		return http.StatusConflict, body

	case errors.Is(err, unitledger.ErrDuplicateEvent):
		body.Error = "duplicate_event"
		return http.StatusConflict, body

	case errors.Is(err, unitledger.ErrConcurrency), errors.Is(err, unitledger.ErrVersionConflict):
		body.Error = "contended"
		return http.StatusServiceUnavailable, body

	case unitledger.IsNotFound(err):
		body.Error = "not_found"
		return http.StatusNotFound, body

	case errors.Is(err, unitledger.ErrSubscriptionExists), errors.Is(err, unitledger.ErrAlreadyExists):
		body.Error = "already_exists"
		return http.StatusConflict, body

	case errors.Is(err, unitledger.ErrInvoiceTerminal),
		errors.Is(err, unitledger.ErrInvalidTransition),
		errors.Is(err, unitledger.ErrPaymentNotSettled),
		errors.Is(err, unitledger.ErrPaymentImmutable):
		body.Error = "invalid_state"
		return http.StatusConflict, body

	case errors.As(err, &invalid):
		body.Error = "invalid_request"
		body.Field = invalid.Field
		return http.StatusBadRequest, body

	case errors.As(err, &config):
		body.Error = "invalid_configuration"
		body.Field = config.Field
		return http.StatusUnprocessableEntity, body
	}

	body.Error = "internal"
	body.Message = "internal error"
	return http.StatusInternalServerError, body
}
