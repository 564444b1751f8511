package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shifta/marketplace-engine/engine"
)

const kindUnauthenticated = "Unauthenticated"

// ErrorBody is the envelope of every error response.
type ErrorBody struct {
	Error ErrorDTO `json:"error"`
}

type ErrorDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var statusByKind = map[string]int{
	engine.KindPermissionDenied:       http.StatusForbidden,
	engine.KindInvalidState:           http.StatusConflict,
	engine.KindInvalidTransition:      http.StatusConflict,
	engine.KindScheduleClash:          http.StatusConflict,
	engine.KindInsufficientFunds:      http.StatusPaymentRequired,
	engine.KindInvalidAmount:          http.StatusBadRequest,
	engine.KindRateTooLow:             http.StatusUnprocessableEntity,
	engine.KindOutOfGeofence:          http.StatusUnprocessableEntity,
	engine.KindInvalidQRCode:          http.StatusUnprocessableEntity,
	engine.KindNoConfirmedApplication: http.StatusNotFound,
	engine.KindNotFound:               http.StatusNotFound,
	engine.KindInvalidInput:           http.StatusBadRequest,
	engine.KindInternal:               http.StatusInternalServerError,
}

// StatusOf maps an engine error kind to its HTTP status.
func StatusOf(kind string) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError classifies err and writes the envelope. Internal errors get a
// generic message; the detail goes to the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	message := err.Error()

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		kind = engine.KindInvalidInput
		message = describeValidation(verrs)
	}

	status := StatusOf(kind)
	if status >= 500 {
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		message = "internal error"
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDTO{Kind: kind, Message: message}})
}

func writeAuthError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: ErrorDTO{Kind: kindUnauthenticated, Message: err.Error()}})
}

func describeValidation(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Field() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, msg)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}
