package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/stepprep/stepprep/internal/access"
	"github.com/stepprep/stepprep/internal/attempt"
	"github.com/stepprep/stepprep/internal/auth"
	"github.com/stepprep/stepprep/internal/exam"
	"github.com/stepprep/stepprep/internal/payment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errStatus maps domain errors onto the HTTP taxonomy. Anything unmapped is
// an internal error; the handler logs the detail and the client gets the
// generic message.
func errStatus(err error) int {
	switch {
	case errors.Is(err, exam.ErrNotFound),
		errors.Is(err, attempt.ErrNotFound),
		errors.Is(err, attempt.ErrSectionNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, access.ErrNoPurchase):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, auth.ErrNoPassword):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountDeleted):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, attempt.ErrFinished),
		errors.Is(err, payment.ErrNotPaid),
		errors.Is(err, payment.ErrMissingMetadata):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, err error) {
	status := errStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	http.Error(w, msg, status)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}
