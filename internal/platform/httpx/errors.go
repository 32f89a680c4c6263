// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrDuplicate  = errors.New("duplicate entry")
	ErrValidation = errors.New("validation failed")
)

// Rule maps a domain error onto a problem response. RetryAfter, when set,
// is sent as the Retry-After header.
type Rule struct {
	Target     error
	Status     int
	Title      string
	RetryAfter time.Duration
}

// RespondError maps err using rules first, then the package sentinels.
// Unmatched errors become a detail-less 500. It returns the status written.
func RespondError(w http.ResponseWriter, err error, rules ...Rule) int {
	for _, rule := range rules {
		if errors.Is(err, rule.Target) {
			if rule.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(rule.RetryAfter.Seconds())))
			}
			Problem(w, rule.Status, rule.Title, err.Error())
			return rule.Status
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return http.StatusBadRequest
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return http.StatusInternalServerError
	}
}
