package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func TestRespondErrorUsesRulesFirst(t *testing.T) {
	rec := httptest.NewRecorder()
	status := RespondError(rec, fmt.Errorf("wrap: %w", errBusy), Rule{Target: errBusy, Status: http.StatusConflict, Title: "Busy", RetryAfter: 5 * time.Second})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Busy", body.Title)
	require.Equal(t, "wrap: busy", body.Detail)
}

func TestRespondErrorHidesUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	require.Equal(t, http.StatusInternalServerError, RespondError(rec, errors.New("pg: connection refused")))
	require.NotContains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	require.Equal(t, http.StatusNotFound, RespondError(rec, ErrNotFound))
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var target struct {
		Reason string `json:"reason"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"x","extra":1}`))
	require.ErrorIs(t, DecodeJSON(req, &target), ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"ok"}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.Equal(t, "ok", target.Reason)
}
