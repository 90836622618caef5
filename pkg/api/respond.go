package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"repro_market/pkg/market"
	"repro_market/pkg/marketplace"
	"repro_market/pkg/security"
	"repro_market/pkg/storage"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the JSON envelope of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error kind and describes it.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}

// readJSON decodes the request body into v. An empty body leaves v as is.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

var errorStatuses = []struct {
	kind   error
	status int
	code   string
}{
	{security.ErrMissingToken, http.StatusUnauthorized, "Unauthorized"},
	{security.ErrInvalidToken, http.StatusUnauthorized, "Unauthorized"},
	{security.ErrInvalidCredentials, http.StatusUnauthorized, "Unauthorized"},
	{marketplace.ErrHandleTaken, http.StatusConflict, "HandleTaken"},
	{market.ErrNotFound, http.StatusNotFound, "NotFound"},
	{storage.ErrNotFound, http.StatusNotFound, "NotFound"},
	{marketplace.ErrValidatorNotFound, http.StatusNotFound, "NotFound"},
	{market.ErrInvalidState, http.StatusConflict, "InvalidState"},
	{market.ErrClaimNotExpired, http.StatusConflict, "ClaimNotExpired"},
	{storage.ErrConflict, http.StatusConflict, "Conflict"},
	{market.ErrInsufficientStake, http.StatusPaymentRequired, "InsufficientStake"},
	{market.ErrNotClaimant, http.StatusForbidden, "NotClaimant"},
	{market.ErrNotAuditClaimant, http.StatusForbidden, "NotAuditClaimant"},
	{market.ErrSubmitterMismatch, http.StatusForbidden, "SubmitterMismatch"},
	{market.ErrSelfAuditForbidden, http.StatusForbidden, "SelfAuditForbidden"},
	{market.ErrInvalidInput, http.StatusBadRequest, "InvalidInput"},
	{storage.ErrInvalidKey, http.StatusBadRequest, "InvalidInput"},
}

// statusFor maps an operation error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.kind) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "Internal"
}
