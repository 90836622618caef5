package market

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("work order not found")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrInsufficientStake  = errors.New("insufficient balance to stake")
	ErrNotClaimant        = errors.New("actor is not the claimant")
	ErrNotAuditClaimant   = errors.New("actor is not the audit claimant")
	ErrSubmitterMismatch  = errors.New("submitter does not match claimant")
	ErrSelfAuditForbidden = errors.New("claimant cannot audit own work order")
	ErrInvalidInput       = errors.New("invalid input")
	ErrClaimNotExpired    = errors.New("claim has not expired")
)

// Error is returned by every failed marketplace operation. Kind is one of the
// sentinel errors above, so callers can match with errors.Is.
type Error struct {
	Kind    error
	OrderID string
	Msg     string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "market: " + e.Kind.Error()
	if e.OrderID != "" {
		msg += fmt.Sprintf(" (order %s)", e.OrderID)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

func failf(kind error, orderID, format string, args ...any) error {
	return &Error{Kind: kind, OrderID: orderID, Msg: fmt.Sprintf(format, args...)}
}

var codes = []struct {
	kind error
	code string
}{
	{ErrNotFound, "NotFound"},
	{ErrInvalidState, "InvalidState"},
	{ErrInsufficientStake, "InsufficientStake"},
	{ErrNotClaimant, "NotClaimant"},
	{ErrNotAuditClaimant, "NotAuditClaimant"},
	{ErrSubmitterMismatch, "SubmitterMismatch"},
	{ErrSelfAuditForbidden, "SelfAuditForbidden"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrClaimNotExpired, "ClaimNotExpired"},
}

// Code returns the stable error-kind name for err, or "" if err is not a
// marketplace error.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return ""
}
