package lifecycle

import (
	"errors"
	"fmt"
)

// Code is the client-facing error taxonomy. Validation and idempotency
// conflicts are terminal; broker errors are retryable with the same key
// because the ledger only stores terminal successes.
type Code string

const (
	CodeInvalidSchema      Code = "INVALID_SCHEMA"
	CodeRiskSizing         Code = "RISK_SIZING_ERROR"
	CodeRoutingUnavailable Code = "ROUTING_UNAVAILABLE"
	CodeBrokerDown         Code = "BROKER_DOWN"
	CodeDuplicateIntent    Code = "DUPLICATE_INTENT"
	CodePositionNotFound   Code = "POSITION_NOT_FOUND"
	CodeUnsupportedFeature Code = "UNSUPPORTED_FEATURE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from any error chain; unclassified
// errors map to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
