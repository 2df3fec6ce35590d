package contract

import (
	"errors"
	"fmt"
)

// Kind classifies a contract failure.
type Kind string

const (
	// KindAmbiguousOrMissing means zero or several candidate blocks were found.
	KindAmbiguousOrMissing Kind = "ambiguous_or_missing"
	// KindDecode means the candidate was not valid JSON for the role.
	KindDecode Kind = "decode"
	// KindSchema means the decoded output violated the role's schema.
	KindSchema Kind = "schema"
)

// BlockedReason is the summary of the envelope synthesized when negotiation
// runs out of attempts.
const BlockedReason = "could not produce a valid structured response"

// Error is a malformed or ambiguous structured response.
type Error struct {
	Role   string
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contract %s (%s): %s: %v", e.Kind, e.Role, e.Detail, e.Err)
	}
	return fmt.Sprintf("contract %s (%s): %s", e.Kind, e.Role, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Corrective returns the instruction appended to the next prompt.
func (e *Error) Corrective() string {
	switch e.Kind {
	case KindAmbiguousOrMissing:
		return fmt.Sprintf("Your previous response was rejected: %s. Respond with exactly one JSON object matching the required format, with no other JSON blocks.", e.Detail)
	case KindDecode:
		return fmt.Sprintf("Your previous response was not valid JSON (%v). Respond with ONLY a JSON object matching the required format.", e.Err)
	default:
		return fmt.Sprintf("Your previous response did not match the required format: %s. Fix these fields and respond with ONLY the corrected JSON object.", e.Detail)
	}
}

// IsContractError reports whether err is or wraps a contract Error.
func IsContractError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
