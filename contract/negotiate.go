package contract

import (
	"context"
	"errors"
)

// DefaultCeiling is the number of parse attempts before giving up.
const DefaultCeiling = 3

// AttemptFunc invokes the worker once. corrective is empty on the first call
// and carries the previous contract failure afterwards.
type AttemptFunc func(ctx context.Context, corrective string) (string, error)

// Negotiation reports how an output was obtained.
type Negotiation struct {
	// Attempts is the number of worker calls made.
	Attempts int
	// Synthesized is true when the ceiling was hit and the output is a
	// generated blocked envelope.
	Synthesized bool
	// LastError is the final contract failure, if any.
	LastError *Error
}

// Negotiate calls attempt until its response satisfies the role contract or
// the ceiling is reached, in which case a blocked envelope is returned. Errors
// returned by attempt, such as transport failures, are passed through.
func Negotiate[T Output](ctx context.Context, role Role[T], ceiling int, attempt AttemptFunc) (T, Negotiation, error) {
	var zero T
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	var n Negotiation
	corrective := ""
	for n.Attempts < ceiling {
		if err := ctx.Err(); err != nil {
			return zero, n, err
		}
		n.Attempts++

		raw, err := attempt(ctx, corrective)
		if err != nil {
			return zero, n, err
		}

		out, err := ParseAndValidate(role, raw)
		if err == nil {
			n.LastError = nil
			return out, n, nil
		}
		var ce *Error
		if !errors.As(err, &ce) {
			return zero, n, err
		}
		n.LastError = ce
		corrective = ce.Corrective()
	}

	n.Synthesized = true
	return role.BlockedOutput(BlockedReason), n, nil
}
