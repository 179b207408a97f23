package descriptor

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed ...
	ErrMalformed = errors.New("malformed descriptor")
	// ErrUnsupportedScriptType ...
	ErrUnsupportedScriptType = errors.New("unsupported script type")
	// ErrBadBlindingRule ...
	ErrBadBlindingRule = errors.New("bad blinding rule")

	// ErrNullDerivationPath ...
	ErrNullDerivationPath = errors.New("derivation path must not be null")
	// ErrMalformedDerivationPath ...
	ErrMalformedDerivationPath = errors.New(
		"path must not start or end with a '/' and can optionally start with 'm/'",
	)
	// ErrHardenedIndex ...
	ErrHardenedIndex = errors.New("index must not be hardened")
	// ErrNullScript ...
	ErrNullScript = errors.New("script must not be null")
)

// Error is returned by Parse. Kind is one of ErrMalformed,
// ErrUnsupportedScriptType or ErrBadBlindingRule and Clause is the fragment
// of the descriptor that could not be accepted.
type Error struct {
	Kind   error
	Clause string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s in clause '%s'", e.Kind, e.Clause)
	}
	return fmt.Sprintf("%s in clause '%s': %s", e.Kind, e.Clause, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func malformed(clause, format string, args ...interface{}) *Error {
	return &Error{ErrMalformed, clause, fmt.Sprintf(format, args...)}
}

func unsupported(clause, format string, args ...interface{}) *Error {
	return &Error{ErrUnsupportedScriptType, clause, fmt.Sprintf(format, args...)}
}

func badBlinding(clause, format string, args ...interface{}) *Error {
	return &Error{ErrBadBlindingRule, clause, fmt.Sprintf(format, args...)}
}
