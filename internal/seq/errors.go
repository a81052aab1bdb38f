package seq

import (
	"errors"
	"fmt"
)

var (
	ErrMissingHeader      = errors.New("sequence has no header line")
	ErrDuplicateHeader    = errors.New("sequence contains multiple header definitions")
	ErrUnsupportedVersion = errors.New("sequence versions below or equal to 3 are unsupported")
	ErrEmptyName          = errors.New("sequence has no name")
	ErrMalformedLine      = errors.New("malformed line")
	ErrRegistrationLayer  = errors.New("sequence registers more than one layer")
	ErrUnsupportedKind    = errors.New("sequence type not supported")
	ErrStatsRedefined     = errors.New("redefinition of stats on an image layer")
	ErrUnknownFrame       = errors.New("reference to a non-existent frame")
	ErrUnknownLayer       = errors.New("reference to an undeclared layer")
)

// ParseError reports a fatal grammar violation and the 1-based line it occurred on.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sequence line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
