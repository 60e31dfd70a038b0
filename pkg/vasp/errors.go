package vasp

import (
	"errors"
	"fmt"
)

// ErrMissingFile is returned when a required solver file is absent.
var ErrMissingFile = errors.New("file not found")

// ParseError reports missing or malformed solver file content.
type ParseError struct {
	File string
	Line int // 1-based; 0 when not line specific
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("vasp: parse %s:%d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("vasp: parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
