package tutor

import (
	"errors"
	"strings"
)

var (
	// ErrValidation marks malformed input. No state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers unknown profiles and sessions, sessions owned by
	// another profile, and ended sessions named explicitly in a send.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable means the language model failed or timed out.
	ErrUpstreamUnavailable = errors.New("language model unavailable")
)

// ValidationError lists the offending fields.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Reason + ": " + strings.Join(e.Fields, ", ")
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
