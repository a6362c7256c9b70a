package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is the root of every configuration-time error:
	// malformed trees, unknown operators or fields, version invariants.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDepthExceeded is returned when a tree is deeper than the evaluator's ceiling.
	ErrDepthExceeded = errors.New("condition tree exceeds maximum depth")

	// ErrUnknownOperator is returned when evaluation meets an operator outside the fixed set.
	ErrUnknownOperator = errors.New("unknown operator")
)

// ConfigurationError reports a rule that must not be persisted.
type ConfigurationError struct {
	Path   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	return msg + ": " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfiguration }

// EvaluationFault reports a tree that could not be evaluated. The candidate
// owning the tree is treated as failed; the batch carries on.
type EvaluationFault struct {
	Path string
	Err  error
}

func (e *EvaluationFault) Error() string {
	return fmt.Sprintf("evaluation fault at %s: %v", e.Path, e.Err)
}

func (e *EvaluationFault) Unwrap() error { return e.Err }

// IsEvaluationFault reports whether err is (or wraps) an EvaluationFault.
func IsEvaluationFault(err error) bool {
	var f *EvaluationFault
	return errors.As(err, &f)
}
