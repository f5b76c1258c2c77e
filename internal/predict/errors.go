package predict

import (
	"errors"
	"fmt"
)

// Failure kinds. Match them with errors.Is.
var (
	ErrArtifactsUnavailable = errors.New("artifacts unavailable")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInferenceFailed      = errors.New("inference failed")
)

// Error carries a failure kind together with its cause. Its message is the
// text reported to clients.
type Error struct {
	Kind  error
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func invalidInput(field string, err error) error {
	return &Error{Kind: ErrInvalidInput, Field: field, Err: err}
}

func inferenceFailed(stage string, err error) error {
	return &Error{Kind: ErrInferenceFailed, Err: fmt.Errorf("%s: %w", stage, err)}
}

// Outcome names a prediction result for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrArtifactsUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "inference_failed"
	}
}
