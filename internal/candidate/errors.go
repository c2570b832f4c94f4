package candidate

// ValidationError reports bad or missing caller input. It maps to a 4xx
// response and never aborts other work in flight.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError wraps a message in a ValidationError.
func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}
