package diskstream

import "fmt"

// Error values for transfer operations
var (
	// ErrArgument is returned when a required parameter is missing
	ErrArgument = &TransferError{Code: "ARGUMENT_MISSING", Message: "missing required argument"}

	// ErrUnsupported is returned for protocol/endpoint or format combinations that are not implemented
	ErrUnsupported = &TransferError{Code: "UNSUPPORTED_COMBINATION", Message: "unsupported combination"}

	// ErrFraming is returned when a serializer or decoder meets bytes or elements it cannot represent
	ErrFraming = &TransferError{Code: "FRAMING_ERROR", Message: "framing error"}

	// ErrTransport is returned when the underlying transport fails
	ErrTransport = &TransferError{Code: "TRANSPORT_ERROR", Message: "transport failure"}

	// ErrRejected is returned when the remote end refuses the transfer
	ErrRejected = &TransferError{Code: "REMOTE_REJECTED", Message: "remote rejected transfer"}
)

// TransferError represents a structured error in transfer operations
type TransferError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *TransferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *TransferError) Unwrap() error {
	return e.Cause
}

// WithCause adds a cause to the error
func (e *TransferError) WithCause(cause error) *TransferError {
	return &TransferError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *TransferError) WithDetail(key string, value interface{}) *TransferError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &TransferError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *TransferError) WithMessage(message string) *TransferError {
	return &TransferError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// NewArgumentError reports a missing required argument
func NewArgumentError(name string) error {
	return ErrArgument.WithDetail("argument", name)
}

// NewUnsupportedError reports a combination this engine does not implement
func NewUnsupportedError(message string) error {
	return ErrUnsupported.WithMessage(message)
}

// NewFramingError reports malformed framing or an unexpected element kind
func NewFramingError(message string) error {
	return ErrFraming.WithMessage(message)
}

// NewTransportError wraps a transport-level failure
func NewTransportError(op string, cause error) error {
	return ErrTransport.WithDetail("op", op).WithCause(cause)
}

// NewRejectedError carries the remote's reason phrase
func NewRejectedError(reason string) error {
	return ErrRejected.WithDetail("reason", reason).WithMessage("remote rejected transfer: " + reason)
}

// IsTransferError checks if an error is a TransferError
func IsTransferError(err error) bool {
	_, ok := err.(*TransferError)
	return ok
}

// GetErrorCode extracts the error code from a TransferError
func GetErrorCode(err error) string {
	if terr, ok := err.(*TransferError); ok {
		return terr.Code
	}
	return ""
}
